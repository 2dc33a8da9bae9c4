// Package bridge wires the bridge components into one runnable process: the
// durable stores, the task scheduler, the EVM and BTC adapters, the
// operation state machines and the recurring services.
package bridge

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	logger "github.com/sirupsen/logrus"

	"github.com/btfbridge-io/bridge-go/agreement"
	"github.com/btfbridge-io/bridge-go/btcman/assembler"
	btcrpc "github.com/btfbridge-io/bridge-go/btcman/rpc"
	"github.com/btfbridge-io/bridge-go/config"
	"github.com/btfbridge-io/bridge-go/database"
	"github.com/btfbridge-io/bridge-go/etherman"
	"github.com/btfbridge-io/bridge-go/ethsync"
	"github.com/btfbridge-io/bridge-go/ethtxmanager"
	"github.com/btfbridge-io/bridge-go/indexer"
	"github.com/btfbridge-io/bridge-go/ledger"
	"github.com/btfbridge-io/bridge-go/logconfig"
	"github.com/btfbridge-io/bridge-go/operation"
	"github.com/btfbridge-io/bridge-go/ops"
	"github.com/btfbridge-io/bridge-go/reporter"
	"github.com/btfbridge-io/bridge-go/scheduler"
	"github.com/btfbridge-io/bridge-go/signer"
)

// Service names dispatched by HandleService.
const (
	ServiceFetchLogs     = "fetch_logs"
	ServiceSignOrders    = "sign_orders"
	ServiceMintTx        = "mint_tx"
	ServiceRefreshParams = "refresh_params"
	ServiceReapUtxos     = "reap_utxos"
)

// Config carries the process level settings; the durable bridge settings
// live in config.Storage.
type Config struct {
	DBPath        string
	BtcPrivateKey string // hex, master key of the BTC wallet

	BtcRpc btcrpc.RpcClientConfig

	ServerIP   string
	ServerPort string
}

// Bridge owns every long lived component of the process.
type Bridge struct {
	db        *sql.DB
	cfg       *config.Storage
	store     *operation.Store
	ledger    *ledger.Ledger
	scheduler *scheduler.Scheduler
	rt        *ops.Runtime
	events    *ops.EventsHandler

	eth        *etherman.Client
	btc        *btcrpc.RpcClient
	syncer     *ethsync.Syncer
	signOrders *ethtxmanager.SignOrdersService
	mintTx     *ethtxmanager.MintTxService
	refresh    *ethtxmanager.RefreshParamsService
	reporter   *reporter.HttpReporter
	sink       *logconfig.MemorySink
}

// New assembles a bridge from the process config and the durable settings
// already present in the database. The owner, evm link, bridge contract,
// signing strategy and indexer set must be configured before New succeeds.
func New(processCfg Config) (*Bridge, error) {
	db, err := database.OpenSqlite(processCfg.DBPath)
	if err != nil {
		return nil, err
	}

	cfg, err := config.NewStorage(db)
	if err != nil {
		return nil, err
	}

	sgn, err := buildSigner(cfg)
	if err != nil {
		return nil, err
	}

	evmLink, err := cfg.EvmLink()
	if err != nil {
		return nil, fmt.Errorf("evm link: %w", err)
	}
	bridgeContract, err := cfg.BridgeContract()
	if err != nil {
		return nil, fmt.Errorf("bridge contract: %w", err)
	}
	eth, err := etherman.Dial(evmLink, bridgeContract, sgn)
	if err != nil {
		return nil, err
	}

	indexers, err := cfg.Indexers()
	if err != nil {
		return nil, fmt.Errorf("indexers: %w", err)
	}
	idx, err := indexer.New(indexers.URLs, indexers.Threshold)
	if err != nil {
		return nil, err
	}

	btc, err := btcrpc.NewRpcClient(&processCfg.BtcRpc)
	if err != nil {
		return nil, err
	}

	asm, err := buildAssembler(cfg, processCfg.BtcPrivateKey)
	if err != nil {
		return nil, err
	}

	ldg, err := ledger.New(db)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		db:     db,
		cfg:    cfg,
		ledger: ldg,
		eth:    eth,
		btc:    btc,
		sink:   logconfig.NewMemorySink(0),
	}
	b.sink.Install()

	b.rt = &ops.Runtime{
		Config:    cfg,
		Ledger:    ldg,
		Indexer:   idx,
		Btc:       btc,
		Assembler: asm,
	}
	b.store, err = operation.NewStore(db, ops.NewCodec(b.rt))
	if err != nil {
		return nil, err
	}

	b.scheduler, err = scheduler.New(db, b)
	if err != nil {
		return nil, err
	}
	b.rt.Scheduler = b.scheduler

	lock := scheduler.NewTaskLock()
	b.mintTx = ethtxmanager.NewMintTxService(cfg, eth, b.store)
	b.signOrders = ethtxmanager.NewSignOrdersService(b.store, sgn, b.mintTx)
	b.rt.SignOrders = b.signOrders
	b.refresh = ethtxmanager.NewRefreshParamsService(cfg, eth, btc, lock)

	b.events = ops.NewEventsHandler(b.rt, b.store, b.scheduler)
	b.syncer = ethsync.New(cfg, eth, b.events, lock)

	b.reporter = reporter.NewHttpReporter(
		processCfg.ServerIP, processCfg.ServerPort, cfg, b.store, asm, b.sink)

	return b, nil
}

func buildSigner(cfg *config.Storage) (signer.Signer, error) {
	strat, err := cfg.Signing()
	if err != nil {
		return nil, fmt.Errorf("signing strategy: %w", err)
	}
	switch strat.Type {
	case config.SigningLocal:
		return signer.NewLocalFromHex(strat.PrivateKey)
	case config.SigningRemote:
		return signer.NewRemote(strat.Endpoint)
	default:
		return nil, fmt.Errorf("unknown signing strategy %q", strat.Type)
	}
}

func buildAssembler(cfg *config.Storage, hexKey string) (*assembler.Assembler, error) {
	btcParams, err := cfg.BtcParams()
	if err != nil {
		return nil, fmt.Errorf("btc params: %w", err)
	}
	net := assembler.NetworkParams(btcParams.Network)

	raw, err := hex.DecodeString(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("btc private key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("btc private key: want 32 bytes, got %d", len(raw))
	}
	key, _ := btcec.PrivKeyFromBytes(raw)
	return assembler.NewAssembler(net, key), nil
}

// requeueSigning repopulates the in-memory signing pipeline from the store.
// The sign and mint-tx queues do not survive a restart, so deposits that
// were waiting for a signature, or whose signed batch was never submitted,
// would otherwise hang: nothing reschedules them. Deposits caught mid-send
// are pushed back to the signing stage and signed again in a fresh batch.
func (b *Bridge) requeueSigning() error {
	ids, pending, err := b.store.Incomplete()
	if err != nil {
		return err
	}

	for i, op := range pending {
		deposit, isDeposit := op.(*ops.DepositOp)
		if !isDeposit || deposit.Order == nil {
			continue
		}
		switch deposit.Stage {
		case ops.StageSignMintOrder:
		case ops.StageSendMintOrder:
			next := *deposit
			next.Stage = ops.StageSignMintOrder
			next.Signed = nil
			if err := b.store.Update(ids[i], &next); err != nil {
				return err
			}
		default:
			continue
		}
		b.signOrders.PushOperation(ids[i], *deposit.Order)
		logger.Infof("operation %s requeued for signing", ids[i])
	}
	return nil
}

// Start enqueues the recurring services and runs the scheduler loop and the
// http reporter until the context is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.requeueSigning(); err != nil {
		return err
	}

	for _, name := range []string{
		ServiceRefreshParams, ServiceFetchLogs, ServiceSignOrders, ServiceMintTx, ServiceReapUtxos,
	} {
		if err := b.scheduler.EnsureService(name, operation.DefaultServiceOptions()); err != nil {
			return err
		}
	}

	go b.reporter.Run()

	logger.Info("bridge started")
	return b.scheduler.Run(ctx)
}

// Close releases the long lived resources.
func (b *Bridge) Close() {
	b.scheduler.Close()
	b.store.Close()
	b.cfg.Close()
	b.btc.Close()
	b.db.Close()
}

// HandleOperation runs one state machine step of the operation and persists
// the outcome. Failed steps are recorded on the operation's log before the
// scheduler retries.
func (b *Bridge) HandleOperation(ctx context.Context, id operation.OperationId) error {
	op, found, err := b.store.Get(id)
	if err != nil {
		return err
	}
	if !found {
		logger.Warnf("scheduled step for unknown operation %s dropped", id)
		return nil
	}
	if op.IsComplete() {
		return nil
	}

	next, err := op.Progress(ctx, id)
	if err != nil {
		if appendErr := b.store.AppendError(id, err.Error()); appendErr != nil {
			logger.Errorf("recording failure of operation %s: %v", id, appendErr)
		}
		if agreement.IsRetryable(err) {
			return err
		}
		// nonretryable: the step stays failed until a reschedule notification
		logger.Warnf("operation %s stopped: %v", id, err)
		return nil
	}

	if err := b.store.Update(id, next); err != nil {
		return err
	}

	// service driven stages wait for their service, others rerun here
	if opts := next.SchedulingOptions(); opts != nil && !next.IsComplete() {
		return b.scheduler.ScheduleOperation(id, opts)
	}
	return nil
}

// HandleService dispatches one run of a named recurring service.
func (b *Bridge) HandleService(ctx context.Context, name string) error {
	switch name {
	case ServiceFetchLogs:
		return b.syncer.Run(ctx)
	case ServiceSignOrders:
		return b.signOrders.Run(ctx)
	case ServiceMintTx:
		return b.mintTx.Run(ctx)
	case ServiceRefreshParams:
		return b.refresh.Run(ctx)
	case ServiceReapUtxos:
		_, err := b.ledger.Reap(ledger.UsedUtxoTTL)
		return err
	default:
		return fmt.Errorf("unknown service %q", name)
	}
}
