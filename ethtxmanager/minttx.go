package ethtxmanager

import (
	"context"
	"math/big"
	"sync"

	ethcommon "github.com/ethereum/go-ethereum/common"
	logger "github.com/sirupsen/logrus"

	"github.com/btfbridge-io/bridge-go/agreement"
	"github.com/btfbridge-io/bridge-go/config"
	"github.com/btfbridge-io/bridge-go/etherman"
	"github.com/btfbridge-io/bridge-go/operation"
	"github.com/btfbridge-io/bridge-go/ops"
	"github.com/btfbridge-io/bridge-go/order"
)

// mintSubmitter is the etherman subset the mint service needs.
type mintSubmitter interface {
	SendMintTransaction(ctx context.Context, chainID, nonce uint64, gasPrice *big.Int,
		ordersData, signature []byte) (ethcommon.Hash, error)
	TxConfirmed(ctx context.Context, txHash ethcommon.Hash) (bool, error)
}

type mintBatch struct {
	ids    []operation.OperationId
	signed *order.SignedOrders
}

// MintTxService submits signed order batches as batchMint transactions, one
// in flight at a time so the cached nonce stays coherent.
type MintTxService struct {
	mu       sync.Mutex
	queue    []mintBatch
	inFlight *ethcommon.Hash

	cfg   *config.Storage
	eth   mintSubmitter
	store *operation.Store
}

func NewMintTxService(cfg *config.Storage, eth mintSubmitter, store *operation.Store) *MintTxService {
	return &MintTxService{cfg: cfg, eth: eth, store: store}
}

// PushBatch queues a signed batch for submission.
func (s *MintTxService) PushBatch(ids []operation.OperationId, signed *order.SignedOrders) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, mintBatch{ids: ids, signed: signed})
}

// Run submits the oldest queued batch, once any earlier transaction was
// mined. A reverted in-flight transaction surfaces as an error and unblocks
// the queue.
func (s *MintTxService) Run(ctx context.Context) error {
	if done, err := s.awaitInFlight(ctx); err != nil || !done {
		return err
	}

	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.queue[0]
	s.mu.Unlock()

	params, err := s.cfg.EvmParams()
	if err != nil {
		return err
	}
	gasPrice := params.GasPrice
	if gasPrice == nil || gasPrice.Sign() == 0 {
		gasPrice = new(big.Int).Set(etherman.DefaultGasPrice)
	}

	txHash, err := s.eth.SendMintTransaction(ctx, params.ChainID, params.Nonce, gasPrice,
		batch.signed.OrdersData, batch.signed.Signature)
	if err != nil {
		return err
	}

	if _, err := s.cfg.UpdateEvmParams(func(p *config.EvmParams) {
		p.Nonce = params.Nonce + 1
	}); err != nil {
		return err
	}

	for _, id := range batch.ids {
		if err := s.markSubmitted(id, txHash); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.queue = s.queue[1:]
	s.inFlight = &txHash
	s.mu.Unlock()

	logger.WithFields(logger.Fields{
		"tx":     txHash,
		"orders": batch.signed.OrdersCount(),
		"nonce":  params.Nonce,
	}).Info("mint transaction submitted")
	return nil
}

// awaitInFlight reports whether the pipeline is free for the next batch.
func (s *MintTxService) awaitInFlight(ctx context.Context) (bool, error) {
	s.mu.Lock()
	pending := s.inFlight
	s.mu.Unlock()
	if pending == nil {
		return true, nil
	}

	confirmed, err := s.eth.TxConfirmed(ctx, *pending)
	if err != nil {
		if agreement.KindOf(err) == agreement.KindReverted {
			s.mu.Lock()
			s.inFlight = nil
			s.mu.Unlock()
		}
		return false, err
	}
	if !confirmed {
		return false, nil
	}

	s.mu.Lock()
	s.inFlight = nil
	s.mu.Unlock()
	return true, nil
}

func (s *MintTxService) markSubmitted(id operation.OperationId, txHash ethcommon.Hash) error {
	op, ok, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	deposit, isDeposit := op.(*ops.DepositOp)
	if !isDeposit || deposit.Stage != ops.StageSendMintOrder {
		return nil
	}

	next := *deposit
	next.Stage = ops.StageConfirmMintOrder
	next.TxHash = txHash
	return s.store.Update(id, &next)
}
