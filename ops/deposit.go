package ops

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	ethcommon "github.com/ethereum/go-ethereum/common"
	logger "github.com/sirupsen/logrus"

	"github.com/btfbridge-io/bridge-go/agreement"
	"github.com/btfbridge-io/bridge-go/btcman/assembler"
	"github.com/btfbridge-io/bridge-go/common"
	"github.com/btfbridge-io/bridge-go/ledger"
	"github.com/btfbridge-io/bridge-go/operation"
	"github.com/btfbridge-io/bridge-go/order"
)

type DepositStage string

const (
	StageAwaitInputs        DepositStage = "await_inputs"
	StageAwaitConfirmations DepositStage = "await_confirmations"
	StageSignMintOrder      DepositStage = "sign_mint_order"
	StageSendMintOrder      DepositStage = "send_mint_order"
	StageConfirmMintOrder   DepositStage = "confirm_mint_order"
	StageMintOrderConfirmed DepositStage = "mint_order_confirmed"
)

// DepositUtxo is one discovered input of a deposit, as reported by the
// indexer quorum.
type DepositUtxo struct {
	TxID  string `json:"txid"`
	Vout  uint32 `json:"vout"`
	Value uint64 `json:"value"`
}

// DepositOp carries one deposit through discovery, confirmation, order
// signing, minting and confirmation.
type DepositOp struct {
	Stage   DepositStage              `json:"stage"`
	Request agreement.DepositRequest  `json:"request"`
	Utxos   []DepositUtxo             `json:"utxos,omitempty"`
	Order   *order.MintOrder          `json:"order,omitempty"`
	Signed  *order.SignedOrders       `json:"signed,omitempty"`
	TxHash  ethcommon.Hash            `json:"tx_hash,omitempty"`
	Event   *agreement.MintTokenEvent `json:"event,omitempty"`

	rt *Runtime
}

func NewDeposit(rt *Runtime, request agreement.DepositRequest) *DepositOp {
	return &DepositOp{
		Stage:   StageAwaitInputs,
		Request: request,
		rt:      rt,
	}
}

func (d *DepositOp) IsComplete() bool {
	return d.Stage == StageMintOrderConfirmed
}

func (d *DepositOp) EVMAddress() ethcommon.Address {
	return d.Request.DstAddress
}

// SchedulingOptions is nil for the stages that services drive: the scheduler
// only re-runs the discovery and confirmation steps.
func (d *DepositOp) SchedulingOptions() *operation.TaskOptions {
	switch d.Stage {
	case StageAwaitInputs, StageAwaitConfirmations:
		return operation.DefaultOperationOptions()
	default:
		return nil
	}
}

func (d *DepositOp) Progress(ctx context.Context, id operation.OperationId) (operation.Operation, error) {
	switch d.Stage {
	case StageAwaitInputs:
		return d.progressAwaitInputs(ctx)
	case StageAwaitConfirmations:
		return d.progressAwaitConfirmations(ctx, id)
	default:
		// signing, minting and confirmation are flipped by services
		return d, nil
	}
}

func (d *DepositOp) depositAddress() (string, error) {
	path := assembler.DerivationPathFromAddress(d.Request.DstAddress)
	addr, err := d.rt.Assembler.DepositAddress(path)
	if err != nil {
		return "", agreement.Initialization(err.Error())
	}
	return addr.String(), nil
}

func (d *DepositOp) progressAwaitInputs(ctx context.Context) (operation.Operation, error) {
	depositAddr, err := d.depositAddress()
	if err != nil {
		return nil, err
	}

	utxos, err := d.rt.Indexer.AddressUtxos(ctx, depositAddr)
	if err != nil {
		return nil, err
	}
	if len(utxos) == 0 {
		return nil, agreement.FailedToProgress("no inputs on deposit address " + depositAddr)
	}

	next := *d
	next.Stage = StageAwaitConfirmations
	next.Utxos = make([]DepositUtxo, len(utxos))
	for i, u := range utxos {
		next.Utxos[i] = DepositUtxo{TxID: u.TxID, Vout: u.Vout, Value: u.Value}
	}
	return &next, nil
}

func (d *DepositOp) progressAwaitConfirmations(ctx context.Context, id operation.OperationId) (operation.Operation, error) {
	btcParams, err := d.rt.Config.BtcParams()
	if err != nil {
		return nil, agreement.Initialization(err.Error())
	}

	for _, u := range d.Utxos {
		confirmations, err := d.rt.Btc.GetTxConfirmations(u.TxID)
		if err != nil {
			return nil, agreement.FailedToProgress(err.Error())
		}
		if confirmations < btcParams.MinConfirmations {
			return nil, agreement.NotConfirmed(confirmations, btcParams.MinConfirmations)
		}
	}

	depositAddr, err := d.depositAddress()
	if err != nil {
		return nil, err
	}
	tick := d.Request.Tick.String()

	info, err := d.rt.Indexer.TokenInfo(ctx, tick)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(info.Ticker, tick) {
		return nil, agreement.FailedToProgress(
			fmt.Sprintf("indexer returned token %q for tick %q", info.Ticker, tick))
	}

	balance, err := d.rt.Indexer.Balance(ctx, depositAddr, tick)
	if err != nil {
		return nil, err
	}
	available, err := parseTokenAmount(balance.OverallBalance, info.Decimals)
	if err != nil {
		return nil, agreement.Serialization(err.Error())
	}
	if available.Cmp(d.Request.Amount) < 0 {
		return nil, agreement.FailedToProgress(
			fmt.Sprintf("deposit balance %s below requested %s", available, d.Request.Amount))
	}

	// the single atomicity point: once the inputs are in the used registry
	// this deposit can never mint twice
	keys, err := d.utxoKeys()
	if err != nil {
		return nil, agreement.Serialization(err.Error())
	}
	if err := d.rt.Ledger.MarkUsed(keys, []byte(depositAddr)); err != nil {
		return nil, err
	}
	if err := d.absorbInputs(keys); err != nil {
		return nil, err
	}

	evmParams, err := d.rt.Config.EvmParams()
	if err != nil {
		return nil, agreement.Initialization(err.Error())
	}

	mintOrder := order.MintOrder{
		Amount:           d.Request.Amount,
		Sender:           common.Id256FromBtcAddress(depositAddr),
		SrcToken:         common.Id256FromBrc20Tick(d.Request.Tick),
		Recipient:        d.Request.DstAddress,
		DstToken:         d.Request.DstToken,
		Nonce:            id.Nonce(),
		SenderChainID:    0,
		RecipientChainID: uint32(evmParams.ChainID),
		Name:             order.FitName(info.Ticker),
		Symbol:           order.FitSymbol(info.Ticker),
		Decimals:         info.Decimals,
		ApproveSpender:   d.Request.ApproveSpender,
		ApproveAmount:    d.Request.ApproveAmount,
		FeePayer:         d.Request.DstAddress,
	}

	logger.WithFields(logger.Fields{
		"op":   id,
		"tick": tick,
	}).Info("deposit confirmed, mint order created")

	next := *d
	next.Stage = StageSignMintOrder
	next.Order = &mintOrder
	d.rt.SignOrders.PushOperation(id, mintOrder)
	return &next, nil
}

func (d *DepositOp) utxoKeys() ([]ledger.UtxoKey, error) {
	keys := make([]ledger.UtxoKey, len(d.Utxos))
	for i, u := range d.Utxos {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, err
		}
		copy(keys[i].TxID[:], hash[:])
		keys[i].Vout = u.Vout
	}
	return keys, nil
}

// absorbInputs records the consumed deposit outputs as wallet funds, so
// later withdrawals can spend them.
func (d *DepositOp) absorbInputs(keys []ledger.UtxoKey) error {
	path := assembler.DerivationPathFromAddress(d.Request.DstAddress)
	addr, err := d.rt.Assembler.DepositAddress(path)
	if err != nil {
		return agreement.Initialization(err.Error())
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return agreement.Initialization(err.Error())
	}

	for i, key := range keys {
		err := d.rt.Ledger.Deposit(key, ledger.UtxoDetails{
			Value:          d.Utxos[i].Value,
			Script:         script,
			DerivationPath: path,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// parseTokenAmount turns a decimal balance string into integer token units.
func parseTokenAmount(s string, decimals uint8) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	parts := strings.SplitN(s, ".", 2)
	whole, ok := new(big.Int).SetString(parts[0], 10)
	if !ok {
		return nil, fmt.Errorf("bad amount %q", s)
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole.Mul(whole, scale)

	if len(parts) == 2 && parts[1] != "" {
		frac := parts[1]
		if len(frac) > int(decimals) {
			frac = frac[:decimals]
		}
		fracInt, ok := new(big.Int).SetString(frac, 10)
		if !ok {
			return nil, fmt.Errorf("bad amount %q", s)
		}
		for i := len(frac); i < int(decimals); i++ {
			fracInt.Mul(fracInt, big.NewInt(10))
		}
		whole.Add(whole, fracInt)
	}
	return whole, nil
}
