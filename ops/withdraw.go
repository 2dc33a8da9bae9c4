package ops

import (
	"bytes"
	"context"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	ethcommon "github.com/ethereum/go-ethereum/common"
	logger "github.com/sirupsen/logrus"

	"github.com/btfbridge-io/bridge-go/agreement"
	"github.com/btfbridge-io/bridge-go/btcman/assembler"
	"github.com/btfbridge-io/bridge-go/common"
	"github.com/btfbridge-io/bridge-go/operation"
	"github.com/btfbridge-io/bridge-go/runes"
)

type WithdrawStage string

const (
	StageCreateTxs       WithdrawStage = "create_txs"
	StageSendTransaction WithdrawStage = "send_transaction"
	StageTransactionSent WithdrawStage = "transaction_sent"
)

type AssetType string

const (
	AssetBrc20 AssetType = "brc20"
	AssetRune  AssetType = "rune"
)

// withdrawFundingTarget is the sat value the funding selection must cover
// beyond fees: postage for the asset output plus postage-sized headroom for
// the commit output.
const withdrawFundingTarget = 2 * assembler.Postage

// fundingFeeBudgetVb approximates the unsigned transaction pair's weight for
// selecting inputs; the assembler computes the exact fee afterwards.
const fundingFeeBudgetVb = 800

// WithdrawOp moves burnt wrapped value back to the bitcoin side: a BRC-20
// inscription pair or a rune transfer, then broadcast.
type WithdrawOp struct {
	Stage     WithdrawStage `json:"stage"`
	Asset     AssetType     `json:"asset"`
	Tick      string        `json:"tick,omitempty"`
	RuneId    string        `json:"rune_id,omitempty"`
	Amount    string        `json:"amount"`
	Recipient string        `json:"recipient"`
	Sender    ethcommon.Address `json:"sender"`

	// RawTxs holds the serialized transactions awaiting broadcast, in
	// broadcast order.
	RawTxs [][]byte `json:"raw_txs,omitempty"`
	TxIDs  []string `json:"tx_ids,omitempty"`

	rt *Runtime
}

// NewWithdrawal builds a withdrawal from a burn event. The burnt token's
// id256 family picks the asset type.
func NewWithdrawal(rt *Runtime, event *agreement.BurnTokenEvent) (*WithdrawOp, error) {
	op := &WithdrawOp{
		Stage:     StageCreateTxs,
		Amount:    event.Amount.String(),
		Recipient: string(event.RecipientID),
		Sender:    event.Sender,
		rt:        rt,
	}

	token := common.Id256(event.ToToken)
	if tick, err := token.Brc20Tick(); err == nil {
		op.Asset = AssetBrc20
		op.Tick = string(tick[:])
		return op, nil
	}
	if block, tx, err := token.RuneId(); err == nil {
		op.Asset = AssetRune
		op.RuneId = runes.RuneId{Block: block, Tx: tx}.String()
		return op, nil
	}
	return nil, agreement.Serialization("burnt token id belongs to no bridgeable asset family")
}

func (w *WithdrawOp) IsComplete() bool {
	return w.Stage == StageTransactionSent
}

func (w *WithdrawOp) EVMAddress() ethcommon.Address {
	return w.Sender
}

func (w *WithdrawOp) SchedulingOptions() *operation.TaskOptions {
	if w.IsComplete() {
		return nil
	}
	return operation.DefaultOperationOptions()
}

func (w *WithdrawOp) Progress(ctx context.Context, id operation.OperationId) (operation.Operation, error) {
	switch w.Stage {
	case StageCreateTxs:
		return w.progressCreateTxs(id)
	case StageSendTransaction:
		return w.progressSendTransaction(id)
	default:
		return w, nil
	}
}

func (w *WithdrawOp) feeRate() uint64 {
	rate, err := w.rt.Btc.EstimateFeeRate()
	if err != nil || rate == 0 {
		btcParams, cfgErr := w.rt.Config.BtcParams()
		if cfgErr == nil && btcParams.FeeRateSatsPerVb > 0 {
			return btcParams.FeeRateSatsPerVb
		}
		return 1
	}
	return rate
}

func (w *WithdrawOp) progressCreateTxs(id operation.OperationId) (operation.Operation, error) {
	satsPerVb := w.feeRate()
	target := uint64(withdrawFundingTarget) + satsPerVb*fundingFeeBudgetVb

	keys, details, _, ok, err := w.rt.Ledger.SelectGreedy(target)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, agreement.FailedToProgress(
			fmt.Sprintf("wallet cannot fund withdrawal: need %d sats", target))
	}

	inputs := make([]assembler.Input, len(keys))
	for i, key := range keys {
		inputs[i] = assembler.Input{
			TxID:           chainhash.Hash(key.TxID),
			Vout:           key.Vout,
			Value:          int64(details[i].Value),
			PkScript:       details[i].Script,
			DerivationPath: details[i].DerivationPath,
		}
	}

	var txs []*wire.MsgTx
	switch w.Asset {
	case AssetBrc20:
		commit, reveal, err := w.rt.Assembler.MakeBrc20TransferTxs(
			inputs, w.Tick, w.Amount, w.Recipient, satsPerVb)
		if err != nil {
			return nil, agreement.FailedToProgress(err.Error())
		}
		txs = []*wire.MsgTx{commit, reveal}
	case AssetRune:
		runeID, err := runes.RuneIdFromString(w.RuneId)
		if err != nil {
			return nil, agreement.Serialization(err.Error())
		}
		amount, ok := new(big.Int).SetString(w.Amount, 10)
		if !ok || !amount.IsUint64() {
			return nil, agreement.Serialization("rune amount out of range: " + w.Amount)
		}
		tx, err := w.rt.Assembler.MakeRuneTransferTx(
			inputs, runeID, amount.Uint64(), w.Recipient, satsPerVb)
		if err != nil {
			return nil, agreement.FailedToProgress(err.Error())
		}
		txs = []*wire.MsgTx{tx}
	default:
		return nil, agreement.Serialization(fmt.Sprintf("unknown asset type %q", w.Asset))
	}

	if err := w.rt.Ledger.Spend(keys); err != nil {
		return nil, err
	}

	next := *w
	next.Stage = StageSendTransaction
	next.RawTxs = make([][]byte, len(txs))
	next.TxIDs = make([]string, len(txs))
	for i, tx := range txs {
		var buf bytes.Buffer
		if err := tx.Serialize(&buf); err != nil {
			return nil, agreement.Serialization(err.Error())
		}
		next.RawTxs[i] = buf.Bytes()
		next.TxIDs[i] = tx.TxHash().String()
	}

	logger.WithFields(logger.Fields{
		"op":    id,
		"asset": w.Asset,
		"txs":   len(txs),
	}).Info("withdrawal transactions created")

	return &next, nil
}

func (w *WithdrawOp) progressSendTransaction(id operation.OperationId) (operation.Operation, error) {
	for i, raw := range w.RawTxs {
		tx := wire.NewMsgTx(wire.TxVersion)
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			return nil, agreement.Serialization(err.Error())
		}
		if _, err := w.rt.Btc.SendRawTx(tx); err != nil {
			// a rebroadcast of an already-known tx is fine, anything
			// else retries
			return nil, agreement.FailedToProgress(
				fmt.Sprintf("broadcast %s (%d of %d): %v", w.TxIDs[i], i+1, len(w.RawTxs), err))
		}
	}

	logger.WithFields(logger.Fields{
		"op":  id,
		"txs": w.TxIDs,
	}).Info("withdrawal broadcast")

	next := *w
	next.Stage = StageTransactionSent
	return &next, nil
}