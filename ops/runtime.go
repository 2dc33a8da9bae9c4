// Package ops holds the bridge's per-operation state machines: deposits of
// BRC-20/rune value into wrapped EVM tokens and withdrawals back out. Each
// operation is a small FSM persisted after every successful step.
package ops

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/btfbridge-io/bridge-go/btcman/assembler"
	"github.com/btfbridge-io/bridge-go/config"
	"github.com/btfbridge-io/bridge-go/indexer"
	"github.com/btfbridge-io/bridge-go/ledger"
	"github.com/btfbridge-io/bridge-go/operation"
	"github.com/btfbridge-io/bridge-go/order"
)

// inputIndexer is the quorum indexer surface the deposit flow uses.
type inputIndexer interface {
	AddressUtxos(ctx context.Context, address string) ([]indexer.Utxo, error)
	Balance(ctx context.Context, address, tick string) (indexer.Brc20Balance, error)
	TokenInfo(ctx context.Context, tick string) (indexer.Brc20TokenInfo, error)
}

// btcAdapter is the bitcoin node surface the FSMs use.
type btcAdapter interface {
	GetTxConfirmations(txID string) (uint32, error)
	SendRawTx(tx *wire.MsgTx) (*chainhash.Hash, error)
	EstimateFeeRate() (uint64, error)
}

// orderSigner accepts mint orders for batch signing.
type orderSigner interface {
	PushOperation(id operation.OperationId, ord order.MintOrder)
}

// taskScheduler re-enqueues follow-up steps.
type taskScheduler interface {
	ScheduleOperation(id operation.OperationId, opts *operation.TaskOptions) error
}

// Runtime wires the state machines to the rest of the bridge. Decoded
// operations get a runtime injected by the codec before they run.
type Runtime struct {
	Config     *config.Storage
	Ledger     *ledger.Ledger
	Indexer    inputIndexer
	Btc        btcAdapter
	Assembler  *assembler.Assembler
	SignOrders orderSigner
	Scheduler  taskScheduler
}
