package operation

import (
	ethcommon "github.com/ethereum/go-ethereum/common"

	"github.com/btfbridge-io/bridge-go/agreement"
)

// MaxLogEntries bounds the history kept per operation. When the bound is hit,
// interior entries are dropped oldest-first; the creation entry and the
// latest entry always survive.
const MaxLogEntries = 64

// LogEntry records the outcome of one execution step. Either Payload (the
// encoded new state) or ErrMsg is set.
type LogEntry struct {
	TimestampNs int64
	Ok          bool
	Payload     []byte
	ErrMsg      string
}

// OperationLog is the nonempty append-only history of an operation. The
// first entry is always the successful creation entry; the current state of
// the operation is the payload of the most recent Ok entry.
type OperationLog struct {
	WalletAddress ethcommon.Address
	Memo          *agreement.Memo
	Entries       []LogEntry
}

// CurrentPayload returns the encoded state of the last successful step.
func (l *OperationLog) CurrentPayload() []byte {
	for i := len(l.Entries) - 1; i >= 0; i-- {
		if l.Entries[i].Ok {
			return l.Entries[i].Payload
		}
	}
	// the store only constructs logs with at least one Ok entry
	return nil
}
