package operation

import (
	"context"
	"fmt"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

// OperationId is the monotonically increasing identifier of one bridge
// operation. Its low 32 bits double as the EVM-side replay nonce.
type OperationId uint64

// Nonce returns the EVM replay nonce derived from the id.
func (id OperationId) Nonce() uint32 {
	return uint32(id)
}

func (id OperationId) String() string {
	return fmt.Sprintf("%d", uint64(id))
}

// Operation is one step of a per-operation state machine. Progress returns
// the next state; the stored state is only replaced on success.
type Operation interface {
	// Progress advances the operation by one step.
	Progress(ctx context.Context, id OperationId) (Operation, error)

	// IsComplete reports whether the operation reached a terminal state.
	IsComplete() bool

	// EVMAddress is the wallet that owns the operation.
	EVMAddress() ethcommon.Address

	// SchedulingOptions returns the task options for the next step, or nil
	// when the step is driven by a service instead of the scheduler.
	SchedulingOptions() *TaskOptions
}

// Codec turns operations into bytes and back. A bridge provides its own codec
// so that decoded operations come back wired to the bridge runtime.
type Codec interface {
	Encode(op Operation) ([]byte, error)
	Decode(data []byte) (Operation, error)
}

// BackoffType selects the retry delay policy of a task.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

type Backoff struct {
	Type       BackoffType `json:"type"`
	Secs       uint32      `json:"secs"`
	Multiplier uint32      `json:"multiplier,omitempty"`
	MaxSecs    uint32      `json:"max_secs,omitempty"`
}

// TaskOptions controls retry, backoff and timeout of a scheduled task.
type TaskOptions struct {
	MaxRetries  uint32  `json:"max_retries"`
	Backoff     Backoff `json:"backoff"`
	TimeoutSecs uint32  `json:"timeout_secs,omitempty"`
}

// DefaultOperationOptions is the progression policy of deposit and withdraw
// steps: exponential backoff from 2s, doubling, at most 5 retries.
func DefaultOperationOptions() *TaskOptions {
	return &TaskOptions{
		MaxRetries: 5,
		Backoff: Backoff{
			Type:       BackoffExponential,
			Secs:       2,
			Multiplier: 2,
			MaxSecs:    60,
		},
	}
}

// DefaultServiceOptions is the policy of periodic services: fixed short
// delay, effectively unbounded retries.
func DefaultServiceOptions() *TaskOptions {
	return &TaskOptions{
		MaxRetries: ^uint32(0),
		Backoff: Backoff{
			Type: BackoffFixed,
			Secs: 2,
		},
	}
}

// Delay computes the wait before the given retry attempt (0-based).
func (o *TaskOptions) Delay(attempt uint32) time.Duration {
	switch o.Backoff.Type {
	case BackoffExponential:
		secs := uint64(o.Backoff.Secs)
		for i := uint32(0); i < attempt; i++ {
			secs *= uint64(o.Backoff.Multiplier)
			if o.Backoff.MaxSecs > 0 && secs >= uint64(o.Backoff.MaxSecs) {
				secs = uint64(o.Backoff.MaxSecs)
				break
			}
		}
		return time.Duration(secs) * time.Second
	default:
		return time.Duration(o.Backoff.Secs) * time.Second
	}
}

// Pagination bounds a listing query.
type Pagination struct {
	Offset int
	Count  int
}
