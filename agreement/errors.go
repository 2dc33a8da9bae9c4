package agreement

import "fmt"

// ErrorKind is the stable numeric error classification of the bridge.
// Codes are part of the external surface; never renumber.
type ErrorKind int

const (
	KindAccessDenied ErrorKind = iota + 1
	KindInitialization
	KindSerialization
	KindSigning
	KindOperationNotFound
	KindFailedToProgress
	KindEvmRequestFailed
	KindNoIndexerConsensus
	KindNotConfirmed
	KindUtxoAlreadyUsed
	KindReverted
)

// Error is the taxonomy error that crosses component boundaries.
type Error struct {
	Kind ErrorKind
	Msg  string

	// Confirmation counters, set for KindNotConfirmed only.
	CurrentConfirmations  uint32
	RequiredConfirmations uint32
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindAccessDenied:
		return "the caller has no permission to perform the action"
	case KindInitialization:
		return fmt.Sprintf("initialization failure: %s", e.Msg)
	case KindSerialization:
		return fmt.Sprintf("serializer failure: %s", e.Msg)
	case KindSigning:
		return fmt.Sprintf("signer failure: %s", e.Msg)
	case KindOperationNotFound:
		return fmt.Sprintf("operation#%s not found", e.Msg)
	case KindFailedToProgress:
		return fmt.Sprintf("operation failed to progress: %s", e.Msg)
	case KindEvmRequestFailed:
		return fmt.Sprintf("EVM request failed: %s", e.Msg)
	case KindNoIndexerConsensus:
		return "indexers did not reach consensus"
	case KindNotConfirmed:
		return fmt.Sprintf("utxo not confirmed: %d of %d confirmations",
			e.CurrentConfirmations, e.RequiredConfirmations)
	case KindUtxoAlreadyUsed:
		return "utxo is already used in a deposit"
	case KindReverted:
		return fmt.Sprintf("transaction reverted: %s", e.Msg)
	default:
		return fmt.Sprintf("bridge error kind=%d: %s", e.Kind, e.Msg)
	}
}

// Retryable reports whether the scheduler should re-run the failed step.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindFailedToProgress, KindEvmRequestFailed, KindNoIndexerConsensus, KindNotConfirmed:
		return true
	default:
		return false
	}
}

var (
	ErrAccessDenied       = &Error{Kind: KindAccessDenied}
	ErrNoIndexerConsensus = &Error{Kind: KindNoIndexerConsensus}
	ErrUtxoAlreadyUsed    = &Error{Kind: KindUtxoAlreadyUsed}
)

func Initialization(msg string) *Error {
	return &Error{Kind: KindInitialization, Msg: msg}
}

func Serialization(msg string) *Error {
	return &Error{Kind: KindSerialization, Msg: msg}
}

func Signing(msg string) *Error {
	return &Error{Kind: KindSigning, Msg: msg}
}

func OperationNotFound(id uint64) *Error {
	return &Error{Kind: KindOperationNotFound, Msg: fmt.Sprintf("%d", id)}
}

func FailedToProgress(msg string) *Error {
	return &Error{Kind: KindFailedToProgress, Msg: msg}
}

func EvmRequestFailed(msg string) *Error {
	return &Error{Kind: KindEvmRequestFailed, Msg: msg}
}

func NotConfirmed(current, required uint32) *Error {
	return &Error{
		Kind:                  KindNotConfirmed,
		CurrentConfirmations:  current,
		RequiredConfirmations: required,
	}
}

func Reverted(reason string) *Error {
	return &Error{Kind: KindReverted, Msg: reason}
}

// KindOf extracts the taxonomy kind of err, or 0 when err is not an
// agreement error.
func KindOf(err error) ErrorKind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return 0
}

// IsRetryable treats unknown errors as retryable, taxonomy errors
// per their kind.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable()
	}
	return true
}
