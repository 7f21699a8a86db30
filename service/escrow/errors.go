package escrow

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the engine, the activator, and Store
// implementations. Callers distinguish retryable failures (ErrCodeMismatch,
// ErrUpstreamTransferFailed) from terminal ones (ErrInvalidTransition,
// ErrNotFound, ErrForbidden) with errors.Is.
var (
	// ErrNotFound means no record, slot, or intent matches the given
	// digest/address/id.
	ErrNotFound = errors.New("not found")

	// ErrForbidden means the caller's address does not match the role
	// required for the operation.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidTransition means the requested status change is not an edge
	// of the status graph from the slot's current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrAlreadyTransitioned means the requested transition was already
	// applied to the slot, either earlier or by a concurrent request that
	// won the compare-and-set.
	ErrAlreadyTransitioned = errors.New("slot already transitioned")

	// ErrCodeMismatch means the supplied claim code does not match the
	// slot's stored code. The code is not invalidated; the caller may retry.
	ErrCodeMismatch = errors.New("verification code mismatch")

	// ErrNotBeforeSchedule means activation was attempted before the
	// intent's scheduled instant.
	ErrNotBeforeSchedule = errors.New("intent cannot be activated before its scheduled time")
)

// UpstreamTransferError wraps a ChainClient failure underlying a transition.
// The local status is not advanced when this is returned; the whole operation
// may be retried.
type UpstreamTransferError struct {
	Op  string // "transfer" or "refund"
	Err error
}

func (e *UpstreamTransferError) Error() string {
	return fmt.Sprintf("upstream %s failed: %v", e.Op, e.Err)
}

func (e *UpstreamTransferError) Unwrap() error { return e.Err }

// IsUpstreamTransferError reports whether err is (or wraps) a chain failure.
func IsUpstreamTransferError(err error) bool {
	var ute *UpstreamTransferError
	return errors.As(err, &ute)
}
