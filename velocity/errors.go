package velocity

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfCache is returned when a block allocation cannot be satisfied.
	ErrOutOfCache = errors.New("velocity: out of cache blocks")
	// ErrQueueFull is returned by Submit when the configured queue depth is reached.
	ErrQueueFull = fmt.Errorf("%w: queue depth limit reached", ErrOutOfCache)
	// ErrQueueTimeout terminates a request that waited too long for admission.
	ErrQueueTimeout = errors.New("velocity: queue timeout")
	// ErrComputeFault terminates a sequence the step executor failed on.
	ErrComputeFault = errors.New("velocity: compute fault")
	// ErrInvalidRequest is returned by Submit for malformed requests.
	ErrInvalidRequest = errors.New("velocity: invalid request")
	// ErrCancelled is the terminal error of a cancelled request.
	ErrCancelled = errors.New("velocity: request cancelled")
	// ErrEngineStopped is returned once the engine has been stopped.
	ErrEngineStopped = errors.New("velocity: engine stopped")
	// ErrEndOfStream is returned by Handle.Poll after the last chunk of a completed request.
	ErrEndOfStream = errors.New("velocity: end of stream")
	// ErrIllegalTransition reports a state machine edge that does not exist.
	ErrIllegalTransition = errors.New("velocity: illegal state transition")
	// ErrBlockNotOwned reports a free of a block the caller does not own.
	ErrBlockNotOwned = errors.New("velocity: block not owned")
)

// SequenceError attaches a sequence id to a terminal cause.
// Kind is one of the sentinel errors above; Cause is the underlying error, if any.
type SequenceError struct {
	SeqID string
	Kind  error
	Cause error
}

func (e *SequenceError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("sequence %s: %v", e.SeqID, e.Kind)
	}
	return fmt.Sprintf("sequence %s: %v: %v", e.SeqID, e.Kind, e.Cause)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *SequenceError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

func newSequenceError(id string, kind, cause error) *SequenceError {
	return &SequenceError{SeqID: id, Kind: kind, Cause: cause}
}
