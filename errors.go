package submux

import (
	"github.com/pkg/errors"
)

// Re-exported for callers that want to inspect/wrap engine errors the same
// way the rest of the codebase does, mirroring corpix-atlas/errors.
var (
	Is     = errors.Is
	As     = errors.As
	Wrap   = errors.Wrap
	Wrapf  = errors.Wrapf
	New    = errors.New
	Cause  = errors.Cause
)

// ErrNodeNotFound is returned when the Router cannot resolve a shard for a
// channel. Surfaced immediately; the engine never retries it internally.
var ErrNodeNotFound = errors.New("submux: node not found for channel")

// ErrSubscribeTimeout is returned when a subscribe/psubscribe ACK watchdog
// fires before the backend acknowledges the command.
var ErrSubscribeTimeout = errors.New("submux: subscribe ack timeout")

// ErrShutdown is returned by subscribe operations once the Router reports
// that the connection manager is shutting down. Unsubscribe operations
// short-circuit to success instead of returning this error.
var ErrShutdown = errors.New("submux: shutting down")

// ErrConnectAttemptFailed wraps a failed BackendPool.AcquirePubSub call
// after all configured retries have been exhausted.
type ErrConnectAttemptFailed struct {
	Attempts int
	Err      error
}

func (e *ErrConnectAttemptFailed) Error() string {
	return errors.Wrapf(e.Err, "submux: connect attempt failed after %d attempts", e.Attempts).Error()
}

func (e *ErrConnectAttemptFailed) Unwrap() error { return e.Err }

// ErrWireFailure wraps a transport-level send failure on a subscribe or
// unsubscribe command.
type ErrWireFailure struct {
	Err error
}

func (e *ErrWireFailure) Error() string {
	return errors.Wrap(e.Err, "submux: wire send failed").Error()
}

func (e *ErrWireFailure) Unwrap() error { return e.Err }

// ErrInternalInvariantViolation is raised when a precondition the engine
// relies on to stay correct under concurrency does not hold, e.g. a
// ConnectionEntry peeked from a ShardPool's free list reports no free
// slots (invariant R4 says that cannot happen). It is fatal for the
// operation in progress; it does not crash the process.
type ErrInternalInvariantViolation struct {
	Detail string
}

func (e *ErrInternalInvariantViolation) Error() string {
	return "submux: internal invariant violation: " + e.Detail
}
