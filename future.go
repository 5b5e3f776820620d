package submux

import (
	"context"
	"sync"
)

// Future is a one-shot result container, generalized from the teacher's
// codec.go `received chan struct{}` completion signal: a single close
// fans out to every waiter, and the first Complete call wins.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

// NewFuture returns a pending Future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a Future that has already completed.
func Resolved[T any](val T, err error) *Future[T] {
	f := NewFuture[T]()
	f.Complete(val, err)
	return f
}

// Complete resolves the future. Only the first call takes effect; it
// reports whether this call was the one that did so.
func (f *Future[T]) Complete(val T, err error) bool {
	won := false
	f.once.Do(func() {
		f.val, f.err = val, err
		won = true
		close(f.done)
	})
	return won
}

// Done reports the channel that closes on completion, for callers that
// want to select on completion alongside other channels (e.g.
// Engine.waitSubscribeAck selecting against ctx.Done()).
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx is done, whichever comes
// first. Wait itself never cancels the underlying operation the future
// tracks — it only stops this caller from blocking on it. A caller that
// needs the operation itself unwound on cancellation arranges that
// separately (see Engine.Subscribe's waitSubscribeAck/cancelSubscribe).
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
