package submux

import "sync"

// AsyncSemaphore is a non-blocking counting semaphore, generalized from
// the teacher's channel-as-lock idiom (client.go's `connSem chan
// *redisConn`, `readQueue` pipeline): Acquire enqueues a continuation
// instead of blocking a goroutine on a channel receive, and Release wakes
// at most one waiter FIFO. A single-permit AsyncSemaphore is an async
// mutex; that is how the per-channel striped locks and the global
// free-pool lock are built (locks.go).
//
// No call registered through Acquire may run while the semaphore's
// internal guard is held: Release always dequeues (or increments the
// permit count) before invoking the woken continuation.
type AsyncSemaphore struct {
	mu      sync.Mutex
	permits int
	waiters []func()
}

// NewAsyncSemaphore constructs a semaphore with the given number of
// initially-available permits.
func NewAsyncSemaphore(permits int) *AsyncSemaphore {
	return &AsyncSemaphore{permits: permits}
}

// Acquire runs cb once a permit is available. If a permit is free it runs
// cb inline on the calling goroutine; otherwise cb is queued FIFO and runs
// later on whichever goroutine calls Release.
func (s *AsyncSemaphore) Acquire(cb func()) {
	s.mu.Lock()
	if s.permits > 0 {
		s.permits--
		s.mu.Unlock()
		cb()
		return
	}
	s.waiters = append(s.waiters, cb)
	s.mu.Unlock()
}

// Release returns a permit. If a waiter is queued it is handed the permit
// directly (its continuation runs instead of the permit count changing);
// otherwise the permit count increments.
func (s *AsyncSemaphore) Release() {
	s.mu.Lock()
	if len(s.waiters) > 0 {
		next := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.mu.Unlock()
		next()
		return
	}
	s.permits++
	s.mu.Unlock()
}

// Lock blocks the calling goroutine until a permit is granted. It is a
// thin convenience built on Acquire for call sites that read better as
// sequential code than as nested continuations; FIFO ordering and the
// "no callback runs under the guard" guarantee of Acquire/Release still
// hold, since Lock is just a waiter whose continuation closes a channel.
func (s *AsyncSemaphore) Lock() {
	done := make(chan struct{})
	s.Acquire(func() { close(done) })
	<-done
}

// Unlock returns the permit acquired by Lock.
func (s *AsyncSemaphore) Unlock() {
	s.Release()
}
