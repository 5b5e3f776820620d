package submux

import "github.com/cespare/xxhash/v2"

// stripedLock is the per-channel striped mutex from spec §4.1: an array of
// single-permit AsyncSemaphores indexed by hash(channel) mod N. Sized by a
// prime greater than the expected number of concurrently-hot channel
// names; contention across distinct channels hashing to the same stripe
// is tolerated because critical sections here are short.
type stripedLock struct {
	stripes []*AsyncSemaphore
}

func newStripedLock(n int) *stripedLock {
	if n <= 0 {
		n = DefaultChannelStripes
	}
	sl := &stripedLock{stripes: make([]*AsyncSemaphore, n)}
	for i := range sl.stripes {
		sl.stripes[i] = NewAsyncSemaphore(1)
	}
	return sl
}

// stripe picks the semaphore serializing all work for channel.
func (sl *stripedLock) stripe(channel ChannelName) *AsyncSemaphore {
	h := xxhash.Sum64String(string(channel))
	return sl.stripes[h%uint64(len(sl.stripes))]
}
