package syncx

import (
	"sync"
	"sync/atomic"
	"time"
)

// Timing constants mirrored from rcu_lock.hpp: readers and writers spin
// briefly before falling back to a sleeping wait, trading a short burst of
// CPU for avoiding a scheduler round-trip on the common uncontended path.
const (
	ReaderWaitFastPathMax = 20 * time.Microsecond
	WriterWaitFastPathMax = 20 * time.Microsecond
	WriterWaitSlowSleep   = 10 * time.Microsecond
)

// RCULock is an RCU-style lock: readers take a cheap reader lock, and a
// writer's WriterSync (writer_sync) waits for every in-flight reader to
// drain. RWLock is built on it; the proclet migration guard in package
// procletable is a separate implementation of the same discipline and
// does not use RCULock. Reader counters are sharded per core
// (rcu_lock.hpp) so the uncontended read path never touches shared state
// beyond its own shard.
type RCULock struct {
	readers      *Counter
	writerActive atomic.Bool

	mu   sync.Mutex
	cond *sync.Cond
}

// NewRCULock builds an RCU lock sharded across numCores reader counters.
func NewRCULock(numCores int) *RCULock {
	l := &RCULock{readers: NewCounter(numCores)}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// ReaderLock blocks while a writer_sync is in progress, then marks a
// reader active on the calling core. Mirrors reader_lock() (the
// writer-prioritized variant: new readers wait behind a pending writer).
func (l *RCULock) ReaderLock(core int) {
	for {
		l.mu.Lock()
		if !l.writerActive.Load() {
			l.readers.Inc(core)
			l.mu.Unlock()
			return
		}
		l.cond.Wait()
		l.mu.Unlock()
	}
}

// ReaderLockNP ("no priority") always succeeds immediately regardless of
// a pending writer, matching reader_lock_np() — used on paths that must
// never block behind a migration quiesce (e.g. the migration engine's own
// bookkeeping calls).
func (l *RCULock) ReaderLockNP(core int) {
	l.readers.Inc(core)
}

// TryReaderLock is the non-blocking variant: it fails if a writer_sync is
// currently in progress.
func (l *RCULock) TryReaderLock(core int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writerActive.Load() {
		return false
	}
	l.readers.Inc(core)
	return true
}

// TryReaderLockNP always succeeds, see ReaderLockNP.
func (l *RCULock) TryReaderLockNP(core int) bool {
	l.readers.Inc(core)
	return true
}

// ReaderUnlock releases a reader held via ReaderLock or TryReaderLock.
func (l *RCULock) ReaderUnlock(core int) {
	l.readers.Dec(core)
	l.mu.Lock()
	l.cond.Broadcast()
	l.mu.Unlock()
}

// ReaderUnlockNP releases a reader held via the _np variants.
func (l *RCULock) ReaderUnlockNP(core int) {
	l.readers.Dec(core)
}

// WriterSync is the migration quiesce step: it blocks new readers (unless
// taken via the _np variants) and waits for every already-active reader to
// drain, spinning for WriterWaitFastPathMax before falling back to sleeping
// in WriterWaitSlowSleep increments. prioritizeReaders, when true, skips
// the reader-blocking step so in-flight readers are allowed to keep
// arriving until the count first reaches zero (rcu_lock.hpp's
// writer_sync(prioritize_readers) overload).
func (l *RCULock) WriterSync(prioritizeReaders bool) {
	if !prioritizeReaders {
		l.mu.Lock()
		l.writerActive.Store(true)
		l.mu.Unlock()
	}

	deadline := time.Now().Add(WriterWaitFastPathMax)
	for time.Now().Before(deadline) {
		if l.readers.Get() == 0 {
			return
		}
	}
	for l.readers.Get() != 0 {
		time.Sleep(WriterWaitSlowSleep)
	}
}

// EndWriterSync releases the writer barrier installed by WriterSync,
// waking any readers parked behind it.
func (l *RCULock) EndWriterSync() {
	l.mu.Lock()
	l.writerActive.Store(false)
	l.mu.Unlock()
	l.cond.Broadcast()
}

// ActiveReaders reports the current summed reader count, for diagnostics
// and tests.
func (l *RCULock) ActiveReaders() int64 { return l.readers.Get() }
