// Package syncx implements the per-proclet synchronization primitives: a
// mutex, a condvar, an RCU lock, a reader/writer lock and a CPU-load
// counter, each serializable so migration can carry a proclet's blocked
// waiters to its new host.
package syncx

import (
	"sync"

	"github.com/proclet/nu/internal/runtime"
)

// WaiterID identifies a blocked thread within a primitive's waiter list,
// expressed as a proclet-local thread identity so it can be
// remapped when the primitive migrates.
type WaiterID = uint64

// Mutex is a proclet-local, migratable mutex. It is fair in the simple
// sense that waiters are granted the lock in FIFO arrival order.
type Mutex struct {
	mu      sync.Mutex
	locked  bool
	waiters []waitEntry
}

type waitEntry struct {
	id    WaiterID
	ready chan struct{}
}

// Lock blocks the calling thread (identified by id, typically
// scheduler.Current().ID()) until the mutex is free.
func (m *Mutex) Lock(id WaiterID) {
	m.mu.Lock()
	if !m.locked {
		m.locked = true
		m.mu.Unlock()
		return
	}
	w := waitEntry{id: id, ready: make(chan struct{})}
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()
	<-w.ready
}

// TryLock attempts to acquire the mutex without blocking.
func (m *Mutex) TryLock() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return false
	}
	m.locked = true
	return true
}

// Unlock releases the mutex, handing it directly to the longest-waiting
// blocked thread if any, else marking it free.
func (m *Mutex) Unlock() {
	m.mu.Lock()
	if len(m.waiters) == 0 {
		m.locked = false
		m.mu.Unlock()
		return
	}
	next := m.waiters[0]
	m.waiters = m.waiters[1:]
	m.mu.Unlock()
	close(next.ready)
}

// MutexState is the serializable snapshot of a Mutex's waiter list, expressed
// in proclet-local thread identities. Migration transmits this and
// Restore reinstalls it on the destination with ids remapped.
type MutexState struct {
	Locked  bool
	Waiters []WaiterID
}

// Snapshot captures the mutex's state for migration. It must be called
// only once all activity on the mutex has quiesced: running threads
// finish their current critical section first.
func (m *Mutex) Snapshot() MutexState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]WaiterID, len(m.waiters))
	for i, w := range m.waiters {
		ids[i] = w.id
	}
	return MutexState{Locked: m.locked, Waiters: ids}
}

// Restore reinstalls a previously captured state, remapping each waiter id
// through remap (old id -> new id on the destination node); any waiter
// missing from remap is dropped, matching a thread that was itself not
// migrated (e.g. already completed).
func (m *Mutex) Restore(s MutexState, remap map[WaiterID]WaiterID, sched runtime.Scheduler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locked = s.Locked
	m.waiters = m.waiters[:0]
	for _, old := range s.Waiters {
		newID, ok := remap[old]
		if !ok {
			continue
		}
		m.waiters = append(m.waiters, waitEntry{id: newID, ready: make(chan struct{})})
	}
}
