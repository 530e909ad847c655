// Package procletable implements the per-node proclet table and lifecycle
// state machine: a side status array keyed by heap slot, a
// fixed-layout header per proclet, and the guards that admit or reject
// new calls, migrations and destructions.
package procletable

import (
	"sync"
	"sync/atomic"

	"github.com/proclet/nu/internal/runtime"
	"github.com/proclet/nu/internal/slab"
)

// Status is a proclet's lifecycle state. It is stored in the table's side
// array, not inside the header, so a slot can be marked Absent before its
// header memory is released .
type Status uint8

const (
	Absent Status = iota
	Mapped
	Present
	Migrating
	Destructing
)

func (s Status) String() string {
	switch s {
	case Absent:
		return "absent"
	case Mapped:
		return "mapped"
	case Present:
		return "present"
	case Migrating:
		return "migrating"
	case Destructing:
		return "destructing"
	default:
		return "unknown"
	}
}

// Resource mirrors the controller's capacity currency: CPU cores and
// megabytes of memory .
type Resource struct {
	Cores  uint32
	MemMBs uint32
}

// Header is the fixed-layout per-proclet struct placed at the start of
// each heap slot. Migration (package migrate) carries TypeName,
// Migratable, RefCnt and the encoded UserObj to the destination, where a
// fresh slab of the same capacity is reserved; CPULoad, ThreadCnt and
// PendingLoadCnt are not carried and start from zero there.
type Header struct {
	ID runtime.ProcletID

	mu      sync.Mutex
	cond    *sync.Cond
	RefCnt  int
	Slab    *slab.Allocator
	SlabID  slab.ID
	Base    slab.Ptr // the user object's address == slab base

	Migratable     bool
	ThreadCnt      int
	PendingLoadCnt int32
	CPULoad        float64 // EWMA, updated by the sync package's counter

	// TypeName names the registered constructor this proclet's UserObj
	// was built from (package proclet's constructor registry); migration
	// uses it to rebuild the object on the destination node.
	TypeName string

	// OldServerIP, when non-empty, is returned as the best-known next hop
	// with WrongClient answers for this proclet. Nothing in this module
	// assigns it; migration records the destination in Table's forward
	// hints (SetForwardHint) instead.
	OldServerIP string

	// UserObj is an opaque handle to the constructed user value; the
	// invocation layer (package proclet) type-asserts it.
	UserObj any

	Destructor func()

	// migrationDisabled counts outstanding migration-disabled guards. It
	// is the reader side of the same RCU discipline writer_sync quiesces
	// against: every local invocation and construction holds one while
	// it runs.
	migrationDisabled atomic.Int64
	writerActive      bool
	quiesceMu         sync.Mutex
	quiesceCond       *sync.Cond
}

func newHeader(id runtime.ProcletID) *Header {
	h := &Header{ID: id}
	h.cond = sync.NewCond(&h.mu)
	h.quiesceCond = sync.NewCond(&h.quiesceMu)
	return h
}

// Lock/Unlock expose the header's own spin_lock+cond_var pair 
// to callers that must wait on state transitions, e.g. wait_until_present.
func (h *Header) Lock()   { h.mu.Lock() }
func (h *Header) Unlock() { h.mu.Unlock() }

// Wait blocks on the header's condition variable; caller must hold the
// lock.
func (h *Header) Wait() { h.cond.Wait() }

// Broadcast wakes all waiters; caller must hold the lock.
func (h *Header) Broadcast() { h.cond.Broadcast() }

// IncRef/DecRef adjust the proclet-level reference count; DecRef reports
// whether the count reached zero, the signal to begin destruction.
func (h *Header) IncRef() {
	h.mu.Lock()
	h.RefCnt++
	h.mu.Unlock()
}

func (h *Header) DecRef() (reachedZero bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.RefCnt--
	return h.RefCnt == 0
}
