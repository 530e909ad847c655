// Package runtime defines the external collaborator interfaces this module
// consumes: a userspace green-thread scheduler and a preemption-guard API.
// The proclet runtime never assumes a particular scheduler
// implementation; it is handed one that satisfies Scheduler at process
// start, and a goroutine-backed reference implementation is provided in
// goruntime for tests.
package runtime

import "context"

// ProcletID is the 64-bit proclet identifier: the base virtual address of
// the proclet's heap slot.
type ProcletID uint64

// Thread is a single green thread managed by the external scheduler.
type Thread interface {
	// ID uniquely identifies the thread within the scheduler's lifetime.
	ID() uint64
	// OwnerProclet returns the proclet this thread is currently charged
	// against, or zero if it belongs to none.
	OwnerProclet() ProcletID
	// SetOwnerProclet rebinds the thread's owner; used both at creation
	// and when a thread resumes inside a different proclet's env during
	// invocation or after migration.
	SetOwnerProclet(id ProcletID)
	// StackRange reports the [low, high) virtual address range of the
	// thread's current stack, needed to capture only the live portion
	// during migration.
	StackRange() (low, high uintptr)
	// SetStackBase switches the thread onto a different stack.
	SetStackBase(sp uintptr)
}

// Scheduler is the thread API contract the host substrate supplies:
// spawn, park, ready, current-thread, and stack-base accessors.
type Scheduler interface {
	// Spawn starts fn on a new thread owned by owner (zero for none) and
	// returns the thread handle immediately; fn runs asynchronously.
	Spawn(ctx context.Context, owner ProcletID, fn func()) Thread
	// Current returns the calling goroutine's thread handle.
	Current() Thread
	// Park suspends the calling thread until a matching Ready call.
	Park()
	// Ready marks t runnable again. Safe to call from any thread.
	Ready(t Thread)
	// CPURelax yields the CPU briefly, for spin-wait loops.
	CPURelax()
	// ReadTSC returns a monotonic cycle counter.
	ReadTSC() uint64
	// PinToCore pins the calling OS thread to a core, matching the
	// per-core affinity the RPC transport and slab/stack caches rely on.
	PinToCore(core int)
}

// PreemptGuard is the cooperative preemption barrier contract: Disable and
// Enable bracket a critical section. No package in this module calls it;
// local invocations and migration use procletable's migration guards.
type PreemptGuard interface {
	Disable()
	Enable()
}
