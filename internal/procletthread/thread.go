// Package procletthread wraps the external green-thread scheduler
// (package runtime's Scheduler interface) with the proclet-aware
// lifecycle a spawned thread needs: binding to an owner proclet for the
// duration of its run, holding that proclet's migration barrier open so
// migration can't start underneath a thread still executing, checking
// a stack slot out of a stackmgr.Cluster for the run and returning it
// on exit, and a join/detach rendezvous that is symmetric in who arrives
// first — the thread's own completion and a caller's Join/Detach run the
// identical handshake, mirroring the original create_in_obj_env /
// join_data design in _examples/original_source/src/utils/thread.cpp.
package procletthread

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/proclet/nu/internal/procletable"
	gort "github.com/proclet/nu/internal/runtime"
	"github.com/proclet/nu/internal/stackmgr"
)

// joinData is the rendezvous point between a thread's completion and a
// Join/Detach call. Both run the same sequence: whoever finds done
// already true arrived second and wakes the other; whoever finds it
// false arrived first, flips it, and (for Join and for the thread's own
// completion, not for Detach) waits to be woken.
type joinData struct {
	mu   sync.Mutex
	done bool
	wake chan struct{}
}

func newJoinData() *joinData {
	return &joinData{wake: make(chan struct{})}
}

func (d *joinData) rendezvous(waitForPeer bool) {
	d.mu.Lock()
	if d.done {
		d.mu.Unlock()
		close(d.wake)
		return
	}
	d.done = true
	d.mu.Unlock()
	if waitForPeer {
		<-d.wake
	}
}

// Thread is a green thread spawned against a specific proclet. Callers
// get one back from Spawn and must eventually call either Join or
// Detach exactly once (a second call is a harmless no-op, unlike the
// original's BUG_ON on double-join).
type Thread struct {
	underlying gort.Thread
	join       *joinData
	settled    atomic.Bool
}

// Underlying exposes the scheduler's own thread handle, e.g. for the
// stack manager or migration code that needs StackRange/SetStackBase.
func (th *Thread) Underlying() gort.Thread { return th.underlying }

// Spawn starts fn on a fresh green thread owned by id, inside hdr's
// migration barrier: for as long as fn runs (and until Join or Detach
// releases the thread), an in-progress migration of this proclet blocks
// behind it the same way a live invocation does (package procletable's
// MigrationDisabledGuard). The thread also checks out a stack slot from
// stacks for the run's duration and returns it on exit, the bookkeeping
// counterpart to the original's per-run stack switch — Go's goroutines
// already carry their own growable stack, so nothing here moves a stack
// pointer by hand, but the acquire/release pairing happens all the same
// so stackmgr's accounting reflects every proclet-owned thread in
// flight.
//
// stacks may be nil to skip the stack-slot bookkeeping (e.g. a scheduler
// that manages its own stacks); core 0 is an ordinary core. A failed
// Acquire is treated the same way as a nil stacks, fn still runs.
func Spawn(ctx context.Context, sched gort.Scheduler, stacks *stackmgr.Cluster, core int, hdr *procletable.Header, id gort.ProcletID, fn func()) *Thread {
	jd := newJoinData()
	th := &Thread{join: jd}

	guard := procletable.DisableMigration(hdr)

	var stackID stackmgr.StackID
	haveStack := false
	if stacks != nil {
		if sid, err := stacks.Acquire(core); err == nil {
			stackID = sid
			haveStack = true
		}
	}

	th.underlying = sched.Spawn(ctx, id, func() {
		defer guard.Release()
		defer func() {
			if haveStack {
				stacks.Release(core, stackID)
			}
		}()
		fn()
		jd.rendezvous(true)
	})
	return th
}

// SpawnDetached starts fn on a thread not bound to any proclet (the
// original's create_in_runtime_env): no migration guard, no stack-slot
// bookkeeping. Used for a node's own background loops rather than
// user-invoked work.
func SpawnDetached(ctx context.Context, sched gort.Scheduler, fn func()) *Thread {
	jd := newJoinData()
	th := &Thread{join: jd}
	th.underlying = sched.Spawn(ctx, 0, func() {
		fn()
		jd.rendezvous(true)
	})
	return th
}

// Join blocks until fn returns. If fn has already returned, Join
// observes that immediately rather than blocking — the symmetric half
// of the rendezvous fn's own completion runs.
func (th *Thread) Join() {
	if !th.settled.CompareAndSwap(false, true) {
		return
	}
	th.join.rendezvous(true)
}

// Detach releases the caller without waiting for fn to finish. Running
// the same rendezvous as Join minus the final wait means a Detach that
// arrives before fn finishes still correctly lets fn's own completion
// proceed without blocking on anyone.
func (th *Thread) Detach() {
	if !th.settled.CompareAndSwap(false, true) {
		return
	}
	th.join.rendezvous(false)
}
