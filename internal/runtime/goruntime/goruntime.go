// Package goruntime is a goroutine-backed implementation of runtime.Scheduler
// used by this module's own test suite. The production green-threads
// substrate is an external collaborator supplied by the host
// binary; this package exists only so unit tests can exercise the proclet
// runtime without one.
package goruntime

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	nu "github.com/proclet/nu/internal/runtime"
)

type thread struct {
	id    uint64
	owner atomic.Uint64
	mu    sync.Mutex
	ready chan struct{}
}

func (t *thread) ID() uint64                { return t.id }
func (t *thread) OwnerProclet() nu.ProcletID { return nu.ProcletID(t.owner.Load()) }
func (t *thread) SetOwnerProclet(id nu.ProcletID) {
	t.owner.Store(uint64(id))
}

// StackRange is unavailable to plain goroutines; the reference scheduler
// returns a zero range, meaning "whole-stack capture is not supported" —
// callers that need real stack migration must supply a real Scheduler.
func (t *thread) StackRange() (uintptr, uintptr) { return 0, 0 }
func (t *thread) SetStackBase(uintptr)           {}

// Scheduler adapts goroutines, channels and runtime.Gosched to the
// nu.Scheduler contract.
type Scheduler struct {
	nextID atomic.Uint64
	curKey struct{}
	cur    sync.Map // unused; Current does not track goroutines
}

func New() *Scheduler { return &Scheduler{} }

type ctxKey struct{}

func (s *Scheduler) Spawn(ctx context.Context, owner nu.ProcletID, fn func()) nu.Thread {
	t := &thread{id: s.nextID.Add(1), ready: make(chan struct{}, 1)}
	t.owner.Store(uint64(owner))
	go func() {
		fn()
	}()
	return t
}

// Current returns a fresh placeholder thread with ID 0 on every call; it
// does not identify the calling goroutine.
func (s *Scheduler) Current() nu.Thread {
	return &thread{id: 0}
}

// Park only yields the processor once; it does not wait for Ready.
func (s *Scheduler) Park() {
	runtime.Gosched()
}

func (s *Scheduler) Ready(t nu.Thread) {
	if gt, ok := t.(*thread); ok {
		select {
		case gt.ready <- struct{}{}:
		default:
		}
	}
}

func (s *Scheduler) CPURelax() { runtime.Gosched() }

func (s *Scheduler) ReadTSC() uint64 { return uint64(nowNanos()) }

func (s *Scheduler) PinToCore(core int) {}

var _ = ctxKey{}
