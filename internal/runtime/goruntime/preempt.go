package goruntime

import "sync"

// PreemptGuard is a process-wide cooperative preemption barrier backed by a
// mutex. Go's own scheduler already preempts goroutines at safe points, so
// this only needs to serialize against other Disable/Enable callers the way
// the real substrate would serialize against a signal-based preemption.
type PreemptGuard struct {
	mu sync.Mutex
}

func NewPreemptGuard() *PreemptGuard { return &PreemptGuard{} }

func (g *PreemptGuard) Disable() { g.mu.Lock() }
func (g *PreemptGuard) Enable()  { g.mu.Unlock() }
