package syncx

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"
)

func TestRWLock_WritersAreMutuallyExclusive(t *testing.T) {
	l := NewRWLock(2)
	l.Lock(1)

	acquired := make(chan struct{})
	go func() {
		l.Lock(2)
		close(acquired)
		l.Unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second writer acquired while first still held the lock")
	case <-time.After(30 * time.Millisecond):
	}

	l.Unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second writer never acquired")
	}
}

func TestRWLock_WriterWaitsForReaders(t *testing.T) {
	l := NewRWLock(1)
	l.RLock(0)

	done := make(chan struct{})
	go func() {
		l.Lock(1)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("writer acquired before reader released")
	case <-time.After(30 * time.Millisecond):
	}

	l.RUnlock(0)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writer never acquired after reader released")
	}
	l.Unlock()
	must.True(t, true)
}
