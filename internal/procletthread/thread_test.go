package procletthread

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/proclet/nu/internal/procletable"
	"github.com/proclet/nu/internal/runtime/goruntime"
	"github.com/proclet/nu/internal/stackmgr"
)

func TestSpawn_JoinWaitsForCompletion(t *testing.T) {
	table := procletable.New()
	hdr := table.Setup(1, true, false)

	sched := goruntime.New()
	stacks := stackmgr.New(1<<20, stackmgr.DefaultStackSize, 1)

	var ran atomic.Bool
	th := Spawn(context.Background(), sched, stacks, 0, hdr, 1, func() {
		time.Sleep(5 * time.Millisecond)
		ran.Store(true)
	})

	th.Join()
	must.True(t, ran.Load())
}

func TestSpawn_JoinCalledBeforeCompletionStillWaits(t *testing.T) {
	table := procletable.New()
	hdr := table.Setup(2, true, false)

	sched := goruntime.New()
	stacks := stackmgr.New(1<<20, stackmgr.DefaultStackSize, 1)

	release := make(chan struct{})
	var ran atomic.Bool
	th := Spawn(context.Background(), sched, stacks, 0, hdr, 2, func() {
		<-release
		ran.Store(true)
	})

	joined := make(chan struct{})
	go func() {
		th.Join()
		close(joined)
	}()

	// give Join a head start so it is the first arrival at the
	// rendezvous, exercising the "first to join" branch.
	time.Sleep(5 * time.Millisecond)
	close(release)

	select {
	case <-joined:
	case <-time.After(time.Second):
		t.Fatal("Join never returned after fn completed")
	}
	must.True(t, ran.Load())
}

func TestSpawn_DetachDoesNotBlockCaller(t *testing.T) {
	table := procletable.New()
	hdr := table.Setup(3, true, false)

	sched := goruntime.New()
	stacks := stackmgr.New(1<<20, stackmgr.DefaultStackSize, 1)

	release := make(chan struct{})
	done := make(chan struct{})
	th := Spawn(context.Background(), sched, stacks, 0, hdr, 3, func() {
		<-release
		close(done)
	})

	th.Detach()
	select {
	case <-done:
		t.Fatal("fn completed before being released; Detach should not block fn on the caller")
	default:
	}

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fn never completed after release")
	}
}

func TestSpawn_JoinAfterDetachIsNoop(t *testing.T) {
	table := procletable.New()
	hdr := table.Setup(4, true, false)

	sched := goruntime.New()
	th := Spawn(context.Background(), sched, nil, 0, hdr, 4, func() {})

	th.Detach()
	th.Join() // must not panic or block: settled already claimed by Detach
}

func TestSpawn_ReleasesMigrationGuardOnCompletion(t *testing.T) {
	table := procletable.New()
	hdr := table.Setup(5, true, false)

	sched := goruntime.New()
	th := Spawn(context.Background(), sched, nil, 0, hdr, 5, func() {})
	th.Join()

	// With the thread done and its guard released, a writer_sync should
	// return immediately instead of blocking on an outstanding reader.
	done := make(chan struct{})
	go func() {
		procletable.WriterSync(hdr, time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writer_sync blocked on a migration guard that should have been released")
	}
	procletable.EndWriterSync(hdr)
}

func TestSpawnDetached_RunsWithoutProcletBinding(t *testing.T) {
	sched := goruntime.New()
	var ran atomic.Bool
	th := SpawnDetached(context.Background(), sched, func() {
		ran.Store(true)
	})
	th.Join()
	must.True(t, ran.Load())
}
