package procletable

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/proclet/nu/internal/runtime"
	"github.com/proclet/nu/internal/slab"
)

func TestTable_SetupInsertLifecycle(t *testing.T) {
	tbl := New()
	id := runtime.ProcletID(0x1000)

	must.Eq(t, Absent, tbl.StatusOf(id))

	h := tbl.Setup(id, true, false)
	must.Eq(t, Mapped, tbl.StatusOf(id))
	must.NotNil(t, h)

	must.NoError(t, tbl.Insert(id))
	must.Eq(t, Present, tbl.StatusOf(id))

	got, ok := tbl.Header(id)
	must.True(t, ok)
	must.Eq(t, h, got)
}

func TestTable_WaitUntilPresentUnblocksOnInsert(t *testing.T) {
	tbl := New()
	id := runtime.ProcletID(0x2000)
	tbl.Setup(id, true, false)

	done := make(chan struct{})
	go func() {
		tbl.WaitUntilPresent(id)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("should not have observed present before Insert")
	case <-time.After(20 * time.Millisecond):
	}

	must.NoError(t, tbl.Insert(id))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitUntilPresent did not unblock after Insert")
	}
}

func TestTable_RemoveForMigrationIsExclusive(t *testing.T) {
	tbl := New()
	id := runtime.ProcletID(0x3000)
	tbl.Setup(id, true, false)
	must.NoError(t, tbl.Insert(id))

	must.True(t, tbl.RemoveForMigration(id))
	// a second remover loses the race: at most one migration in progress.
	must.False(t, tbl.RemoveForMigration(id))
	must.False(t, tbl.RemoveForDestruction(id))

	must.True(t, tbl.AbortMigration(id))
	must.Eq(t, Present, tbl.StatusOf(id))
}

func TestTable_CleanupRemovesAndMarksAbsent(t *testing.T) {
	tbl := New()
	id := runtime.ProcletID(0x4000)
	h := tbl.Setup(id, true, false)
	arena := slab.NewArena(1 << 20)
	alloc, err := arena.Reserve(1<<16, 1)
	must.NoError(t, err)
	h.Slab = alloc
	h.SlabID = alloc.ID()
	h.Base = alloc.Base()
	must.NoError(t, tbl.Insert(id))
	must.True(t, tbl.RemoveForDestruction(id))

	tbl.Cleanup(id)
	must.Eq(t, Absent, tbl.StatusOf(id))
	_, ok := tbl.Header(id)
	must.False(t, ok)
	// Cleanup must also release the slab id from the arena's registry,
	// not just drop the table's own header entry.
	_, stillRegistered := arena.ByID(h.SlabID)
	must.False(t, stillRegistered)
}

func TestTable_PickEvictionCandidatesRanksByMemoryDescending(t *testing.T) {
	tbl := New()
	arena := slab.NewArena(1 << 23)
	mk := func(id runtime.ProcletID, usage uint64, migratable bool) {
		h := tbl.Setup(id, migratable, false)
		alloc, err := arena.Reserve(usage+4096, 1)
		must.NoError(t, err)
		alloc.Yield(usage)
		h.Slab = alloc
		h.SlabID = alloc.ID()
		h.Base = alloc.Base()
		must.NoError(t, tbl.Insert(id))
	}
	mk(1, 1<<20, true)  // 1 MiB used
	mk(2, 3<<20, true)  // 3 MiB used, ranks first
	mk(3, 2<<20, false) // pinned: never a candidate regardless of size

	cands := tbl.PickEvictionCandidates(1)
	must.Len(t, 1, cands)
	must.Eq(t, runtime.ProcletID(2), cands[0].ID)
	must.Eq(t, uint32(3), cands[0].MemoryMBs)

	// Raising the deficit pulls in the next-largest migratable proclet too,
	// still excluding the pinned one.
	cands = tbl.PickEvictionCandidates(4)
	must.Len(t, 2, cands)
	must.Eq(t, runtime.ProcletID(2), cands[0].ID)
	must.Eq(t, runtime.ProcletID(1), cands[1].ID)
}

func TestMigrationGuards_WriterSyncWaitsForReaders(t *testing.T) {
	tbl := New()
	id := runtime.ProcletID(0x5000)
	h := tbl.Setup(id, true, false)
	must.NoError(t, tbl.Insert(id))

	g := DisableMigration(h)

	syncDone := make(chan struct{})
	go func() {
		WriterSync(h, time.Millisecond)
		close(syncDone)
	}()

	select {
	case <-syncDone:
		t.Fatal("writer_sync returned before the reader released")
	case <-time.After(10 * time.Millisecond):
	}

	g.Release()

	select {
	case <-syncDone:
	case <-time.After(time.Second):
		t.Fatal("writer_sync never observed the reader's release")
	}
	EndWriterSync(h)

	_, ok := TryDisableMigration(h)
	must.True(t, ok)
}

func TestMigrationGuards_TryDisableFailsDuringWriterSync(t *testing.T) {
	tbl := New()
	id := runtime.ProcletID(0x6000)
	h := tbl.Setup(id, true, false)
	must.NoError(t, tbl.Insert(id))

	done := make(chan struct{})
	go func() {
		WriterSync(h, 0)
		<-done
		EndWriterSync(h)
	}()
	// give the writer a moment to flip writerActive
	time.Sleep(5 * time.Millisecond)

	_, ok := TryDisableMigration(h)
	must.False(t, ok)
	close(done)
}

func TestTable_ForwardHintSurvivesCleanup(t *testing.T) {
	tbl := New()
	id := runtime.ProcletID(0x7000)
	h := tbl.Setup(id, true, false)
	must.NoError(t, tbl.Insert(id))

	_, ok := tbl.ForwardHint(id)
	must.False(t, ok)

	tbl.SetForwardHint(id, "10.0.0.2")
	tbl.Cleanup(id)

	ip, ok := tbl.ForwardHint(id)
	must.True(t, ok)
	must.Eq(t, "10.0.0.2", ip)
	must.Eq(t, Absent, tbl.StatusOf(id))

	tbl.ClearForwardHint(id)
	_, ok = tbl.ForwardHint(id)
	must.False(t, ok)
	_ = h
}
