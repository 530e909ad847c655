package procletable

import (
	"sync"

	"github.com/hashicorp/go-memdb"

	"github.com/proclet/nu/internal/runtime"
)

// statusEntry is the side array record tracked per slot: just the id and
// status, kept separate from Header so a slot's status can be flipped to
// Absent before the header memory itself is released .
type statusEntry struct {
	ID     runtime.ProcletID
	Status Status
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			"slot": {
				Name: "slot",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.UintFieldIndex{Field: "ID"},
					},
					"status": {
						Name:    "status",
						Unique:  false,
						Indexer: &memdb.UintFieldIndex{Field: "Status"},
					},
				},
			},
		},
	}
}

// Table is the per-node proclet table: a memdb-indexed side
// status array plus a concurrent map of live Header pointers. Acquisition
// order throughout this package is table-lock → per-proclet header lock →
// slab-internal locks.
type Table struct {
	db *memdb.MemDB

	mu      sync.RWMutex
	headers map[runtime.ProcletID]*Header

	fwdMu   sync.RWMutex
	fwdHint map[runtime.ProcletID]string
}

// New builds an empty table.
func New() *Table {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		// schema is a compile-time constant; a failure here is a
		// programmer error in this package, not a runtime condition.
		panic(err)
	}
	return &Table{db: db, headers: make(map[runtime.ProcletID]*Header), fwdHint: make(map[runtime.ProcletID]string)}
}

// SetForwardHint records the node a proclet just migrated away to, so
// requests that still land here after the move can be answered
// WrongClient or forwarded with a useful hint. It survives Cleanup so
// late-arriving calls can still be relayed.
func (t *Table) SetForwardHint(id runtime.ProcletID, destIP string) {
	t.fwdMu.Lock()
	t.fwdHint[id] = destIP
	t.fwdMu.Unlock()
}

// ForwardHint returns the node id last migrated to, if known.
func (t *Table) ForwardHint(id runtime.ProcletID) (string, bool) {
	t.fwdMu.RLock()
	defer t.fwdMu.RUnlock()
	ip, ok := t.fwdHint[id]
	return ip, ok
}

// ClearForwardHint drops a stale forwarding entry, e.g. once the
// controller directory has propagated widely enough that callers resolve
// the new host directly.
func (t *Table) ClearForwardHint(id runtime.ProcletID) {
	t.fwdMu.Lock()
	delete(t.fwdHint, id)
	t.fwdMu.Unlock()
}

func (t *Table) setStatus(id runtime.ProcletID, status Status) error {
	txn := t.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert("slot", &statusEntry{ID: id, Status: status}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// StatusOf returns the current status of slot id, Absent if never set up.
func (t *Table) StatusOf(id runtime.ProcletID) Status {
	txn := t.db.Txn(false)
	raw, err := txn.First("slot", "id", uint64(id))
	if err != nil || raw == nil {
		return Absent
	}
	return raw.(*statusEntry).Status
}

// Setup mmaps the slot's tail pages (modeled here as constructing its
// header) and transitions it to Mapped, ready for a constructor to run.
// The caller still has to attach a slab allocator (Header.Slab/SlabID/
// Base, see proclet.Runtime.AttachSlab) and build the object itself.
// fromMigration marks a migration restore as opposed to a first
// construction; Setup itself treats both the same way.
func (t *Table) Setup(id runtime.ProcletID, migratable bool, fromMigration bool) *Header {
	h := newHeader(id)
	h.Migratable = migratable

	t.mu.Lock()
	t.headers[id] = h
	t.mu.Unlock()

	_ = t.setStatus(id, Mapped)
	return h
}

// Insert appends id to the present list and flips its status to Present,
// waking any waiters parked in WaitUntilPresent.
func (t *Table) Insert(id runtime.ProcletID) error {
	if err := t.setStatus(id, Present); err != nil {
		return err
	}
	t.mu.RLock()
	h, ok := t.headers[id]
	t.mu.RUnlock()
	if ok {
		h.Lock()
		h.Broadcast()
		h.Unlock()
	}
	return nil
}

// Header returns the live header for id, if this node currently has it
// mapped in any status.
func (t *Table) Header(id runtime.ProcletID) (*Header, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.headers[id]
	return h, ok
}

// WaitUntilPresent blocks the calling goroutine until id's status becomes
// Present, or returns immediately if it already is.
func (t *Table) WaitUntilPresent(id runtime.ProcletID) {
	t.mu.RLock()
	h, ok := t.headers[id]
	t.mu.RUnlock()
	if !ok {
		return
	}
	h.Lock()
	for t.StatusOf(id) != Present {
		h.Wait()
	}
	h.Unlock()
}

// RemoveForMigration CASes id's status from Present to Migrating. Returns
// false if another remover already won the race: at most one migration
// of a given proclet may be in progress.
func (t *Table) RemoveForMigration(id runtime.ProcletID) bool {
	return t.casStatus(id, Present, Migrating)
}

// RemoveForDestruction CASes id's status from Present to Destructing.
func (t *Table) RemoveForDestruction(id runtime.ProcletID) bool {
	return t.casStatus(id, Present, Destructing)
}

func (t *Table) casStatus(id runtime.ProcletID, from, to Status) bool {
	txn := t.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First("slot", "id", uint64(id))
	if err != nil || raw == nil {
		return false
	}
	cur := raw.(*statusEntry)
	if cur.Status != from {
		return false
	}
	if err := txn.Insert("slot", &statusEntry{ID: id, Status: to}); err != nil {
		return false
	}
	txn.Commit()
	return true
}

// AbortMigration reinstates Present after a migration that did not
// complete ("the migration path ... proceeds to completion or
// aborts the entire proclet migration (reinstating Present...)").
func (t *Table) AbortMigration(id runtime.ProcletID) bool {
	ok := t.casStatus(id, Migrating, Present)
	if ok {
		t.mu.RLock()
		h, exists := t.headers[id]
		t.mu.RUnlock()
		if exists {
			h.Lock()
			h.Broadcast()
			h.Unlock()
		}
	}
	return ok
}

// Cleanup destroys the slot's sub-objects and removes it from the table,
// mirroring a munmap+mmap cycle that releases physical pages while
// keeping the virtual reservation: this Go port has no real page table
// to manipulate, so "cleanup" is releasing the slab's slot in the
// arena's registry, removing the header, and letting the rest be garbage
// collected — materially faster than nothing, and it never fragments an
// address space we never really laid out.
func (t *Table) Cleanup(id runtime.ProcletID) {
	t.mu.Lock()
	h, ok := t.headers[id]
	delete(t.headers, id)
	t.mu.Unlock()
	if ok && h.Slab != nil {
		h.Slab.Release()
	}
	_ = t.setStatus(id, Absent)
}

// AllPresent returns the ids of every proclet this node currently hosts
// in Present status.
func (t *Table) AllPresent() []runtime.ProcletID {
	txn := t.db.Txn(false)
	it, err := txn.Get("slot", "status", uint64(Present))
	if err != nil {
		return nil
	}
	var ids []runtime.ProcletID
	for raw := it.Next(); raw != nil; raw = it.Next() {
		ids = append(ids, raw.(*statusEntry).ID)
	}
	return ids
}

// MemUsage sums the slab usage of every present proclet, used by the
// pressure monitor's free-memory accounting. This is the single
// accounting formula applied consistently wherever free memory is
// computed.
func (t *Table) MemUsage() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total uint64
	for _, h := range t.headers {
		if h.Slab != nil {
			total += h.Slab.Usage()
		}
	}
	return total
}

// Candidate is a proclet ranked for eviction by PickEvictionCandidates.
type Candidate struct {
	ID         runtime.ProcletID
	MemoryMBs  uint32
	Migratable bool
}

// PickEvictionCandidates ranks present, migratable proclets by memory
// footprint descending, matching the original heap manager's
// pick_heaps(pressure) contract: the pressure monitor asks the table for
// candidates rather than ranking proclets itself.
func (t *Table) PickEvictionCandidates(deficitMBs uint32) []Candidate {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var cands []Candidate
	for id, h := range t.headers {
		if t.StatusOf(id) != Present || !h.Migratable || h.Slab == nil {
			continue
		}
		cands = append(cands, Candidate{
			ID:         id,
			MemoryMBs:  uint32(h.Slab.Usage() / (1 << 20)),
			Migratable: true,
		})
	}
	sortCandidatesDesc(cands)

	var total uint32
	var picked []Candidate
	for _, c := range cands {
		if total >= deficitMBs {
			break
		}
		picked = append(picked, c)
		total += c.MemoryMBs
	}
	return picked
}

func sortCandidatesDesc(c []Candidate) {
	for i := 1; i < len(c); i++ {
		for j := i; j > 0 && c[j].MemoryMBs > c[j-1].MemoryMBs; j-- {
			c[j], c[j-1] = c[j-1], c[j]
		}
	}
}
