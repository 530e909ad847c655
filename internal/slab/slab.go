// Package slab implements the per-proclet slab allocator: a
// size-class allocator with geometric size classes from 2^5 to 2^35 bytes,
// per-core free-list caches, a hidden (size, slab id) header on every
// allocation, and a per-node slab-id registry so free(ptr) always routes
// to the owning proclet's allocator regardless of which proclet originally
// made the allocation.
//
// Every proclet heap in the real system is carved out of one flat,
// cluster-wide virtual address space: any raw pointer is
// dereferenceable on whatever node currently maps that address range. This
// Go port mirrors that with an Arena: one contiguous []byte per node that
// every local Allocator sub-allocates from, so a Ptr is a plain node-local
// offset and Free needs no allocator context beyond the arena itself — it
// reads the hidden header directly, then looks up the owning slab.
package slab

import (
	"errors"
	"sync"
)

const (
	// MinShift/MaxShift bound the geometric size classes: 2^5 (32B) to
	// 2^35 (32GB), matching the original allocator's kMinSlabClassShift /
	// kMaxSlabClassShift.
	MinShift = 5
	MaxShift = 35
	// NumClasses is the number of distinct size classes.
	NumClasses = MaxShift - MinShift + 1
	// MaxCacheEntries bounds how many freed blocks a per-core cache keeps
	// per size class before surplus is returned to the central free list.
	MaxCacheEntries = 32
	// CacheSizeCutoff: allocations at or above this size skip the
	// per-core cache entirely and go straight to the central free list.
	CacheSizeCutoff = 1024
	// headerSize is the width of the hidden (size, slab id) prefix placed
	// immediately before every returned allocation.
	headerSize = 8
)

// ID is the 16-bit slab identifier that lets a free() anywhere on the node
// find the owning proclet's allocator.
type ID uint16

// Ptr is an offset into the node's Arena, standing in for a raw pointer
// into the cluster's shared proclet-heap virtual address space.
type Ptr uint64

// NilPtr is the zero value, returned on allocation failure (// "Returns nullptr on exhaustion").
const NilPtr Ptr = 0

var (
	ErrOutOfMemory  = errors.New("slab: allocation exhausted backing region")
	ErrShrinkInUse  = errors.New("slab: cannot shrink past live allocations")
	ErrUnknownSlab  = errors.New("slab: no allocator registered for id")
	ErrInvalidPtr   = errors.New("slab: pointer does not carry a valid header")
	ErrIDRangeFull  = errors.New("slab: id space exhausted")
	ErrRangeOverlap = errors.New("slab: allocator region overlaps an existing one")
)

func classOf(size uint64) int {
	shift := MinShift
	cap := uint64(1) << MinShift
	for cap < size && shift < MaxShift {
		shift++
		cap <<= 1
	}
	return shift - MinShift
}

func classSize(class int) uint64 {
	return uint64(1) << (MinShift + class)
}

// coreCache holds per-size-class freed blocks for one core, unshared by
// construction so the fast path never takes a lock ("the per-core
// slab caches are unshared by construction").
type coreCache struct {
	counts [NumClasses]int
	heads  [NumClasses]Ptr
}

// Arena is the node-wide flat byte space every proclet's Allocator carves
// a fixed-size region from, and the only type that can dereference a Ptr's
// hidden header — mirroring the single shared virtual address space of
// the real runtime .
type Arena struct {
	buf []byte

	regMu    sync.RWMutex
	registry map[ID]*Allocator

	bumpMu sync.Mutex
	cur    uint64 // frontier for Reserve's fresh, non-overlapping carve-outs
	nextID ID
}

// NewArena allocates a node's flat byte space of the given size (typically
// the whole [H_min, H_max) proclet heap cluster).
func NewArena(size uint64) *Arena {
	return &Arena{buf: make([]byte, size), registry: make(map[ID]*Allocator)}
}

// Reserve carves a fresh, non-overlapping [start, start+length) region off
// the arena's own bump cursor, assigns it the next available slab id, and
// installs an Allocator over it — the path every real proclet construction
// and migration restore uses, since neither has pre-existing coordinates
// to hand NewAllocator directly.
func (ar *Arena) Reserve(length uint64, numCores int) (*Allocator, error) {
	ar.bumpMu.Lock()
	if ar.cur+length > uint64(len(ar.buf)) {
		ar.bumpMu.Unlock()
		return nil, ErrOutOfMemory
	}
	id := ar.nextID + 1
	if id == 0 {
		ar.bumpMu.Unlock()
		return nil, ErrIDRangeFull
	}
	start := ar.cur
	ar.cur += length
	ar.nextID = id
	ar.bumpMu.Unlock()
	return ar.NewAllocator(id, start, length, numCores)
}

// Allocator is one proclet's heap allocator, covering a fixed [start,end)
// window of the node's Arena.
type Allocator struct {
	arena      *Arena
	id         ID
	start, end uint64
	cur        uint64 // bump-pointer frontier for fresh carve-outs

	mu   sync.Mutex
	free [NumClasses]Ptr // central, spin-lock-guarded free lists
	used uint64

	caches []coreCache
}

// NewAllocator installs a fresh allocator for slab id over
// [start, start+length) of the arena and registers it so Free can find it.
// Reserve calls it for both a first construction and a migration restore;
// a restored proclet gets a fresh, empty allocator of the same capacity,
// not a byte copy of the source node's slab.
func (ar *Arena) NewAllocator(id ID, start, length uint64, numCores int) (*Allocator, error) {
	if start+length > uint64(len(ar.buf)) {
		return nil, ErrRangeOverlap
	}
	if numCores < 1 {
		numCores = 1
	}
	a := &Allocator{
		arena:  ar,
		id:     id,
		start:  start,
		end:    start + length,
		cur:    start,
		caches: make([]coreCache, numCores),
	}
	ar.register(id, a)
	return a, nil
}

func (ar *Arena) register(id ID, a *Allocator) {
	ar.regMu.Lock()
	defer ar.regMu.Unlock()
	ar.registry[id] = a
}

// Unregister removes id from the node's registry, called at proclet
// destruction once the slab has been torn down.
func (ar *Arena) Unregister(id ID) {
	ar.regMu.Lock()
	defer ar.regMu.Unlock()
	delete(ar.registry, id)
}

// ByID looks up the allocator currently responsible for slab id on this
// node.
func (ar *Arena) ByID(id ID) (*Allocator, bool) {
	ar.regMu.RLock()
	defer ar.regMu.RUnlock()
	a, ok := ar.registry[id]
	return a, ok
}

// ID returns the allocator's slab id.
func (a *Allocator) ID() ID { return a.id }

// Base is the allocator's deterministic base pointer. The proclet's first
// user object, carved by Yield, always lands here. It is an offset into
// this node's Arena and is not the proclet's ProcletID, which the
// controller assigns from its own heap segments.
func (a *Allocator) Base() Ptr { return Ptr(a.start + headerSize) }

// Usage returns the number of bytes currently handed out to callers
// (header bytes excluded), for the pressure monitor's free-memory
// accounting.
func (a *Allocator) Usage() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Remaining returns the number of bytes left in the allocator's region
// beyond the bump-pointer frontier.
func (a *Allocator) Remaining() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.end - a.cur
}

// Capacity returns the total size of the allocator's region, the number a
// migration destination needs to carve an equivalently sized allocator of
// its own.
func (a *Allocator) Capacity() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.end - a.start
}

// Release removes this allocator from its arena's slab registry, the
// node-local counterpart to a proclet leaving this node for good, by
// migration or destruction. The bump cursor never rewinds, but Free calls
// against this id fail afterward instead of silently landing here.
func (a *Allocator) Release() {
	a.arena.Unregister(a.id)
}

func (ar *Arena) readHeader(p Ptr) (size uint64, id ID, ok bool) {
	if p < headerSize || uint64(p) > uint64(len(ar.buf)) {
		return 0, 0, false
	}
	off := uint64(p) - headerSize
	word := beUint64(ar.buf[off : off+headerSize])
	return word & 0x0000FFFFFFFFFFFF, ID(word >> 48), true
}

func (ar *Arena) writeHeader(off uint64, size uint64, id ID) {
	word := (size & 0x0000FFFFFFFFFFFF) | (uint64(id) << 48)
	putBeUint64(ar.buf[off:off+headerSize], word)
}

func beUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putBeUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

// Allocate carves out size bytes, prefixed by the hidden header, and
// returns the offset past the header. Returns NilPtr on exhaustion.
func (a *Allocator) Allocate(core int, size uint64) Ptr {
	if size == 0 {
		size = 1
	}
	class := classOf(size)
	classLen := classSize(class)

	if classLen < CacheSizeCutoff {
		if c := a.cacheFor(core); c != nil {
			if p, ok := c.pop(a.arena, class); ok {
				a.arena.writeHeader(uint64(p)-headerSize, size, a.id)
				a.mu.Lock()
				a.used += size
				a.mu.Unlock()
				return p
			}
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if p := a.popCentral(class); p != NilPtr {
		a.arena.writeHeader(uint64(p)-headerSize, size, a.id)
		a.used += size
		return p
	}
	total := headerSize + classLen
	if a.cur+total > a.end {
		return NilPtr
	}
	off := a.cur
	a.cur += total
	a.arena.writeHeader(off, size, a.id)
	a.used += size
	return Ptr(off + headerSize)
}

// Yield performs a bump-pointer carve-out with no size class rounding,
// used once at proclet setup so the initial user object's address is
// deterministic and equal to the slab base .
func (a *Allocator) Yield(size uint64) Ptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := headerSize + size
	if a.cur+total > a.end {
		return NilPtr
	}
	off := a.cur
	a.cur += total
	a.arena.writeHeader(off, size, a.id)
	a.used += size
	return Ptr(off + headerSize)
}

// YieldFull performs the one-time setup Yield for the allocator's entire
// remaining region, so that header and object together exactly fill
// [start, end). Used where a proclet's whole reserved capacity becomes
// its initial object, at construction and at migration restore.
func (a *Allocator) YieldFull() Ptr {
	a.mu.Lock()
	room := a.end - a.cur
	a.mu.Unlock()
	if room < headerSize {
		return NilPtr
	}
	return a.Yield(room - headerSize)
}

// Bytes returns the live byte range backing ptr, honoring the allocator's
// hidden size header.
func (a *Allocator) Bytes(p Ptr) []byte {
	size, _, ok := a.arena.readHeader(p)
	if !ok {
		return nil
	}
	return a.arena.buf[p : uint64(p)+size]
}

func (a *Allocator) cacheFor(core int) *coreCache {
	if core < 0 || core >= len(a.caches) {
		return nil
	}
	return &a.caches[core]
}

func (c *coreCache) pop(ar *Arena, class int) (Ptr, bool) {
	if c.counts[class] == 0 {
		return NilPtr, false
	}
	p := c.heads[class]
	c.heads[class] = getNext(ar, p)
	c.counts[class]--
	return p, p != NilPtr
}

func (c *coreCache) push(ar *Arena, class int, p Ptr) bool {
	if c.counts[class] >= MaxCacheEntries {
		return false
	}
	setNext(ar, p, c.heads[class])
	c.heads[class] = p
	c.counts[class]++
	return true
}

func setNext(ar *Arena, p Ptr, next Ptr) {
	putBeUint64(ar.buf[p:p+8], uint64(next))
}

func getNext(ar *Arena, p Ptr) Ptr {
	return Ptr(beUint64(ar.buf[p : p+8]))
}

// popCentral must be called with a.mu held.
func (a *Allocator) popCentral(class int) Ptr {
	p := a.free[class]
	if p == NilPtr {
		return NilPtr
	}
	a.free[class] = getNext(a.arena, p)
	return p
}

// pushCentral must be called with a.mu held.
func (a *Allocator) pushCentral(class int, p Ptr) {
	setNext(a.arena, p, a.free[class])
	a.free[class] = p
}

// freeLocal returns p (known to belong to a) to the given core's cache,
// spilling to the central free list when the cache is full.
func (a *Allocator) freeLocal(core int, p Ptr, size uint64) {
	class := classOf(size)
	if classSize(class) < CacheSizeCutoff {
		if c := a.cacheFor(core); c != nil && c.push(a.arena, class, p) {
			a.mu.Lock()
			a.used -= min(size, a.used)
			a.mu.Unlock()
			return
		}
	}
	a.mu.Lock()
	a.pushCentral(class, p)
	a.used -= min(size, a.used)
	a.mu.Unlock()
}

// TryShrink succeeds only if no allocations exist past newLen bytes into
// the allocator's region.
func (a *Allocator) TryShrink(newLen uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur > a.start+newLen {
		return ErrShrinkInUse
	}
	a.end = a.start + newLen
	return nil
}

// Free reads ptr's hidden header to find its owning slab id, looks that
// allocator up in the node's registry — wherever on this node it
// currently lives — and returns the block to its free list. core
// identifies the calling core for cache locality; pass -1 if unknown.
func (ar *Arena) Free(core int, p Ptr) error {
	size, id, ok := ar.readHeader(p)
	if !ok {
		return ErrInvalidPtr
	}
	a, ok := ar.ByID(id)
	if !ok {
		return ErrUnknownSlab
	}
	a.freeLocal(core, p, size)
	return nil
}
