// Package ctrl implements the controller: the single logical
// service that hands out proclet ids and heap segments, tracks the
// id-to-host directory, registers logical processes (LPs), and selects
// migration destinations and allocation targets based on free-resource
// reports.
package ctrl

import (
	"errors"
	"math/bits"

	"github.com/proclet/nu/internal/runtime"
)

// LPID identifies a logical process: one user program's set of nodes,
// mirroring lpid_t in the original.
type LPID uint32

// Resource is the cores/memory pair negotiated between nodes and the
// controller, modeled on commons.hpp's Resource struct.
type Resource struct {
	Cores  uint32
	MemMBs uint32
}

// HasEnough reports whether r can satisfy need, mirroring
// NodeStatus::has_enough_resource in ctrl.hpp.
func (r Resource) HasEnough(need Resource) bool {
	return r.Cores >= need.Cores && r.MemMBs >= need.MemMBs
}

// VAddrRange is an address-space range handed out to a node (a proclet
// heap segment or a stack-cluster segment).
type VAddrRange struct {
	Start uint64
	End   uint64
}

func (r VAddrRange) Len() uint64 { return r.End - r.Start }

// Size-bucket constants mirroring commons.hpp's kMinHeapVAddr/kHeapSize
// family, scaled down to values a Go process can actually mmap-simulate
// without a real flat cluster address space.
const (
	MinProcletHeapSize = 1 << 20  // 1 MiB
	MaxProcletHeapSize = 1 << 30  // 1 GiB
	StackClusterSize   = 1 << 28  // 256 MiB per node, divided into S_stack slots
)

// NumHeapSegmentBuckets is the number of free-list buckets spanning
// MinProcletHeapSize..MaxProcletHeapSize, one per power-of-two capacity
// class (ctrl.hpp's kNumProcletSegmentBuckets).
var NumHeapSegmentBuckets = bits.Len64(MaxProcletHeapSize) - bits.Len64(MinProcletHeapSize) + 1

func bucketFor(capacity uint64) int {
	if capacity < MinProcletHeapSize {
		capacity = MinProcletHeapSize
	}
	b := bits.Len64(capacity-1) - bits.Len64(MinProcletHeapSize-1)
	if b < 0 {
		b = 0
	}
	if b >= NumHeapSegmentBuckets {
		b = NumHeapSegmentBuckets - 1
	}
	return b
}

var (
	ErrNoCapacity       = errors.New("ctrl: no node has enough free resource")
	ErrUnknownLP        = errors.New("ctrl: unknown logical process")
	ErrMD5Mismatch      = errors.New("ctrl: binary checksum mismatch")
	ErrUnknownProclet   = errors.New("ctrl: unknown proclet id")
	ErrSegmentsExhausted = errors.New("ctrl: heap segment free list exhausted")
)

// ProcletID re-exports runtime.ProcletID for callers that only need the
// controller's surface.
type ProcletID = runtime.ProcletID
