package syncx

import "sync/atomic"

// cacheLineSize pads per-core counters onto separate cache lines, matching
// the aligned layout of Counter in counter.hpp.
const cacheLineSize = 64

// Counter is a per-core sharded counter (counter.hpp): increments and
// decrements hit only the calling core's shard, and Get sums every shard.
// inc_unsafe/dec_unsafe (non-atomic, single-threaded-per-core fast path)
// are modeled by IncUnsafe/DecUnsafe, which still use an atomic add since
// Go offers no unsynchronized plain-memory op that is safe to expose.
type Counter struct {
	shards []counterShard
}

type counterShard struct {
	v    atomic.Int64
	_pad [cacheLineSize - 8]byte
}

// NewCounter builds a counter with one shard per core.
func NewCounter(numCores int) *Counter {
	if numCores < 1 {
		numCores = 1
	}
	return &Counter{shards: make([]counterShard, numCores)}
}

func (c *Counter) shard(core int) *counterShard {
	if core < 0 || core >= len(c.shards) {
		core = 0
	}
	return &c.shards[core]
}

// Inc increments the calling core's shard.
func (c *Counter) Inc(core int) { c.shard(core).v.Add(1) }

// Dec decrements the calling core's shard.
func (c *Counter) Dec(core int) { c.shard(core).v.Add(-1) }

// IncUnsafe is the fast-path increment used when the caller already holds
// exclusive access to the core's shard (e.g. running pinned, uncontended).
func (c *Counter) IncUnsafe(core int) { c.shard(core).v.Add(1) }

// DecUnsafe is the fast-path decrement, see IncUnsafe.
func (c *Counter) DecUnsafe(core int) { c.shard(core).v.Add(-1) }

// Get sums every shard's current value.
func (c *Counter) Get() int64 {
	var total int64
	for i := range c.shards {
		total += c.shards[i].v.Load()
	}
	return total
}

// Reset zeroes every shard.
func (c *Counter) Reset() {
	for i := range c.shards {
		c.shards[i].v.Store(0)
	}
}
