// Package archive implements the per-core archive (serialization buffer)
// pool: reusable, pre-sized buffers for the RPC hot path,
// checked out before marshalling and returned afterward to avoid
// allocator pressure on every call.
package archive

import "sync"

// DefaultCacheSize is the default number of buffers cached per core
// ("default N_cache = 4").
const DefaultCacheSize = 4

// DefaultBufferBytes sizes a freshly minted buffer when a core's cache is
// empty; archives grow beyond this as needed and are still recycled.
const DefaultBufferBytes = 4096

// Archive is a single reusable byte buffer, handed out for either reading
// (deserializing an inbound payload) or writing (marshalling arguments or
// a return value).
type Archive struct {
	buf []byte
}

// Reset clears the archive for reuse, keeping its underlying capacity.
func (a *Archive) Reset() { a.buf = a.buf[:0] }

// Bytes exposes the archive's current contents.
func (a *Archive) Bytes() []byte { return a.buf }

// Append grows the archive's contents.
func (a *Archive) Append(p []byte) { a.buf = append(a.buf, p...) }

// Pool is a per-core set of Archive caches, one for input archives ("ia",
// inbound deserialization) and one for output archives ("oa", outbound
// marshalling), mirroring get_ia_sstream/get_oa_sstream in the original.
type Pool struct {
	cacheSize int
	ia        []coreCache
	oa        []coreCache
}

type coreCache struct {
	mu    sync.Mutex
	stash []*Archive
}

// New builds a pool with one ia/oa cache pair per core.
func New(numCores int, cacheSize int) *Pool {
	if numCores < 1 {
		numCores = 1
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	return &Pool{
		cacheSize: cacheSize,
		ia:        make([]coreCache, numCores),
		oa:        make([]coreCache, numCores),
	}
}

func (p *Pool) getFrom(caches []coreCache, core int) *Archive {
	if core >= 0 && core < len(caches) {
		cc := &caches[core]
		cc.mu.Lock()
		if n := len(cc.stash); n > 0 {
			a := cc.stash[n-1]
			cc.stash = cc.stash[:n-1]
			cc.mu.Unlock()
			a.Reset()
			return a
		}
		cc.mu.Unlock()
	}
	return &Archive{buf: make([]byte, 0, DefaultBufferBytes)}
}

func (p *Pool) putTo(caches []coreCache, core int, a *Archive) {
	if core < 0 || core >= len(caches) {
		return
	}
	cc := &caches[core]
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if len(cc.stash) < p.cacheSize {
		cc.stash = append(cc.stash, a)
	}
}

// GetInputArchive returns a buffer to deserialize an inbound payload into.
func (p *Pool) GetInputArchive(core int) *Archive { return p.getFrom(p.ia, core) }

// PutInputArchive returns a used input archive for reuse.
func (p *Pool) PutInputArchive(core int, a *Archive) { p.putTo(p.ia, core, a) }

// GetOutputArchive returns a buffer to marshal arguments or a return value
// into.
func (p *Pool) GetOutputArchive(core int) *Archive { return p.getFrom(p.oa, core) }

// PutOutputArchive returns a used output archive for reuse.
func (p *Pool) PutOutputArchive(core int, a *Archive) { p.putTo(p.oa, core, a) }
