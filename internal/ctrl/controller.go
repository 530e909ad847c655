package ctrl

import (
	"sync"

	"github.com/hashicorp/go-hclog"
)

// ewmaWeight matches NodeStatus::kEWMAWeight in ctrl.hpp: free-resource
// reports are decayed rather than overwritten so one stale report does not
// cause a burst of otherwise-good nodes to be skipped for allocation.
const ewmaWeight = 0.25

// NodeStatus tracks one node's availability for a given logical process,
// mirroring ctrl.hpp's NodeStatus (it is "really a logical node as opposed
// to the real physical node" — each LP sees its own view of a node).
type NodeStatus struct {
	Acquired bool
	Free     Resource
}

func (n *NodeStatus) updateFree(r Resource) {
	n.Free.Cores = uint32(ewmaWeight*float64(r.Cores) + (1-ewmaWeight)*float64(n.Free.Cores))
	n.Free.MemMBs = uint32(ewmaWeight*float64(r.MemMBs) + (1-ewmaWeight)*float64(n.Free.MemMBs))
}

type lpInfo struct {
	order        []string // insertion order, for deterministic round robin
	nodeStatuses map[string]*NodeStatus
	rrIdx        int
}

type heapSegment struct {
	rng      VAddrRange
	prevHost string
}

// Controller is the single logical allocation/directory/migration-broker
// service. All state lives behind one mutex: the controller
// is a low-QPS control-plane service, not a hot-path component, so the
// simplicity of a single lock outweighs any sharding benefit (mirrors the
// original's single rt::Mutex mutex_).
type Controller struct {
	log hclog.Logger

	mu sync.Mutex

	freeHeapSegments      [][]heapSegment // indexed by size bucket, used as a stack
	freeStackClusterSegs  []VAddrRange
	nextStackClusterStart uint64

	freeLPIDs  []LPID
	nextLPID   LPID
	lpToMD5    map[LPID][16]byte
	lpToInfo   map[LPID]*lpInfo
	procletIPs map[ProcletID]string

	nextHeapBase uint64
}

// New builds an empty controller. stackClusterBase is the first virtual
// address handed out for stack-cluster segments (// kMinStackClusterVAddr in the original).
func New(log hclog.Logger, heapBase, stackClusterBase uint64) *Controller {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	c := &Controller{
		log:                   log.Named("ctrl"),
		freeHeapSegments:      make([][]heapSegment, NumHeapSegmentBuckets),
		lpToMD5:               make(map[LPID][16]byte),
		lpToInfo:              make(map[LPID]*lpInfo),
		procletIPs:            make(map[ProcletID]string),
		nextHeapBase:          heapBase,
		nextStackClusterStart: stackClusterBase,
	}
	return c
}

// RegisterNode enrolls ip under logical process lpid, mirroring
// ctrl.hpp's register_node. A zero lpid requests a fresh LP; any
// nonzero lpid must match a previously registered md5 checksum
// (kEnableBinaryVerification) or registration fails with ErrMD5Mismatch.
// On success the node receives a fresh stack-cluster segment.
func (c *Controller) RegisterNode(ip string, lpid LPID, md5 [16]byte) (LPID, VAddrRange, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if lpid == 0 {
		lpid = c.allocateLPIDLocked()
		c.lpToMD5[lpid] = md5
		c.lpToInfo[lpid] = &lpInfo{nodeStatuses: make(map[string]*NodeStatus)}
	} else if got, ok := c.lpToMD5[lpid]; !ok {
		return 0, VAddrRange{}, ErrUnknownLP
	} else if got != md5 {
		return 0, VAddrRange{}, ErrMD5Mismatch
	}

	seg := c.popStackClusterSegmentLocked()
	info := c.lpToInfo[lpid]
	info.order = append(info.order, ip)
	info.nodeStatuses[ip] = &NodeStatus{}

	c.log.Info("node registered", "ip", ip, "lpid", lpid)
	return lpid, seg, nil
}

// VerifyMD5 checks whether md5 matches the checksum recorded when lpid
// was first registered (spec: "LP registration with md5 binary-checksum
// gating").
func (c *Controller) VerifyMD5(lpid LPID, md5 [16]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	got, ok := c.lpToMD5[lpid]
	return ok && got == md5
}

// AllocateProclet reserves a heap segment sized to hold capacity bytes
// and picks a hosting node for lpid, preferring ipHint when it has room.
func (c *Controller) AllocateProclet(capacity uint64, lpid LPID, ipHint string) (ProcletID, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, ok := c.lpToInfo[lpid]
	if !ok {
		return 0, "", ErrUnknownLP
	}
	need := Resource{Cores: 1, MemMBs: uint32(capacity / (1 << 20))}
	ip, err := c.selectNodeLocked(info, ipHint, need)
	if err != nil {
		return 0, "", err
	}

	seg := c.popHeapSegmentLocked(capacity)
	id := ProcletID(seg.rng.Start)
	c.procletIPs[id] = ip
	return id, ip, nil
}

// DestroyProclet returns a proclet's heap segment to its bucket's free
// stack and drops its directory entry.
func (c *Controller) DestroyProclet(rng VAddrRange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := ProcletID(rng.Start)
	delete(c.procletIPs, id)
	bucket := bucketFor(rng.Len())
	c.freeHeapSegments[bucket] = append(c.freeHeapSegments[bucket], heapSegment{rng: rng})
}

// ResolveProclet answers the current host IP for id from the directory,
// used by callers recovering from a WrongClient response.
func (c *Controller) ResolveProclet(id ProcletID) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ip, ok := c.procletIPs[id]
	if !ok {
		return "", ErrUnknownProclet
	}
	return ip, nil
}

// UpdateLocation records that id now lives on ip, called once a migration
// completes .
func (c *Controller) UpdateLocation(id ProcletID, ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.procletIPs[id] = ip
}

// AcquireMigrationDest picks a destination node for lpid with enough
// resource, other than requestorIP, and marks it acquired so concurrent
// migrations do not pile onto the same target.
func (c *Controller) AcquireMigrationDest(lpid LPID, requestorIP string, resource Resource) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, ok := c.lpToInfo[lpid]
	if !ok {
		return "", ErrUnknownLP
	}
	n := len(info.order)
	for i := 0; i < n; i++ {
		idx := (info.rrIdx + i) % n
		ip := info.order[idx]
		if ip == requestorIP {
			continue
		}
		ns := info.nodeStatuses[ip]
		if ns.Acquired || !ns.Free.HasEnough(resource) {
			continue
		}
		ns.Acquired = true
		info.rrIdx = (idx + 1) % n
		return ip, nil
	}
	return "", ErrNoCapacity
}

// ReleaseMigrationDest frees a destination previously returned by
// AcquireMigrationDest, whether the migration succeeded or was aborted.
func (c *Controller) ReleaseMigrationDest(lpid LPID, ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.lpToInfo[lpid]
	if !ok {
		return
	}
	if ns, ok := info.nodeStatuses[ip]; ok {
		ns.Acquired = false
	}
}

// ReportFreeResource folds a node's self-reported free resource into its
// EWMA estimate, periodically pushed by the pressure monitor .
func (c *Controller) ReportFreeResource(lpid LPID, ip string, free Resource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.lpToInfo[lpid]
	if !ok {
		return
	}
	if ns, ok := info.nodeStatuses[ip]; ok {
		ns.updateFree(free)
	}
}

// FreeResources returns a snapshot, keyed by node IP, of every known
// node's EWMA free resource for lpid, for diagnostics.
func (c *Controller) FreeResources(lpid LPID) map[string]Resource {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.lpToInfo[lpid]
	if !ok {
		return nil
	}
	out := make(map[string]Resource, len(info.nodeStatuses))
	for ip, ns := range info.nodeStatuses {
		out[ip] = ns.Free
	}
	return out
}

func (c *Controller) selectNodeLocked(info *lpInfo, ipHint string, need Resource) (string, error) {
	if ipHint != "" {
		if ns, ok := info.nodeStatuses[ipHint]; ok && ns.Free.HasEnough(need) {
			return ipHint, nil
		}
	}
	n := len(info.order)
	for i := 0; i < n; i++ {
		idx := (info.rrIdx + i) % n
		ip := info.order[idx]
		if info.nodeStatuses[ip].Free.HasEnough(need) {
			info.rrIdx = (idx + 1) % n
			return ip, nil
		}
	}
	return "", ErrNoCapacity
}

func (c *Controller) allocateLPIDLocked() LPID {
	if n := len(c.freeLPIDs); n > 0 {
		id := c.freeLPIDs[n-1]
		c.freeLPIDs = c.freeLPIDs[:n-1]
		return id
	}
	c.nextLPID++
	return c.nextLPID
}

func (c *Controller) popHeapSegmentLocked(capacity uint64) heapSegment {
	bucket := bucketFor(capacity)
	if segs := c.freeHeapSegments[bucket]; len(segs) > 0 {
		seg := segs[len(segs)-1]
		c.freeHeapSegments[bucket] = segs[:len(segs)-1]
		return seg
	}
	size := uint64(MinProcletHeapSize) << bucket
	start := c.nextHeapBase
	c.nextHeapBase += size
	return heapSegment{rng: VAddrRange{Start: start, End: start + size}}
}

func (c *Controller) popStackClusterSegmentLocked() VAddrRange {
	if n := len(c.freeStackClusterSegs); n > 0 {
		seg := c.freeStackClusterSegs[n-1]
		c.freeStackClusterSegs = c.freeStackClusterSegs[:n-1]
		return seg
	}
	start := c.nextStackClusterStart
	c.nextStackClusterStart += StackClusterSize
	return VAddrRange{Start: start, End: start + StackClusterSize}
}
