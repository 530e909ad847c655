package proclet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/proclet/nu/internal/procletthread"
	gort "github.com/proclet/nu/internal/runtime"
	"github.com/proclet/nu/internal/rpc"
)

// ErrNotLocal is returned by SpawnThread when the proclet isn't present
// on the calling node: a proclet-owned thread can only be spawned where
// the proclet's header and guard already live.
var ErrNotLocal = errors.New("proclet: proclet is not present on this node")

// ctors mirrors the handler registry (registry.go) but for zero-argument
// object constructors, used when Make targets a node other than the
// caller's own.
var (
	ctorMu sync.RWMutex
	ctors  = make(map[string]func() any)
)

// RegisterConstructor installs a named constructor for T, usable by Make
// when the controller picks a host other than the caller.
func RegisterConstructor[T any](name string, ctor func() T) {
	ctorMu.Lock()
	defer ctorMu.Unlock()
	ctors[name] = func() any {
		v := ctor()
		return &v
	}
}

func lookupCtor(name string) (func() any, bool) {
	ctorMu.RLock()
	defer ctorMu.RUnlock()
	c, ok := ctors[name]
	return c, ok
}

// EncodeUserObj marshals a proclet's live object for transfer, used by
// package migrate to ship the heap portion of a migrating proclet: this
// port has no raw virtual-memory region to mmap across nodes, so the
// migratable unit is the constructed Go value itself rather than its
// backing bytes.
func EncodeUserObj(obj any) ([]byte, error) { return encode(obj) }

// DecodeUserObj rebuilds a proclet's object on the destination node: it
// allocates a fresh zero value from typeName's registered constructor,
// then decodes the source's bytes directly into it.
func DecodeUserObj(typeName string, b []byte) (any, error) {
	ctor, ok := lookupCtor(typeName)
	if !ok {
		return nil, fmt.Errorf("proclet: no constructor registered for type %q", typeName)
	}
	obj := ctor()
	if len(b) > 0 {
		if err := decode(b, obj); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

// Proclet is a typed handle to a migratable unit of code and state. Its
// id equals the base virtual address of its heap slot; it never changes
// across migrations.
type Proclet[T any] struct {
	id       gort.ProcletID
	typeName string
	rt       *Runtime

	hostMu sync.RWMutex
	host   string

	released atomic.Bool
}

// ID reports the proclet's stable identity.
func (p *Proclet[T]) ID() gort.ProcletID { return p.id }

// knownHost returns this handle's best guess at the proclet's current
// host: its own cached field if set, else the shared caller-side
// directory cache (dircache.go) other handles to the same id may have
// populated.
func (p *Proclet[T]) knownHost() string {
	p.hostMu.RLock()
	host := p.host
	p.hostMu.RUnlock()
	if host != "" {
		return host
	}
	host, _ = dirCacheGet(p.id)
	return host
}

func (p *Proclet[T]) setKnownHost(ip string) {
	p.hostMu.Lock()
	p.host = ip
	p.hostMu.Unlock()
	dirCacheSet(p.id, ip)
}

// Make allocates and constructs a new proclet of type T, named by
// typeName (used to resolve the constructor registry when the
// controller picks a remote host). ipHint is passed through to the
// controller's selection policy ("prefer the hint if it has
// room").
func Make[T any](rt *Runtime, typeName string, capacityBytes uint64, ipHint string, ctor func() T) (*Proclet[T], error) {
	id, hostIP, err := rt.Ctrl.AllocateProclet(capacityBytes, ipHint)
	if err != nil {
		return nil, err
	}

	p := &Proclet[T]{id: id, typeName: typeName, rt: rt, host: hostIP}

	if hostIP == rt.SelfIP {
		hdr := rt.Table.Setup(id, true, false)
		hdr.TypeName = typeName
		if err := rt.AttachSlab(hdr, capacityBytes); err != nil {
			return nil, err
		}
		obj := ctor()
		hdr.Lock()
		hdr.UserObj = &obj
		hdr.Unlock()
		if err := rt.Table.Insert(id); err != nil {
			return nil, err
		}
		hdr.IncRef()
		return p, nil
	}

	if err := rt.constructRemote(id, typeName, capacityBytes, hostIP); err != nil {
		return nil, err
	}
	p.issueRefDelta(hostIP, +1)
	return p, nil
}

// Close drops this handle's reference, asynchronously issuing
// update_ref_cnt(-1) exactly as construction issued update_ref_cnt(+1)
// ("Destruction issues update_ref_cnt(-1) asynchronously").
func (p *Proclet[T]) Close() {
	if !p.released.CompareAndSwap(false, true) {
		return
	}
	if hdr, ok := p.rt.Table.Header(p.id); ok {
		if hdr.DecRef() {
			p.rt.Table.Cleanup(p.id)
		}
		return
	}
	p.issueRefDelta(p.knownHost(), -1)
}

// Clone increments the reference count and returns a second handle to
// the same proclet ("Copy increments").
func (p *Proclet[T]) Clone() *Proclet[T] {
	if hdr, ok := p.rt.Table.Header(p.id); ok {
		hdr.IncRef()
	} else {
		p.issueRefDelta(p.knownHost(), +1)
	}
	return &Proclet[T]{id: p.id, typeName: p.typeName, rt: p.rt, host: p.knownHost()}
}

// SpawnThread starts fn on a fresh thread owned by p, local to this node
// only: it holds p's migration-disabled guard for fn's entire run, so a
// migration of p can't begin underneath it, and checks a stack slot out
// of the runtime's stack cluster for the run's duration. Returns
// ErrNotLocal if p isn't present on the calling node.
func (p *Proclet[T]) SpawnThread(core int, fn func()) (*procletthread.Thread, error) {
	hdr, ok := p.rt.Table.Header(p.id)
	if !ok {
		return nil, ErrNotLocal
	}
	return procletthread.Spawn(context.Background(), p.rt.Sched, p.rt.Stacks, core, hdr, p.id, fn), nil
}

func (p *Proclet[T]) issueRefDelta(hostIP string, delta int) {
	if hostIP == "" {
		return
	}
	conn, err := p.rt.Conns.Get(hostIP)
	if err != nil {
		return
	}
	name := refIncHandlerName
	if delta < 0 {
		name = refDecHandlerName
	}
	body, _ := encode(callEnvelope{ID: p.id, Handler: name})
	conn.CallAsync(0, rpc.TypeProcletCall, body, func(rpc.ReturnCode, []byte, error) {})
}
