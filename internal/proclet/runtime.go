package proclet

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/copystructure"

	"github.com/proclet/nu/internal/archive"
	"github.com/proclet/nu/internal/ctrl"
	"github.com/proclet/nu/internal/procletable"
	gort "github.com/proclet/nu/internal/runtime"
	"github.com/proclet/nu/internal/rpc"
	"github.com/proclet/nu/internal/slab"
	"github.com/proclet/nu/internal/stackmgr"
)

var (
	// ErrRetriesExhausted is returned when the bounded WrongClient retry
	// loop exhausts its attempts.
	ErrRetriesExhausted = errors.New("proclet: retries exhausted against stale directory entry")
	// ErrHandlerNotFound is returned when the remote path names a handler
	// no node in this process registered.
	ErrHandlerNotFound = errors.New("proclet: handler not registered")
)

// maxWrongClientRetries bounds the directory-refresh retry loop on a
// WrongClient response ("On WrongClient, refresh the directory
// via E and retry (bounded)").
const maxWrongClientRetries = 3

// Runtime is the node-local context every Proclet[T] handle dispatches
// through: the proclet table (callee presence/guards), the RPC client
// cache (remote path), the controller client (directory refresh), the
// archive pool (marshalling buffers), the node's slab arena (proclet
// heap backing storage), and its stack cluster (proclet-owned threads).
type Runtime struct {
	SelfIP   string
	Table    *procletable.Table
	Ctrl     *ctrl.Client
	Conns    *rpc.ClientManager
	Arch     *archive.Pool
	Sched    gort.Scheduler
	Arena    *slab.Arena
	Stacks   *stackmgr.Cluster
	NumCores int
	log      hclog.Logger
}

// NewRuntime wires together a node's already-constructed components into
// the context Proclet[T].Run dispatches through.
func NewRuntime(selfIP string, table *procletable.Table, ctrlClient *ctrl.Client, conns *rpc.ClientManager, arch *archive.Pool, sched gort.Scheduler, arena *slab.Arena, stacks *stackmgr.Cluster, numCores int, log hclog.Logger) *Runtime {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if numCores < 1 {
		numCores = 1
	}
	return &Runtime{
		SelfIP: selfIP, Table: table, Ctrl: ctrlClient, Conns: conns, Arch: arch, Sched: sched,
		Arena: arena, Stacks: stacks, NumCores: numCores, log: log.Named("proclet"),
	}
}

// AttachSlab reserves a fresh slab allocator of capacity bytes from the
// runtime's arena and installs it on hdr, making hdr.Slab/SlabID/Base
// real: the single place every construction path (local, remote,
// migration restore) populates a proclet's slab ownership from.
func (rt *Runtime) AttachSlab(hdr *procletable.Header, capacity uint64) error {
	alloc, err := rt.Arena.Reserve(capacity, rt.NumCores)
	if err != nil {
		return err
	}
	alloc.YieldFull()
	hdr.Slab = alloc
	hdr.SlabID = alloc.ID()
	hdr.Base = alloc.Base()
	return nil
}

// HandleRPC is the Runtime's rpc.Handler, registered against an rpc.Server
// for the proclet-call path (TypeProcletCall / TypeForward).
func (rt *Runtime) HandleRPC(core int, typ rpc.Type, payload []byte) (rpc.ReturnCode, []byte) {
	switch typ {
	case rpc.TypeProcletCall, rpc.TypeForward:
		// A forwarded call is handled identically to a direct one: the
		// relaying node already
		// resolved the current host, so this node's table lookup either
		// finds it Present or, if it moved again, forwards once more.
		return rt.handleProcletCall(core, payload)
	default:
		return rpc.Timeout, nil
	}
}

type callEnvelope struct {
	ID      gort.ProcletID
	Handler string
	Args    []byte
}

type replyEnvelope struct {
	Result []byte
}

// constructEnvelope is sent to the node the controller picked for a
// remote Make[T], since the object's zero-argument constructor cannot be
// carried as a value: the destination resolves it from the constructor
// registry (registry.go) by typeName instead.
type constructEnvelope struct {
	ID       gort.ProcletID
	TypeName string
	Capacity uint64
}

// refIncHandlerName/refDecHandlerName are reserved handler names used by
// the reference-counting path (proclet.go's issueRefDelta) rather than
// application code, so they are dispatched directly instead of through
// the Register[T,A,R] registry.
const (
	refIncHandlerName = "__nu_ref_inc__"
	refDecHandlerName = "__nu_ref_dec__"
	constructHandler  = "__nu_construct__"
)

func (rt *Runtime) handleProcletCall(core int, payload []byte) (rpc.ReturnCode, []byte) {
	var env callEnvelope
	if err := decode(payload, &env); err != nil {
		return rpc.Timeout, nil
	}

	if env.Handler == constructHandler {
		return rt.handleConstruct(env.Args)
	}
	if env.Handler == refIncHandlerName || env.Handler == refDecHandlerName {
		return rt.handleRefDelta(env.ID, env.Handler)
	}

	hdr, ok := rt.Table.Header(env.ID)
	if !ok {
		if hint, relayed := rt.tryRelay(env.ID, payload); relayed {
			return rpc.Forwarded, hint
		}
		return rpc.WrongClient, []byte(rt.bestKnownHint(env.ID))
	}

	guard, ok := procletable.TryDisableMigration(hdr)
	if !ok {
		// migration quiesce currently in progress: tell the caller to
		// refresh and retry rather than block the RPC worker.
		return rpc.WrongClient, []byte(hdr.OldServerIP)
	}
	defer guard.Release()

	out, err := rt.invokeLocal(hdr, env.Handler, env.Args)
	if err != nil {
		rt.log.Warn("local invocation failed", "handler", env.Handler, "error", err)
		return rpc.Timeout, nil
	}
	reply, _ := encode(replyEnvelope{Result: out})
	return rpc.Ok, reply
}

func (rt *Runtime) handleConstruct(argBytes []byte) (rpc.ReturnCode, []byte) {
	var env constructEnvelope
	if err := decode(argBytes, &env); err != nil {
		return rpc.Timeout, nil
	}
	ctor, ok := lookupCtor(env.TypeName)
	if !ok {
		rt.log.Warn("construct requested unregistered type", "type", env.TypeName)
		return rpc.Timeout, nil
	}
	hdr := rt.Table.Setup(env.ID, true, false)
	hdr.TypeName = env.TypeName
	if err := rt.AttachSlab(hdr, env.Capacity); err != nil {
		rt.log.Warn("construct slab reservation failed", "id", env.ID, "error", err)
		return rpc.Timeout, nil
	}
	hdr.Lock()
	hdr.UserObj = ctor()
	hdr.Unlock()
	if err := rt.Table.Insert(env.ID); err != nil {
		return rpc.Timeout, nil
	}
	return rpc.Ok, nil
}

func (rt *Runtime) handleRefDelta(id gort.ProcletID, handler string) (rpc.ReturnCode, []byte) {
	hdr, ok := rt.Table.Header(id)
	if !ok {
		return rpc.WrongClient, []byte(rt.bestKnownHint(id))
	}
	if handler == refIncHandlerName {
		hdr.IncRef()
	} else if hdr.DecRef() {
		rt.Table.Cleanup(id)
	}
	return rpc.Ok, nil
}

// constructRemote asks hostIP to construct a proclet of typeName for id,
// used by Make when the controller picked a node other than the caller.
func (rt *Runtime) constructRemote(id gort.ProcletID, typeName string, capacity uint64, hostIP string) error {
	conn, err := rt.Conns.Get(hostIP)
	if err != nil {
		return err
	}
	body, err := encode(callEnvelope{ID: id, Handler: constructHandler, Args: mustEncode(constructEnvelope{ID: id, TypeName: typeName, Capacity: capacity})})
	if err != nil {
		return err
	}
	rc, _, err := conn.Call(0, rpc.TypeProcletCall, body)
	if err != nil {
		return err
	}
	return errFromReturnCode(rc)
}

func mustEncode(v any) []byte {
	b, _ := encode(v)
	return b
}

func errFromReturnCode(rc rpc.ReturnCode) error {
	switch rc {
	case rpc.Ok, rpc.Forwarded:
		return nil
	case rpc.WrongClient:
		return rpc.ErrWrongClient
	default:
		return rpc.ErrTimeout
	}
}

func (rt *Runtime) bestKnownHint(id gort.ProcletID) string {
	if hdr, ok := rt.Table.Header(id); ok {
		return hdr.OldServerIP
	}
	if ip, ok := rt.Table.ForwardHint(id); ok {
		return ip
	}
	return ""
}

// tryRelay forwards a call for a proclet that just migrated away from
// this node to its known destination, sparing the caller a round trip
// through the controller when a reply was already in flight. It returns
// false if no forwarding hint is on record, in which case the caller
// falls back to a bare WrongClient.
func (rt *Runtime) tryRelay(id gort.ProcletID, payload []byte) ([]byte, bool) {
	destIP, ok := rt.Table.ForwardHint(id)
	if !ok || destIP == "" {
		return nil, false
	}
	conn, err := rt.Conns.Get(destIP)
	if err != nil {
		return nil, false
	}
	rc, out, err := conn.Call(0, rpc.TypeForward, payload)
	if err != nil || rc != rpc.Ok {
		return nil, false
	}
	return out, true
}

func (rt *Runtime) invokeLocal(hdr *procletable.Header, handlerName string, argBytes []byte) ([]byte, error) {
	h, ok := lookup(handlerName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, handlerName)
	}
	hdr.Lock()
	obj := hdr.UserObj
	hdr.Unlock()
	return h(obj, argBytes)
}

// deepCopyArgs applies the "move only if unique" rule by always
// performing a defensive deep copy (mitchellh/copystructure),
// since Go's garbage collector gives callers no reliable signal that a
// value is uniquely owned and therefore safe to move without copying.
func deepCopyArgs[A any](args A) (A, error) {
	copied, err := copystructure.Copy(args)
	if err != nil {
		var zero A
		return zero, err
	}
	typed, ok := copied.(A)
	if !ok {
		var zero A
		return zero, fmt.Errorf("proclet: copystructure returned unexpected type %T", copied)
	}
	return typed, nil
}
