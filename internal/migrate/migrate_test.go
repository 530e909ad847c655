package migrate

import (
	"net"
	"strconv"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/proclet/nu/internal/archive"
	"github.com/proclet/nu/internal/ctrl"
	"github.com/proclet/nu/internal/proclet"
	"github.com/proclet/nu/internal/procletable"
	gort "github.com/proclet/nu/internal/runtime"
	"github.com/proclet/nu/internal/rpc"
	"github.com/proclet/nu/internal/slab"
	"github.com/proclet/nu/internal/stackmgr"
)

type kvStore struct {
	Value int
}

func init() {
	proclet.Register("kv.set", func(obj *kvStore, v int) int {
		obj.Value = v
		return obj.Value
	})
	proclet.Register("kv.get", func(obj *kvStore, _ struct{}) int {
		return obj.Value
	})
	proclet.RegisterConstructor("kv", func() kvStore { return kvStore{} })
}

func splitPort(t *testing.T, addr string) uint16 {
	t.Helper()
	_, portStr, err := net.SplitHostPort(addr)
	must.NoError(t, err)
	port, err := strconv.ParseUint(portStr, 10, 16)
	must.NoError(t, err)
	return uint16(port)
}

type testNode struct {
	ip     string
	rt     *proclet.Runtime
	engine *Engine
	srv    *rpc.Server
}

// newTestNode dials the controller and registers ip. lpid is 0 for the
// first node of a logical process; every following node passes the id
// the first node was handed, so the two nodes share one lpInfo and are
// both eligible migration destinations for each other.
func newTestNode(t *testing.T, ip, ctrlAddr string, lpid ctrl.LPID) *testNode {
	t.Helper()

	ctrlClient, err := ctrl.Dial(ctrlAddr, nil)
	must.NoError(t, err)
	t.Cleanup(func() { ctrlClient.Close() })

	if lpid != 0 {
		ctrlClient.JoinLP(lpid)
	}
	_, err = ctrlClient.RegisterNode(ip, [16]byte{})
	must.NoError(t, err)
	must.NoError(t, ctrlClient.ReportFreeResource(ip, ctrl.Resource{Cores: 4, MemMBs: 4096}))

	table := procletable.New()
	conns := rpc.NewClientManager(0, 1, rpc.DefaultCreditWindow, nil)
	arch := archive.New(1, archive.DefaultCacheSize)
	arena := slab.NewArena(64 << 20)
	stacks := stackmgr.New(ctrl.StackClusterSize, stackmgr.DefaultStackSize, 1)
	rt := proclet.NewRuntime(ip, table, ctrlClient, conns, arch, nil, arena, stacks, 1, nil)
	eng := New(rt, nil)

	srv, err := rpc.Listen("127.0.0.1:0", eng.HandleRPC, nil)
	must.NoError(t, err)
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })

	port := splitPort(t, srv.Addr().String())
	rt.Conns = rpc.NewClientManager(port, 1, rpc.DefaultCreditWindow, nil)

	return &testNode{ip: ip, rt: rt, engine: eng, srv: srv}
}

func startCtrl(t *testing.T) string {
	t.Helper()
	c := ctrl.New(nil, 0x80000000, 0x400000000000)
	srv, err := ctrl.Listen("127.0.0.1:0", c, nil)
	must.NoError(t, err)
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return srv.Addr()
}

func TestMigrateOut_MovesProcletAndUpdatesDirectory(t *testing.T) {
	ctrlAddr := startCtrl(t)

	a := newTestNode(t, "node-a", ctrlAddr, 0)
	b := newTestNode(t, "node-b", ctrlAddr, a.rt.Ctrl.LPID())
	// node-b's dialable address is its real loopback:port, not its
	// logical "node-b" name; point a's client cache at it directly.
	bPort := splitPort(t, b.srv.Addr().String())
	a.rt.Conns = rpc.NewClientManager(bPort, 1, rpc.DefaultCreditWindow, nil)

	p, err := proclet.Make(a.rt, "kv", 1<<20, "node-a", func() kvStore { return kvStore{} })
	must.NoError(t, err)

	_, err = proclet.Run(p, "kv.set", func(obj *kvStore, v int) int {
		obj.Value = v
		return obj.Value
	}, 42)
	must.NoError(t, err)

	err = a.engine.MigrateOut(p.ID(), ctrl.Resource{Cores: 1, MemMBs: 1})
	must.NoError(t, err)

	_, present := a.rt.Table.Header(p.ID())
	must.False(t, present)
	hint, ok := a.rt.Table.ForwardHint(p.ID())
	must.True(t, ok)
	must.Eq(t, "127.0.0.1", hint)

	_, present = b.rt.Table.Header(p.ID())
	must.True(t, present)
	must.Eq(t, procletable.Present, b.rt.Table.StatusOf(p.ID()))

	resolved, err := a.rt.Ctrl.ResolveProclet(gort.ProcletID(p.ID()))
	must.NoError(t, err)
	must.Eq(t, "node-b", resolved)
}

func TestMigrateOut_StaleCallGetsRelayedToDestination(t *testing.T) {
	ctrlAddr := startCtrl(t)

	a := newTestNode(t, "node-a", ctrlAddr, 0)
	b := newTestNode(t, "node-b", ctrlAddr, a.rt.Ctrl.LPID())
	bPort := splitPort(t, b.srv.Addr().String())
	a.rt.Conns = rpc.NewClientManager(bPort, 1, rpc.DefaultCreditWindow, nil)

	p, err := proclet.Make(a.rt, "kv", 1<<20, "node-a", func() kvStore { return kvStore{} })
	must.NoError(t, err)

	_, err = proclet.Run(p, "kv.set", func(obj *kvStore, v int) int {
		obj.Value = v
		return obj.Value
	}, 7)
	must.NoError(t, err)

	must.NoError(t, a.engine.MigrateOut(p.ID(), ctrl.Resource{Cores: 1, MemMBs: 1}))

	// A caller who still believes the proclet lives on node-a issues the
	// call there directly; node-a's table lookup misses but its
	// forwarding hint relays the call on to node-b without surfacing
	// WrongClient to this caller.
	rc, out := a.engine.RT.HandleRPC(0, rpc.TypeProcletCall, encodeCallForTest(t, p.ID(), "kv.get"))
	must.Eq(t, rpc.Forwarded, rc)
	must.NotNil(t, out)
}

func encodeCallForTest(t *testing.T, id gort.ProcletID, handler string) []byte {
	t.Helper()
	type callEnvelope struct {
		ID      gort.ProcletID
		Handler string
		Args    []byte
	}
	b, err := mustEncode(callEnvelope{ID: id, Handler: handler})
	must.NoError(t, err)
	return b
}
