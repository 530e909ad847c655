package pressure

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/proclet/nu/internal/archive"
	"github.com/proclet/nu/internal/ctrl"
	"github.com/proclet/nu/internal/migrate"
	"github.com/proclet/nu/internal/proclet"
	"github.com/proclet/nu/internal/procletable"
	"github.com/proclet/nu/internal/rpc"
	"github.com/proclet/nu/internal/slab"
	"github.com/proclet/nu/internal/stackmgr"
	"github.com/proclet/nu/internal/syncx"
)

type blob struct {
	Data []byte
}

func init() {
	proclet.RegisterConstructor("blob", func() blob { return blob{} })
	proclet.Register("blob.touch", func(obj *blob, n int) int {
		obj.Data = make([]byte, n)
		return len(obj.Data)
	})
}

func splitPort(t *testing.T, addr string) uint16 {
	t.Helper()
	_, portStr, err := net.SplitHostPort(addr)
	must.NoError(t, err)
	port, err := strconv.ParseUint(portStr, 10, 16)
	must.NoError(t, err)
	return uint16(port)
}

func startTestCtrl(t *testing.T) string {
	t.Helper()
	c := ctrl.New(nil, 0x80000000, 0x400000000000)
	srv, err := ctrl.Listen("127.0.0.1:0", c, nil)
	must.NoError(t, err)
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return srv.Addr()
}

type testNode struct {
	ip      string
	rt      *proclet.Runtime
	engine  *migrate.Engine
	ctrlCli *ctrl.Client
	srv     *rpc.Server
}

func newPressureTestNode(t *testing.T, ip, ctrlAddr string, lpid ctrl.LPID) *testNode {
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
	eng := migrate.New(rt, nil)

	srv, err := rpc.Listen("127.0.0.1:0", eng.HandleRPC, nil)
	must.NoError(t, err)
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })

	port := splitPort(t, srv.Addr().String())
	rt.Conns = rpc.NewClientManager(port, 1, rpc.DefaultCreditWindow, nil)

	return &testNode{ip: ip, rt: rt, engine: eng, ctrlCli: ctrlClient, srv: srv}
}

// TestMonitor_TickEvictsUnderLowMemoryWatermark builds a table holding one
// migratable proclet, sets TotalMemMBs/LowWatermarkMBs so freeMemMBs()
// starts below the watermark, and checks a tick migrates it away to the
// only other node in the logical process.
func TestMonitor_TickEvictsUnderLowMemoryWatermark(t *testing.T) {
	ctrlAddr := startTestCtrl(t)

	a := newPressureTestNode(t, "node-a", ctrlAddr, 0)
	b := newPressureTestNode(t, "node-b", ctrlAddr, a.rt.Ctrl.LPID())
	bPort := splitPort(t, b.srv.Addr().String())
	a.rt.Conns = rpc.NewClientManager(bPort, 1, rpc.DefaultCreditWindow, nil)

	p, err := proclet.Make(a.rt, "blob", 1<<20, "node-a", func() blob { return blob{} })
	must.NoError(t, err)
	_, err = proclet.Run(p, "blob.touch", func(obj *blob, n int) int {
		obj.Data = make([]byte, n)
		return len(obj.Data)
	}, 1<<16)
	must.NoError(t, err)

	cfg := Config{
		SelfIP:          "node-a",
		TotalMemMBs:     1,
		LowWatermarkMBs: 1 << 20, // unreachable: always "below watermark"
		NumCores:        1,
	}
	mon := New(cfg, a.rt.Table, []*ctrl.Client{a.rt.Ctrl}, a.engine, syncx.NewCPULoad(1), nil)

	mon.tick(context.Background())

	_, present := a.rt.Table.Header(p.ID())
	must.False(t, present)
	hint, ok := a.rt.Table.ForwardHint(p.ID())
	must.True(t, ok)
	must.Eq(t, "127.0.0.1", hint)
}

// TestMonitor_CongestionFractionTracksRecordedSamples checks the rolling
// ring buffer correctly reports the fraction of congested samples without
// needing a live CPULoad to cross any real threshold.
func TestMonitor_CongestionFractionTracksRecordedSamples(t *testing.T) {
	mon := New(Config{NumCores: 1}, procletable.New(), nil, nil, syncx.NewCPULoad(1), nil)

	must.Eq(t, float64(0), mon.congestionFraction())

	for i := 0; i < 10; i++ {
		mon.recordSample(true)
	}
	must.Eq(t, float64(1), mon.congestionFraction())

	for i := 0; i < 10; i++ {
		mon.recordSample(false)
	}
	// 10 congested then 10 clear samples, evenly weighted: half the
	// rolling window reads hot.
	must.Eq(t, 0.5, mon.congestionFraction())
}

// TestMonitor_TickTriggersEvictionAfterCPUWindowPersists simulates
// sustained CPU congestion by calling tick repeatedly with a fake clock
// substitute (real time.Sleep, kept short via a tiny CPUWindow) and
// checks the proclet is migrated once the congestion window elapses.
func TestMonitor_TickTriggersEvictionAfterCPUWindowPersists(t *testing.T) {
	ctrlAddr := startTestCtrl(t)

	a := newPressureTestNode(t, "node-a", ctrlAddr, 0)
	b := newPressureTestNode(t, "node-b", ctrlAddr, a.rt.Ctrl.LPID())
	bPort := splitPort(t, b.srv.Addr().String())
	a.rt.Conns = rpc.NewClientManager(bPort, 1, rpc.DefaultCreditWindow, nil)

	p, err := proclet.Make(a.rt, "blob", 1<<20, "node-a", func() blob { return blob{} })
	must.NoError(t, err)
	_, err = proclet.Run(p, "blob.touch", func(obj *blob, n int) int {
		obj.Data = make([]byte, n)
		return len(obj.Data)
	}, 1<<16)
	must.NoError(t, err)

	load := syncx.NewCPULoad(1)
	load.StartMonitor(0)
	for i := 0; i < syncx.SampleInterval; i++ {
		load.EndMonitor(0)
		load.StartMonitor(0)
	}

	cfg := Config{
		SelfIP:           "node-a",
		TotalMemMBs:      1 << 20,
		LowWatermarkMBs:  0,
		CPUHighWatermark: 0.01,
		CPUWindow:        1 * time.Millisecond,
		NumCores:         1,
	}
	mon := New(cfg, a.rt.Table, []*ctrl.Client{a.rt.Ctrl}, a.engine, load, nil)

	mon.tick(context.Background())
	time.Sleep(2 * time.Millisecond)
	mon.tick(context.Background())

	_, present := a.rt.Table.Header(p.ID())
	must.False(t, present)
}

// TestMonitor_ReportFansOutAndAggregatesFailures checks report() calls
// every controller client and that one failing client's error doesn't
// suppress the success of the others, by pointing a second "client" at a
// closed connection.
func TestMonitor_ReportFansOutAndAggregatesFailures(t *testing.T) {
	ctrlAddr := startTestCtrl(t)

	good, err := ctrl.Dial(ctrlAddr, nil)
	must.NoError(t, err)
	t.Cleanup(func() { good.Close() })
	_, err = good.RegisterNode("node-a", [16]byte{})
	must.NoError(t, err)

	bad, err := ctrl.Dial(ctrlAddr, nil)
	must.NoError(t, err)
	_, err = bad.RegisterNode("node-a", [16]byte{})
	must.NoError(t, err)
	bad.Close() // closed connection: every subsequent call fails

	mon := New(Config{SelfIP: "node-a", TotalMemMBs: 4096, NumCores: 1},
		procletable.New(), []*ctrl.Client{good, bad}, nil, syncx.NewCPULoad(1), nil)

	err = mon.report()
	must.Error(t, err)
}

func TestMonitor_MetricsRegisteredOnce(t *testing.T) {
	mon := New(Config{NumCores: 1}, procletable.New(), nil, nil, syncx.NewCPULoad(1), nil)
	must.NotNil(t, mon.Metrics())
}
