package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"

	"github.com/proclet/nu/internal/archive"
	"github.com/proclet/nu/internal/config"
	"github.com/proclet/nu/internal/ctrl"
	"github.com/proclet/nu/internal/migrate"
	"github.com/proclet/nu/internal/pressure"
	"github.com/proclet/nu/internal/proclet"
	"github.com/proclet/nu/internal/procletable"
	"github.com/proclet/nu/internal/rpc"
	"github.com/proclet/nu/internal/runtime/goruntime"
	"github.com/proclet/nu/internal/slab"
	"github.com/proclet/nu/internal/stackmgr"
	"github.com/proclet/nu/internal/syncx"
)

// defaultWorkerPort is the fixed port every worker node in a logical
// process listens on. rpc.ClientManager dials every peer on one shared
// port (see rpc.NewClientManager), so this must be the same across every
// node of an LP; -port overrides it for a single host running several
// nodes.
const defaultWorkerPort = 7070

// ClientCommand runs a worker node: it registers with the controller,
// serves proclet calls and migration transfers, and reports free
// resource on a timer ("--client (app-side initiator)" in
// the CLI surface covers both roles — a worker joining as a migration
// and call target, and an application process that only ever originates
// calls — since both need the same runtime wiring, this command serves
// both).
type ClientCommand struct{}

func (c *ClientCommand) Help() string {
	return "Usage: proclet client -bind=ip -controller=addr [-config=path] [-lpid=n]\n\n" +
		"  Registers this node with the controller and serves proclet\n" +
		"  calls, migration transfers, and periodic resource reports."
}

func (c *ClientCommand) Synopsis() string {
	return "Run a worker node"
}

func (c *ClientCommand) Run(args []string) int {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to an HCL config file (optional)")
	bindIP := fs.String("bind", "", "this node's advertised IP")
	controllerAddr := fs.String("controller", "", "controller dial address")
	lpid := fs.Uint("lpid", 0, "logical process id to join (0 to start a new one)")
	port := fs.Uint("port", defaultWorkerPort, "port this node's RPC server listens on; must match every other node of the logical process")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		cfg = loaded
	}
	if *bindIP != "" {
		cfg.BindIP = *bindIP
	}
	if *controllerAddr != "" {
		cfg.ControllerAddr = *controllerAddr
	}
	if cfg.BindIP == "" || cfg.ControllerAddr == "" {
		fmt.Fprintln(os.Stderr, "client: -bind and -controller (or their config file equivalents) are required")
		return 1
	}

	log := hclog.New(&hclog.LoggerOptions{Name: "proclet-client", Level: hclog.Info})

	ctrlClient, err := ctrl.Dial(cfg.ControllerAddr, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("client: dialing controller: %w", err))
		return 1
	}
	defer ctrlClient.Close()

	if *lpid != 0 {
		ctrlClient.JoinLP(ctrl.LPID(*lpid))
	}

	binaryMD5, err := binaryChecksumSource(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if _, err := ctrlClient.RegisterNode(cfg.BindIP, binaryMD5); err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("client: registering with controller: %w", err))
		return 1
	}
	log.Info("registered with controller", "lpid", ctrlClient.LPID(), "bind_ip", cfg.BindIP)

	table := procletable.New()
	conns := rpc.NewClientManager(uint16(*port), cfg.NumCores, cfg.CreditWindow, log)
	arch := archive.New(cfg.NumCores, archive.DefaultCacheSize)
	arena := slab.NewArena(uint64(cfg.TotalMemMBs) << 20)
	stacks := stackmgr.New(ctrl.StackClusterSize, stackmgr.DefaultStackSize, cfg.NumCores)
	rt := proclet.NewRuntime(cfg.BindIP, table, ctrlClient, conns, arch, goruntime.New(), arena, stacks, cfg.NumCores, log)
	engine := migrate.New(rt, log)

	rpcSrv, err := rpc.Listen(fmt.Sprintf("%s:%d", cfg.BindIP, *port), engine.HandleRPC, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("client: starting rpc listener: %w", err))
		return 1
	}
	defer rpcSrv.Close()
	go func() {
		if err := rpcSrv.Serve(); err != nil {
			log.Error("rpc serve loop exited", "error", err)
		}
	}()
	log.Info("rpc listening", "addr", rpcSrv.Addr())

	load := syncx.NewCPULoad(cfg.NumCores)
	mon := pressure.New(cfg.PressureConfig(), table, []*ctrl.Client{ctrlClient}, engine, load, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := mon.Run(ctx); err != nil && ctx.Err() == nil {
			log.Warn("pressure monitor exited", "error", err)
		}
	}()

	waitForSignal()
	return 0
}

// binaryChecksumSource computes the LP-membership checksum either from
// cfg.LPBinaryChecksumPath (useful in tests, or for a binary that embeds
// its checksum source) or from the running executable's own bytes.
func binaryChecksumSource(cfg *config.Config) ([16]byte, error) {
	path := cfg.LPBinaryChecksumPath
	if path == "" {
		self, err := os.Executable()
		if err != nil {
			return [16]byte{}, fmt.Errorf("client: locating running binary: %w", err)
		}
		path = self
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return [16]byte{}, fmt.Errorf("client: reading binary checksum source %s: %w", path, err)
	}
	return ctrl.BinaryChecksum(data), nil
}
