package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/proclet/nu/internal/config"
	"github.com/proclet/nu/internal/ctrl"
)

// defaultHeapBase and defaultStackClusterBase are the controller's
// starting virtual-address cursors for the proclet heap cluster and the
// per-LP stack cluster, matching the conventional H_min and SC_min
// layout for these address ranges.
const (
	defaultHeapBase         = 0x80000000
	defaultStackClusterBase = 0x400000000000
)

// ServerCommand runs the controller: the single logical service every
// node and client in one logical process registers with.
type ServerCommand struct{}

func (c *ServerCommand) Help() string {
	return "Usage: proclet server [-config=path] [-bind=addr]\n\n" +
		"  Runs the controller that hands out proclet ids, tracks the\n" +
		"  id-to-host directory, and selects migration destinations."
}

func (c *ServerCommand) Synopsis() string {
	return "Run the controller"
}

func (c *ServerCommand) Run(args []string) int {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to an HCL config file (optional)")
	bindAddr := fs.String("bind", fmt.Sprintf(":%d", ctrl.DefaultPort), "address the controller listens on")
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
		if cfg.ControllerBindAddr != "" {
			*bindAddr = cfg.ControllerBindAddr
		}
	}

	log := hclog.New(&hclog.LoggerOptions{Name: "proclet-server", Level: hclog.Info})

	controller := ctrl.New(log, defaultHeapBase, defaultStackClusterBase)
	srv, err := ctrl.Listen(*bindAddr, controller, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer srv.Close()

	log.Info("controller listening", "addr", srv.Addr())
	go func() {
		if err := srv.Serve(); err != nil {
			log.Error("controller serve loop exited", "error", err)
		}
	}()

	waitForSignal()
	return 0
}

func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
}
