// Package config loads one binary's runtime configuration from an HCL
// file, the way nomad's agent config is loaded and then overlaid with
// flag values from the command line (package cmd/proclet).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl"

	"github.com/proclet/nu/internal/pressure"
	"github.com/proclet/nu/internal/rpc"
)

// Config is the single struct every proclet binary loads, governing both
// the controller and the worker node roles (a binary picks the fields it
// needs; the shared file format avoids one dialect per role).
type Config struct {
	// BindIP is the address this node's RPC server listens and
	// registers itself under.
	BindIP string `hcl:"bind_ip"`
	// ControllerAddr is the controller's dial address ("host:2828").
	ControllerAddr string `hcl:"controller_addr"`
	// ControllerBindAddr is where this process's own controller server
	// listens, when run with -server.
	ControllerBindAddr string `hcl:"controller_bind_addr"`

	// NumCores bounds how many RPC flows/slab-cache shards/CPULoad
	// shards this node runs, matching its real core count.
	NumCores int `hcl:"num_cores"`
	// CreditWindow overrides rpc.DefaultCreditWindow.
	CreditWindow int `hcl:"credit_window"`

	// TotalMemMBs sizes this node's slab arena (package slab) and feeds
	// package pressure's Config for free-memory accounting; LowWatermarkMBs
	// feeds the same Config as the eviction trigger.
	TotalMemMBs     uint32  `hcl:"total_mem_mbs"`
	LowWatermarkMBs uint32  `hcl:"low_watermark_mbs"`
	CPUHighWatermark float64 `hcl:"cpu_high_watermark"`

	// PollIntervalMS / ReportEvery / CPUWindowMS feed package pressure's
	// poll/report cadence (hcl has no native time.Duration decoding, so
	// these are plain integers converted below).
	PollIntervalMS int `hcl:"poll_interval_ms"`
	ReportEvery    int `hcl:"report_every"`
	CPUWindowMS    int `hcl:"cpu_window_ms"`

	// LPBinaryChecksumPath names a file whose bytes are md5-summed to
	// produce the LP-membership checksum (ctrl.BinaryChecksum), in place
	// of checksumming the running binary itself — useful in tests and
	// for binaries that embed their own checksum source.
	LPBinaryChecksumPath string `hcl:"lp_binary_checksum_path"`
}

// DefaultConfig returns a Config with defaults for the core count, credit
// window, total memory and pressure-monitor cadence, mirroring
// pressure.Config.applyDefaults but at the whole-binary-config layer.
// Address fields and both watermarks stay zero.
func DefaultConfig() *Config {
	return &Config{
		NumCores:         1,
		CreditWindow:     rpc.DefaultCreditWindow,
		TotalMemMBs:      4096,
		LowWatermarkMBs:  0,
		CPUHighWatermark: 0,
		PollIntervalMS:   int(pressure.DefaultPollInterval / time.Millisecond),
		ReportEvery:      pressure.DefaultReportEvery,
		CPUWindowMS:      int(pressure.DefaultCPUWindow / time.Millisecond),
	}
}

// LoadFile reads and decodes an HCL config file at path, starting from
// DefaultConfig and overlaying whatever the file sets.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := hcl.Decode(cfg, string(data)); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// PressureConfig projects the subset of Config package pressure's
// Monitor needs, applying the millisecond fields as time.Duration.
func (c *Config) PressureConfig() pressure.Config {
	return pressure.Config{
		SelfIP:           c.BindIP,
		TotalMemMBs:      c.TotalMemMBs,
		LowWatermarkMBs:  c.LowWatermarkMBs,
		CPUHighWatermark: c.CPUHighWatermark,
		NumCores:         c.NumCores,
		PollInterval:     time.Duration(c.PollIntervalMS) * time.Millisecond,
		ReportEvery:      c.ReportEvery,
		CPUWindow:        time.Duration(c.CPUWindowMS) * time.Millisecond,
	}
}
