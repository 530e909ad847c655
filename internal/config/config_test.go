package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shoenig/test/must"
)

const sampleHCL = `
bind_ip = "10.0.0.5"
controller_addr = "10.0.0.1:2828"
num_cores = 4
total_mem_mbs = 8192
low_watermark_mbs = 512
cpu_high_watermark = 0.85
poll_interval_ms = 25
report_every = 10
cpu_window_ms = 1500
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "proclet.hcl")
	must.NoError(t, os.WriteFile(path, []byte(sampleHCL), 0o644))
	return path
}

func TestLoadFile_DecodesFieldsOverDefaults(t *testing.T) {
	path := writeSample(t)

	cfg, err := LoadFile(path)
	must.NoError(t, err)

	must.Eq(t, "10.0.0.5", cfg.BindIP)
	must.Eq(t, "10.0.0.1:2828", cfg.ControllerAddr)
	must.Eq(t, 4, cfg.NumCores)
	must.Eq(t, uint32(8192), cfg.TotalMemMBs)
	must.Eq(t, uint32(512), cfg.LowWatermarkMBs)
	must.Eq(t, 0.85, cfg.CPUHighWatermark)
	must.Eq(t, 10, cfg.ReportEvery)

	// CreditWindow was never set in the file, so it keeps the default.
	must.Eq(t, DefaultConfig().CreditWindow, cfg.CreditWindow)
}

func TestLoadFile_MissingFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.hcl"))
	must.Error(t, err)
}

func TestPressureConfig_ConvertsMillisecondFieldsToDurations(t *testing.T) {
	path := writeSample(t)
	cfg, err := LoadFile(path)
	must.NoError(t, err)

	pc := cfg.PressureConfig()
	must.Eq(t, "10.0.0.5", pc.SelfIP)
	must.Eq(t, uint32(8192), pc.TotalMemMBs)
	must.Eq(t, int64(25000000), pc.PollInterval.Nanoseconds())
	must.Eq(t, int64(1500000000), pc.CPUWindow.Nanoseconds())
}
