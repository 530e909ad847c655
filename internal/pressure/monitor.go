// Package pressure implements the per-node pressure monitor and resource
// reporter: a polling loop that watches free memory and CPU
// occupancy and triggers migration (package migrate) when either crosses
// a watermark, and that periodically reports free resource back to every
// controller client the node holds.
package pressure

import (
	"context"
	"sync"
	"time"

	"github.com/armon/circbuf"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/proclet/nu/internal/ctrl"
	"github.com/proclet/nu/internal/migrate"
	"github.com/proclet/nu/internal/procletable"
	"github.com/proclet/nu/internal/syncx"
)

const (
	// DefaultPollInterval is T_poll: the per-node loop's poll period,
	// on the order of milliseconds.
	DefaultPollInterval = 50 * time.Millisecond
	// DefaultReportEvery reports free resource every Nth poll,
	// approximating T_report without a second ticker.
	DefaultReportEvery = 20
	// DefaultCPUWindow is T_cpu: how long CPU congestion must persist
	// before the monitor tries to migrate proclets away.
	DefaultCPUWindow = 2 * time.Second
	// sampleWindow bounds the rolling congestion-fraction ring buffer.
	sampleWindow = 120
)

// Config governs a Monitor's thresholds; zero values are replaced with
// the DefaultXxx constants by New.
type Config struct {
	SelfIP           string
	TotalMemMBs      uint32
	LowWatermarkMBs  uint32
	CPUHighWatermark float64 // fraction in [0,1]; 0 disables CPU-based eviction
	NumCores         int
	PollInterval     time.Duration
	ReportEvery      int
	CPUWindow        time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ReportEvery <= 0 {
		c.ReportEvery = DefaultReportEvery
	}
	if c.CPUWindow <= 0 {
		c.CPUWindow = DefaultCPUWindow
	}
	if c.NumCores <= 0 {
		c.NumCores = 1
	}
}

// Monitor drives one node's pressure loop .
type Monitor struct {
	cfg     Config
	table   *procletable.Table
	ctrls   []*ctrl.Client
	engine  *migrate.Engine
	load    *syncx.CPULoad
	samples *circbuf.Buffer
	log     hclog.Logger
	metrics *metrics

	mu           sync.Mutex
	congestSince time.Time
}

// New builds a pressure monitor. ctrls is every controller client this
// node reports free resource to — ordinarily one, but the reporting step
// fans out over all of them in parallel since a node can belong to more
// than one logical process at once.
func New(cfg Config, table *procletable.Table, ctrls []*ctrl.Client, engine *migrate.Engine, load *syncx.CPULoad, log hclog.Logger) *Monitor {
	cfg.applyDefaults()
	if log == nil {
		log = hclog.NewNullLogger()
	}
	buf, err := circbuf.NewBuffer(sampleWindow)
	if err != nil {
		// sampleWindow is a compile-time positive constant.
		panic(err)
	}
	return &Monitor{
		cfg:     cfg,
		table:   table,
		ctrls:   ctrls,
		engine:  engine,
		load:    load,
		samples: buf,
		log:     log.Named("pressure"),
		metrics: newMetrics(),
	}
}

// Metrics exposes the monitor's private Prometheus registry.
func (m *Monitor) Metrics() *metrics { return m.metrics }

// Run polls until ctx is cancelled. It is meant to run in its own
// goroutine for the lifetime of the node process.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	polls := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			polls++
			m.tick(ctx)
			if polls%m.cfg.ReportEvery == 0 {
				if err := m.report(); err != nil {
					m.metrics.reportFails.Inc()
					m.log.Warn("report_free_resource failed", "error", err)
				}
			}
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	freeMB := m.freeMemMBs()
	m.metrics.freeMemMBs.Set(float64(freeMB))
	if freeMB < m.cfg.LowWatermarkMBs {
		m.evict(ctx, m.cfg.LowWatermarkMBs-freeMB)
	}

	load := m.avgCPULoad()
	m.metrics.cpuLoad.Set(load)
	m.recordSample(load > m.cfg.CPUHighWatermark)
	m.metrics.congestion.Set(m.congestionFraction())

	if m.cfg.CPUHighWatermark <= 0 {
		return
	}
	m.mu.Lock()
	congested := load > m.cfg.CPUHighWatermark
	if congested && m.congestSince.IsZero() {
		m.congestSince = time.Now()
	} else if !congested {
		m.congestSince = time.Time{}
	}
	persisted := congested && !m.congestSince.IsZero() && time.Since(m.congestSince) > m.cfg.CPUWindow
	if persisted {
		m.congestSince = time.Time{}
	}
	m.mu.Unlock()

	if persisted {
		// CPU congestion gives no natural memory deficit number; ask for
		// one eviction-worth of headroom as a coarse proxy (// "try to migrate some proclets").
		m.evict(ctx, 1)
	}
}

// evict asks the table for eviction candidates and migrates each
// concurrently via an errgroup fan-out, since migration kickoff is the
// actual expensive step and candidates don't depend on one another.
func (m *Monitor) evict(ctx context.Context, deficitMBs uint32) {
	cands := m.table.PickEvictionCandidates(deficitMBs)
	if len(cands) == 0 {
		return
	}

	g, _ := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var errs *multierror.Error
	for _, c := range cands {
		c := c
		g.Go(func() error {
			need := ctrl.Resource{Cores: 1, MemMBs: c.MemoryMBs}
			if err := m.engine.MigrateOut(c.ID, need); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
				return err
			}
			m.metrics.evictions.Inc()
			return nil
		})
	}
	_ = g.Wait()
	if err := errs.ErrorOrNil(); err != nil {
		m.log.Warn("eviction pass had failures", "error", err)
	}
}

func (m *Monitor) freeMemMBs() uint32 {
	used := uint32(m.table.MemUsage() / (1 << 20))
	if used >= m.cfg.TotalMemMBs {
		return 0
	}
	return m.cfg.TotalMemMBs - used
}

// avgCPULoad normalizes CPULoad.GetLoad's cross-core sum (range
// [0, NumCores]) down to a [0, 1] fraction comparable against
// CPUHighWatermark.
func (m *Monitor) avgCPULoad() float64 {
	return m.load.GetLoad() / float64(m.cfg.NumCores)
}

func (m *Monitor) recordSample(congested bool) {
	b := byte(0)
	if congested {
		b = 1
	}
	_, _ = m.samples.Write([]byte{b})
}

func (m *Monitor) congestionFraction() float64 {
	b := m.samples.Bytes()
	if len(b) == 0 {
		return 0
	}
	var hot int
	for _, v := range b {
		if v == 1 {
			hot++
		}
	}
	return float64(hot) / float64(len(b))
}

// report sends this node's current free resource to every controller
// client it holds, aggregating failures rather than stopping at the
// first one.
func (m *Monitor) report() error {
	m.load.FlushAll()
	var errs *multierror.Error
	free := ctrl.Resource{Cores: uint32(m.cfg.NumCores), MemMBs: m.freeMemMBs()}
	for _, c := range m.ctrls {
		if err := c.ReportFreeResource(m.cfg.SelfIP, free); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
