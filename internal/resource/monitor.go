// Package resource samples CPU, memory and disk usage on a periodic timer and
// keeps a bounded rolling history per resource. The latest snapshot is
// published through an atomic pointer so readers never contend with the
// sampling goroutine.
package resource

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/logging"
	"github.com/aristath/autopilot/internal/metrics"
)

// Config configures a Monitor. Zero values take the documented defaults.
type Config struct {
	Interval       time.Duration // Sampling period (default 1s)
	HistorySize    int           // Samples kept per resource (default 60)
	Window         time.Duration // Averaging window (default 30s)
	SpikeThreshold float64       // Multiple of the average that counts as a spike (default 2.0)
	SpikeFloor     float64       // Minimum absolute value for a spike (default 50)

	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Collector
	Bus     *events.EventBus
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 60
	}
	if c.Window <= 0 {
		c.Window = 30 * time.Second
	}
	if c.SpikeThreshold <= 0 {
		c.SpikeThreshold = 2.0
	}
	if c.SpikeFloor == 0 {
		c.SpikeFloor = 50
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// ErrAlreadyRunning is returned by Start when the sampling loop is active.
var ErrAlreadyRunning = errors.New("resource monitor already running")

// Monitor samples resources periodically.
type Monitor struct {
	cfg     Config
	sampler Sampler
	logger  *slog.Logger

	mu      sync.RWMutex // guards history
	history map[Resource]*ring

	sampleMu sync.Mutex // serializes sampler calls
	latest   atomic.Pointer[Snapshot]

	suspended atomic.Bool

	hooksMu sync.RWMutex
	hooks   []func(Snapshot)

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor around sampler.
func NewMonitor(sampler Sampler, cfg Config) *Monitor {
	cfg.applyDefaults()

	history := make(map[Resource]*ring, len(All))
	for _, r := range All {
		history[r] = newRing(cfg.HistorySize)
	}

	return &Monitor{
		cfg:     cfg,
		sampler: sampler,
		logger:  logging.Component(cfg.Logger, "resource-monitor"),
		history: history,
	}
}

// OnSample registers a hook called after every recorded sample.
func (m *Monitor) OnSample(fn func(Snapshot)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Start launches the sampling goroutine. It takes one sample immediately.
func (m *Monitor) Start(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.done != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.loop(ctx, m.done)
	return nil
}

// Stop cancels the sampling goroutine and waits for it to exit.
// Safe to call when not running.
func (m *Monitor) Stop() {
	m.lifeMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.lifeMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the sampling goroutine is active.
func (m *Monitor) Running() bool {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	return m.done != nil
}

// Suspend pauses sampling without stopping the goroutine.
func (m *Monitor) Suspend() {
	if !m.suspended.Swap(true) {
		m.logger.Warn("resource sampling suspended")
	}
}

// Unsuspend resumes sampling after Suspend.
func (m *Monitor) Unsuspend() {
	if m.suspended.Swap(false) {
		m.logger.Info("resource sampling resumed")
	}
}

// Suspended reports whether sampling is paused.
func (m *Monitor) Suspended() bool {
	return m.suspended.Load()
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	if m.suspended.Load() {
		return
	}
	if _, err := m.SampleOnce(ctx); err != nil && ctx.Err() == nil {
		m.logger.Warn("resource sample failed", "error", err)
	}
}

// SampleOnce reads the sampler and records the reading.
func (m *Monitor) SampleOnce(ctx context.Context) (Snapshot, error) {
	m.sampleMu.Lock()
	reading, err := m.sampler.Sample(ctx)
	m.sampleMu.Unlock()
	if err != nil {
		return Snapshot{}, err
	}
	return m.Record(reading, m.cfg.Now()), nil
}

// Record appends a reading taken at the given time, computes averages and
// spike flags, publishes the new snapshot and runs hooks.
func (m *Monitor) Record(reading Reading, at time.Time) Snapshot {
	snap := Snapshot{Time: at, Usage: make(map[Resource]Usage, len(All))}

	m.mu.Lock()
	for _, r := range All {
		current := reading.Value(r)
		h := m.history[r]
		avg, n := h.average(at.Add(-m.cfg.Window), at)
		h.push(Sample{Time: at, Value: current})

		snap.Usage[r] = Usage{
			Resource: r,
			Current:  current,
			Average:  avg,
			Spike:    n > 0 && m.isSpike(current, avg),
		}
	}
	m.mu.Unlock()

	m.latest.Store(&snap)
	m.report(snap)

	m.hooksMu.RLock()
	hooks := make([]func(Snapshot), len(m.hooks))
	copy(hooks, m.hooks)
	m.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(snap)
	}

	return snap
}

// isSpike applies: current > average * threshold AND current > floor.
func (m *Monitor) isSpike(current, average float64) bool {
	return current > average*m.cfg.SpikeThreshold && current > m.cfg.SpikeFloor
}

func (m *Monitor) report(snap Snapshot) {
	for _, r := range All {
		u := snap.Usage[r]
		m.cfg.Metrics.ResourceUsage(string(r), u.Current)
		if !u.Spike {
			continue
		}
		m.cfg.Metrics.ResourceSpike(string(r))
		m.logger.Warn("resource spike", "resource", r, "current", u.Current, "average", u.Average)
		m.cfg.Bus.Publish(events.TopicResource, events.ResourceSpikeEvent{
			Resource:  string(r),
			Current:   u.Current,
			Average:   u.Average,
			Timestamp: snap.Time,
		})
	}
}

// Snapshot returns the latest snapshot without locking. ok is false before
// the first sample.
func (m *Monitor) Snapshot() (Snapshot, bool) {
	p := m.latest.Load()
	if p == nil {
		return Snapshot{}, false
	}
	return *p, true
}

// Average returns the mean of r's samples within window of the latest
// sample, inclusive of it. A non-positive window uses the configured one.
func (m *Monitor) Average(r Resource, window time.Duration) float64 {
	if window <= 0 {
		window = m.cfg.Window
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.history[r]
	if !ok {
		return 0
	}
	last, ok := h.last()
	if !ok {
		return 0
	}
	avg, _ := h.average(last.Time.Add(-window), last.Time.Add(time.Nanosecond))
	return avg
}

// History returns a copy of r's samples, oldest first.
func (m *Monitor) History(r Resource) []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.history[r]
	if !ok {
		return nil
	}
	return h.values()
}
