// Package health probes the external dependencies of the triage agent
// (reasoning engine, vector index) and reports their state to the health
// endpoint and to Prometheus.
//
// Each dependency is probed in two phases:
//  1. Startup: exponential backoff (2s, 4s, 8s, ... capped at 60s)
//  2. Background: periodic polling (every 60s), logging transitions
//
// Probing never gates request handling. A dependency that is down only
// makes the tools or reasoning calls that need it fail on their own.
package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/triage-agent/internal/metrics"
)

// Probe checks whether a dependency is reachable. Return nil if healthy.
type Probe func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	InitialDelay time.Duration // first startup retry (default 2s)
	MaxDelay     time.Duration // backoff ceiling (default 60s)
	Attempts     int           // startup probes before polling (default 10)
	Interval     time.Duration // background polling period (default 60s)
	Timeout      time.Duration // per-probe deadline (default 10s)
}

// DefaultSchedule returns the default probe timing.
func DefaultSchedule() Schedule {
	return Schedule{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Attempts:     10,
		Interval:     60 * time.Second,
		Timeout:      10 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.InitialDelay <= 0 {
		s.InitialDelay = d.InitialDelay
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = d.MaxDelay
	}
	if s.Attempts <= 0 {
		s.Attempts = d.Attempts
	}
	if s.Interval <= 0 {
		s.Interval = d.Interval
	}
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	return s
}

// Status is the last known state of one dependency.
type Status struct {
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Monitor probes a set of named dependencies in the background.
type Monitor struct {
	schedule Schedule
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu     sync.RWMutex
	status map[string]Status

	wg      sync.WaitGroup
	cancels []context.CancelFunc
}

// NewMonitor creates a monitor. Zero Schedule fields take their defaults.
func NewMonitor(schedule Schedule, m *metrics.Metrics, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		schedule: schedule.withDefaults(),
		metrics:  m,
		logger:   logger,
		status:   make(map[string]Status),
	}
}

// Watch starts probing a dependency until ctx is cancelled or Stop is
// called. The dependency is reported not ready until its first probe
// succeeds.
func (m *Monitor) Watch(ctx context.Context, name string, probe Probe) {
	if name == "" || probe == nil {
		panic("health: Watch needs a name and a probe")
	}

	m.mu.Lock()
	m.status[name] = Status{}
	ctx, cancel := context.WithCancel(ctx)
	m.cancels = append(m.cancels, cancel)
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx, name, probe)
	}()
}

// Status returns a snapshot of every watched dependency.
func (m *Monitor) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.status))
	for k, v := range m.status {
		out[k] = v
	}
	return out
}

// Down lists the dependencies whose last probe failed, sorted by name.
func (m *Monitor) Down() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var down []string
	for name, st := range m.status {
		if !st.Ready {
			down = append(down, name)
		}
	}
	sort.Strings(down)
	return down
}

// Stop cancels every probe loop and waits for them to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancels := m.cancels
	m.cancels = nil
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context, name string, probe Probe) {
	s := m.schedule

	delay := s.InitialDelay
	for attempt := 1; attempt <= s.Attempts; attempt++ {
		err := m.check(ctx, name, probe)
		if err == nil {
			m.logger.Info("dependency reachable", "dependency", name, "after_attempts", attempt)
			break
		}
		if ctx.Err() != nil {
			return
		}
		if attempt == s.Attempts {
			m.logger.Warn("dependency unreachable at startup, polling in background",
				"dependency", name, "attempts", attempt, "error", err)
			break
		}
		m.logger.Debug("startup probe failed, retrying",
			"dependency", name, "attempt", attempt, "next_delay", delay.String(), "error", err)

		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(delay*2, s.MaxDelay)
	}

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wasReady := m.Status()[name].Ready
			err := m.check(ctx, name, probe)
			switch {
			case ctx.Err() != nil:
				return
			case wasReady && err != nil:
				m.logger.Warn("dependency became unreachable", "dependency", name, "error", err)
			case !wasReady && err == nil:
				m.logger.Info("dependency recovered", "dependency", name)
			}
		}
	}
}

// check runs one probe under the schedule's timeout and records it.
func (m *Monitor) check(ctx context.Context, name string, probe Probe) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.schedule.Timeout)
	defer cancel()
	err := probe(probeCtx)

	st := Status{Ready: err == nil, LastCheck: time.Now()}
	if err != nil {
		st.LastError = err.Error()
	}
	m.mu.Lock()
	m.status[name] = st
	m.mu.Unlock()
	m.metrics.DependencyProbed(name, st.Ready)
	return err
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
