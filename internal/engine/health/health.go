// Package health monitors backend availability on a timer and exposes a
// flag map routing consults on every decision.
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/compresr/context-engine/internal/contextmodel"
	"github.com/compresr/context-engine/internal/monitoring"
)

// Checker is implemented by any backend that can report its own health.
type Checker interface {
	HealthCheck(ctx context.Context) bool
}

// Monitor tracks per-backend health with atomic flags so routing reads
// never tear against a concurrent probe.
type Monitor struct {
	flags    map[contextmodel.Service]*atomic.Bool
	backends map[contextmodel.Service]Checker
	logger   *monitoring.Logger

	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
}

// New builds a Monitor with every backend flagged healthy.
func New(backends map[contextmodel.Service]Checker, interval time.Duration, logger *monitoring.Logger) *Monitor {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	m := &Monitor{
		flags:    make(map[contextmodel.Service]*atomic.Bool),
		backends: backends,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
	for svc := range backends {
		flag := &atomic.Bool{}
		flag.Store(true)
		m.flags[svc] = flag
	}
	return m
}

// IsHealthy reports the current flag for svc. Unknown services are
// treated as unhealthy.
func (m *Monitor) IsHealthy(svc contextmodel.Service) bool {
	flag, ok := m.flags[svc]
	if !ok {
		return false
	}
	return flag.Load()
}

// Start begins the periodic probe loop. Safe to call once.
func (m *Monitor) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop ends the probe loop.
func (m *Monitor) Stop() {
	if m.started.CompareAndSwap(true, false) {
		close(m.stopCh)
	}
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.probeAll(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) probeAll(ctx context.Context) {
	for svc, checker := range m.backends {
		healthy := checker.HealthCheck(ctx)
		flag := m.flags[svc]
		prev := flag.Load()
		if prev != healthy {
			flag.Store(healthy)
			m.logStateChange(svc, prev, healthy)
		}
	}
}

func (m *Monitor) logStateChange(svc contextmodel.Service, prev, next bool) {
	if m.logger == nil {
		return
	}
	event := m.logger.Info()
	if !next {
		event = m.logger.Warn()
	}
	event.Str("service", string(svc)).Bool("healthy", next).Bool("was_healthy", prev).Msg("backend health transition")
}

// Snapshot returns a copy of the current health flags.
func (m *Monitor) Snapshot() map[contextmodel.Service]bool {
	out := make(map[contextmodel.Service]bool, len(m.flags))
	for svc, flag := range m.flags {
		out[svc] = flag.Load()
	}
	return out
}
