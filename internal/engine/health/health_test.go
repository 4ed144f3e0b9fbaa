package health_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/context-engine/internal/contextmodel"
	"github.com/compresr/context-engine/internal/engine/health"
	"github.com/compresr/context-engine/internal/monitoring"
)

type fakeChecker struct {
	healthy atomic.Bool
	calls   atomic.Int32
}

func newFakeChecker(healthy bool) *fakeChecker {
	c := &fakeChecker{}
	c.healthy.Store(healthy)
	return c
}

func (c *fakeChecker) HealthCheck(ctx context.Context) bool {
	c.calls.Add(1)
	return c.healthy.Load()
}

func TestNew_StartsEveryBackendHealthy(t *testing.T) {
	checker := newFakeChecker(false) // flag should still start true regardless of checker state
	m := health.New(map[contextmodel.Service]health.Checker{
		contextmodel.ServiceMemory: checker,
	}, time.Hour, nil)

	assert.True(t, m.IsHealthy(contextmodel.ServiceMemory))
}

func TestIsHealthy_UnknownServiceIsUnhealthy(t *testing.T) {
	m := health.New(map[contextmodel.Service]health.Checker{}, time.Hour, nil)
	assert.False(t, m.IsHealthy(contextmodel.ServiceArchive))
}

func TestStart_FlipsFlagWhenCheckerReportsUnhealthy(t *testing.T) {
	checker := newFakeChecker(true)
	m := health.New(map[contextmodel.Service]health.Checker{
		contextmodel.ServiceMemory: checker,
	}, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	require.True(t, m.IsHealthy(contextmodel.ServiceMemory))
	checker.healthy.Store(false)

	assert.Eventually(t, func() bool {
		return !m.IsHealthy(contextmodel.ServiceMemory)
	}, time.Second, 5*time.Millisecond)
}

func TestStart_RecoversWhenCheckerReportsHealthyAgain(t *testing.T) {
	checker := newFakeChecker(false)
	m := health.New(map[contextmodel.Service]health.Checker{
		contextmodel.ServiceMemory: checker,
	}, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	assert.Eventually(t, func() bool {
		return !m.IsHealthy(contextmodel.ServiceMemory)
	}, time.Second, 5*time.Millisecond)

	checker.healthy.Store(true)
	assert.Eventually(t, func() bool {
		return m.IsHealthy(contextmodel.ServiceMemory)
	}, time.Second, 5*time.Millisecond)
}

func TestStart_IsIdempotent(t *testing.T) {
	checker := newFakeChecker(true)
	m := health.New(map[contextmodel.Service]health.Checker{
		contextmodel.ServiceMemory: checker,
	}, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	m.Start(ctx) // second call must not spawn a second probe loop
	defer m.Stop()

	time.Sleep(50 * time.Millisecond)
	m.Stop()
}

func TestStop_EndsProbeLoop(t *testing.T) {
	checker := newFakeChecker(true)
	m := health.New(map[contextmodel.Service]health.Checker{
		contextmodel.ServiceMemory: checker,
	}, 5*time.Millisecond, nil)

	ctx := context.Background()
	m.Start(ctx)
	m.Stop()

	callsAtStop := checker.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, callsAtStop, checker.calls.Load(), "no probes should run after Stop")
}

func TestSnapshot_ReturnsIndependentCopy(t *testing.T) {
	checker := newFakeChecker(true)
	m := health.New(map[contextmodel.Service]health.Checker{
		contextmodel.ServiceMemory: checker,
	}, time.Hour, nil)

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.True(t, snap[contextmodel.ServiceMemory])
}

func TestLogStateChange_UsesLoggerWithoutPanicking(t *testing.T) {
	checker := newFakeChecker(true)
	logger := monitoring.New(monitoring.LoggerConfig{Level: "error"})
	m := health.New(map[contextmodel.Service]health.Checker{
		contextmodel.ServiceMemory: checker,
	}, 10*time.Millisecond, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	checker.healthy.Store(false)
	assert.Eventually(t, func() bool {
		return !m.IsHealthy(contextmodel.ServiceMemory)
	}, time.Second, 5*time.Millisecond)
}
