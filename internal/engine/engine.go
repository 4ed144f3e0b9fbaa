// Package engine implements the unified context storage engine: it
// routes records across the Memory, Indexed, and Archive backends,
// falls back to a healthy alternate on primary failure, replicates
// successful writes best-effort, and reports health and metrics.
package engine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/compresr/context-engine/internal/contextmodel"
	"github.com/compresr/context-engine/internal/engine/health"
	"github.com/compresr/context-engine/internal/engine/metrics"
	"github.com/compresr/context-engine/internal/engineerr"
	"github.com/compresr/context-engine/internal/monitoring"
	"github.com/compresr/context-engine/internal/store/backend"
)

const op = "engine"

// fallbackOrder is the fixed order reads, fallback, update, and delete
// walk. Replication does not use it.
var fallbackOrder = []contextmodel.Service{
	contextmodel.ServiceMemory,
	contextmodel.ServiceIndexed,
	contextmodel.ServiceArchive,
}

// Config configures an Engine.
type Config struct {
	DefaultService      contextmodel.Service
	FallbackEnabled     bool
	ReplicationEnabled  bool
	OperationTimeout    time.Duration
	HealthCheckInterval time.Duration
	HealthCheckEnabled  bool
}

// Engine is the facade every collaborator outside the storage core
// talks to. It owns the backends, the routing table, the health
// monitor, and the metrics collector.
type Engine struct {
	cfg      Config
	backends map[contextmodel.Service]backend.Backend
	routes   atomic.Pointer[[]Route]
	routesMu sync.Mutex // serializes AddRoute writers; reads are lock-free via routes

	health  *health.Monitor
	metrics *metrics.Collector
	logger  *monitoring.Logger
}

// New constructs an Engine over the given backends. Call Initialize
// before issuing operations.
func New(cfg Config, backends map[contextmodel.Service]backend.Backend, logger *monitoring.Logger) *Engine {
	if cfg.DefaultService == "" {
		cfg.DefaultService = contextmodel.ServiceIndexed
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 30 * time.Second
	}

	checkers := make(map[contextmodel.Service]health.Checker, len(backends))
	for svc, b := range backends {
		checkers[svc] = b
	}

	e := &Engine{
		cfg:      cfg,
		backends: backends,
		health:   health.New(checkers, cfg.HealthCheckInterval, logger),
		metrics:  metrics.New(),
		logger:   logger,
	}
	routes := defaultRoutes(cfg.DefaultService)
	e.routes.Store(&routes)
	return e
}

// Initialize starts the health monitor. Idempotent with Start's own
// guard.
func (e *Engine) Initialize(ctx context.Context) error {
	if e.cfg.HealthCheckEnabled {
		e.health.Start(ctx)
	}
	return nil
}

// Shutdown closes backends in the order Archive -> Indexed -> Memory,
// after stopping the health monitor.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.health.Stop()

	type closer interface{ Close() error }
	var firstErr error
	for _, svc := range []contextmodel.Service{contextmodel.ServiceArchive, contextmodel.ServiceIndexed, contextmodel.ServiceMemory} {
		b, ok := e.backends[svc]
		if !ok {
			continue
		}
		c, ok := b.(closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return engineerr.New(op+".shutdown", engineerr.ShutdownFailed, firstErr)
	}
	return nil
}

// AddRoute installs a new route. Reads of the route table (one atomic
// load per Store call) always see either the table before or the table
// after this call, never a partially updated slice.
func (e *Engine) AddRoute(r Route) {
	e.routesMu.Lock()
	defer e.routesMu.Unlock()

	current := *e.routes.Load()
	next := make([]Route, len(current)+1)
	copy(next, current)
	next[len(current)] = r
	sort.SliceStable(next, func(i, j int) bool { return next[i].Priority > next[j].Priority })
	e.routes.Store(&next)
}

func (e *Engine) isHealthy(svc contextmodel.Service) bool {
	return e.health.IsHealthy(svc)
}

func (e *Engine) selectPrimary(r contextmodel.Record, preferred []contextmodel.Service) contextmodel.Service {
	if len(preferred) > 0 && e.isHealthy(preferred[0]) {
		return preferred[0]
	}
	routes := *e.routes.Load()
	for _, route := range routes {
		if route.Condition(r) && e.isHealthy(route.Service) {
			return route.Service
		}
	}
	return e.cfg.DefaultService
}

// Store validates and persists r, routing it to the primary backend
// chosen by the route table (or preferred, if given and healthy). On
// primary failure with fallback enabled, it retries the remaining
// backends in fixed order. On success with replication enabled, it
// fans the write out to the other healthy backends in the background.
func (e *Engine) Store(ctx context.Context, r contextmodel.Record, preferred ...contextmodel.Service) (contextmodel.StorageLocation, error) {
	start := time.Now()
	if err := contextmodel.Validate(r); err != nil {
		e.metrics.Record(metrics.OpStore, time.Since(start), true, false)
		return contextmodel.StorageLocation{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.OperationTimeout)
	defer cancel()

	primary := e.selectPrimary(r, preferred)
	loc, err := e.storeOn(ctx, primary, r)
	if err == nil {
		e.metrics.Record(metrics.OpStore, time.Since(start), false, false)
		if e.cfg.ReplicationEnabled {
			e.replicate(primary, r)
		}
		return loc, nil
	}

	if !e.cfg.FallbackEnabled {
		e.metrics.Record(metrics.OpStore, time.Since(start), true, false)
		return contextmodel.StorageLocation{}, engineerr.New(op+".store", engineerr.AllBackendsFailed, err)
	}

	for _, svc := range fallbackOrder {
		if svc == primary || !e.isHealthy(svc) {
			continue
		}
		loc, fbErr := e.storeOn(ctx, svc, r)
		if fbErr == nil {
			e.metrics.Record(metrics.OpStore, time.Since(start), false, true)
			if e.cfg.ReplicationEnabled {
				e.replicate(svc, r)
			}
			return loc, nil
		}
		err = fbErr
	}

	e.metrics.Record(metrics.OpStore, time.Since(start), true, false)
	return contextmodel.StorageLocation{}, engineerr.New(op+".store", engineerr.AllBackendsFailed, err)
}

func (e *Engine) storeOn(ctx context.Context, svc contextmodel.Service, r contextmodel.Record) (contextmodel.StorageLocation, error) {
	b, ok := e.backends[svc]
	if !ok {
		return contextmodel.StorageLocation{}, engineerr.New(op+".store", engineerr.BackendUnavailable, errNoBackend(svc)).WithService(string(svc))
	}
	return b.Store(ctx, r)
}

// replicate fans r out to every other healthy backend in the background.
// Failures are logged and counted, never surfaced to the Store caller.
func (e *Engine) replicate(primary contextmodel.Service, r contextmodel.Record) {
	for svc, b := range e.backends {
		if svc == primary || !e.isHealthy(svc) {
			continue
		}
		go func(svc contextmodel.Service, b backend.Backend) {
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.OperationTimeout)
			defer cancel()
			if _, err := b.Store(ctx, r); err != nil {
				e.logger.Warn().Str("service", string(svc)).Str("context_id", r.ID).Err(err).Msg("replication failed")
			}
		}(svc, b)
	}
}

// Retrieve returns the first hit across Memory -> Indexed -> Archive. A
// hit from a backend other than Memory schedules a best-effort async
// cache populate into Memory.
func (e *Engine) Retrieve(ctx context.Context, id string) (contextmodel.Record, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.OperationTimeout)
	defer cancel()

	var lastErr error
	for _, svc := range fallbackOrder {
		b, ok := e.backends[svc]
		if !ok || !e.isHealthy(svc) {
			continue
		}
		r, err := b.Retrieve(ctx, id)
		if err == nil {
			e.metrics.Record(metrics.OpRetrieve, time.Since(start), false, svc != contextmodel.ServiceMemory)
			if svc != contextmodel.ServiceMemory {
				e.populateCache(r)
			}
			return r, nil
		}
		if !engineerr.Is(err, engineerr.NotFound) {
			lastErr = err
		}
	}

	e.metrics.Record(metrics.OpRetrieve, time.Since(start), true, false)
	if lastErr != nil {
		return contextmodel.Record{}, lastErr
	}
	return contextmodel.Record{}, engineerr.New(op+".retrieve", engineerr.NotFound, errNotFoundAnywhere(id))
}

func (e *Engine) populateCache(r contextmodel.Record) {
	mem, ok := e.backends[contextmodel.ServiceMemory]
	if !ok || !e.isHealthy(contextmodel.ServiceMemory) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.OperationTimeout)
		defer cancel()
		if _, err := mem.Store(ctx, r); err != nil {
			e.logger.Warn().Str("context_id", r.ID).Err(err).Msg("cache populate failed")
		}
	}()
}

// Query prefers Indexed when healthy; for query shapes without a
// full-text term or traversal seed it falls back to Memory when Indexed is
// unavailable. Archive is never queried.
func (e *Engine) Query(ctx context.Context, q backend.Query) ([]contextmodel.Record, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.OperationTimeout)
	defer cancel()

	if indexedBackend, ok := e.backends[contextmodel.ServiceIndexed]; ok && e.isHealthy(contextmodel.ServiceIndexed) {
		records, err := indexedBackend.Query(ctx, q)
		e.metrics.Record(metrics.OpQuery, time.Since(start), err != nil, false)
		return records, err
	}

	if q.FullTextTerm == "" && q.TraversalSeedID == "" {
		if memBackend, ok := e.backends[contextmodel.ServiceMemory]; ok && e.isHealthy(contextmodel.ServiceMemory) {
			records, err := memBackend.Query(ctx, q)
			e.metrics.Record(metrics.OpQuery, time.Since(start), err != nil, true)
			return records, err
		}
	}

	e.metrics.Record(metrics.OpQuery, time.Since(start), true, false)
	return nil, engineerr.New(op+".query", engineerr.AllBackendsFailed, errNoQueryableBackend())
}

// Update attempts the partial update on every healthy backend, succeeding
// if at least one confirms.
func (e *Engine) Update(ctx context.Context, id string, partial map[string]any) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.OperationTimeout)
	defer cancel()

	var lastErr error
	succeeded := false
	for _, svc := range fallbackOrder {
		b, ok := e.backends[svc]
		if !ok || !e.isHealthy(svc) {
			continue
		}
		if err := b.Update(ctx, id, partial); err != nil {
			if !engineerr.Is(err, engineerr.NotFound) {
				lastErr = err
			}
			continue
		}
		succeeded = true
	}

	e.metrics.Record(metrics.OpUpdate, time.Since(start), !succeeded, false)
	if succeeded {
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return engineerr.New(op+".update", engineerr.NotFound, errNotFoundAnywhere(id))
}

// Delete attempts removal on every healthy backend and always reports
// success, since delete is idempotent.
func (e *Engine) Delete(ctx context.Context, id string) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.OperationTimeout)
	defer cancel()

	for _, svc := range fallbackOrder {
		b, ok := e.backends[svc]
		if !ok || !e.isHealthy(svc) {
			continue
		}
		if err := b.Delete(ctx, id); err != nil && !engineerr.Is(err, engineerr.NotFound) {
			e.logger.Warn().Str("service", string(svc)).Str("context_id", id).Err(err).Msg("delete failed on backend")
		}
	}
	e.metrics.Record(metrics.OpDelete, time.Since(start), false, false)
	return nil
}

// GetMetrics returns a point-in-time snapshot merging engine-level
// counters, per-backend reports, and the current health vector.
func (e *Engine) GetMetrics() metrics.Snapshot {
	var reportables []metrics.Reportable
	for _, b := range e.backends {
		if r, ok := b.(metrics.Reportable); ok {
			reportables = append(reportables, r)
		}
	}
	return e.metrics.Snapshot(reportables, e.health.Snapshot())
}
