// Package memory implements the hot in-process storage tier: a
// map-backed cache with TTL expiry and a pluggable eviction policy
// (LRU, LFU, or FIFO) enforced against a byte budget.
package memory

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/compresr/context-engine/internal/contextmodel"
	"github.com/compresr/context-engine/internal/engine/metrics"
	"github.com/compresr/context-engine/internal/engineerr"
	"github.com/compresr/context-engine/internal/store/backend"
)

const op = "store.memory"

// EvictionPolicy selects how Store picks a victim once the backend's
// byte budget is exceeded.
type EvictionPolicy string

const (
	PolicyLRU  EvictionPolicy = "lru"
	PolicyLFU  EvictionPolicy = "lfu"
	PolicyFIFO EvictionPolicy = "fifo"
)

// Config configures a Backend.
type Config struct {
	MaxSizeBytes   int64
	EvictionPolicy EvictionPolicy
	DefaultTTL     time.Duration
	SweepInterval  time.Duration
}

type entry struct {
	record       contextmodel.Record
	size         int64
	storedAt     time.Time
	lastAccessed time.Time
	accessCount  int64
	expiresAt    *time.Time
	seq          uint64
	heapIndex    int
}

// Backend is the Memory storage tier. It never persists anything
// beyond the process lifetime and never compresses entries.
type Backend struct {
	mu           sync.RWMutex
	entries      map[string]*entry
	lru          *lru.Cache[string, struct{}]
	fifoQueue    []string
	lfuHeap      *entryHeap
	policy       EvictionPolicy
	maxSizeBytes int64
	currentSize  int64
	defaultTTL   time.Duration
	seqCounter   uint64

	evictions atomic.Int64
	hits      atomic.Int64
	misses    atomic.Int64
	closed    atomic.Bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New constructs a Backend and starts its expiry sweep goroutine.
func New(cfg Config) *Backend {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.EvictionPolicy == "" {
		cfg.EvictionPolicy = PolicyLRU
	}

	b := &Backend{
		entries:      make(map[string]*entry),
		policy:       cfg.EvictionPolicy,
		maxSizeBytes: cfg.MaxSizeBytes,
		defaultTTL:   cfg.DefaultTTL,
		stopCh:       make(chan struct{}),
	}
	if cfg.EvictionPolicy == PolicyLRU {
		c, _ := lru.New[string, struct{}](1 << 24) // recency tracker; real capacity enforced by byte budget below
		b.lru = c
	}
	if cfg.EvictionPolicy == PolicyLFU {
		b.lfuHeap = &entryHeap{}
		heap.Init(b.lfuHeap)
	}

	b.wg.Add(1)
	go b.sweepLoop(cfg.SweepInterval)
	return b
}

func (b *Backend) Name() contextmodel.Service { return contextmodel.ServiceMemory }

func (b *Backend) Store(ctx context.Context, r contextmodel.Record) (contextmodel.StorageLocation, error) {
	if err := contextmodel.Validate(r); err != nil {
		return contextmodel.StorageLocation{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.entries[r.ID]; ok {
		b.currentSize -= old.size
		delete(b.entries, r.ID)
		b.removeBookkeeping(r.ID, old)
	}

	size := estimateSize(r)
	b.seqCounter++
	e := &entry{
		record:       r,
		size:         size,
		storedAt:     time.Now().UTC(),
		lastAccessed: time.Now().UTC(),
		accessCount:  0,
		expiresAt:    r.Metadata.ExpiresAt,
		seq:          b.seqCounter,
	}
	b.entries[r.ID] = e
	b.currentSize += size
	b.addBookkeeping(r.ID, e)

	b.evictUntilWithinBudget()

	return contextmodel.StorageLocation{
		ContextID:   r.ID,
		Service:     contextmodel.ServiceMemory,
		Path:        "memory://" + r.ID,
		StoredAt:    e.storedAt,
		StorageSize: size,
		Compressed:  false,
		Encrypted:   false,
		AccessCount: 0,
	}, nil
}

func (b *Backend) Retrieve(ctx context.Context, id string) (contextmodel.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[id]
	if !ok {
		b.misses.Add(1)
		return contextmodel.Record{}, notFound(id)
	}
	if e.expiresAt != nil && time.Now().UTC().After(*e.expiresAt) {
		b.deleteLocked(id)
		b.misses.Add(1)
		return contextmodel.Record{}, notFound(id)
	}

	e.lastAccessed = time.Now().UTC()
	e.accessCount++
	b.touchBookkeeping(id, e)
	b.hits.Add(1)

	return e.record, nil
}

func (b *Backend) Update(ctx context.Context, id string, partial map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[id]
	if !ok {
		return notFound(id)
	}
	if e.expiresAt != nil && time.Now().UTC().After(*e.expiresAt) {
		b.deleteLocked(id)
		return notFound(id)
	}

	merged, err := contextmodel.Merge(e.record, partial)
	if err != nil {
		return err
	}

	b.currentSize -= e.size
	newSize := estimateSize(merged)
	e.record = merged
	e.size = newSize
	e.expiresAt = merged.Metadata.ExpiresAt
	b.currentSize += newSize

	b.evictUntilWithinBudget()
	return nil
}

func (b *Backend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[id]; !ok {
		return notFound(id)
	}
	b.deleteLocked(id)
	return nil
}

func (b *Backend) Query(ctx context.Context, q backend.Query) ([]contextmodel.Record, error) {
	if q.FullTextTerm != "" {
		return nil, backend.ErrQueryUnsupported(op+".query", contextmodel.ServiceMemory, "full-text search requires the indexed backend")
	}
	if q.TraversalSeedID != "" {
		return nil, backend.ErrQueryUnsupported(op+".query", contextmodel.ServiceMemory, "relationship traversal requires the indexed backend")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	now := time.Now().UTC()
	var matches []contextmodel.Record
	for _, e := range b.entries {
		if e.expiresAt != nil && now.After(*e.expiresAt) {
			continue
		}
		if !matchesQuery(e.record, q) {
			continue
		}
		matches = append(matches, e.record)
	}

	sortRecords(matches, q)

	if q.Offset > 0 {
		if q.Offset >= len(matches) {
			return nil, nil
		}
		matches = matches[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(matches) {
		matches = matches[:q.Limit]
	}
	return matches, nil
}

func (b *Backend) HealthCheck(ctx context.Context) bool {
	return !b.closed.Load()
}

// Close stops the sweep goroutine. Idempotent.
func (b *Backend) Close() error {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	b.wg.Wait()
	return nil
}

func (b *Backend) Evictions() int64 { return b.evictions.Load() }

// ReportMetrics implements metrics.Reportable.
func (b *Backend) ReportMetrics() metrics.BackendStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return metrics.BackendStats{
		Service:     contextmodel.ServiceMemory,
		EntryCount:  int64(len(b.entries)),
		SizeBytes:   b.currentSize,
		CacheHits:   b.hits.Load(),
		CacheMisses: b.misses.Load(),
	}
}

func (b *Backend) sweepLoop(interval time.Duration) {
	defer b.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			b.sweepExpired()
		case <-b.stopCh:
			return
		}
	}
}

func (b *Backend) sweepExpired() {
	now := time.Now().UTC()
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, e := range b.entries {
		if e.expiresAt != nil && now.After(*e.expiresAt) {
			b.deleteLocked(id)
		}
	}
}

func (b *Backend) deleteLocked(id string) {
	e, ok := b.entries[id]
	if !ok {
		return
	}
	b.currentSize -= e.size
	delete(b.entries, id)
	b.removeBookkeeping(id, e)
}

func (b *Backend) evictUntilWithinBudget() {
	if b.maxSizeBytes <= 0 {
		return
	}
	for b.currentSize > b.maxSizeBytes && len(b.entries) > 0 {
		victim, ok := b.pickVictim()
		if !ok {
			return
		}
		b.deleteLocked(victim)
		b.evictions.Add(1)
	}
}

func (b *Backend) pickVictim() (string, bool) {
	switch b.policy {
	case PolicyLRU:
		if b.lru != nil {
			if k, _, ok := b.lru.GetOldest(); ok {
				return k, true
			}
		}
	case PolicyFIFO:
		for len(b.fifoQueue) > 0 {
			id := b.fifoQueue[0]
			b.fifoQueue = b.fifoQueue[1:]
			if _, ok := b.entries[id]; ok {
				return id, true
			}
		}
	case PolicyLFU:
		if b.lfuHeap.Len() > 0 {
			e := (*b.lfuHeap)[0]
			for id, ent := range b.entries {
				if ent == e {
					return id, true
				}
			}
		}
	}
	for id := range b.entries {
		return id, true
	}
	return "", false
}

func (b *Backend) addBookkeeping(id string, e *entry) {
	switch b.policy {
	case PolicyLRU:
		if b.lru != nil {
			b.lru.Add(id, struct{}{})
		}
	case PolicyFIFO:
		b.fifoQueue = append(b.fifoQueue, id)
	case PolicyLFU:
		heap.Push(b.lfuHeap, e)
	}
}

func (b *Backend) touchBookkeeping(id string, e *entry) {
	switch b.policy {
	case PolicyLRU:
		if b.lru != nil {
			b.lru.Get(id)
		}
	case PolicyLFU:
		heap.Fix(b.lfuHeap, e.heapIndex)
	}
}

func (b *Backend) removeBookkeeping(id string, e *entry) {
	switch b.policy {
	case PolicyLRU:
		if b.lru != nil {
			b.lru.Remove(id)
		}
	case PolicyLFU:
		if e.heapIndex >= 0 && e.heapIndex < b.lfuHeap.Len() && (*b.lfuHeap)[e.heapIndex] == e {
			heap.Remove(b.lfuHeap, e.heapIndex)
		}
	}
}

func estimateSize(r contextmodel.Record) int64 {
	size := int64(len(r.Content)) + int64(len(r.ID)) + 64
	for _, t := range r.Metadata.Tags {
		size += int64(len(t))
	}
	return size
}

func notFound(id string) error {
	return engineerr.New(op, engineerr.NotFound, errf("record %q not found", id)).WithService(string(contextmodel.ServiceMemory))
}

func matchesQuery(r contextmodel.Record, q backend.Query) bool {
	if len(q.IDs) > 0 && !containsString(q.IDs, r.ID) {
		return false
	}
	if q.Type != "" && r.Type != q.Type {
		return false
	}
	if q.Owner != "" && r.Metadata.Owner != q.Owner {
		return false
	}
	for _, tag := range q.Tags {
		if !containsString(r.Metadata.Tags, tag) {
			return false
		}
	}
	return true
}

func containsString(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func sortRecords(records []contextmodel.Record, q backend.Query) {
	if q.SortField == "" {
		return
	}
	desc := q.SortOrder == backend.Descending
	sort.SliceStable(records, func(i, j int) bool {
		var less bool
		switch q.SortField {
		case "priority":
			less = records[i].Metadata.Priority < records[j].Metadata.Priority
		case "createdAt":
			less = records[i].Metadata.CreatedAt.Before(records[j].Metadata.CreatedAt)
		case "lastAccessed":
			less = records[i].Metadata.LastAccessed.Before(records[j].Metadata.LastAccessed)
		default:
			less = records[i].ID < records[j].ID
		}
		if desc {
			return !less
		}
		return less
	})
}

func errf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
