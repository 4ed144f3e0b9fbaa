package memory_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/context-engine/internal/contextmodel"
	"github.com/compresr/context-engine/internal/engineerr"
	"github.com/compresr/context-engine/internal/store/backend"
	"github.com/compresr/context-engine/internal/store/memory"
)

func newRecord(t *testing.T, id string) contextmodel.Record {
	t.Helper()
	content := json.RawMessage(`{"text":"hi"}`)
	canonical, err := contextmodel.Canonicalize(content)
	require.NoError(t, err)
	return contextmodel.Record{
		ID:            id,
		Type:          contextmodel.TypeConversation,
		SchemaVersion: contextmodel.MinSupportedSchemaVersion,
		Content:       content,
		Checksum:      contextmodel.Digest(canonical),
		Metadata: contextmodel.Metadata{
			CreatedAt:    time.Now().UTC(),
			LastAccessed: time.Now().UTC(),
		},
		Version: 1,
	}
}

func TestStoreRetrieve_RoundTrips(t *testing.T) {
	b := memory.New(memory.Config{})
	defer b.Close()
	ctx := context.Background()

	r := newRecord(t, "a")
	loc, err := b.Store(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, contextmodel.ServiceMemory, loc.Service)

	got, err := b.Retrieve(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
}

func TestRetrieve_MissingReturnsNotFound(t *testing.T) {
	b := memory.New(memory.Config{})
	defer b.Close()

	_, err := b.Retrieve(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, engineerr.Is(err, engineerr.NotFound))
}

func TestRetrieve_ExpiredEntryIsNotFound(t *testing.T) {
	b := memory.New(memory.Config{})
	defer b.Close()
	ctx := context.Background()

	r := newRecord(t, "expiring")
	past := time.Now().UTC().Add(-time.Minute)
	r.Metadata.ExpiresAt = &past
	_, err := b.Store(ctx, r)
	require.NoError(t, err)

	_, err = b.Retrieve(ctx, "expiring")
	require.Error(t, err)
	assert.True(t, engineerr.Is(err, engineerr.NotFound))
}

func TestStore_OverwriteReplacesEntry(t *testing.T) {
	b := memory.New(memory.Config{})
	defer b.Close()
	ctx := context.Background()

	r := newRecord(t, "a")
	_, err := b.Store(ctx, r)
	require.NoError(t, err)

	r2 := newRecord(t, "a")
	r2.Metadata.Owner = "bob"
	_, err = b.Store(ctx, r2)
	require.NoError(t, err)

	got, err := b.Retrieve(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.Metadata.Owner)
}

func TestUpdate_AppliesPartialAndBumpsVersion(t *testing.T) {
	b := memory.New(memory.Config{})
	defer b.Close()
	ctx := context.Background()

	r := newRecord(t, "a")
	_, err := b.Store(ctx, r)
	require.NoError(t, err)

	err = b.Update(ctx, "a", map[string]any{"metadata.owner": "carol"})
	require.NoError(t, err)

	got, err := b.Retrieve(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "carol", got.Metadata.Owner)
	assert.Equal(t, int64(2), got.Version)
}

func TestDelete_RemovesEntry(t *testing.T) {
	b := memory.New(memory.Config{})
	defer b.Close()
	ctx := context.Background()

	r := newRecord(t, "a")
	_, err := b.Store(ctx, r)
	require.NoError(t, err)

	require.NoError(t, b.Delete(ctx, "a"))
	_, err = b.Retrieve(ctx, "a")
	assert.True(t, engineerr.Is(err, engineerr.NotFound))
}

func TestQuery_FiltersByOwnerAndType(t *testing.T) {
	b := memory.New(memory.Config{})
	defer b.Close()
	ctx := context.Background()

	r1 := newRecord(t, "a")
	r1.Metadata.Owner = "alice"
	r2 := newRecord(t, "b")
	r2.Metadata.Owner = "bob"
	_, err := b.Store(ctx, r1)
	require.NoError(t, err)
	_, err = b.Store(ctx, r2)
	require.NoError(t, err)

	results, err := b.Query(ctx, backend.Query{Owner: "alice"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
}

func TestQuery_RejectsFullTextAndTraversal(t *testing.T) {
	b := memory.New(memory.Config{})
	defer b.Close()
	ctx := context.Background()

	_, err := b.Query(ctx, backend.Query{FullTextTerm: "hello"})
	require.Error(t, err)
	assert.True(t, engineerr.Is(err, engineerr.QueryUnsupported))

	_, err = b.Query(ctx, backend.Query{TraversalSeedID: "a"})
	require.Error(t, err)
	assert.True(t, engineerr.Is(err, engineerr.QueryUnsupported))
}

func TestEviction_FIFO_DropsOldestFirst(t *testing.T) {
	r1 := newRecord(t, "a")
	size := int64(len(r1.Content)) + int64(len(r1.ID)) + 64

	b := memory.New(memory.Config{
		MaxSizeBytes:   size + 1,
		EvictionPolicy: memory.PolicyFIFO,
	})
	defer b.Close()
	ctx := context.Background()

	_, err := b.Store(ctx, r1)
	require.NoError(t, err)
	_, err = b.Store(ctx, newRecord(t, "b"))
	require.NoError(t, err)

	_, err = b.Retrieve(ctx, "a")
	assert.True(t, engineerr.Is(err, engineerr.NotFound), "oldest entry should have been evicted")

	got, err := b.Retrieve(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "b", got.ID)
	assert.Equal(t, int64(1), b.Evictions())
}

func TestEviction_LFU_DropsLeastFrequentlyUsed(t *testing.T) {
	r1 := newRecord(t, "a")
	size := int64(len(r1.Content)) + int64(len(r1.ID)) + 64

	b := memory.New(memory.Config{
		MaxSizeBytes:   size + 1,
		EvictionPolicy: memory.PolicyLFU,
	})
	defer b.Close()
	ctx := context.Background()

	_, err := b.Store(ctx, r1)
	require.NoError(t, err)
	// Access "a" so it is no longer the least frequently used entry.
	_, err = b.Retrieve(ctx, "a")
	require.NoError(t, err)

	_, err = b.Store(ctx, newRecord(t, "b"))
	require.NoError(t, err)

	got, err := b.Retrieve(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)
}

func TestHealthCheck_FalseAfterClose(t *testing.T) {
	b := memory.New(memory.Config{})
	assert.True(t, b.HealthCheck(context.Background()))
	require.NoError(t, b.Close())
	assert.False(t, b.HealthCheck(context.Background()))
}

func TestReportMetrics_TracksHitsAndMisses(t *testing.T) {
	b := memory.New(memory.Config{})
	defer b.Close()
	ctx := context.Background()

	_, err := b.Store(ctx, newRecord(t, "a"))
	require.NoError(t, err)
	_, _ = b.Retrieve(ctx, "a")
	_, _ = b.Retrieve(ctx, "missing")

	stats := b.ReportMetrics()
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(1), stats.CacheMisses)
	assert.Equal(t, int64(1), stats.EntryCount)
}
