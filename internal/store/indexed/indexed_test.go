package indexed_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/context-engine/internal/contextmodel"
	"github.com/compresr/context-engine/internal/engineerr"
	"github.com/compresr/context-engine/internal/monitoring"
	"github.com/compresr/context-engine/internal/store/backend"
	"github.com/compresr/context-engine/internal/store/indexed"
)

func openBackend(t *testing.T, ftsOn bool) *indexed.Backend {
	t.Helper()
	logger := monitoring.New(monitoring.LoggerConfig{Level: "error"})
	b, err := indexed.Open(context.Background(), indexed.Config{
		DatabasePath:          filepath.Join(t.TempDir(), "engine.db"),
		FullTextSearchEnabled: ftsOn,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newRecord(t *testing.T, id, text string) contextmodel.Record {
	t.Helper()
	content, err := json.Marshal(map[string]string{"text": text})
	require.NoError(t, err)
	canonical, err := contextmodel.Canonicalize(content)
	require.NoError(t, err)
	return contextmodel.Record{
		ID:            id,
		Type:          contextmodel.TypeKnowledge,
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
	b := openBackend(t, false)
	ctx := context.Background()

	r := newRecord(t, "a", "hello world")
	_, err := b.Store(ctx, r)
	require.NoError(t, err)

	got, err := b.Retrieve(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.JSONEq(t, string(r.Content), string(got.Content))
}

func TestRetrieve_MissingReturnsNotFound(t *testing.T) {
	b := openBackend(t, false)
	_, err := b.Retrieve(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, engineerr.Is(err, engineerr.NotFound))
}

func TestRetrieve_BumpsAccessCount(t *testing.T) {
	b := openBackend(t, false)
	ctx := context.Background()

	r := newRecord(t, "a", "hello")
	_, err := b.Store(ctx, r)
	require.NoError(t, err)

	_, err = b.Retrieve(ctx, "a")
	require.NoError(t, err)
	got, err := b.Retrieve(ctx, "a")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got.Metadata.AccessCount, int64(1))
}

func TestStore_PersistsRelationships(t *testing.T) {
	b := openBackend(t, false)
	ctx := context.Background()

	r := newRecord(t, "a", "hello")
	r.Relationships = []contextmodel.Relationship{
		{TargetID: "b", Type: "references", Weight: 0.5, CreatedAt: time.Now().UTC()},
	}
	_, err := b.Store(ctx, r)
	require.NoError(t, err)

	got, err := b.Retrieve(ctx, "a")
	require.NoError(t, err)
	require.Len(t, got.Relationships, 1)
	assert.Equal(t, "b", got.Relationships[0].TargetID)
}

func TestUpdate_AppliesPartialAndBumpsVersion(t *testing.T) {
	b := openBackend(t, false)
	ctx := context.Background()

	r := newRecord(t, "a", "hello")
	_, err := b.Store(ctx, r)
	require.NoError(t, err)

	err = b.Update(ctx, "a", map[string]any{"metadata.owner": "dana"})
	require.NoError(t, err)

	got, err := b.Retrieve(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "dana", got.Metadata.Owner)
	assert.Equal(t, int64(2), got.Version)
}

func TestDelete_RemovesRowAndRelationships(t *testing.T) {
	b := openBackend(t, false)
	ctx := context.Background()

	r := newRecord(t, "a", "hello")
	r.Relationships = []contextmodel.Relationship{{TargetID: "b", Weight: 0.1, CreatedAt: time.Now().UTC()}}
	_, err := b.Store(ctx, r)
	require.NoError(t, err)

	require.NoError(t, b.Delete(ctx, "a"))
	_, err = b.Retrieve(ctx, "a")
	assert.True(t, engineerr.Is(err, engineerr.NotFound))
}

func TestDelete_MissingReturnsNotFound(t *testing.T) {
	b := openBackend(t, false)
	err := b.Delete(context.Background(), "missing")
	assert.True(t, engineerr.Is(err, engineerr.NotFound))
}

func TestQuery_PredicateFiltersByOwnerAndType(t *testing.T) {
	b := openBackend(t, false)
	ctx := context.Background()

	r1 := newRecord(t, "a", "one")
	r1.Metadata.Owner = "alice"
	r2 := newRecord(t, "b", "two")
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

func TestQuery_FullTextRequiresFTSEnabled(t *testing.T) {
	b := openBackend(t, false)
	_, err := b.Query(context.Background(), backend.Query{FullTextTerm: "hello"})
	require.Error(t, err)
	assert.True(t, engineerr.Is(err, engineerr.QueryUnsupported))
}

func TestQuery_FullTextFindsMatchingRecord(t *testing.T) {
	b := openBackend(t, true)
	ctx := context.Background()

	_, err := b.Store(ctx, newRecord(t, "a", "the quick brown fox"))
	require.NoError(t, err)
	_, err = b.Store(ctx, newRecord(t, "b", "totally unrelated content"))
	require.NoError(t, err)

	results, err := b.Query(ctx, backend.Query{FullTextTerm: "fox"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
}

func TestGetRelationshipGraph_BoundedBFS(t *testing.T) {
	b := openBackend(t, false)
	ctx := context.Background()

	a := newRecord(t, "a", "a")
	a.Relationships = []contextmodel.Relationship{{TargetID: "b", Weight: 0.5, CreatedAt: time.Now().UTC()}}
	c := newRecord(t, "b", "b")
	c.Relationships = []contextmodel.Relationship{{TargetID: "c", Weight: 0.5, CreatedAt: time.Now().UTC()}}
	_, err := b.Store(ctx, a)
	require.NoError(t, err)
	_, err = b.Store(ctx, c)
	require.NoError(t, err)

	rels, err := b.GetRelationshipGraph(ctx, "a", 1)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "b", rels[0].TargetID)

	rels, err = b.GetRelationshipGraph(ctx, "a", 2)
	require.NoError(t, err)
	assert.Len(t, rels, 2)
}

func TestHealthCheck_ReflectsOpenConnection(t *testing.T) {
	b := openBackend(t, false)
	assert.True(t, b.HealthCheck(context.Background()))
}

func TestReportMetrics_CountsEntries(t *testing.T) {
	b := openBackend(t, false)
	ctx := context.Background()
	_, err := b.Store(ctx, newRecord(t, "a", "one"))
	require.NoError(t, err)

	stats := b.ReportMetrics()
	assert.Equal(t, int64(1), stats.EntryCount)
}

func TestOpen_ReopeningSameSchemaVersionSucceeds(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "engine.db")
	logger := monitoring.New(monitoring.LoggerConfig{Level: "error"})

	b, err := indexed.Open(context.Background(), indexed.Config{DatabasePath: dbPath}, logger)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	b2, err := indexed.Open(context.Background(), indexed.Config{DatabasePath: dbPath}, logger)
	require.NoError(t, err)
	require.NoError(t, b2.Close())
}
