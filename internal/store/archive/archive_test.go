package archive_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/context-engine/internal/codec"
	"github.com/compresr/context-engine/internal/contextmodel"
	"github.com/compresr/context-engine/internal/engineerr"
	"github.com/compresr/context-engine/internal/store/archive"
	"github.com/compresr/context-engine/internal/store/backend"
)

func newBackend(t *testing.T) *archive.Backend {
	t.Helper()
	b, err := archive.New(archive.Config{BasePath: t.TempDir()})
	require.NoError(t, err)
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
		Type:          contextmodel.TypeSession,
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
	b := newBackend(t)
	ctx := context.Background()

	r := newRecord(t, "a", "hello")
	_, err := b.Store(ctx, r)
	require.NoError(t, err)

	got, err := b.Retrieve(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
}

func TestRetrieve_MissingReturnsNotFound(t *testing.T) {
	b := newBackend(t)
	_, err := b.Retrieve(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, engineerr.Is(err, engineerr.NotFound))
}

func TestUpdate_AppliesPartialAndBumpsVersion(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	r := newRecord(t, "a", "hello")
	_, err := b.Store(ctx, r)
	require.NoError(t, err)

	require.NoError(t, b.Update(ctx, "a", map[string]any{"metadata.owner": "erin"}))

	got, err := b.Retrieve(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "erin", got.Metadata.Owner)
	assert.Equal(t, int64(2), got.Version)
}

func TestDelete_RemovesAllRepresentations(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	r := newRecord(t, "a", "hello")
	_, err := b.Store(ctx, r)
	require.NoError(t, err)

	require.NoError(t, b.Delete(ctx, "a"))
	_, err = b.Retrieve(ctx, "a")
	assert.True(t, engineerr.Is(err, engineerr.NotFound))
}

func TestDelete_IsIdempotent(t *testing.T) {
	b := newBackend(t)
	require.NoError(t, b.Delete(context.Background(), "never-stored"))
}

func TestQuery_OnlySupportsExactIDLookup(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	_, err := b.Store(ctx, newRecord(t, "a", "hello"))
	require.NoError(t, err)

	results, err := b.Query(ctx, backend.Query{IDs: []string{"a"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)

	_, err = b.Query(ctx, backend.Query{FullTextTerm: "hello"})
	require.Error(t, err)
	assert.True(t, engineerr.Is(err, engineerr.QueryUnsupported))
}

func TestStoreRetrieveCompressed_RoundTrips(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	data := []byte(`{"text":"archived payload"}`)
	compressed, stats, err := codec.Compress(data, codec.Gzip)
	require.NoError(t, err)

	cmp := contextmodel.CompressedRecord{
		ContextID: "a",
		Algorithm: string(codec.Gzip),
		Data:      compressed,
		Stats:     contextmodel.CompressionStats{OriginalSize: stats.OriginalSize, CompressedSize: stats.CompressedSize, CompressionRatio: stats.CompressionRatio, Algorithm: string(codec.Gzip), CompressedAt: stats.CompressedAt},
		Checksum:  codec.Digest(data),
	}
	require.NoError(t, b.StoreCompressed(ctx, cmp))

	got, decoded, err := b.RetrieveCompressed(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.ContextID)
	assert.Equal(t, data, decoded)
}

func TestRetrieveCompressed_CorruptedChecksumIsRejected(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	data := []byte(`{"text":"archived payload"}`)
	compressed, _, err := codec.Compress(data, codec.Gzip)
	require.NoError(t, err)

	// A sidecar checksum that does not match the decompressed payload is
	// corruption, not a miss: StoreCompressed records exactly what it is
	// given, and RetrieveCompressed must refuse to serve it.
	cmp := contextmodel.CompressedRecord{
		ContextID: "a",
		Algorithm: string(codec.Gzip),
		Data:      compressed,
		Checksum:  "not-the-real-digest",
	}
	require.NoError(t, b.StoreCompressed(ctx, cmp))

	_, _, err = b.RetrieveCompressed(ctx, "a")
	require.Error(t, err)
	assert.True(t, engineerr.Is(err, engineerr.ChecksumMismatch))
}

func TestArchiveOldContexts_CompressesPastCutoffAndRemovesOriginal(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	_, err := b.Store(ctx, newRecord(t, "old", "stale content"))
	require.NoError(t, err)
	_, err = b.Store(ctx, newRecord(t, "new", "fresh content"))
	require.NoError(t, err)

	report, err := b.ArchiveOldContexts(ctx, -1) // cutoff in the future: everything qualifies
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 2, report.Archived)
	assert.Empty(t, report.Failed)

	_, err = b.Retrieve(ctx, "old")
	assert.True(t, engineerr.Is(err, engineerr.NotFound), "original file should be removed after archiving")
}

func TestHealthCheck_TrueWhenBasePathExists(t *testing.T) {
	b := newBackend(t)
	assert.True(t, b.HealthCheck(context.Background()))
}

func TestReportMetrics_CountsStoredFiles(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	_, err := b.Store(ctx, newRecord(t, "a", "hello"))
	require.NoError(t, err)

	stats := b.ReportMetrics()
	assert.Equal(t, int64(1), stats.EntryCount)
}

func TestNew_RequiresBasePath(t *testing.T) {
	_, err := archive.New(archive.Config{})
	require.Error(t, err)
	assert.True(t, engineerr.Is(err, engineerr.InitFailed))
}

func TestNew_CreatesExpectedDirectoryLayout(t *testing.T) {
	base := t.TempDir()
	_, err := archive.New(archive.Config{BasePath: base})
	require.NoError(t, err)

	for _, dir := range []string{"contexts", "compressed", "archives", "metadata", "backups"} {
		info, err := os.Stat(filepath.Join(base, dir))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
