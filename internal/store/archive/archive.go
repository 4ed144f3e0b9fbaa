// Package archive implements the cold filesystem storage tier: plain
// JSON for live records, compressed payloads for archived ones, and an
// optional S3 backup uploader.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/compresr/context-engine/internal/codec"
	"github.com/compresr/context-engine/internal/contextmodel"
	"github.com/compresr/context-engine/internal/engine/metrics"
	"github.com/compresr/context-engine/internal/engineerr"
	"github.com/compresr/context-engine/internal/store/backend"
)

const op = "store.archive"

// closedAlgorithms is the fixed probe order RetrieveCompressed and
// Delete walk across.
var closedAlgorithms = []codec.Algorithm{codec.Gzip, codec.LZ4, codec.Brotli, codec.Zstd, codec.None}

// Config configures a Backend.
type Config struct {
	BasePath         string
	DefaultAlgorithm codec.Algorithm
}

// Backend is the Archive storage tier.
type Backend struct {
	basePath    string
	defaultAlgo codec.Algorithm
	mu          sync.Mutex // serializes directory-affecting operations (update/delete/archive sweep)
	backup      *S3Backup
}

// ArchiveReport summarizes one ArchiveOldContexts sweep.
type ArchiveReport struct {
	Scanned  int
	Archived int
	Failed   []string
}

func New(cfg Config) (*Backend, error) {
	if cfg.BasePath == "" {
		return nil, engineerr.New(op+".new", engineerr.InitFailed, fmt.Errorf("base path is required"))
	}
	if cfg.DefaultAlgorithm == "" {
		cfg.DefaultAlgorithm = codec.Gzip
	}
	b := &Backend{basePath: cfg.BasePath, defaultAlgo: cfg.DefaultAlgorithm}
	for _, dir := range []string{"contexts", "compressed", "archives", "metadata", "backups"} {
		if err := os.MkdirAll(filepath.Join(cfg.BasePath, dir), 0700); err != nil {
			return nil, engineerr.New(op+".new", engineerr.InitFailed, err)
		}
	}
	return b, nil
}

// AttachS3Backup starts backup's periodic upload sweep against this
// backend's archives directory and ties its lifecycle to Close.
func (b *Backend) AttachS3Backup(ctx context.Context, backup *S3Backup) {
	b.backup = backup
	backup.Start(ctx)
}

// Close stops the attached S3 backup sweep, if any.
func (b *Backend) Close() error {
	if b.backup != nil {
		b.backup.Stop()
	}
	return nil
}

func (b *Backend) Name() contextmodel.Service { return contextmodel.ServiceArchive }

func (b *Backend) contextsPath(id string) string  { return filepath.Join(b.basePath, "contexts", id+".json") }
func (b *Backend) metadataPath(id string) string  { return filepath.Join(b.basePath, "metadata", id+".json") }
func (b *Backend) compressedPath(id string, algo codec.Algorithm) string {
	return filepath.Join(b.basePath, "compressed", id+"."+string(algo))
}
func (b *Backend) archivedPath(id string, algo codec.Algorithm) string {
	return filepath.Join(b.basePath, "archives", id+"."+string(algo))
}

func (b *Backend) Store(ctx context.Context, r contextmodel.Record) (contextmodel.StorageLocation, error) {
	if err := contextmodel.Validate(r); err != nil {
		return contextmodel.StorageLocation{}, err
	}

	data, err := json.Marshal(r)
	if err != nil {
		return contextmodel.StorageLocation{}, engineerr.New(op+".store", engineerr.Validation, err)
	}

	path := b.contextsPath(r.ID)
	if err := writeSecure(path, data); err != nil {
		return contextmodel.StorageLocation{}, engineerr.New(op+".store", engineerr.BackendUnavailable, err).WithService(string(contextmodel.ServiceArchive))
	}

	return contextmodel.StorageLocation{
		ContextID:   r.ID,
		Service:     contextmodel.ServiceArchive,
		Path:        path,
		StoredAt:    time.Now().UTC(),
		StorageSize: int64(len(data)),
		Compressed:  false,
		Encrypted:   r.Metadata.MCPStorage.Encrypted,
		AccessCount: r.Metadata.AccessCount,
	}, nil
}

func (b *Backend) Retrieve(ctx context.Context, id string) (contextmodel.Record, error) {
	data, err := os.ReadFile(b.contextsPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return contextmodel.Record{}, notFound(id)
		}
		return contextmodel.Record{}, engineerr.New(op+".retrieve", engineerr.BackendUnavailable, err)
	}
	var r contextmodel.Record
	if err := json.Unmarshal(data, &r); err != nil {
		return contextmodel.Record{}, engineerr.New(op+".retrieve", engineerr.BackendUnavailable, err)
	}
	return r, nil
}

func (b *Backend) Update(ctx context.Context, id string, partial map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, err := b.Retrieve(ctx, id)
	if err != nil {
		return err
	}
	merged, err := contextmodel.Merge(current, partial)
	if err != nil {
		return err
	}
	_, err = b.Store(ctx, merged)
	return err
}

// Delete removes every representation of id: the live JSON file, every
// compressed variant across the closed algorithm set, and the metadata
// sidecar. Missing files are not an error (idempotent delete).
func (b *Backend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	removeIgnoreMissing(b.contextsPath(id))
	removeIgnoreMissing(b.metadataPath(id))
	for _, algo := range closedAlgorithms {
		removeIgnoreMissing(b.compressedPath(id, algo))
		removeIgnoreMissing(b.archivedPath(id, algo))
	}
	return nil
}

// Query only supports an exact ID lookup; everything else is unsupported
// per spec (the Archive tier does not index its contents).
func (b *Backend) Query(ctx context.Context, q backend.Query) ([]contextmodel.Record, error) {
	if len(q.IDs) == 0 || q.FullTextTerm != "" || q.TraversalSeedID != "" {
		return nil, backend.ErrQueryUnsupported(op+".query", contextmodel.ServiceArchive, "archive supports only exact id lookups")
	}
	var out []contextmodel.Record
	for _, id := range q.IDs {
		r, err := b.Retrieve(ctx, id)
		if engineerr.Is(err, engineerr.NotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (b *Backend) HealthCheck(ctx context.Context) bool {
	_, err := os.Stat(b.basePath)
	return err == nil
}

// ReportMetrics implements metrics.Reportable. Counts and sizes are a
// best-effort walk of contexts/ and archives/; a walk error yields a
// partial (not zeroed) report.
func (b *Backend) ReportMetrics() metrics.BackendStats {
	stats := metrics.BackendStats{Service: contextmodel.ServiceArchive}
	for _, dir := range []string{"contexts", "archives"} {
		entries, err := os.ReadDir(filepath.Join(b.basePath, dir))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			stats.EntryCount++
			if info, err := e.Info(); err == nil {
				stats.SizeBytes += info.Size()
			}
		}
	}
	return stats
}

// StoreCompressed writes a pre-compressed record plus its metadata
// sidecar (preserved metadata, stats, checksum).
func (b *Backend) StoreCompressed(ctx context.Context, cmp contextmodel.CompressedRecord) error {
	if err := contextmodel.ValidateCompressed(cmp); err != nil {
		return err
	}
	algo := codec.Algorithm(cmp.Algorithm)
	if err := writeSecure(b.compressedPath(cmp.ContextID, algo), cmp.Data); err != nil {
		return engineerr.New(op+".storeCompressed", engineerr.BackendUnavailable, err)
	}

	sidecar, err := json.Marshal(cmp)
	if err != nil {
		return engineerr.New(op+".storeCompressed", engineerr.Validation, err)
	}
	if err := writeSecure(b.metadataPath(cmp.ContextID), sidecar); err != nil {
		return engineerr.New(op+".storeCompressed", engineerr.BackendUnavailable, err)
	}
	return nil
}

// RetrieveCompressed probes the closed algorithm set in fixed order and
// returns the first hit after verifying its digest against the sidecar
// checksum. A digest mismatch is corruption, not a miss, and is
// returned immediately rather than falling through to the next algorithm.
func (b *Backend) RetrieveCompressed(ctx context.Context, id string) (contextmodel.CompressedRecord, []byte, error) {
	sidecarData, err := os.ReadFile(b.metadataPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return contextmodel.CompressedRecord{}, nil, notFound(id)
		}
		return contextmodel.CompressedRecord{}, nil, engineerr.New(op+".retrieveCompressed", engineerr.BackendUnavailable, err)
	}
	var cmp contextmodel.CompressedRecord
	if err := json.Unmarshal(sidecarData, &cmp); err != nil {
		return contextmodel.CompressedRecord{}, nil, engineerr.New(op+".retrieveCompressed", engineerr.BackendUnavailable, err)
	}

	for _, algo := range closedAlgorithms {
		data, err := os.ReadFile(b.compressedPath(id, algo))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return contextmodel.CompressedRecord{}, nil, engineerr.New(op+".retrieveCompressed", engineerr.BackendUnavailable, err)
		}
		decoded, err := codec.Decompress(data, algo, cmp.Checksum)
		if err != nil {
			return contextmodel.CompressedRecord{}, nil, err
		}
		return cmp, decoded, nil
	}
	return contextmodel.CompressedRecord{}, nil, notFound(id)
}

// ArchiveOldContexts walks contexts/ and, for every file whose mtime
// precedes the cutoff, compresses it into archives/ before removing the
// original. A failure mid-record leaves both copies on disk and is
// recorded in Failed rather than silently dropped.
func (b *Backend) ArchiveOldContexts(ctx context.Context, olderThanDays int) (ArchiveReport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	report := ArchiveReport{}
	contextsDir := filepath.Join(b.basePath, "contexts")

	err := filepath.WalkDir(contextsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if !strings.HasSuffix(path, ".json") {
			return nil
		}
		report.Scanned++

		info, err := d.Info()
		if err != nil {
			report.Failed = append(report.Failed, path)
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}

		id := strings.TrimSuffix(filepath.Base(path), ".json")
		data, err := os.ReadFile(path)
		if err != nil {
			report.Failed = append(report.Failed, id)
			return nil
		}
		compressed, _, err := codec.Compress(data, b.defaultAlgo)
		if err != nil {
			report.Failed = append(report.Failed, id)
			return nil
		}
		if err := writeSecure(b.archivedPath(id, b.defaultAlgo), compressed); err != nil {
			report.Failed = append(report.Failed, id)
			return nil
		}
		if err := os.Remove(path); err != nil {
			report.Failed = append(report.Failed, id)
			return nil
		}
		report.Archived++
		return nil
	})
	if err != nil {
		return report, engineerr.New(op+".archiveOld", engineerr.BackendUnavailable, err)
	}
	return report, nil
}

// writeSecure writes data to path without ever leaving a half-written
// file behind: it writes to a sibling temp file first and renames it
// into place, so a reader never observes a partial write and a crash
// mid-write leaves only the stale temp file, never a corrupt path.
func writeSecure(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func removeIgnoreMissing(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		_ = err // best-effort cleanup; caller's Delete already succeeds on the primary file
	}
}

func notFound(id string) error {
	return engineerr.New(op, engineerr.NotFound, fmt.Errorf("record %q not found", id)).WithService(string(contextmodel.ServiceArchive))
}
