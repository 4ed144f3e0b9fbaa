// Package indexed implements the durable, queryable storage tier backed
// by SQLite: a relational schema for context records and their
// relationships, with optional FTS5 full-text search.
package indexed

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/compresr/context-engine/internal/contextmodel"
	"github.com/compresr/context-engine/internal/engine/metrics"
	"github.com/compresr/context-engine/internal/engineerr"
	"github.com/compresr/context-engine/internal/monitoring"
	"github.com/compresr/context-engine/internal/store/backend"
)

const op = "store.indexed"

// schemaVersion is the compiled-in schema generation. initSchema fails
// rather than silently migrating when an existing database disagrees.
const schemaVersion = 1

// Config configures a Backend.
type Config struct {
	DatabasePath          string
	FullTextSearchEnabled bool
}

// Backend is the Indexed storage tier.
type Backend struct {
	db     *sql.DB
	logger *monitoring.Logger
	path   string
	ftsOn  bool

	mu       sync.RWMutex // guards connection/schema state, not row data
	rowLocks *keyedMutex   // serializes Update per id
}

// Open creates (or reuses) the SQLite file at cfg.DatabasePath, applies
// pragmas, and initializes the schema.
func Open(ctx context.Context, cfg Config, logger *monitoring.Logger) (*Backend, error) {
	if cfg.DatabasePath == "" {
		return nil, engineerr.New(op+".open", engineerr.InitFailed, fmt.Errorf("database path is required"))
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", cfg.DatabasePath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, engineerr.New(op+".open", engineerr.InitFailed, err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, engineerr.New(op+".open", engineerr.InitFailed, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, engineerr.New(op+".open", engineerr.InitFailed, err)
	}

	b := &Backend{
		db:       db,
		logger:   logger,
		path:     cfg.DatabasePath,
		ftsOn:    cfg.FullTextSearchEnabled,
		rowLocks: newKeyedMutex(),
	}
	if err := b.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) Name() contextmodel.Service { return contextmodel.ServiceIndexed }

func (b *Backend) initSchema(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var existing int
	row := b.db.QueryRowContext(ctx, "PRAGMA user_version")
	if err := row.Scan(&existing); err != nil {
		return engineerr.New(op+".initSchema", engineerr.InitFailed, err)
	}
	if existing != 0 && existing != schemaVersion {
		return engineerr.New(op+".initSchema", engineerr.InitFailed,
			fmt.Errorf("database schema_version %d does not match compiled-in version %d; refusing to silently upgrade", existing, schemaVersion))
	}

	schema := `
CREATE TABLE IF NOT EXISTS contexts (
  id TEXT PRIMARY KEY,
  version INTEGER NOT NULL,
  parent_version INTEGER,
  type TEXT NOT NULL,
  schema_version TEXT NOT NULL,
  content TEXT NOT NULL,
  checksum TEXT NOT NULL,
  searchable_content TEXT NOT NULL,
  tags TEXT NOT NULL,
  priority INTEGER NOT NULL,
  relevance_score REAL NOT NULL,
  compression_level TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  last_accessed INTEGER NOT NULL,
  modified_at INTEGER,
  ttl_seconds INTEGER,
  expires_at INTEGER,
  archived INTEGER NOT NULL,
  owner TEXT,
  permissions TEXT NOT NULL,
  quality_score REAL,
  completeness_score REAL,
  accuracy_score REAL,
  access_count INTEGER NOT NULL,
  compression_ratio REAL,
  mcp_encrypted INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS context_relationships (
  source_id TEXT NOT NULL,
  target_id TEXT NOT NULL,
  type TEXT NOT NULL,
  weight REAL NOT NULL,
  bidirectional INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  created_by TEXT,
  description TEXT,
  properties TEXT,
  FOREIGN KEY (source_id) REFERENCES contexts(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_contexts_type ON contexts(type);
CREATE INDEX IF NOT EXISTS idx_contexts_created_at ON contexts(created_at);
CREATE INDEX IF NOT EXISTS idx_contexts_last_accessed ON contexts(last_accessed);
CREATE INDEX IF NOT EXISTS idx_contexts_priority ON contexts(priority);
CREATE INDEX IF NOT EXISTS idx_contexts_relevance ON contexts(relevance_score);
CREATE INDEX IF NOT EXISTS idx_contexts_owner ON contexts(owner);
CREATE INDEX IF NOT EXISTS idx_contexts_archived ON contexts(archived);
CREATE INDEX IF NOT EXISTS idx_contexts_expires_at ON contexts(expires_at);
CREATE INDEX IF NOT EXISTS idx_rel_source ON context_relationships(source_id);
CREATE INDEX IF NOT EXISTS idx_rel_target ON context_relationships(target_id);
`
	if _, err := b.db.ExecContext(ctx, schema); err != nil {
		return engineerr.New(op+".initSchema", engineerr.InitFailed, err)
	}

	if b.ftsOn {
		fts := `
CREATE VIRTUAL TABLE IF NOT EXISTS contexts_fts USING fts5(
  id UNINDEXED, searchable_content, content='', tokenize='porter unicode61'
);
CREATE TRIGGER IF NOT EXISTS contexts_ai AFTER INSERT ON contexts BEGIN
  INSERT INTO contexts_fts(rowid, id, searchable_content) VALUES (new.rowid, new.id, new.searchable_content);
END;
CREATE TRIGGER IF NOT EXISTS contexts_ad AFTER DELETE ON contexts BEGIN
  INSERT INTO contexts_fts(contexts_fts, rowid, id, searchable_content) VALUES('delete', old.rowid, old.id, old.searchable_content);
END;
CREATE TRIGGER IF NOT EXISTS contexts_au AFTER UPDATE ON contexts BEGIN
  INSERT INTO contexts_fts(contexts_fts, rowid, id, searchable_content) VALUES('delete', old.rowid, old.id, old.searchable_content);
  INSERT INTO contexts_fts(rowid, id, searchable_content) VALUES (new.rowid, new.id, new.searchable_content);
END;
`
		if _, err := b.db.ExecContext(ctx, fts); err != nil {
			return engineerr.New(op+".initSchema", engineerr.InitFailed, err)
		}
	}

	if existing == 0 {
		if _, err := b.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
			return engineerr.New(op+".initSchema", engineerr.InitFailed, err)
		}
	}
	return nil
}

func searchableContent(r contextmodel.Record) string {
	var b strings.Builder
	b.Write(r.Content)
	b.WriteByte(' ')
	b.WriteString(strings.Join(r.Metadata.Tags, " "))
	b.WriteByte(' ')
	b.WriteString(string(r.Type))
	return b.String()
}

func (b *Backend) Store(ctx context.Context, r contextmodel.Record) (contextmodel.StorageLocation, error) {
	if err := contextmodel.Validate(r); err != nil {
		return contextmodel.StorageLocation{}, err
	}
	unlock := b.rowLocks.lock(r.ID)
	defer unlock()

	if err := b.upsert(ctx, r); err != nil {
		return contextmodel.StorageLocation{}, err
	}
	if err := b.replaceRelationships(ctx, r); err != nil {
		return contextmodel.StorageLocation{}, err
	}

	return contextmodel.StorageLocation{
		ContextID:   r.ID,
		Service:     contextmodel.ServiceIndexed,
		Path:        b.path,
		StoredAt:    time.Now().UTC(),
		StorageSize: int64(len(r.Content)),
		Compressed:  false,
		Encrypted:   r.Metadata.MCPStorage.Encrypted,
		AccessCount: r.Metadata.AccessCount,
	}, nil
}

func (b *Backend) upsert(ctx context.Context, r contextmodel.Record) error {
	query := `
INSERT INTO contexts (
  id, version, parent_version, type, schema_version, content, checksum,
  searchable_content, tags, priority, relevance_score, compression_level,
  created_at, last_accessed, modified_at, ttl_seconds, expires_at, archived,
  owner, permissions, quality_score, completeness_score, accuracy_score,
  access_count, compression_ratio, mcp_encrypted
) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  version = excluded.version, parent_version = excluded.parent_version,
  type = excluded.type, schema_version = excluded.schema_version,
  content = excluded.content, checksum = excluded.checksum,
  searchable_content = excluded.searchable_content, tags = excluded.tags,
  priority = excluded.priority, relevance_score = excluded.relevance_score,
  compression_level = excluded.compression_level, last_accessed = excluded.last_accessed,
  modified_at = excluded.modified_at, ttl_seconds = excluded.ttl_seconds,
  expires_at = excluded.expires_at, archived = excluded.archived,
  owner = excluded.owner, permissions = excluded.permissions,
  quality_score = excluded.quality_score, completeness_score = excluded.completeness_score,
  accuracy_score = excluded.accuracy_score, access_count = excluded.access_count,
  compression_ratio = excluded.compression_ratio, mcp_encrypted = excluded.mcp_encrypted
`
	tags, err := json.Marshal(r.Metadata.Tags)
	if err != nil {
		return engineerr.New(op+".store", engineerr.Validation, err)
	}
	perms, err := json.Marshal(r.Metadata.Permissions)
	if err != nil {
		return engineerr.New(op+".store", engineerr.Validation, err)
	}

	_, err = b.db.ExecContext(ctx, query,
		r.ID, r.Version, nullableInt64(r.ParentVersion), string(r.Type), r.SchemaVersion,
		string(r.Content), r.Checksum, searchableContent(r), string(tags),
		r.Metadata.Priority, r.Metadata.RelevanceScore, string(r.Metadata.CompressionLevel),
		r.Metadata.CreatedAt.Unix(), r.Metadata.LastAccessed.Unix(), nullableTime(r.Metadata.ModifiedAt),
		nullableInt64(r.Metadata.TTLSeconds), nullableTimePtr(r.Metadata.ExpiresAt), boolToInt(r.Metadata.Archived),
		r.Metadata.Owner, string(perms), r.Metadata.QualityScore, r.Metadata.CompletenessScore,
		r.Metadata.AccuracyScore, r.Metadata.AccessCount, r.Metadata.CompressionRatio,
		boolToInt(r.Metadata.MCPStorage.Encrypted),
	)
	if err != nil {
		return engineerr.New(op+".store", engineerr.BackendUnavailable, err).WithService(string(contextmodel.ServiceIndexed))
	}
	return nil
}

func (b *Backend) replaceRelationships(ctx context.Context, r contextmodel.Record) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return engineerr.New(op+".store", engineerr.BackendUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM context_relationships WHERE source_id = ?", r.ID); err != nil {
		return engineerr.New(op+".store", engineerr.BackendUnavailable, err)
	}
	for _, rel := range r.Relationships {
		props, err := json.Marshal(rel.Properties)
		if err != nil {
			return engineerr.New(op+".store", engineerr.Validation, err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO context_relationships (source_id, target_id, type, weight, bidirectional, created_at, created_by, description, properties)
VALUES (?,?,?,?,?,?,?,?,?)`,
			r.ID, rel.TargetID, rel.Type, rel.Weight, boolToInt(rel.Bidirectional),
			rel.CreatedAt.Unix(), rel.CreatedBy, rel.Description, string(props))
		if err != nil {
			return engineerr.New(op+".store", engineerr.BackendUnavailable, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return engineerr.New(op+".store", engineerr.BackendUnavailable, err)
	}
	return nil
}

func (b *Backend) Retrieve(ctx context.Context, id string) (contextmodel.Record, error) {
	row := b.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM contexts WHERE id = ?", id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return contextmodel.Record{}, notFound(id)
	}
	if err != nil {
		return contextmodel.Record{}, engineerr.New(op+".retrieve", engineerr.BackendUnavailable, err)
	}

	rels, err := b.relationshipsFor(ctx, id)
	if err != nil {
		return contextmodel.Record{}, err
	}
	r.Relationships = rels

	_, _ = b.db.ExecContext(ctx, "UPDATE contexts SET last_accessed = ?, access_count = access_count + 1 WHERE id = ?", time.Now().UTC().Unix(), id)
	return r, nil
}

func (b *Backend) relationshipsFor(ctx context.Context, id string) ([]contextmodel.Relationship, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT target_id, type, weight, bidirectional, created_at, created_by, description, properties FROM context_relationships WHERE source_id = ?", id)
	if err != nil {
		return nil, engineerr.New(op+".retrieve", engineerr.BackendUnavailable, err)
	}
	defer rows.Close()

	var rels []contextmodel.Relationship
	for rows.Next() {
		var rel contextmodel.Relationship
		var createdAt int64
		var createdBy, description, props sql.NullString
		var bidirectional int
		if err := rows.Scan(&rel.TargetID, &rel.Type, &rel.Weight, &bidirectional, &createdAt, &createdBy, &description, &props); err != nil {
			return nil, engineerr.New(op+".retrieve", engineerr.BackendUnavailable, err)
		}
		rel.Bidirectional = bidirectional != 0
		rel.CreatedAt = time.Unix(createdAt, 0).UTC()
		rel.CreatedBy = createdBy.String
		rel.Description = description.String
		if props.Valid && props.String != "" {
			_ = json.Unmarshal([]byte(props.String), &rel.Properties)
		}
		rels = append(rels, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, engineerr.New(op+".retrieve", engineerr.BackendUnavailable, err)
	}
	return rels, nil
}

func (b *Backend) Update(ctx context.Context, id string, partial map[string]any) error {
	unlock := b.rowLocks.lock(id)
	defer unlock()

	current, err := b.Retrieve(ctx, id)
	if err != nil {
		return err
	}
	merged, err := contextmodel.Merge(current, partial)
	if err != nil {
		return err
	}
	if err := b.upsert(ctx, merged); err != nil {
		return err
	}
	return b.replaceRelationships(ctx, merged)
}

func (b *Backend) Delete(ctx context.Context, id string) error {
	unlock := b.rowLocks.lock(id)
	defer unlock()

	res, err := b.db.ExecContext(ctx, "DELETE FROM contexts WHERE id = ?", id)
	if err != nil {
		return engineerr.New(op+".delete", engineerr.BackendUnavailable, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return notFound(id)
	}
	return nil
}

// GetRelationshipGraph performs a bounded BFS over context_relationships
// starting at id, up to depth hops, deduplicating visited ids.
func (b *Backend) GetRelationshipGraph(ctx context.Context, id string, depth int) ([]contextmodel.Relationship, error) {
	if depth <= 0 {
		depth = 2
	}
	visited := map[string]bool{id: true}
	frontier := []string{id}
	var all []contextmodel.Relationship

	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []string
		for _, src := range frontier {
			rels, err := b.relationshipsFor(ctx, src)
			if err != nil {
				return nil, err
			}
			for _, rel := range rels {
				all = append(all, rel)
				if !visited[rel.TargetID] {
					visited[rel.TargetID] = true
					next = append(next, rel.TargetID)
				}
			}
		}
		frontier = next
	}
	return all, nil
}

func (b *Backend) Query(ctx context.Context, q backend.Query) ([]contextmodel.Record, error) {
	if q.FullTextTerm != "" {
		if !b.ftsOn {
			return nil, backend.ErrQueryUnsupported(op+".query", contextmodel.ServiceIndexed, "full-text search is disabled for this database")
		}
		return b.queryFTS(ctx, q)
	}
	return b.queryPredicate(ctx, q)
}

func (b *Backend) queryFTS(ctx context.Context, q backend.Query) ([]contextmodel.Record, error) {
	sqlQuery := `
SELECT ` + selectColumnsAliased() + `
FROM contexts_fts f
JOIN contexts c ON c.rowid = f.rowid
WHERE contexts_fts MATCH ?
ORDER BY rank, c.created_at DESC
`
	sqlQuery, args := applyLimitOffset(sqlQuery, q)
	rows, err := b.db.QueryContext(ctx, sqlQuery, append([]any{q.FullTextTerm}, args...)...)
	if err != nil {
		return nil, engineerr.New(op+".query", engineerr.BackendUnavailable, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (b *Backend) queryPredicate(ctx context.Context, q backend.Query) ([]contextmodel.Record, error) {
	var where []string
	var args []any

	if len(q.IDs) > 0 {
		placeholders := make([]string, len(q.IDs))
		for i, id := range q.IDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		where = append(where, "id IN ("+strings.Join(placeholders, ",")+")")
	}
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(q.Type))
	}
	if q.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, q.Owner)
	}
	for _, tag := range q.Tags {
		where = append(where, "tags LIKE ?")
		args = append(args, "%\""+tag+"\"%")
	}

	sqlQuery := "SELECT " + selectColumns + " FROM contexts"
	if len(where) > 0 {
		sqlQuery += " WHERE " + strings.Join(where, " AND ")
	}
	sqlQuery += orderByClause(q)
	sqlQuery, limitArgs := applyLimitOffset(sqlQuery, q)
	args = append(args, limitArgs...)

	rows, err := b.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, engineerr.New(op+".query", engineerr.BackendUnavailable, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func orderByClause(q backend.Query) string {
	field := map[string]string{
		"priority":     "priority",
		"createdAt":    "created_at",
		"lastAccessed": "last_accessed",
		"relevance":    "relevance_score",
	}[q.SortField]
	if field == "" {
		return ""
	}
	dir := "ASC"
	if q.SortOrder == backend.Descending {
		dir = "DESC"
	}
	return " ORDER BY " + field + " " + dir
}

func applyLimitOffset(sqlQuery string, q backend.Query) (string, []any) {
	var args []any
	if q.Limit > 0 {
		sqlQuery += " LIMIT ?"
		args = append(args, q.Limit)
		if q.Offset > 0 {
			sqlQuery += " OFFSET ?"
			args = append(args, q.Offset)
		}
	}
	return sqlQuery, args
}

func (b *Backend) HealthCheck(ctx context.Context) bool {
	return b.db.PingContext(ctx) == nil
}

// Close closes the underlying database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// ReportMetrics implements metrics.Reportable.
func (b *Backend) ReportMetrics() metrics.BackendStats {
	stats := metrics.BackendStats{Service: contextmodel.ServiceIndexed}

	row := b.db.QueryRow("SELECT COUNT(*) FROM contexts")
	_ = row.Scan(&stats.EntryCount)

	if info, err := os.Stat(b.path); err == nil {
		stats.SizeBytes = info.Size()
	}
	return stats
}

func notFound(id string) error {
	return engineerr.New(op, engineerr.NotFound, fmt.Errorf("record %q not found", id)).WithService(string(contextmodel.ServiceIndexed))
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func nullableTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
