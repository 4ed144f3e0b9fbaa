package indexed

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/compresr/context-engine/internal/contextmodel"
	"github.com/compresr/context-engine/internal/engineerr"
)

const selectColumns = "id, version, parent_version, type, schema_version, content, checksum, " +
	"searchable_content, tags, priority, relevance_score, compression_level, " +
	"created_at, last_accessed, modified_at, ttl_seconds, expires_at, archived, " +
	"owner, permissions, quality_score, completeness_score, accuracy_score, " +
	"access_count, compression_ratio, mcp_encrypted"

// selectColumnsAliased prefixes every column with "c." for queries that
// join contexts against another table under alias c (the FTS5 path).
func selectColumnsAliased() string {
	parts := strings.Split(selectColumns, ", ")
	for i, p := range parts {
		parts[i] = "c." + p
	}
	return strings.Join(parts, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (contextmodel.Record, error) {
	var r contextmodel.Record
	var id, recType, schemaVersion, content, checksum, searchable, tags, compressionLevel string
	var owner sql.NullString
	var permissions string
	var parentVersion sql.NullInt64
	var createdAt, lastAccessed int64
	var modifiedAt, ttlSeconds, expiresAt sql.NullInt64
	var archived, mcpEncrypted int
	var qualityScore, completenessScore, accuracyScore, compressionRatio sql.NullFloat64
	var accessCount int64
	var priority int
	var relevanceScore float64

	if err := row.Scan(
		&id, &r.Version, &parentVersion, &recType, &schemaVersion, &content, &checksum,
		&searchable, &tags, &priority, &relevanceScore, &compressionLevel,
		&createdAt, &lastAccessed, &modifiedAt, &ttlSeconds, &expiresAt, &archived,
		&owner, &permissions, &qualityScore, &completenessScore, &accuracyScore,
		&accessCount, &compressionRatio, &mcpEncrypted,
	); err != nil {
		return contextmodel.Record{}, err
	}

	r.ID = id
	r.Type = contextmodel.RecordType(recType)
	r.SchemaVersion = schemaVersion
	r.Content = json.RawMessage(content)
	r.Checksum = checksum
	if parentVersion.Valid {
		v := parentVersion.Int64
		r.ParentVersion = &v
	}

	r.Metadata.Priority = priority
	r.Metadata.RelevanceScore = relevanceScore
	r.Metadata.CompressionLevel = contextmodel.CompressionLevel(compressionLevel)
	r.Metadata.CreatedAt = time.Unix(createdAt, 0).UTC()
	r.Metadata.LastAccessed = time.Unix(lastAccessed, 0).UTC()
	if modifiedAt.Valid {
		t := time.Unix(modifiedAt.Int64, 0).UTC()
		r.Metadata.ModifiedAt = &t
	}
	if ttlSeconds.Valid {
		v := ttlSeconds.Int64
		r.Metadata.TTLSeconds = &v
	}
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0).UTC()
		r.Metadata.ExpiresAt = &t
	}
	r.Metadata.Archived = archived != 0
	r.Metadata.Owner = owner.String
	_ = json.Unmarshal([]byte(tags), &r.Metadata.Tags)
	_ = json.Unmarshal([]byte(permissions), &r.Metadata.Permissions)
	r.Metadata.QualityScore = qualityScore.Float64
	r.Metadata.CompletenessScore = completenessScore.Float64
	r.Metadata.AccuracyScore = accuracyScore.Float64
	r.Metadata.AccessCount = accessCount
	r.Metadata.CompressionRatio = compressionRatio.Float64
	r.Metadata.MCPStorage.Encrypted = mcpEncrypted != 0

	return r, nil
}

func scanRecords(rows *sql.Rows) ([]contextmodel.Record, error) {
	var out []contextmodel.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, engineerr.New(op+".query", engineerr.BackendUnavailable, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, engineerr.New(op+".query", engineerr.BackendUnavailable, err)
	}
	return out, nil
}
