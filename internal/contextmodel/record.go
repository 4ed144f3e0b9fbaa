// Package contextmodel defines the context record schema and the
// validator that enforces its invariants at the engine boundary: a
// typed, versioned, checksummed record that the engine routes across
// backends.
package contextmodel

import (
	"encoding/json"
	"time"
)

// RecordType discriminates the kind of content a Record carries.
type RecordType string

const (
	TypeConversation RecordType = "conversation"
	TypeTask         RecordType = "task"
	TypeKnowledge    RecordType = "knowledge"
	TypeSession      RecordType = "session"
)

// CompressionLevel is a hint consumed by the archive backend and codec.
type CompressionLevel string

const (
	CompressionNone  CompressionLevel = "none"
	CompressionLight CompressionLevel = "light"
	CompressionHeavy CompressionLevel = "heavy"
)

// MinSupportedSchemaVersion is the oldest schemaVersion this
// implementation accepts. Records older than this are rejected at
// validation time.
const MinSupportedSchemaVersion = "1.0.0"

// MCPStorage describes encryption state for MCP-originated content.
type MCPStorage struct {
	Encrypted bool `json:"encrypted"`
}

// Metadata carries every descriptive field attached to a Record.
type Metadata struct {
	Priority          int              `json:"priority"` // 0..10
	RelevanceScore    float64          `json:"relevanceScore"` // 0..1
	CompressionLevel  CompressionLevel `json:"compressionLevel"`
	CreatedAt         time.Time        `json:"createdAt"`
	LastAccessed      time.Time        `json:"lastAccessed"`
	ModifiedAt        *time.Time       `json:"modifiedAt,omitempty"`
	TTLSeconds        *int64           `json:"ttl,omitempty"`
	ExpiresAt         *time.Time       `json:"expiresAt,omitempty"`
	Archived          bool             `json:"archived"`
	Owner             string           `json:"owner"`
	Permissions       []string         `json:"permissions"`
	Tags              []string         `json:"tags"`
	QualityScore      float64          `json:"qualityScore"`
	CompletenessScore float64          `json:"completenessScore"`
	AccuracyScore     float64          `json:"accuracyScore"`
	AccessCount       int64            `json:"accessCount"`
	CompressionRatio  float64          `json:"compressionRatio"`
	MCPStorage        MCPStorage       `json:"mcpStorage"`
}

// Relationship is a directed (optionally bidirectional) edge to another
// context id. Existence of TargetId is never enforced - dangling edges
// are allowed per spec.
type Relationship struct {
	TargetID      string         `json:"targetId"`
	Type          string         `json:"type"`
	Weight        float64        `json:"weight"` // 0..1
	Bidirectional bool           `json:"bidirectional"`
	CreatedAt     time.Time      `json:"createdAt"`
	CreatedBy     string         `json:"createdBy,omitempty"`
	Description   string         `json:"description,omitempty"`
	Properties    map[string]any `json:"properties,omitempty"`
}

// Record is the atomic, versioned, checksummed unit of content the
// engine stores, routes, and replicates.
type Record struct {
	ID             string          `json:"id"`
	Type           RecordType      `json:"type"`
	SchemaVersion  string          `json:"schemaVersion"`
	Content        json.RawMessage `json:"content"`
	Metadata       Metadata        `json:"metadata"`
	Relationships  []Relationship  `json:"relationships"`
	Version        int64           `json:"version"`
	ParentVersion  *int64          `json:"parentVersion,omitempty"`
	Checksum       string          `json:"checksum"`
}

// Service identifies one of the three storage backends.
type Service string

const (
	ServiceMemory  Service = "memory"
	ServiceIndexed Service = "indexed"
	ServiceArchive Service = "archive"
)

// StorageLocation is returned by every successful backend store.
type StorageLocation struct {
	ContextID   string    `json:"contextId"`
	Service     Service   `json:"service"`
	Path        string    `json:"path"`
	StoredAt    time.Time `json:"storedAt"`
	StorageSize int64     `json:"storageSize"`
	Compressed  bool      `json:"compressed"`
	Encrypted   bool      `json:"encrypted"`
	AccessCount int64     `json:"accessCount"`
}

// CompressionStats describes the result of a single compress operation.
type CompressionStats struct {
	OriginalSize       int64         `json:"originalSize"`
	CompressedSize     int64         `json:"compressedSize"`
	CompressionRatio   float64       `json:"compressionRatio"`
	Algorithm          string        `json:"algorithm"`
	CompressedAt       time.Time     `json:"compressedAt"`
	DecompressionTime  time.Duration `json:"decompressionTime,omitempty"`
}

// PreservedMetadata is the subset of Metadata kept alongside a
// CompressedRecord so it can be indexed without decompressing the payload.
type PreservedMetadata struct {
	Type     RecordType `json:"type"`
	Priority int        `json:"priority"`
	Tags     []string   `json:"tags"`
	Owner    string     `json:"owner"`
}

// CompressedRecord is the archive backend's on-disk compressed form.
type CompressedRecord struct {
	ContextID         string            `json:"contextId"`
	Algorithm         string            `json:"algorithm"`
	Data              []byte            `json:"data"`
	Stats             CompressionStats  `json:"stats"`
	PreservedMetadata PreservedMetadata `json:"preservedMetadata"`
	Checksum          string            `json:"checksum"`
	Verified          bool              `json:"verified"`
}

// IsExpired reports whether the record's TTL has elapsed as of now.
func (r Record) IsExpired(now time.Time) bool {
	if r.Metadata.ExpiresAt == nil {
		return false
	}
	return now.After(*r.Metadata.ExpiresAt)
}
