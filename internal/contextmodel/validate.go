package contextmodel

import (
	"github.com/compresr/context-engine/internal/engineerr"
)

const opValidate = "contextmodel.validate"

// Validate rejects a Record that violates any invariant in the data
// model spec. It never mutates r.
func Validate(r Record) error {
	if r.ID == "" {
		return engineerr.New(opValidate, engineerr.Validation, errf("id must not be empty"))
	}
	if r.SchemaVersion == "" {
		return engineerr.New(opValidate, engineerr.Validation, errf("schemaVersion is required"))
	}
	if compareVersions(r.SchemaVersion, MinSupportedSchemaVersion) < 0 {
		return engineerr.New(opValidate, engineerr.Validation,
			errf("schemaVersion %s is older than minimum supported %s", r.SchemaVersion, MinSupportedSchemaVersion))
	}
	if !isValidRecordType(r.Type) {
		return engineerr.New(opValidate, engineerr.Validation, errf("unknown record type %q", r.Type))
	}

	canonical, err := Canonicalize(r.Content)
	if err != nil {
		return engineerr.New(opValidate, engineerr.Validation, err)
	}
	if r.Checksum == "" {
		return engineerr.New(opValidate, engineerr.Validation, errf("checksum is required"))
	}
	if Digest(canonical) != r.Checksum {
		return engineerr.New(opValidate, engineerr.Validation, errf("checksum does not match content"))
	}

	if r.Metadata.TTLSeconds != nil {
		if *r.Metadata.TTLSeconds <= 0 {
			return engineerr.New(opValidate, engineerr.Validation, errf("ttl must be > 0 when set"))
		}
		if r.Metadata.ExpiresAt == nil {
			return engineerr.New(opValidate, engineerr.Validation, errf("expiresAt must be derived from createdAt+ttl"))
		}
		expected := r.Metadata.CreatedAt.Add(secondsToDuration(*r.Metadata.TTLSeconds))
		if !r.Metadata.ExpiresAt.Equal(expected) {
			return engineerr.New(opValidate, engineerr.Validation, errf("expiresAt does not equal createdAt+ttl"))
		}
	}

	for i, rel := range r.Relationships {
		if rel.TargetID == "" {
			return engineerr.New(opValidate, engineerr.Validation, errf("relationships[%d].targetId must not be empty", i))
		}
		if rel.Weight < 0 || rel.Weight > 1 {
			return engineerr.New(opValidate, engineerr.Validation, errf("relationships[%d].weight out of range [0,1]", i))
		}
	}

	if r.Metadata.Priority < 0 || r.Metadata.Priority > 10 {
		return engineerr.New(opValidate, engineerr.Validation, errf("metadata.priority out of range [0,10]"))
	}
	for _, score := range []float64{
		r.Metadata.RelevanceScore, r.Metadata.QualityScore,
		r.Metadata.CompletenessScore, r.Metadata.AccuracyScore,
	} {
		if score < 0 || score > 1 {
			return engineerr.New(opValidate, engineerr.Validation, errf("metadata score out of range [0,1]"))
		}
	}

	if r.Metadata.CompressionRatio != 0 {
		if r.Metadata.CompressionRatio < 0 || r.Metadata.CompressionRatio > 1 {
			return engineerr.New(opValidate, engineerr.Validation, errf("metadata.compressionRatio out of range [0,1]"))
		}
	}

	return nil
}

// ValidateCompressed rejects a CompressedRecord that violates the
// archive's invariants (non-empty id, algorithm and checksum; when the
// original size is known, a ratio equal to compressedSize/originalSize).
func ValidateCompressed(c CompressedRecord) error {
	if c.ContextID == "" {
		return engineerr.New(opValidate, engineerr.Validation, errf("contextId must not be empty"))
	}
	if c.Algorithm == "" {
		return engineerr.New(opValidate, engineerr.Validation, errf("algorithm is required"))
	}
	if c.Checksum == "" {
		return engineerr.New(opValidate, engineerr.Validation, errf("checksum is required"))
	}
	if c.Stats.OriginalSize > 0 {
		expectedRatio := float64(c.Stats.CompressedSize) / float64(c.Stats.OriginalSize)
		if !floatsClose(c.Stats.CompressionRatio, expectedRatio) {
			return engineerr.New(opValidate, engineerr.Validation, errf("compressionRatio does not match compressedSize/originalSize"))
		}
	}
	return nil
}

func isValidRecordType(t RecordType) bool {
	switch t {
	case TypeConversation, TypeTask, TypeKnowledge, TypeSession:
		return true
	default:
		return false
	}
}

func floatsClose(a, b float64) bool {
	const epsilon = 1e-9
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= epsilon
}
