package contextmodel

import (
	"encoding/json"
	"time"

	"github.com/tidwall/sjson"

	"github.com/compresr/context-engine/internal/engineerr"
)

const opMerge = "contextmodel.merge"

// Merge applies a partial update to base and returns the new record
// version. partial keys are dotted sjson paths (e.g. "metadata.tags.0",
// "content") applied against base's own JSON encoding, so a caller can
// patch a single nested field without resending the whole record.
//
// Merge always bumps Version, links ParentVersion to base.Version, stamps
// Metadata.ModifiedAt, recomputes the checksum over the resulting
// content, and revalidates before returning - callers never see a record
// that violates invariant 7 (every mutation is a new, checksummed
// version).
func Merge(base Record, partial map[string]any) (Record, error) {
	doc, err := json.Marshal(base)
	if err != nil {
		return Record{}, engineerr.New(opMerge, engineerr.Validation, err)
	}

	for path, value := range partial {
		doc, err = sjson.SetBytes(doc, path, value)
		if err != nil {
			return Record{}, engineerr.New(opMerge, engineerr.Validation, errf("set %s: %w", path, err))
		}
	}

	var next Record
	if err := json.Unmarshal(doc, &next); err != nil {
		return Record{}, engineerr.New(opMerge, engineerr.Validation, err)
	}

	parent := base.Version
	next.Version = base.Version + 1
	next.ParentVersion = &parent
	now := time.Now().UTC()
	next.Metadata.ModifiedAt = &now

	canonical, err := Canonicalize(next.Content)
	if err != nil {
		return Record{}, engineerr.New(opMerge, engineerr.Validation, err)
	}
	next.Checksum = Digest(canonical)

	if err := Validate(next); err != nil {
		return Record{}, err
	}
	return next, nil
}
