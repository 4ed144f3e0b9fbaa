// Package backend defines the storage trait every tier (Memory, Indexed,
// Archive) implements, plus the Query type the engine routes unchanged
// to whichever backend answers a read.
package backend

import (
	"context"
	"errors"

	"github.com/compresr/context-engine/internal/contextmodel"
	"github.com/compresr/context-engine/internal/engineerr"
)

// ErrQueryUnsupported builds the standard error a backend returns for a
// Query shape it cannot answer (e.g. a full-text term against Archive).
func ErrQueryUnsupported(op string, service contextmodel.Service, reason string) error {
	return engineerr.New(op, engineerr.QueryUnsupported, errors.New(reason)).WithService(string(service))
}

// Backend is the trait shared by every storage tier. All methods return
// *engineerr.Error on failure so callers can branch on engineerr.Is.
type Backend interface {
	Store(ctx context.Context, r contextmodel.Record) (contextmodel.StorageLocation, error)
	Retrieve(ctx context.Context, id string) (contextmodel.Record, error)
	Update(ctx context.Context, id string, partial map[string]any) error
	Delete(ctx context.Context, id string) error
	Query(ctx context.Context, q Query) ([]contextmodel.Record, error)
	HealthCheck(ctx context.Context) bool
	Name() contextmodel.Service
}

// SortOrder controls the direction a Query's Sort field is applied in.
type SortOrder string

const (
	Ascending  SortOrder = "asc"
	Descending SortOrder = "desc"
)

// Query is the one query shape every backend understands, though each
// tier only supports a subset: Memory answers predicate filters and
// sort/limit/offset; Indexed additionally supports FullTextTerm, but its
// Query does not apply TraversalSeedID/TraversalDepth (Indexed exposes
// traversal through GetRelationshipGraph instead); Archive supports only
// an exact ID lookup and otherwise returns ErrQueryUnsupported.
type Query struct {
	IDs   []string
	Type  contextmodel.RecordType
	Owner string
	Tags  []string

	FullTextTerm string

	TraversalSeedID string
	TraversalDepth  int

	SortField string
	SortOrder SortOrder
	Limit     int
	Offset    int
}
