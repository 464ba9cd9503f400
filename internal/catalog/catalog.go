// Package catalog records published census builds. The catalog is
// append-only: a recorded build is never updated or deleted, and a rebuild
// under a new tag appends a new record. Backends: postgres for shared
// deployments, sqlite for single-host ones, memory for tests.
package catalog

import (
	"context"
	"errors"
	"time"

	"censusbuilder/pkg/domain"
)

// Record is one published build as remembered by the catalog.
type Record struct {
	BuildID     string          `json:"build_id"`
	BuildTag    string          `json:"build_tag"`
	CensusKey   string          `json:"census_key"`
	ManifestKey string          `json:"manifest_key"`
	Manifest    domain.Manifest `json:"manifest"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ErrDuplicate is returned when a build id or tag is already recorded.
var ErrDuplicate = errors.New("catalog: build already recorded")

// ErrNotFound is returned when no record matches the query.
var ErrNotFound = errors.New("catalog: build not found")

// Catalog is the append-only build history.
type Catalog interface {
	// Append records a published build. Fails with ErrDuplicate when the
	// build id or tag is already present.
	Append(ctx context.Context, rec Record) error
	// Get returns the record for a build tag.
	Get(ctx context.Context, buildTag string) (Record, error)
	// List returns all records, oldest first.
	List(ctx context.Context) ([]Record, error)
	Close() error
}

func validate(rec Record) error {
	if rec.BuildID == "" {
		return errors.New("catalog: record missing build id")
	}
	if rec.BuildTag == "" {
		return errors.New("catalog: record missing build tag")
	}
	return nil
}
