package document

import (
	"context"
	"errors"
)

// ErrDuplicateKey is returned by Insert when a document with the same _id
// already exists in the collection. Callers generating random ids retry with
// a fresh id; all other callers surface it as a conflict.
var ErrDuplicateKey = errors.New("duplicate key")

// Collection is the adapter contract over one named document collection.
//
// FindOne and FindOneAndModify return a nil document (and nil error) when no
// document matches; absence is not an error at this layer.
type Collection interface {
	Find(ctx context.Context, filter Doc, projection []string) ([]Doc, error)
	FindOne(ctx context.Context, filter Doc, projection []string) (Doc, error)
	// FindOneAndModify atomically applies the update to the first matching
	// document and returns the post-update state.
	FindOneAndModify(ctx context.Context, filter Doc, update Doc) (Doc, error)
	Insert(ctx context.Context, doc Doc) error
	Delete(ctx context.Context, filter Doc) (int, error)
	Count(ctx context.Context, filter Doc) (int, error)
	// Distinct returns the de-duplicated values found at the dotted field
	// path across all documents matching the filter.
	Distinct(ctx context.Context, field string, filter Doc) ([]any, error)
}

// Collection names used by the platform.
const (
	CollectionOTUs       = "otus"
	CollectionSequences  = "sequences"
	CollectionHistory    = "history"
	CollectionIndexes    = "indexes"
	CollectionJobs       = "jobs"
	CollectionReferences = "references"
	CollectionSamples    = "samples"
	CollectionLabels     = "labels"
)

// Database groups the platform's collections behind one handle.
type Database interface {
	Collection(name string) Collection
	Close() error
}

// State is a point-in-time export of every collection, used by the
// snapshotting persistence backends.
type State map[string][]Doc

// Exporter is implemented by databases that can snapshot and restore their
// full contents.
type Exporter interface {
	ExportState() State
	ImportState(State)
}
