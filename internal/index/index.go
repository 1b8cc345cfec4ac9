// Package index computes build manifests for references, tracks index
// versions, and seals builds by tagging unbuilt change records. The build
// itself runs as a cancellable job (see builder.go).
package index

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"refcore/internal/blob"
	"refcore/internal/history"
	"refcore/pkg/document"
	"refcore/pkg/domain"
)

// Projection is the field set returned for index listings.
var Projection = []string{
	"_id", "version", "created_at", "ready", "has_files", "job", "reference", "user",
}

// Service coordinates index builds for references.
type Service struct {
	otus    document.Collection
	indexes document.Collection
	history document.Collection
	ledger  *history.Ledger
	blobs   blob.Store
	log     *slog.Logger

	newID func() string
	now   func() time.Time
}

// New constructs the index service.
func New(db document.Database, ledger *history.Ledger, blobs blob.Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		otus:    db.Collection(document.CollectionOTUs),
		indexes: db.Collection(document.CollectionIndexes),
		history: db.Collection(document.CollectionHistory),
		ledger:  ledger,
		blobs:   blobs,
		log:     log,
		newID:   func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:8] },
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateManifest records the current version of every OTU belonging to the
// reference. The manifest is the declared target state for a new build: any
// OTU version exceeding its manifest entry afterwards is unbuilt work.
func (s *Service) CreateManifest(ctx context.Context, refID string) (map[string]int, error) {
	docs, err := s.otus.Find(ctx, document.Doc{"reference.id": refID}, []string{"version"})
	if err != nil {
		return nil, err
	}
	manifest := make(map[string]int, len(docs))
	for _, doc := range docs {
		version, ok := document.AsInt(doc["version"])
		if !ok {
			continue
		}
		manifest[document.ID(doc)] = version
	}
	return manifest, nil
}

// GetCurrentIDAndVersion returns the id and version of the highest-version
// ready index with files for the reference, or ("", -1) when none exists.
func (s *Service) GetCurrentIDAndVersion(ctx context.Context, refID string) (string, int, error) {
	docs, err := s.indexes.Find(ctx, document.Doc{
		"reference.id": refID,
		"ready":        true,
		"has_files":    true,
	}, []string{"version"})
	if err != nil {
		return "", -1, err
	}
	bestID, bestVersion := "", -1
	for _, doc := range docs {
		version, ok := document.AsInt(doc["version"])
		if !ok {
			continue
		}
		if version > bestVersion {
			bestID, bestVersion = document.ID(doc), version
		}
	}
	return bestID, bestVersion, nil
}

// GetNextVersion returns the version the next index build will receive:
// the current version plus one, or 0 when the reference has no usable index.
func (s *Service) GetNextVersion(ctx context.Context, refID string) (int, error) {
	_, version, err := s.GetCurrentIDAndVersion(ctx, refID)
	if err != nil {
		return 0, err
	}
	return version + 1, nil
}

// TagUnbuiltChanges folds every unbuilt change of the reference into the
// identified build. It must run after the manifest is captured and before
// the index is marked ready; a mutation arriving inside that window is
// tagged into the in-progress build, a documented and accepted race.
func (s *Service) TagUnbuiltChanges(ctx context.Context, refID, indexID string, indexVersion int) error {
	filter := document.Doc{
		"reference.id": refID,
		"index.id":     domain.UnbuiltSentinel,
	}
	update := document.Doc{
		"$set": document.Doc{
			"index": document.Doc{"id": indexID, "version": indexVersion},
		},
	}
	// The adapter has no multi-document update; drain with find-and-modify.
	for {
		changed, err := s.history.FindOneAndModify(ctx, filter, update)
		if err != nil {
			return err
		}
		if changed == nil {
			return nil
		}
	}
}

// GetIndex finds an index by id or by version number.
func (s *Service) GetIndex(ctx context.Context, value any, projection []string) (document.Doc, error) {
	var filter document.Doc
	if id, ok := value.(string); ok {
		filter = document.Doc{"_id": id}
	} else if version, ok := document.AsInt(value); ok {
		filter = document.Doc{"version": version}
	} else {
		return nil, nil
	}
	return s.indexes.FindOne(ctx, filter, projection)
}

// CountUnbuilt returns the number of unbuilt changes for the reference.
func (s *Service) CountUnbuilt(ctx context.Context, refID string) (int, error) {
	return s.history.Count(ctx, document.Doc{
		"reference.id": refID,
		"index.id":     domain.UnbuiltSentinel,
	})
}
