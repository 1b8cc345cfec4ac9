package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"refcore/pkg/document"
	"refcore/pkg/domain"
)

// artifactKey is the blob location of a finished build artifact.
func artifactKey(refID, indexID string) string {
	return fmt.Sprintf("references/%s/indexes/%s.json", refID, indexID)
}

// Start validates and records a new index build. It fails with a conflict
// when the reference has no unbuilt changes or when another build for the
// reference is still in progress. The returned document carries the build
// manifest; the heavy work happens later in Run, under a job.
func (s *Service) Start(ctx context.Context, refID, userID, jobID string) (document.Doc, error) {
	unbuilt, err := s.CountUnbuilt(ctx, refID)
	if err != nil {
		return nil, err
	}
	if unbuilt == 0 {
		return nil, domain.ConflictError{Kind: "no_unbuilt_changes", Message: "There are no unbuilt changes"}
	}

	building, err := s.indexes.Count(ctx, document.Doc{"reference.id": refID, "ready": false})
	if err != nil {
		return nil, err
	}
	if building > 0 {
		return nil, domain.ConflictError{Kind: "build_in_progress", Message: "Index build already in progress"}
	}

	manifest, err := s.CreateManifest(ctx, refID)
	if err != nil {
		return nil, err
	}
	version, err := s.GetNextVersion(ctx, refID)
	if err != nil {
		return nil, err
	}

	indexID := s.newID()
	doc := document.Doc{
		"_id":        indexID,
		"version":    version,
		"created_at": s.now(),
		"ready":      false,
		"has_files":  false,
		"manifest":   manifestDoc(manifest),
		"reference":  document.Doc{"id": refID},
		"user":       document.Doc{"id": userID},
		"job":        document.Doc{"id": jobID},
	}
	if err := s.indexes.Insert(ctx, doc); err != nil {
		return nil, err
	}

	if err := s.TagUnbuiltChanges(ctx, refID, indexID, version); err != nil {
		return nil, err
	}
	if err := s.markLastIndexed(ctx, manifest); err != nil {
		return nil, err
	}

	s.log.Info("index build started",
		"reference_id", refID, "index_id", indexID, "version", version, "otus", len(manifest))
	return document.Clone(doc), nil
}

// Run materializes the build artifact for an index created by Start. Every
// OTU named in the manifest is reconstructed at its manifest version from
// history, so concurrent edits made after Start cannot leak into the build.
// On cancellation any partial artifact is removed from the blob store.
func (s *Service) Run(ctx context.Context, indexID string) error {
	idx, err := s.indexes.FindOne(ctx, document.Doc{"_id": indexID}, nil)
	if err != nil {
		return err
	}
	if idx == nil {
		return domain.NotFoundError{Resource: "index", ID: indexID}
	}

	rawRef, _ := document.Get(idx, "reference.id")
	refID, _ := rawRef.(string)
	manifest := manifestFromDoc(idx["manifest"])

	snapshots := make([]document.Doc, 0, len(manifest))
	for _, otuID := range sortedKeys(manifest) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, patched, _, err := s.ledger.PatchToVersion(ctx, otuID, manifest[otuID])
		if err != nil {
			return fmt.Errorf("patch otu %s: %w", otuID, err)
		}
		if patched == nil {
			continue
		}
		snapshots = append(snapshots, patched)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(document.Doc{
		"index":    document.Doc{"id": indexID, "version": idx["version"]},
		"manifest": manifestDoc(manifest),
		"otus":     snapshots,
	})
	if err != nil {
		return err
	}

	key := artifactKey(refID, indexID)
	if _, err := s.blobs.Put(ctx, key, bytes.NewReader(payload)); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		s.Cleanup(context.Background(), refID, indexID)
		return err
	}

	_, err = s.indexes.FindOneAndModify(ctx,
		document.Doc{"_id": indexID},
		document.Doc{"$set": document.Doc{"ready": true, "has_files": true}})
	if err != nil {
		return err
	}

	s.log.Info("index build finished", "reference_id", refID, "index_id", indexID, "otus", len(snapshots))
	return nil
}

// Cleanup removes the blob artifact of an abandoned build. Failures are
// logged and swallowed; a stale artifact is harmless because the index
// record never became ready.
func (s *Service) Cleanup(ctx context.Context, refID, indexID string) {
	if err := s.blobs.Delete(ctx, artifactKey(refID, indexID)); err != nil {
		s.log.Warn("index artifact cleanup failed", "index_id", indexID, "error", err)
	}
}

// markLastIndexed stamps each manifest OTU with the version captured for it.
func (s *Service) markLastIndexed(ctx context.Context, manifest map[string]int) error {
	for otuID, version := range manifest {
		_, err := s.otus.FindOneAndModify(ctx,
			document.Doc{"_id": otuID},
			document.Doc{"$set": document.Doc{"last_indexed_version": version}})
		if err != nil {
			return err
		}
	}
	return nil
}

func manifestDoc(manifest map[string]int) document.Doc {
	doc := make(document.Doc, len(manifest))
	for id, version := range manifest {
		doc[id] = version
	}
	return doc
}

func manifestFromDoc(value any) map[string]int {
	doc, ok := value.(document.Doc)
	if !ok {
		return nil
	}
	manifest := make(map[string]int, len(doc))
	for id, raw := range doc {
		if version, ok := document.AsInt(raw); ok {
			manifest[id] = version
		}
	}
	return manifest
}

func sortedKeys(manifest map[string]int) []string {
	keys := make([]string, 0, len(manifest))
	for id := range manifest {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	return keys
}
