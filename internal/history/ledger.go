// Package history implements the immutable change ledger: every mutation of
// an OTU appends one change record, past versions are reconstructed by
// replaying reverse diffs, and the most recent unbuilt changes can be
// reverted without disturbing build provenance.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"refcore/internal/otus/otutil"
	"refcore/pkg/document"
	"refcore/pkg/domain"
)

// ListProjection is the field set returned for change listings.
var ListProjection = []string{
	"_id", "description", "method", "created_at", "index", "otu", "reference", "user",
}

// Ledger appends and reverts change records for OTU documents.
type Ledger struct {
	history   document.Collection
	otus      document.Collection
	sequences document.Collection
	log       *slog.Logger

	newID func() string
	now   func() time.Time
}

// New constructs a ledger over the platform database.
func New(db document.Database, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{
		history:   db.Collection(document.CollectionHistory),
		otus:      db.Collection(document.CollectionOTUs),
		sequences: db.Collection(document.CollectionSequences),
		log:       log,
		newID:     func() string { return uuid.NewString() },
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// unbuiltIndex is the index field value carried by a change until an index
// build folds it in. The sentinel is a string in both fields, preserved as
// documented behavior.
func unbuiltIndex() document.Doc {
	return document.Doc{"id": domain.UnbuiltSentinel, "version": domain.UnbuiltSentinel}
}

// Add appends one change record describing a mutation from the joined
// document old to the joined document new and returns the created record.
// It never mutates the OTU itself.
//
// For create-like and remove methods the diff field holds a full snapshot of
// the relevant joined document; for edits it holds a reverse-applicable field
// diff. Records are keyed "{otu_id}_{version}" except for bulk-import
// context methods, which receive generated ids.
func (l *Ledger) Add(ctx context.Context, method domain.Method, old, updated document.Doc, description, userID string) (document.Doc, error) {
	source := updated
	if source == nil {
		source = old
	}
	if source == nil {
		return nil, fmt.Errorf("history add: no document for method %s", method)
	}

	otuID := document.ID(source)
	name, _ := source["name"].(string)
	refID, _ := document.Get(source, "reference.id")

	var version any
	if method == domain.MethodRemove {
		version = "removed"
	} else {
		version = source["version"]
	}

	var diff any
	switch method {
	case domain.MethodCreate, domain.MethodImport, domain.MethodClone, domain.MethodRemote:
		diff = document.Clone(updated)
	case domain.MethodRemove:
		diff = document.Clone(old)
	default:
		diff = computeDiff(old, updated)
	}

	generated := method == domain.MethodImport || method == domain.MethodClone || method == domain.MethodRemote

	change := document.Doc{
		"method":      string(method),
		"description": description,
		"created_at":  l.now(),
		"otu":         document.Doc{"id": otuID, "name": name, "version": version},
		"reference":   document.Doc{"id": refID},
		"user":        document.Doc{"id": userID},
		"index":       unbuiltIndex(),
		"diff":        diff,
	}

	if generated {
		// Generated ids can collide across concurrent imports; retry with
		// a fresh id on duplicate key.
		for {
			change["_id"] = l.newID()
			err := l.history.Insert(ctx, change)
			if err == nil {
				break
			}
			if !errors.Is(err, document.ErrDuplicateKey) {
				return nil, fmt.Errorf("insert change: %w", err)
			}
		}
	} else {
		change["_id"] = fmt.Sprintf("%s_%v", otuID, version)
		if err := l.history.Insert(ctx, change); err != nil {
			return nil, fmt.Errorf("insert change: %w", err)
		}
	}

	l.log.Debug("recorded change",
		"change_id", change["_id"], "method", method, "otu_id", otuID)

	return change, nil
}

// GetMostRecentChange returns the latest change record for the OTU, or nil
// when the OTU has no history.
func (l *Ledger) GetMostRecentChange(ctx context.Context, otuID string) (document.Doc, error) {
	changes, err := l.changesFor(ctx, otuID)
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return nil, nil
	}
	return changes[0], nil
}

// PatchToVersion reconstructs the joined OTU document as it existed at the
// target version by replaying stored reverse diffs in strict descending
// version order. It returns the current joined document, the patched
// document (nil when patching below the creation), and the walked change
// records, most recent first. Live data is never mutated.
//
// A removal record sorts above every numeric version, so patching a removed
// OTU to its last version restores the stored snapshot.
func (l *Ledger) PatchToVersion(ctx context.Context, otuID string, targetVersion int) (current, patched document.Doc, walked []document.Doc, err error) {
	current, err = l.join(ctx, otuID)
	if err != nil {
		return nil, nil, nil, err
	}
	patched = document.Clone(current)

	changes, err := l.changesFor(ctx, otuID)
	if err != nil {
		return nil, nil, nil, err
	}

	for _, change := range changes {
		version, _ := document.Get(change, "otu.version")
		if !versionAbove(version, targetVersion) {
			break
		}
		method, _ := change["method"].(string)
		switch domain.Method(method) {
		case domain.MethodRemove:
			snapshot, _ := change["diff"].(document.Doc)
			patched = document.Clone(snapshot)
		case domain.MethodCreate, domain.MethodImport, domain.MethodClone, domain.MethodRemote:
			patched = nil
		default:
			diff, _ := change["diff"].([]any)
			applyReverse(patched, diff)
		}
		walked = append(walked, change)
	}

	return current, patched, walked, nil
}

// Revert undoes the change identified by changeID together with every later
// unbuilt change for the same OTU, restoring the OTU and its sequences to
// the immediately prior state. It fails with a NotFoundError when the change
// does not exist and a ConflictError when any affected change has been
// folded into an index build.
func (l *Ledger) Revert(ctx context.Context, changeID string) (document.Doc, error) {
	change, err := l.history.FindOne(ctx, document.Doc{"_id": changeID}, nil)
	if err != nil {
		return nil, err
	}
	if change == nil {
		return nil, domain.NotFoundError{Resource: "change", ID: changeID}
	}
	if !isUnbuilt(change) {
		return nil, domain.ConflictError{Kind: "change_built", Message: "Change is already built"}
	}

	otuID, _ := document.Get(change, "otu.id")
	version, _ := document.Get(change, "otu.version")

	target := -1
	if version == "removed" {
		// Reverting a removal restores the snapshot; only the removal
		// record itself is walked.
		snapshot, _ := change["diff"].(document.Doc)
		if v, ok := document.AsInt(snapshot["version"]); ok {
			target = v
		}
	} else if v, ok := document.AsInt(version); ok {
		target = v - 1
	}

	id, _ := otuID.(string)
	_, patched, walked, err := l.PatchToVersion(ctx, id, target)
	if err != nil {
		return nil, err
	}

	// A built change above the revert target would be orphaned by the
	// version-contiguity cascade; refuse before touching anything.
	for _, c := range walked {
		if !isUnbuilt(c) {
			return nil, domain.ConflictError{Kind: "change_built", Message: "Change is already built"}
		}
	}

	if _, err := l.sequences.Delete(ctx, document.Doc{"otu_id": id}); err != nil {
		return nil, err
	}

	if patched != nil {
		otu, sequences := otutil.Split(patched)
		if _, err := l.otus.Delete(ctx, document.Doc{"_id": id}); err != nil {
			return nil, err
		}
		if err := l.otus.Insert(ctx, otu); err != nil {
			return nil, fmt.Errorf("restore otu: %w", err)
		}
		for _, seq := range sequences {
			if err := l.sequences.Insert(ctx, seq); err != nil {
				return nil, fmt.Errorf("restore sequence: %w", err)
			}
		}
	} else {
		if _, err := l.otus.Delete(ctx, document.Doc{"_id": id}); err != nil {
			return nil, err
		}
	}

	ids := make([]any, 0, len(walked))
	for _, c := range walked {
		ids = append(ids, c["_id"])
	}
	if _, err := l.history.Delete(ctx, document.Doc{"_id": document.Doc{"$in": ids}}); err != nil {
		return nil, err
	}

	l.log.Info("reverted change", "change_id", changeID, "cascaded", len(walked)-1)

	return patched, nil
}

// join loads the OTU and embeds its sequences, or returns nil when absent.
func (l *Ledger) join(ctx context.Context, otuID string) (document.Doc, error) {
	otu, err := l.otus.FindOne(ctx, document.Doc{"_id": otuID}, nil)
	if err != nil {
		return nil, err
	}
	if otu == nil {
		return nil, nil
	}
	sequences, err := l.sequences.Find(ctx, document.Doc{"otu_id": otuID}, nil)
	if err != nil {
		return nil, err
	}
	return otutil.Merge(otu, sequences), nil
}

// changesFor returns the OTU's change records sorted most recent first.
func (l *Ledger) changesFor(ctx context.Context, otuID string) ([]document.Doc, error) {
	changes, err := l.history.Find(ctx, document.Doc{"otu.id": otuID}, nil)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(changes, func(i, j int) bool {
		vi, _ := document.Get(changes[i], "otu.version")
		vj, _ := document.Get(changes[j], "otu.version")
		return versionLess(vj, vi)
	})
	return changes, nil
}

func isUnbuilt(change document.Doc) bool {
	id, _ := document.Get(change, "index.id")
	return id == domain.UnbuiltSentinel
}

// versionAbove reports whether a change version sorts strictly above the
// numeric target. A removal version sorts above everything.
func versionAbove(version any, target int) bool {
	if version == "removed" {
		return true
	}
	v, ok := document.AsInt(version)
	return ok && v > target
}

// versionLess orders change versions ascending with removal last.
func versionLess(a, b any) bool {
	if a == "removed" {
		return false
	}
	if b == "removed" {
		return true
	}
	av, _ := document.AsInt(a)
	bv, _ := document.AsInt(b)
	return av < bv
}
