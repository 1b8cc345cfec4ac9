package otus

import (
	"context"
	"fmt"

	"refcore/internal/otus/otutil"
	"refcore/pkg/document"
	"refcore/pkg/domain"
)

// AddIsolate appends a new isolate to the OTU. The first isolate always
// becomes the default; a later isolate added with setDefault clears the flag
// from the previous default so exactly one isolate carries it.
func (s *Service) AddIsolate(ctx context.Context, otuID, sourceType, sourceName string, setDefault bool, userID string) (document.Doc, error) {
	old, err := s.Join(ctx, otuID)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, domain.NotFoundError{Resource: "otu", ID: otuID}
	}

	isolates := cloneIsolates(old)
	willDefault := setDefault || len(isolates) == 0
	if willDefault {
		for _, isolate := range isolates {
			isolate["default"] = false
		}
	}

	isolate := document.Doc{
		"id":          s.newID(),
		"source_type": sourceType,
		"source_name": sourceName,
		"default":     willDefault,
	}
	isolates = append(isolates, isolate)

	updated, err := s.writeIsolates(ctx, otuID, isolates)
	if err != nil {
		return nil, err
	}

	description := fmt.Sprintf("Added %s", otutil.FormatIsolateName(isolate))
	if willDefault {
		description += " as default"
	}

	if _, err := s.ledger.Add(ctx, domain.MethodAddIsolate, old, updated, description, userID); err != nil {
		return nil, err
	}

	return document.Clone(isolate), nil
}

// EditIsolate updates an isolate's source fields. Nil pointers leave a field
// untouched.
func (s *Service) EditIsolate(ctx context.Context, otuID, isolateID string, sourceType, sourceName *string, userID string) (document.Doc, error) {
	old, err := s.Join(ctx, otuID)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, domain.NotFoundError{Resource: "otu", ID: otuID}
	}

	isolates := cloneIsolates(old)
	isolate := findIsolateIn(isolates, isolateID)
	if isolate == nil {
		return nil, domain.NotFoundError{Resource: "isolate", ID: isolateID}
	}

	oldName := otutil.FormatIsolateName(isolate)
	if sourceType != nil {
		isolate["source_type"] = *sourceType
	}
	if sourceName != nil {
		isolate["source_name"] = *sourceName
	}

	updated, err := s.writeIsolates(ctx, otuID, isolates)
	if err != nil {
		return nil, err
	}

	description := fmt.Sprintf("Renamed %s to %s", oldName, otutil.FormatIsolateName(isolate))

	if _, err := s.ledger.Add(ctx, domain.MethodEditIsolate, old, updated, description, userID); err != nil {
		return nil, err
	}

	return document.Clone(isolate), nil
}

// SetAsDefault makes the identified isolate the default, clearing the flag
// from every other isolate. Setting the current default is a no-op that
// still returns the isolate without bumping the version.
func (s *Service) SetAsDefault(ctx context.Context, otuID, isolateID, userID string) (document.Doc, error) {
	old, err := s.Join(ctx, otuID)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, domain.NotFoundError{Resource: "otu", ID: otuID}
	}

	isolates := cloneIsolates(old)
	target := findIsolateIn(isolates, isolateID)
	if target == nil {
		return nil, domain.NotFoundError{Resource: "isolate", ID: isolateID}
	}

	if flag, _ := target["default"].(bool); flag {
		return document.Clone(target), nil
	}

	for _, isolate := range isolates {
		isolate["default"] = document.Equal(isolate["id"], isolateID)
	}

	updated, err := s.writeIsolates(ctx, otuID, isolates)
	if err != nil {
		return nil, err
	}

	description := fmt.Sprintf("Set %s as default", otutil.FormatIsolateName(target))

	if _, err := s.ledger.Add(ctx, domain.MethodSetAsDefault, old, updated, description, userID); err != nil {
		return nil, err
	}

	return document.Clone(target), nil
}

// RemoveIsolate deletes an isolate and its sequences. When the default
// isolate is removed, the first remaining isolate is promoted so the
// one-default invariant holds.
func (s *Service) RemoveIsolate(ctx context.Context, otuID, isolateID, userID string) error {
	old, err := s.Join(ctx, otuID)
	if err != nil {
		return err
	}
	if old == nil {
		return domain.NotFoundError{Resource: "otu", ID: otuID}
	}

	isolates := cloneIsolates(old)
	removed := findIsolateIn(isolates, isolateID)
	if removed == nil {
		return domain.NotFoundError{Resource: "isolate", ID: isolateID}
	}

	kept := make([]document.Doc, 0, len(isolates)-1)
	for _, isolate := range isolates {
		if !document.Equal(isolate["id"], isolateID) {
			kept = append(kept, isolate)
		}
	}

	wasDefault, _ := removed["default"].(bool)
	if wasDefault && len(kept) > 0 {
		kept[0]["default"] = true
	}

	updated, err := s.writeIsolates(ctx, otuID, kept)
	if err != nil {
		return err
	}

	if _, err := s.sequences.Delete(ctx, document.Doc{"otu_id": otuID, "isolate_id": isolateID}); err != nil {
		return err
	}

	// The joined "updated" document was captured before the sequence delete;
	// rebuild it so the change record reflects the final state.
	updated, err = s.Join(ctx, otuID)
	if err != nil {
		return err
	}
	if _, err := s.UpdateVerification(ctx, updated); err != nil {
		return err
	}

	description := fmt.Sprintf("Removed %s", otutil.FormatIsolateName(removed))
	if wasDefault && len(kept) > 0 {
		description += fmt.Sprintf(" and set %s as default", otutil.FormatIsolateName(kept[0]))
	}

	if _, err := s.ledger.Add(ctx, domain.MethodRemoveIsolate, old, updated, description, userID); err != nil {
		return err
	}

	return nil
}

// writeIsolates swaps a working copy of the isolate list into the OTU
// document through the atomic version-bumping update, then rejoins and
// refreshes verification.
func (s *Service) writeIsolates(ctx context.Context, otuID string, isolates []document.Doc) (document.Doc, error) {
	list := make([]any, 0, len(isolates))
	for _, isolate := range isolates {
		bare := document.Clone(isolate)
		delete(bare, "sequences")
		list = append(list, bare)
	}

	otu, err := s.otus.FindOneAndModify(ctx, document.Doc{"_id": otuID}, document.Doc{
		"$set": document.Doc{"isolates": list, "verified": false},
		"$inc": document.Doc{"version": 1},
	})
	if err != nil {
		return nil, err
	}
	if otu == nil {
		return nil, domain.NotFoundError{Resource: "otu", ID: otuID}
	}

	joined, err := s.Join(ctx, otuID)
	if err != nil {
		return nil, err
	}
	if _, err := s.UpdateVerification(ctx, joined); err != nil {
		return nil, err
	}
	return joined, nil
}

// cloneIsolates returns a deep working copy of the joined document's isolate
// list; the shared in-memory state is never mutated.
func cloneIsolates(joined document.Doc) []document.Doc {
	raw, _ := joined["isolates"].([]any)
	out := make([]document.Doc, 0, len(raw))
	for _, entry := range raw {
		if isolate, ok := entry.(document.Doc); ok {
			out = append(out, document.Clone(isolate))
		}
	}
	return out
}

func findIsolateIn(isolates []document.Doc, isolateID string) document.Doc {
	for _, isolate := range isolates {
		if document.Equal(isolate["id"], isolateID) {
			return isolate
		}
	}
	return nil
}
