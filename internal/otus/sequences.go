package otus

import (
	"context"
	"errors"
	"fmt"

	"refcore/internal/otus/otutil"
	"refcore/pkg/document"
	"refcore/pkg/domain"
)

// CreateSequence inserts a sequence under (otuID, isolateID) and bumps the
// OTU version. The segment, when set, must name a segment of the parent
// OTU's schema. Pass an empty sequenceID to generate one.
func (s *Service) CreateSequence(ctx context.Context, otuID, isolateID, sequenceID, definition, host, segment, data, userID string) (document.Doc, error) {
	old, err := s.Join(ctx, otuID)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, domain.NotFoundError{Resource: "otu", ID: otuID}
	}
	isolate := otutil.FindIsolate(old, isolateID)
	if isolate == nil {
		return nil, domain.NotFoundError{Resource: "isolate", ID: isolateID}
	}
	if err := s.checkSegment(old, segment); err != nil {
		return nil, err
	}

	sequence := document.Doc{
		"otu_id":     otuID,
		"isolate_id": isolateID,
		"definition": definition,
		"host":       host,
		"sequence":   data,
	}
	if segment != "" {
		sequence["segment"] = segment
	}

	if sequenceID != "" {
		sequence["_id"] = sequenceID
		if err := s.sequences.Insert(ctx, sequence); err != nil {
			if errors.Is(err, document.ErrDuplicateKey) {
				return nil, domain.ConflictError{Kind: "sequence_exists", Message: fmt.Sprintf("Sequence %q already exists", sequenceID)}
			}
			return nil, err
		}
	} else {
		for {
			sequence["_id"] = s.newID()
			err := s.sequences.Insert(ctx, sequence)
			if err == nil {
				break
			}
			if !errors.Is(err, document.ErrDuplicateKey) {
				return nil, err
			}
		}
	}

	updated, err := s.bumpAndRejoin(ctx, otuID)
	if err != nil {
		return nil, err
	}

	description := fmt.Sprintf("Created new sequence %s in %s", sequence["_id"], otutil.FormatIsolateName(isolate))

	if _, err := s.ledger.Add(ctx, domain.MethodCreateSequence, old, updated, description, userID); err != nil {
		return nil, err
	}

	return document.Clone(sequence), nil
}

// EditSequence updates a sequence's fields. Nil pointers leave a field
// untouched; an empty non-nil segment clears it.
func (s *Service) EditSequence(ctx context.Context, otuID, sequenceID string, definition, host, segment, data *string, userID string) (document.Doc, error) {
	old, err := s.Join(ctx, otuID)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, domain.NotFoundError{Resource: "otu", ID: otuID}
	}
	if segment != nil && *segment != "" {
		if err := s.checkSegment(old, *segment); err != nil {
			return nil, err
		}
	}

	update := document.Doc{}
	if definition != nil {
		update["definition"] = *definition
	}
	if host != nil {
		update["host"] = *host
	}
	if data != nil {
		update["sequence"] = *data
	}

	spec := document.Doc{}
	if len(update) > 0 {
		spec["$set"] = update
	}
	if segment != nil {
		if *segment == "" {
			spec["$unset"] = document.Doc{"segment": ""}
		} else {
			update["segment"] = *segment
			spec["$set"] = update
		}
	}
	if len(spec) == 0 {
		spec["$set"] = document.Doc{}
	}

	sequence, err := s.sequences.FindOneAndModify(ctx, document.Doc{"_id": sequenceID, "otu_id": otuID}, spec)
	if err != nil {
		return nil, err
	}
	if sequence == nil {
		return nil, domain.NotFoundError{Resource: "sequence", ID: sequenceID}
	}

	updated, err := s.bumpAndRejoin(ctx, otuID)
	if err != nil {
		return nil, err
	}

	isolateID, _ := sequence["isolate_id"].(string)
	isolateName := "unknown isolate"
	if isolate := otutil.FindIsolate(old, isolateID); isolate != nil {
		isolateName = otutil.FormatIsolateName(isolate)
	}
	description := fmt.Sprintf("Edited sequence %s in %s", sequenceID, isolateName)

	if _, err := s.ledger.Add(ctx, domain.MethodEditSequence, old, updated, description, userID); err != nil {
		return nil, err
	}

	return sequence, nil
}

// RemoveSequence deletes a sequence and bumps the OTU version.
func (s *Service) RemoveSequence(ctx context.Context, otuID, sequenceID, userID string) error {
	old, err := s.Join(ctx, otuID)
	if err != nil {
		return err
	}
	if old == nil {
		return domain.NotFoundError{Resource: "otu", ID: otuID}
	}

	sequence, err := s.sequences.FindOne(ctx, document.Doc{"_id": sequenceID, "otu_id": otuID}, SequenceProjection)
	if err != nil {
		return err
	}
	if sequence == nil {
		return domain.NotFoundError{Resource: "sequence", ID: sequenceID}
	}

	if _, err := s.sequences.Delete(ctx, document.Doc{"_id": sequenceID}); err != nil {
		return err
	}

	updated, err := s.bumpAndRejoin(ctx, otuID)
	if err != nil {
		return err
	}

	isolateID, _ := sequence["isolate_id"].(string)
	isolateName := "unknown isolate"
	if isolate := otutil.FindIsolate(old, isolateID); isolate != nil {
		isolateName = otutil.FormatIsolateName(isolate)
	}
	description := fmt.Sprintf("Removed sequence %s from %s", sequenceID, isolateName)

	if _, err := s.ledger.Add(ctx, domain.MethodRemoveSequence, old, updated, description, userID); err != nil {
		return err
	}

	return nil
}

// bumpAndRejoin applies the atomic version bump that serializes sequence
// mutations, then rejoins and refreshes verification.
func (s *Service) bumpAndRejoin(ctx context.Context, otuID string) (document.Doc, error) {
	otu, err := s.otus.FindOneAndModify(ctx, document.Doc{"_id": otuID}, document.Doc{
		"$set": document.Doc{"verified": false},
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

// checkSegment validates a segment name against the OTU schema.
func (s *Service) checkSegment(otu document.Doc, segment string) error {
	if segment == "" {
		return nil
	}
	if _, ok := segmentNames(otu)[segment]; !ok {
		return domain.ConflictError{
			Kind:    "segment_undefined",
			Message: fmt.Sprintf("Segment %s is not defined for the parent OTU", segment),
		}
	}
	return nil
}
