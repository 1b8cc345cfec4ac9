// Package otus implements the mutation paths for OTU documents. Every
// structural mutation is serialized through an atomic find-and-modify on the
// OTU document keyed by id, bumps the version exactly once, and appends
// exactly one change record to the history ledger.
package otus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"refcore/internal/history"
	"refcore/internal/otus/otutil"
	"refcore/pkg/document"
	"refcore/pkg/domain"
)

// ListProjection is the field set returned for OTU listings.
var ListProjection = []string{
	"_id", "abbreviation", "name", "reference", "verified", "version",
}

// SequenceProjection is the field set returned for sequence reads.
var SequenceProjection = []string{
	"_id", "definition", "host", "otu_id", "isolate_id", "sequence", "segment",
}

// Service coordinates OTU, sequence, and history writes.
type Service struct {
	otus      document.Collection
	sequences document.Collection
	ledger    *history.Ledger
	log       *slog.Logger

	newID func() string
	now   func() time.Time
}

// NewService constructs the OTU mutation service.
func NewService(db document.Database, ledger *history.Ledger, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		otus:      db.Collection(document.CollectionOTUs),
		sequences: db.Collection(document.CollectionSequences),
		ledger:    ledger,
		log:       log,
		newID:     func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:8] },
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CheckNameAndAbbreviation reports whether the name or abbreviation are
// already in use within the reference. The returned message is empty when
// both are free.
func (s *Service) CheckNameAndAbbreviation(ctx context.Context, refID, name, abbreviation string) (string, error) {
	nameCount := 0
	if name != "" {
		n, err := s.otus.Count(ctx, document.Doc{
			"lower_name":   strings.ToLower(name),
			"reference.id": refID,
		})
		if err != nil {
			return "", err
		}
		nameCount = n
	}

	abbrCount := 0
	if abbreviation != "" {
		n, err := s.otus.Count(ctx, document.Doc{
			"abbreviation": abbreviation,
			"reference.id": refID,
		})
		if err != nil {
			return "", err
		}
		abbrCount = n
	}

	switch {
	case nameCount > 0 && abbrCount > 0:
		return "Name and abbreviation already exist", nil
	case nameCount > 0:
		return "Name already exists", nil
	case abbrCount > 0:
		return "Abbreviation already exists", nil
	}
	return "", nil
}

// Create inserts a new OTU at version 0 and records the creation. Pass an
// empty otuID to generate one.
func (s *Service) Create(ctx context.Context, refID, name, abbreviation, userID, otuID string) (document.Doc, error) {
	message, err := s.CheckNameAndAbbreviation(ctx, refID, name, abbreviation)
	if err != nil {
		return nil, err
	}
	if message != "" {
		return nil, domain.ConflictError{Kind: "name_abbreviation_in_use", Message: message}
	}

	otu := document.Doc{
		"name":                 name,
		"abbreviation":         abbreviation,
		"last_indexed_version": nil,
		"verified":             false,
		"lower_name":           strings.ToLower(name),
		"isolates":             []any{},
		"version":              0,
		"reference":            document.Doc{"id": refID},
		"schema":               []any{},
	}

	if otuID != "" {
		otu["_id"] = otuID
		if err := s.otus.Insert(ctx, otu); err != nil {
			if errors.Is(err, document.ErrDuplicateKey) {
				return nil, domain.ConflictError{Kind: "otu_exists", Message: fmt.Sprintf("OTU %q already exists", otuID)}
			}
			return nil, err
		}
	} else {
		for {
			otu["_id"] = s.newID()
			err := s.otus.Insert(ctx, otu)
			if err == nil {
				break
			}
			if !errors.Is(err, document.ErrDuplicateKey) {
				return nil, err
			}
		}
	}

	joined := otutil.Merge(otu, nil)

	if _, err := s.ledger.Add(ctx, domain.MethodCreate, nil, joined, history.ComposeCreateDescription(otu), userID); err != nil {
		return nil, err
	}

	s.log.Info("created otu", "otu_id", otu["_id"], "name", name, "ref_id", refID)

	return joined, nil
}

// Edit updates an OTU's name, abbreviation, or schema. Nil pointers leave a
// field untouched; a nil schema leaves the schema untouched.
func (s *Service) Edit(ctx context.Context, otuID string, name, abbreviation *string, schema []any, userID string) (document.Doc, error) {
	old, err := s.Join(ctx, otuID)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, domain.NotFoundError{Resource: "otu", ID: otuID}
	}

	refID, _ := document.Get(old, "reference.id")
	ref, _ := refID.(string)

	oldName, _ := old["name"].(string)
	checkName, checkAbbr := "", ""
	if name != nil && !strings.EqualFold(*name, oldName) {
		checkName = *name
	}
	oldAbbreviation, _ := old["abbreviation"].(string)
	if abbreviation != nil && *abbreviation != "" && *abbreviation != oldAbbreviation {
		checkAbbr = *abbreviation
	}
	if checkName != "" || checkAbbr != "" {
		message, err := s.CheckNameAndAbbreviation(ctx, ref, checkName, checkAbbr)
		if err != nil {
			return nil, err
		}
		if message != "" {
			return nil, domain.ConflictError{Kind: "name_abbreviation_in_use", Message: message}
		}
	}

	// The OTU is definitely changing, so the verified cache goes stale now.
	update := document.Doc{"verified": false}
	if name != nil {
		update["name"] = *name
		update["lower_name"] = strings.ToLower(*name)
	}
	if abbreviation != nil {
		update["abbreviation"] = *abbreviation
	}
	if schema != nil {
		update["schema"] = schema
	}

	otu, err := s.otus.FindOneAndModify(ctx, document.Doc{"_id": otuID}, document.Doc{
		"$set": update,
		"$inc": document.Doc{"version": 1},
	})
	if err != nil {
		return nil, err
	}
	if otu == nil {
		return nil, domain.NotFoundError{Resource: "otu", ID: otuID}
	}

	if err := s.updateSequenceSegments(ctx, old, otu); err != nil {
		return nil, err
	}

	updated, err := s.Join(ctx, otuID)
	if err != nil {
		return nil, err
	}

	if _, err := s.UpdateVerification(ctx, updated); err != nil {
		return nil, err
	}

	description := history.ComposeEditDescription(name, abbreviation, oldAbbreviation, schema != nil)

	if _, err := s.ledger.Add(ctx, domain.MethodEdit, old, updated, description, userID); err != nil {
		return nil, err
	}

	return updated, nil
}

// Remove deletes an OTU and all of its sequences and records the removal.
func (s *Service) Remove(ctx context.Context, otuID, userID string) error {
	joined, err := s.Join(ctx, otuID)
	if err != nil {
		return err
	}
	if joined == nil {
		return domain.NotFoundError{Resource: "otu", ID: otuID}
	}

	if _, err := s.sequences.Delete(ctx, document.Doc{"otu_id": otuID}); err != nil {
		return err
	}
	if _, err := s.otus.Delete(ctx, document.Doc{"_id": otuID}); err != nil {
		return err
	}

	if _, err := s.ledger.Add(ctx, domain.MethodRemove, joined, nil, history.ComposeRemoveDescription(joined), userID); err != nil {
		return err
	}

	s.log.Info("removed otu", "otu_id", otuID)

	return nil
}

// Join loads the OTU document with its sequences embedded, or nil when the
// OTU does not exist.
func (s *Service) Join(ctx context.Context, otuID string) (document.Doc, error) {
	otu, err := s.otus.FindOne(ctx, document.Doc{"_id": otuID}, nil)
	if err != nil {
		return nil, err
	}
	if otu == nil {
		return nil, nil
	}
	sequences, err := s.sequences.Find(ctx, document.Doc{"otu_id": otuID}, nil)
	if err != nil {
		return nil, err
	}
	return otutil.Merge(otu, sequences), nil
}

// UpdateVerification re-runs schema verification against the joined document
// and flips the verified cache on when the OTU is clean. It returns the
// issue report, nil when verified.
func (s *Service) UpdateVerification(ctx context.Context, joined document.Doc) (*otutil.Issues, error) {
	issues := otutil.Verify(joined)
	if issues == nil {
		if _, err := s.otus.FindOneAndModify(ctx,
			document.Doc{"_id": joined["_id"]},
			document.Doc{"$set": document.Doc{"verified": true}},
		); err != nil {
			return nil, err
		}
		joined["verified"] = true
	}
	return issues, nil
}

// updateSequenceSegments unsets the segment field on sequences whose segment
// was dropped from the schema by an edit.
func (s *Service) updateSequenceSegments(ctx context.Context, old, updated document.Doc) error {
	if old == nil || updated == nil {
		return nil
	}
	oldNames := segmentNames(old)
	newNames := segmentNames(updated)

	var toUnset []any
	for name := range oldNames {
		if _, ok := newNames[name]; !ok {
			toUnset = append(toUnset, name)
		}
	}
	if len(toUnset) == 0 {
		return nil
	}

	// No multi-document update in the adapter contract; loop find-and-modify
	// until every affected sequence is cleared.
	for {
		seq, err := s.sequences.FindOneAndModify(ctx, document.Doc{
			"otu_id":  old["_id"],
			"segment": document.Doc{"$in": toUnset},
		}, document.Doc{
			"$unset": document.Doc{"segment": ""},
		})
		if err != nil {
			return err
		}
		if seq == nil {
			return nil
		}
	}
}

func segmentNames(otu document.Doc) map[string]struct{} {
	names := map[string]struct{}{}
	schema, _ := otu["schema"].([]any)
	for _, raw := range schema {
		if segment, ok := raw.(document.Doc); ok {
			if name, _ := segment["name"].(string); name != "" {
				names[name] = struct{}{}
			}
		}
	}
	return names
}
