// Package otutil provides pure helpers for working with OTU documents:
// merging sequences into the isolate tree, splitting joined documents back
// apart, and verifying schema consistency. Nothing here touches the store.
package otutil

import (
	"fmt"

	"refcore/pkg/document"
)

// Merge embeds the passed sequence documents into the matching isolates of
// the OTU document, producing a joined document. The inputs are not mutated.
func Merge(otu document.Doc, sequences []document.Doc) document.Doc {
	joined := document.Clone(otu)
	isolates, _ := joined["isolates"].([]any)
	for _, raw := range isolates {
		isolate, ok := raw.(document.Doc)
		if !ok {
			continue
		}
		var owned []any
		for _, seq := range sequences {
			if document.Equal(seq["isolate_id"], isolate["id"]) {
				owned = append(owned, document.Clone(seq))
			}
		}
		if owned == nil {
			owned = []any{}
		}
		isolate["sequences"] = owned
	}
	return joined
}

// Split separates a joined OTU document into the bare OTU document and its
// sequence documents. The input is not mutated.
func Split(joined document.Doc) (document.Doc, []document.Doc) {
	otu := document.Clone(joined)
	var sequences []document.Doc
	isolates, _ := otu["isolates"].([]any)
	for _, raw := range isolates {
		isolate, ok := raw.(document.Doc)
		if !ok {
			continue
		}
		owned, _ := isolate["sequences"].([]any)
		for _, s := range owned {
			if seq, ok := s.(document.Doc); ok {
				sequences = append(sequences, seq)
			}
		}
		delete(isolate, "sequences")
	}
	return otu, sequences
}

// FindIsolate returns the isolate document with the given id, or nil.
func FindIsolate(otu document.Doc, isolateID string) document.Doc {
	isolates, _ := otu["isolates"].([]any)
	for _, raw := range isolates {
		if isolate, ok := raw.(document.Doc); ok && document.Equal(isolate["id"], isolateID) {
			return isolate
		}
	}
	return nil
}

// DefaultIsolate returns the isolate flagged as default, or nil.
func DefaultIsolate(otu document.Doc) document.Doc {
	isolates, _ := otu["isolates"].([]any)
	for _, raw := range isolates {
		if isolate, ok := raw.(document.Doc); ok {
			if flag, _ := isolate["default"].(bool); flag {
				return isolate
			}
		}
	}
	return nil
}

// FormatIsolateName renders an isolate's display name from its source fields.
func FormatIsolateName(isolate document.Doc) string {
	sourceType, _ := isolate["source_type"].(string)
	sourceName, _ := isolate["source_name"].(string)
	if sourceType == "" && sourceName == "" {
		return "Unnamed Isolate"
	}
	return fmt.Sprintf("%s %s", capitalize(sourceType), sourceName)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	if s[0] >= 'a' && s[0] <= 'z' {
		return string(s[0]-('a'-'A')) + s[1:]
	}
	return s
}

// Issues describes schema-consistency problems found in a joined OTU.
// A nil *Issues means the OTU is verified.
type Issues struct {
	EmptyOTU        bool     `json:"empty_otu"`
	EmptyIsolate    []string `json:"empty_isolate,omitempty"`
	EmptySequence   []string `json:"empty_sequence,omitempty"`
	IsolateInflated bool     `json:"isolate_inflation"`
}

// Verify checks a joined OTU for indexing readiness: it must have at least
// one isolate, every isolate must have at least one sequence, no sequence may
// be empty, and multipartite schemas require consistent segment counts.
func Verify(joined document.Doc) *Issues {
	issues := Issues{}
	flagged := false

	isolates, _ := joined["isolates"].([]any)
	if len(isolates) == 0 {
		issues.EmptyOTU = true
		flagged = true
	}

	schema, _ := joined["schema"].([]any)

	for _, raw := range isolates {
		isolate, ok := raw.(document.Doc)
		if !ok {
			continue
		}
		isolateID, _ := isolate["id"].(string)
		sequences, _ := isolate["sequences"].([]any)
		if len(sequences) == 0 {
			issues.EmptyIsolate = append(issues.EmptyIsolate, isolateID)
			flagged = true
		}
		for _, s := range sequences {
			seq, ok := s.(document.Doc)
			if !ok {
				continue
			}
			if data, _ := seq["sequence"].(string); data == "" {
				if id, _ := seq["_id"].(string); id != "" {
					issues.EmptySequence = append(issues.EmptySequence, id)
					flagged = true
				}
			}
		}
		if len(schema) > 0 && len(sequences) > len(schema) {
			issues.IsolateInflated = true
			flagged = true
		}
	}

	if !flagged {
		return nil
	}
	return &issues
}
