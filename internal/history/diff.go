package history

import (
	"bytes"
	"encoding/json"

	"refcore/pkg/document"
)

// Diff entries record whole-value transitions per top-level field of the
// joined document:
//
//	{"op": "add", "field": f, "new": v}        field introduced
//	{"op": "remove", "field": f, "old": v}     field dropped
//	{"op": "change", "field": f, "old": v, "new": v}
//
// Reverse application restores the old value (or unsets an added field),
// which is all reverting and historical patching need.

// computeDiff compares two joined documents field by field.
func computeDiff(old, updated document.Doc) []any {
	var diff []any
	for field, oldValue := range old {
		newValue, ok := updated[field]
		if !ok {
			diff = append(diff, document.Doc{"op": "remove", "field": field, "old": oldValue})
			continue
		}
		if !jsonEqual(oldValue, newValue) {
			diff = append(diff, document.Doc{"op": "change", "field": field, "old": oldValue, "new": newValue})
		}
	}
	for field, newValue := range updated {
		if _, ok := old[field]; !ok {
			diff = append(diff, document.Doc{"op": "add", "field": field, "new": newValue})
		}
	}
	return diff
}

// applyReverse patches a joined document back to its pre-change state.
func applyReverse(doc document.Doc, diff []any) {
	for _, raw := range diff {
		entry, ok := raw.(document.Doc)
		if !ok {
			continue
		}
		field, _ := entry["field"].(string)
		switch entry["op"] {
		case "add":
			delete(doc, field)
		case "remove", "change":
			doc[field] = entry["old"]
		}
	}
}

// jsonEqual compares values through their canonical JSON encoding, making
// int/float and freshly-built/hydrated documents compare alike.
func jsonEqual(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
