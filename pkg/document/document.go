// Package document provides the collection-oriented document store contract
// used by all higher layers, together with the map-document type and the
// filter/update mini-language the store implementations interpret.
//
// Operations are strongly consistent within a single collection but never
// transactional across collections; multi-collection mutations in higher
// layers must be idempotent or self-healing on partial failure.
package document

import (
	"strings"
	"time"
)

// Doc is a schemaless document. Values are restricted to what JSON can
// round-trip (strings, bools, numbers, nil, time.Time, []any, Doc).
type Doc = map[string]any

// Clone returns a deep copy of the document.
func Clone(d Doc) Doc {
	if d == nil {
		return nil
	}
	out := make(Doc, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Doc:
		return Clone(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// ID returns the document's _id as a string, or "" when absent.
func ID(d Doc) string {
	s, _ := d["_id"].(string)
	return s
}

// Get resolves a dotted path ("reference.id") against the document.
func Get(d Doc, path string) (any, bool) {
	cur := any(d)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(Doc)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set writes a value at a dotted path, creating intermediate documents.
func Set(d Doc, path string, v any) {
	parts := strings.Split(path, ".")
	cur := d
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(Doc)
		if !ok {
			next = Doc{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

// Unset deletes the value at a dotted path. Missing intermediates are a no-op.
func Unset(d Doc, path string) {
	parts := strings.Split(path, ".")
	cur := d
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(Doc)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}

// AsInt coerces a stored numeric value to int. JSON hydration turns integers
// into float64, so every reader of a version-like field goes through here.
func AsInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	}
	return 0, false
}

// AsTime coerces a stored timestamp to time.Time. Timestamps survive JSON
// round-trips as RFC 3339 strings.
func AsTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	}
	return time.Time{}, false
}

// Project reduces a document to the requested top-level fields. The _id field
// is always retained. A nil projection returns the document unchanged.
func Project(d Doc, fields []string) Doc {
	if fields == nil {
		return d
	}
	out := Doc{}
	if id, ok := d["_id"]; ok {
		out["_id"] = id
	}
	for _, f := range fields {
		if v, ok := d[f]; ok {
			out[f] = cloneValue(v)
		}
	}
	return out
}
