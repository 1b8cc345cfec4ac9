package document

import (
	"fmt"
	"reflect"
)

// Matches reports whether a document satisfies a filter. Filter keys are
// dotted paths compared for equality (matching any element when the stored
// value is an array), or the top-level $or operator holding alternative
// filters. Values may be operator documents using $in, $ne, or $exists.
func Matches(d Doc, filter Doc) bool {
	for key, want := range filter {
		if key == "$or" {
			if !matchOr(d, want) {
				return false
			}
			continue
		}
		got, present := Get(d, key)
		if !matchValue(got, present, want) {
			return false
		}
	}
	return true
}

func matchOr(d Doc, alternatives any) bool {
	list, ok := alternatives.([]any)
	if !ok {
		if docs, ok := alternatives.([]Doc); ok {
			for _, f := range docs {
				if Matches(d, f) {
					return true
				}
			}
		}
		return false
	}
	for _, alt := range list {
		if f, ok := alt.(Doc); ok && Matches(d, f) {
			return true
		}
	}
	return false
}

func matchValue(got any, present bool, want any) bool {
	if op, ok := want.(Doc); ok && isOperator(op) {
		for name, arg := range op {
			switch name {
			case "$in":
				if !present || !containsEqual(arg, got) {
					return false
				}
			case "$ne":
				if present && Equal(got, arg) {
					return false
				}
			case "$exists":
				expect, _ := arg.(bool)
				if present != expect {
					return false
				}
			default:
				return false
			}
		}
		return true
	}
	if !present {
		return false
	}
	if Equal(got, want) {
		return true
	}
	// Equality against an array field matches any element.
	if _, wantOp := want.(Doc); !wantOp {
		if rv := reflect.ValueOf(got); rv.Kind() == reflect.Slice {
			return containsEqual(got, want)
		}
	}
	return false
}

func isOperator(d Doc) bool {
	for k := range d {
		if len(k) > 0 && k[0] == '$' {
			return true
		}
	}
	return false
}

func containsEqual(list any, v any) bool {
	rv := reflect.ValueOf(list)
	if rv.Kind() != reflect.Slice {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if Equal(rv.Index(i).Interface(), v) {
			return true
		}
	}
	return false
}

// Equal compares two stored values, treating all numeric types as
// interchangeable so documents survive JSON round-trips.
func Equal(a, b any) bool {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

// Apply mutates a document in place according to an update document
// supporting $set, $inc, $unset, and $push. It returns an error on an
// unknown operator so typos fail loudly instead of silently dropping writes.
func Apply(d Doc, update Doc) error {
	for op, arg := range update {
		fields, ok := arg.(Doc)
		if !ok {
			return fmt.Errorf("update operator %s: expected document argument", op)
		}
		switch op {
		case "$set":
			for path, v := range fields {
				Set(d, path, cloneValue(v))
			}
		case "$inc":
			for path, v := range fields {
				delta, ok := asFloat(v)
				if !ok {
					return fmt.Errorf("$inc %s: non-numeric delta", path)
				}
				cur, _ := Get(d, path)
				base, _ := asFloat(cur)
				Set(d, path, int(base+delta))
			}
		case "$unset":
			for path := range fields {
				Unset(d, path)
			}
		case "$push":
			for path, v := range fields {
				cur, _ := Get(d, path)
				list, _ := cur.([]any)
				Set(d, path, append(list, cloneValue(v)))
			}
		default:
			return fmt.Errorf("unknown update operator %s", op)
		}
	}
	return nil
}
