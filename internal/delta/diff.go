// Package delta computes the minimal difference between a document's
// prior and new versions and drives the upsert-then-diff write path
// the rest of the engine calls the delta writer.
package delta

import (
	"reflect"
	"strings"

	"github.com/riverfork/syncd/internal/docstore"
)

// Minimal computes the smallest document that still conveys every
// change between prior and next: it starts from a full copy of next
// and removes every non-meta key whose value is unchanged from prior.
// Meta fields (id, any _-prefixed field) are always kept. If no non-meta
// key differs, Minimal returns nil — callers must suppress the
// broadcast in that case (ported field-for-field from
// delta_utils.generate_delta).
//
// List-valued fields are compared as sets: reordering elements of a
// list does not, by itself, count as a change. This is a deliberate
// and surprising behavior of the system being reproduced here, kept as
// a documented test fixture rather than a silent default.
func Minimal(prior, next docstore.Document) docstore.Document {
	if prior == nil {
		return next
	}

	result := next.Clone()
	changed := false

	for key, oldValue := range prior {
		if key == "id" || strings.HasPrefix(key, "_") {
			continue
		}
		newValue, ok := next[key]
		if !ok {
			continue
		}
		if valuesEqual(oldValue, newValue) {
			delete(result, key)
		} else {
			changed = true
		}
	}

	if !changed {
		return nil
	}
	return result
}

func valuesEqual(a, b any) bool {
	aSlice, aOK := a.([]any)
	bSlice, bOK := b.([]any)
	if aOK || bOK {
		if !aOK || !bOK {
			return false
		}
		return sliceEqualAsSet(aSlice, bSlice)
	}
	return reflect.DeepEqual(a, b)
}

// sliceEqualAsSet reports whether a and b contain the same elements
// with the same multiplicities, ignoring order.
func sliceEqualAsSet(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	remaining := make([]any, len(b))
	copy(remaining, b)

	for _, av := range a {
		idx := -1
		for i, bv := range remaining {
			if reflect.DeepEqual(av, bv) {
				idx = i
				break
			}
		}
		if idx == -1 {
			return false
		}
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return true
}
