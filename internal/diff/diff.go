// Package diff computes structural deltas between two JSON-like value trees.
//
// A Delta is either a leaf Change, an object delta (changed children by key)
// or an array delta (changed elements by index). Unchanged values never appear
// in a delta, so Compute(x, x) is always nil.
package diff

import (
	"encoding/json"
	"math"
	"reflect"
	"sort"
	"time"
)

type Kind string

const (
	Created Kind = "created"
	Updated Kind = "updated"
	Deleted Kind = "deleted"
)

// Change describes a leaf that was created, updated or deleted. For Created
// Data holds the new value; for Updated Data is the old value and NewData the
// new one; for Deleted Data is the removed value.
type Change struct {
	Kind    Kind
	Data    any
	NewData any
}

// Delta is one node of a diff tree. Exactly one of Change, Fields or Items is
// set.
type Delta struct {
	Change *Change
	Fields map[string]*Delta
	Items  []IndexDelta
}

// IndexDelta is one changed element of an array delta.
type IndexDelta struct {
	Index int
	Delta *Delta
}

// Compute returns the delta that turns before into after, or nil when they
// are equal. At the root nil means the document does not exist.
func Compute(before, after any) *Delta {
	if before == nil && after == nil {
		return nil
	}
	if before == nil {
		return &Delta{Change: &Change{Kind: Created, Data: after}}
	}
	if after == nil {
		return &Delta{Change: &Change{Kind: Deleted, Data: before}}
	}
	return compare(before, after)
}

func compare(before, after any) *Delta {
	bObj, bIsObj := asObject(before)
	aObj, aIsObj := asObject(after)
	if bIsObj && aIsObj {
		return compareObjects(bObj, aObj)
	}
	bArr, bIsArr := asArray(before)
	aArr, aIsArr := asArray(after)
	if bIsArr && aIsArr {
		return compareArrays(bArr, aArr)
	}
	if !bIsObj && !aIsObj && !bIsArr && !aIsArr && scalarEqual(before, after) {
		return nil
	}
	return &Delta{Change: &Change{Kind: Updated, Data: before, NewData: after}}
}

func compareObjects(before, after map[string]any) *Delta {
	fields := make(map[string]*Delta)
	for key, b := range before {
		a, ok := after[key]
		if !ok {
			fields[key] = &Delta{Change: &Change{Kind: Deleted, Data: b}}
			continue
		}
		if child := compare(b, a); child != nil {
			fields[key] = child
		}
	}
	for key, a := range after {
		if _, ok := before[key]; !ok {
			fields[key] = &Delta{Change: &Change{Kind: Created, Data: a}}
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return &Delta{Fields: fields}
}

func compareArrays(before, after []any) *Delta {
	n := len(before)
	if len(after) > n {
		n = len(after)
	}
	var items []IndexDelta
	for i := 0; i < n; i++ {
		var child *Delta
		switch {
		case i >= len(before):
			child = &Delta{Change: &Change{Kind: Created, Data: after[i]}}
		case i >= len(after):
			child = &Delta{Change: &Change{Kind: Deleted, Data: before[i]}}
		default:
			child = compare(before[i], after[i])
		}
		if child != nil {
			items = append(items, IndexDelta{Index: i, Delta: child})
		}
	}
	if len(items) == 0 {
		return nil
	}
	return &Delta{Items: items}
}

// Keys returns the changed top-level field names in sorted order. A root
// change reports every field of the old and new object.
func (d *Delta) Keys() []string {
	if d == nil {
		return nil
	}
	seen := make(map[string]struct{})
	switch {
	case d.Fields != nil:
		for key := range d.Fields {
			seen[key] = struct{}{}
		}
	case d.Change != nil:
		for _, v := range []any{d.Change.Data, d.Change.NewData} {
			if obj, ok := asObject(v); ok {
				for key := range obj {
					seen[key] = struct{}{}
				}
			}
		}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Field returns the child delta for key, or nil.
func (d *Delta) Field(key string) *Delta {
	if d == nil || d.Fields == nil {
		return nil
	}
	return d.Fields[key]
}

// IsRootCreate reports whether the delta records the creation of a whole value.
func (d *Delta) IsRootCreate() bool {
	return d != nil && d.Change != nil && d.Change.Kind == Created
}

func asObject(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

func asArray(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []byte, json.RawMessage, nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func scalarEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
