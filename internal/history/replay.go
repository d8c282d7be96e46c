package history

import (
	"strings"

	"relator/api/internal/diff"
)

// Replayer folds diff rows into a node value. Backward replay undoes rows
// (newest first) by applying the old side of every change; forward replay
// redoes rows (oldest first) by applying the new side.
//
// Only the document root knows the "initial diff": a root-level created
// change replaces every field of the value with the creation payload. Nested
// created changes are undone by removing the field like any other change.
type Replayer struct {
	Backward     bool
	IgnoreFields []string
}

// Replay applies every row in order and returns the resulting value. The
// input value is not modified.
func (r Replayer) Replay(value map[string]any, rows []Row) map[string]any {
	out, _, _ := r.replay(value, rows, "")
	return out
}

// ReplayUntil applies rows in order and stops as soon as the content hash of
// the replayed value equals target. It reports whether the target was reached.
func (r Replayer) ReplayUntil(value map[string]any, rows []Row, target string) (map[string]any, bool, error) {
	return r.replay(value, rows, target)
}

func (r Replayer) replay(value map[string]any, rows []Row, target string) (map[string]any, bool, error) {
	ignore := make(map[string]struct{}, len(r.IgnoreFields))
	for _, path := range r.IgnoreFields {
		ignore[strings.Trim(path, ".")] = struct{}{}
	}
	f := folder{backward: r.Backward, ignore: ignore}

	current := cloneObject(value)
	if target != "" {
		if ok, err := hashMatches(current, target); err != nil || ok {
			return current, ok, err
		}
	}
	for _, row := range rows {
		current = f.root(current, row.Diff)
		if target == "" {
			continue
		}
		ok, err := hashMatches(current, target)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return current, true, nil
		}
	}
	return current, target == "", nil
}

func hashMatches(value map[string]any, target string) (bool, error) {
	var v any = value
	if len(value) == 0 {
		v = nil
	}
	hash, err := ContentHash(v)
	if err != nil {
		return false, err
	}
	return hash == target, nil
}

type folder struct {
	backward bool
	ignore   map[string]struct{}
}

func (f folder) ignored(path string) bool {
	_, ok := f.ignore[path]
	return ok
}

func (f folder) root(value map[string]any, delta *diff.Delta) map[string]any {
	switch {
	case delta == nil:
		return value
	case delta.Change != nil:
		var next any
		switch {
		case f.backward:
			// The initial diff and root deletes/updates all restore the old side.
			next = delta.Change.Data
		case delta.Change.Kind == diff.Deleted:
			next = nil
		case delta.Change.Kind == diff.Updated:
			next = delta.Change.NewData
		default:
			next = delta.Change.Data
		}
		replaced, _ := cloneValue(next).(map[string]any)
		if replaced == nil {
			replaced = map[string]any{}
		}
		for path := range f.ignore {
			copyPath(value, replaced, path)
		}
		return replaced
	case delta.Fields != nil:
		f.object(value, delta.Fields, "")
	}
	return value
}

func (f folder) object(obj map[string]any, fields map[string]*diff.Delta, prefix string) {
	for key, child := range fields {
		path := joinPath(prefix, key)
		if child == nil || f.ignored(path) {
			continue
		}
		switch {
		case child.Change != nil:
			if v, keep := f.change(child.Change); keep {
				obj[key] = v
			} else {
				delete(obj, key)
			}
		case child.Items != nil:
			arr, _ := obj[key].([]any)
			obj[key] = f.array(arr, child.Items, path)
		default:
			sub, ok := obj[key].(map[string]any)
			if !ok {
				sub = map[string]any{}
			}
			f.object(sub, child.Fields, path)
			obj[key] = sub
		}
	}
}

// array folds element deltas into a copy of arr. Elements are addressed by
// index; removed elements leave a nil hole which is compacted afterwards.
func (f folder) array(arr []any, items []diff.IndexDelta, path string) []any {
	out := append([]any(nil), arr...)
	for _, item := range items {
		if item.Index < 0 || item.Delta == nil {
			continue
		}
		for len(out) <= item.Index {
			out = append(out, nil)
		}
		switch {
		case item.Delta.Change != nil:
			if v, keep := f.change(item.Delta.Change); keep {
				out[item.Index] = v
			} else {
				out[item.Index] = nil
			}
		case item.Delta.Items != nil:
			sub, _ := out[item.Index].([]any)
			out[item.Index] = f.array(sub, item.Delta.Items, path)
		default:
			sub, ok := out[item.Index].(map[string]any)
			if !ok {
				sub = map[string]any{}
			}
			f.object(sub, item.Delta.Fields, path)
			out[item.Index] = sub
		}
	}

	compacted := out[:0]
	for _, v := range out {
		if v != nil {
			compacted = append(compacted, v)
		}
	}
	return compacted
}

// change returns the value a leaf takes after applying c, or keep=false when
// the leaf must be removed.
func (f folder) change(c *diff.Change) (value any, keep bool) {
	if f.backward {
		if c.Kind == diff.Created {
			return nil, false
		}
		return cloneValue(c.Data), true
	}
	switch c.Kind {
	case diff.Deleted:
		return nil, false
	case diff.Updated:
		return cloneValue(c.NewData), true
	default:
		return cloneValue(c.Data), true
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// copyPath carries the value at a dot-path from src to dst, creating
// intermediate objects in dst as needed.
func copyPath(src, dst map[string]any, path string) {
	parts := strings.Split(path, ".")
	for i, part := range parts {
		v, ok := src[part]
		if !ok {
			return
		}
		if i == len(parts)-1 {
			dst[part] = cloneValue(v)
			return
		}
		nextSrc, ok := v.(map[string]any)
		if !ok {
			return
		}
		nextDst, ok := dst[part].(map[string]any)
		if !ok {
			nextDst = map[string]any{}
			dst[part] = nextDst
		}
		src, dst = nextSrc, nextDst
	}
}

func cloneObject(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneObject(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	}
	return v
}
