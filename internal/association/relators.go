package association

import (
	"sort"
	"strings"

	"relator/api/internal/store"
)

// relatorObjects returns every object found at a dot-path inside value,
// stepping through arrays at any level. The returned maps alias value.
func relatorObjects(value any, targetPath string) []map[string]any {
	if value == nil || targetPath == "" {
		return nil
	}
	return collect(value, strings.Split(targetPath, "."))
}

func collect(value any, path []string) []map[string]any {
	switch v := value.(type) {
	case store.Document:
		return collect(map[string]any(v), path)
	case []any:
		var out []map[string]any
		for _, item := range v {
			out = append(out, collect(item, path)...)
		}
		return out
	case map[string]any:
		if len(path) == 0 {
			return []map[string]any{v}
		}
		return collect(v[path[0]], path[1:])
	}
	return nil
}

// relatorRefs indexes the embedded relator objects at targetPath by their id.
func relatorRefs(value any, targetPath string) map[string]map[string]any {
	refs := make(map[string]map[string]any)
	for _, obj := range relatorObjects(value, targetPath) {
		if id, ok := obj["id"].(string); ok && id != "" {
			refs[id] = obj
		}
	}
	return refs
}

func embeds(value any, targetPath, sourceID string) bool {
	_, ok := relatorRefs(value, targetPath)[sourceID]
	return ok
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func mappingsEqual(a, b []Mapping) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].From != b[i].From || a[i].To != b[i].To || !sameFlag(a[i].Sync, b[i].Sync) {
			return false
		}
	}
	return true
}

// sameFlag treats an unset flag as distinct from an explicit one.
func sameFlag(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
