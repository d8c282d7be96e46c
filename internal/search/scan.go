package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"relator/api/internal/store"
)

// Scan matches the query text case-insensitively against every string value
// of the nodes of one type. It needs a type since the store cannot list its
// collections.
type Scan struct {
	docs store.Store
}

func NewScan(docs store.Store) *Scan {
	return &Scan{docs: docs}
}

func (s *Scan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if q.Type == "" {
		return nil, 0, nil
	}
	docs, err := s.docs.Query(ctx, q.Type, nil, store.QueryOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("scan %s: %w", q.Type, err)
	}

	needle := strings.ToLower(strings.TrimSpace(q.Text))
	var matched []Result
	for _, doc := range docs {
		snippet, ok := match(doc, needle)
		if !ok {
			continue
		}
		matched = append(matched, Result{Type: q.Type, ID: doc.ID(), Snippet: snippet, Node: doc})
	}

	total := len(matched)
	if q.Offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[q.Offset:]
	limit := q.Limit
	if limit == 0 {
		limit = 20
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

// match reports whether any string inside value contains needle and returns
// the first such string. An empty needle matches everything.
func match(value any, needle string) (string, bool) {
	switch v := value.(type) {
	case string:
		if strings.Contains(strings.ToLower(v), needle) {
			return v, true
		}
	case store.Document:
		return match(map[string]any(v), needle)
	case map[string]any:
		if needle == "" {
			return "", true
		}
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if key == "id" {
				continue
			}
			if s, ok := match(v[key], needle); ok {
				return s, true
			}
		}
	case []any:
		for _, item := range v {
			if s, ok := match(item, needle); ok {
				return s, true
			}
		}
	}
	return "", false
}
