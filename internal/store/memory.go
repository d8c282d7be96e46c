package store

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// MemoryStore keeps documents as encoded JSON so that reads behave like the
// SQL backends: callers always get a fresh copy with JSON number semantics.
type MemoryStore struct {
	mu          sync.RWMutex
	seq         int64
	collections map[string]map[string]memoryRow
}

type memoryRow struct {
	seq  int64
	data []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]map[string]memoryRow)}
}

func (s *MemoryStore) Insert(_ context.Context, collection string, doc Document) error {
	if err := validate(collection, nil); err != nil {
		return err
	}
	id := doc.ID()
	if id == "" {
		return fmt.Errorf("insert document: id required")
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.collections[collection]
	if rows == nil {
		rows = make(map[string]memoryRow)
		s.collections[collection] = rows
	}
	if _, exists := rows[id]; exists {
		return fmt.Errorf("insert %s/%s: %w", collection, id, ErrDuplicate)
	}
	s.seq++
	rows[id] = memoryRow{seq: s.seq, data: raw}
	return nil
}

func (s *MemoryStore) Query(_ context.Context, collection string, filter Filter, opts QueryOptions) ([]Document, error) {
	if err := validate(collection, filter); err != nil {
		return nil, err
	}
	normalized, err := normalizeFilter(filter)
	if err != nil {
		return nil, err
	}

	type hit struct {
		seq int64
		doc Document
	}

	s.mu.RLock()
	hits := make([]hit, 0)
	for _, row := range s.collections[collection] {
		var doc Document
		if err := json.Unmarshal(row.data, &doc); err != nil {
			s.mu.RUnlock()
			return nil, fmt.Errorf("decode document: %w", err)
		}
		if matches(doc, normalized) {
			hits = append(hits, hit{seq: row.seq, doc: doc})
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool {
		for _, key := range opts.Sort {
			a, _ := lookup(hits[i].doc, key.Path)
			b, _ := lookup(hits[j].doc, key.Path)
			c := compare(a, b)
			if c == 0 {
				continue
			}
			if key.Descending {
				return c > 0
			}
			return c < 0
		}
		return hits[i].seq < hits[j].seq
	})

	if opts.Limit > 0 && len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}
	items := make([]Document, 0, len(hits))
	for _, h := range hits {
		items = append(items, h.doc)
	}
	return items, nil
}

func (s *MemoryStore) QueryOne(ctx context.Context, collection string, filter Filter) (Document, error) {
	items, err := s.Query(ctx, collection, filter, QueryOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return items[0], nil
}

func (s *MemoryStore) Update(_ context.Context, collection string, doc Document) error {
	id := doc.ID()
	if id == "" {
		return fmt.Errorf("update document: id required")
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.collections[collection][id]
	if !ok {
		return ErrNotFound
	}
	row.data = raw
	s.collections[collection][id] = row
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, collection string, filter Filter) (int64, error) {
	items, err := s.Query(ctx, collection, filter, QueryOptions{})
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for _, item := range items {
		if _, ok := s.collections[collection][item.ID()]; ok {
			delete(s.collections[collection], item.ID())
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// normalizeFilter round-trips condition values through JSON so they compare
// against decoded documents without caring about Go numeric kinds.
func normalizeFilter(filter Filter) (Filter, error) {
	out := make(Filter, 0, len(filter))
	for _, cond := range filter {
		raw, err := json.Marshal(cond.Value)
		if err != nil {
			return nil, fmt.Errorf("encode filter value: %w", err)
		}
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("decode filter value: %w", err)
		}
		out = append(out, Condition{Path: cond.Path, Op: cond.Op, Value: value})
	}
	return out, nil
}

func matches(doc Document, filter Filter) bool {
	for _, cond := range filter {
		value, ok := lookup(doc, cond.Path)
		if !ok {
			return false
		}
		switch cond.Op {
		case OpEq:
			if !reflect.DeepEqual(value, cond.Value) {
				return false
			}
		case OpGte:
			if !orderable(value, cond.Value) || compare(value, cond.Value) < 0 {
				return false
			}
		case OpLte:
			if !orderable(value, cond.Value) || compare(value, cond.Value) > 0 {
				return false
			}
		}
	}
	return true
}

func lookup(doc map[string]any, path string) (any, bool) {
	var current any = doc
	for _, part := range splitPath(path) {
		object, ok := current.(map[string]any)
		if !ok {
			if d, isDoc := current.(Document); isDoc {
				object = d
			} else {
				return nil, false
			}
		}
		current, ok = object[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func orderable(a, b any) bool {
	switch a.(type) {
	case float64:
		_, ok := b.(float64)
		return ok
	case string:
		_, ok := b.(string)
		return ok
	}
	return false
}

func compare(a, b any) int {
	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case string:
		if bv, ok := b.(string); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	}
	return 0
}
