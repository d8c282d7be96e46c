// Package history keeps the append-only diff log of every node and rebuilds
// earlier node states from it.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relator/api/internal/diff"
	"relator/api/internal/store"
	"relator/api/internal/util"
)

var ErrHashNotFound = errors.New("no history entry with that hash")

// Row is one persisted write. Timestamp is stored as unix milliseconds so every
// backend orders it numerically.
type Row struct {
	ID        string      `json:"id"`
	EntityID  string      `json:"entityId"`
	Diff      *diff.Delta `json:"diff"`
	Timestamp int64       `json:"timestamp"`
	Hash      string      `json:"hash"`
}

func (r Row) Time() time.Time {
	return time.UnixMilli(r.Timestamp).UTC()
}

type ListOptions struct {
	// Since keeps rows at or after this instant.
	Since time.Time
	// TargetHash keeps rows up to and including the first one whose hash
	// matches. Rows are then always ascending.
	TargetHash string
	Descending bool
}

// Store appends and lists rows in the "<type>:diff" collections.
type Store struct {
	docs store.Store
}

func NewStore(docs store.Store) *Store {
	return &Store{docs: docs}
}

func (s *Store) StoreDiff(ctx context.Context, entityType, entityID string, delta *diff.Delta, hash string, now time.Time) (Row, error) {
	row := Row{
		ID:        util.NewID("diff"),
		EntityID:  entityID,
		Diff:      delta,
		Timestamp: now.UnixMilli(),
		Hash:      hash,
	}
	doc, err := store.Encode(row)
	if err != nil {
		return Row{}, err
	}
	if err := s.docs.Insert(ctx, store.DiffCollection(entityType), doc); err != nil {
		return Row{}, fmt.Errorf("store diff: %w", err)
	}
	return row, nil
}

func (s *Store) List(ctx context.Context, entityType, entityID string, opts ListOptions) ([]Row, error) {
	filter := store.Filter{store.Eq("entityId", entityID)}
	if !opts.Since.IsZero() {
		filter = append(filter, store.Gte("timestamp", opts.Since.UnixMilli()))
	}
	// Always ascending from the store: ties on timestamp keep insertion order
	// and are reversed below together with everything else.
	docs, err := s.docs.Query(ctx, store.DiffCollection(entityType), filter, store.QueryOptions{
		Sort: []store.Sort{{Path: "timestamp"}},
	})
	if err != nil {
		return nil, fmt.Errorf("list diffs: %w", err)
	}

	rows := make([]Row, 0, len(docs))
	for _, doc := range docs {
		var row Row
		if err := store.Decode(doc, &row); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}

	if opts.TargetHash != "" {
		for i, row := range rows {
			if row.Hash == opts.TargetHash {
				return rows[:i+1], nil
			}
		}
		return nil, ErrHashNotFound
	}
	if opts.Descending {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}
	return rows, nil
}
