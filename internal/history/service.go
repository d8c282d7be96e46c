package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"relator/api/internal/cache"
	"relator/api/internal/diff"
	"relator/api/internal/store"
)

// IgnoreProvider supplies the dot-paths a type excludes from history replay.
type IgnoreProvider interface {
	IgnoreFields(ctx context.Context, entityType string) ([]string, error)
}

type Service struct {
	docs     store.Store
	diffs    *Store
	cache    cache.Cache
	ignore   IgnoreProvider
	cacheTTL time.Duration
	logger   *slog.Logger
}

func NewService(docs store.Store, c cache.Cache, ignore IgnoreProvider, cacheTTL time.Duration, logger *slog.Logger) *Service {
	if c == nil {
		c = cache.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		docs:     docs,
		diffs:    NewStore(docs),
		cache:    c,
		ignore:   ignore,
		cacheTTL: cacheTTL,
		logger:   logger.With("component", "history"),
	}
}

func (s *Service) Diffs() *Store {
	return s.diffs
}

// Record appends a diff row and drops every cached historical state of the
// entity.
func (s *Service) Record(ctx context.Context, entityType, entityID string, delta *diff.Delta, hash string, now time.Time) (Row, error) {
	row, err := s.diffs.StoreDiff(ctx, entityType, entityID, delta, hash, now)
	if err != nil {
		return Row{}, err
	}
	if err := s.cache.InvalidatePrefix(ctx, cachePrefix(entityType, entityID)); err != nil {
		s.logger.Warn("invalidate history cache failed", "type", entityType, "id", entityID, "error", err)
	}
	return row, nil
}

// StateAt rebuilds the node as it was at the given instant by undoing every
// row written after it.
func (s *Service) StateAt(ctx context.Context, entityType, entityID string, at time.Time) (store.Document, error) {
	key := cacheKey(entityType, entityID, at)
	var cached store.Document
	if ok, err := s.cache.Read(ctx, key, &cached); err != nil {
		s.logger.Warn("read history cache failed", "key", key, "error", err)
	} else if ok {
		return cached, nil
	}

	current, err := s.docs.QueryOne(ctx, entityType, store.Filter{store.Eq("id", entityID)})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load node: %w", err)
	}

	rows, err := s.diffs.List(ctx, entityType, entityID, ListOptions{
		Since:      at.Add(time.Millisecond).Truncate(time.Millisecond),
		Descending: true,
	})
	if err != nil {
		return nil, err
	}
	if current == nil && len(rows) == 0 {
		return nil, store.ErrNotFound
	}

	ignore, err := s.ignoreFields(ctx, entityType)
	if err != nil {
		return nil, err
	}
	state := store.Document(Replayer{Backward: true, IgnoreFields: ignore}.Replay(current, rows))
	if len(state) == 0 {
		return nil, store.ErrNotFound
	}

	if err := s.cache.Write(ctx, key, state, s.cacheTTL); err != nil {
		s.logger.Warn("write history cache failed", "key", key, "error", err)
	}
	return state, nil
}

// StateAtHash replays the log forward from nothing until the node's content
// hash equals hash. Stored hashes cover the whole node, so ignored fields are
// replayed too.
func (s *Service) StateAtHash(ctx context.Context, entityType, entityID, hash string) (store.Document, error) {
	rows, err := s.diffs.List(ctx, entityType, entityID, ListOptions{TargetHash: hash})
	if err != nil {
		return nil, err
	}
	state, ok, err := Replayer{}.ReplayUntil(nil, rows, hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHashNotFound
	}
	return store.Document(state), nil
}

// Log returns the raw rows of one entity, oldest first.
func (s *Service) Log(ctx context.Context, entityType, entityID string) ([]Row, error) {
	return s.diffs.List(ctx, entityType, entityID, ListOptions{})
}

func (s *Service) ignoreFields(ctx context.Context, entityType string) ([]string, error) {
	if s.ignore == nil {
		return nil, nil
	}
	fields, err := s.ignore.IgnoreFields(ctx, entityType)
	if err != nil {
		return nil, fmt.Errorf("load ignore fields: %w", err)
	}
	return fields, nil
}

func cachePrefix(entityType, entityID string) string {
	return "history:" + entityType + ":" + entityID + ":"
}

func cacheKey(entityType, entityID string, at time.Time) string {
	return fmt.Sprintf("%s%d", cachePrefix(entityType, entityID), at.UnixNano())
}
