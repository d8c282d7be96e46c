// Package nodes is the CRUD layer for schema-less nodes. Every write stores a
// diff in the history log and is reported to the injected write listeners.
package nodes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"relator/api/internal/diff"
	"relator/api/internal/history"
	"relator/api/internal/schema"
	"relator/api/internal/store"
	"relator/api/internal/util"
)

var (
	ErrUnknownType = errors.New("unknown node type")
	ErrInvalidNode = errors.New("invalid node")
)

// WriteEvent describes one successful write. Before is nil on create and
// After is nil on delete.
type WriteEvent struct {
	Type   string
	ID     string
	Before store.Document
	After  store.Document
	Delta  *diff.Delta
	Hash   string
}

// WriteListener is notified after every write that changed a node. Errors are
// logged and never fail the write.
type WriteListener interface {
	NodeWritten(ctx context.Context, event WriteEvent) error
}

type Definitions interface {
	Get(ctx context.Context, name string) (*schema.Definition, error)
}

type Service struct {
	docs      store.Store
	history   *history.Service
	defs      Definitions
	listeners []WriteListener
	now       func() time.Time
	logger    *slog.Logger
}

func NewService(docs store.Store, hist *history.Service, defs Definitions, logger *slog.Logger, listeners ...WriteListener) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		docs:      docs,
		history:   hist,
		defs:      defs,
		listeners: listeners,
		now:       time.Now,
		logger:    logger.With("component", "nodes"),
	}
}

// Hash is the content hash clients send back as the base of an update.
func Hash(doc store.Document) (string, error) {
	return history.ContentHash(doc)
}

func (s *Service) Create(ctx context.Context, nodeType string, data map[string]any) (store.Document, error) {
	if err := s.checkType(ctx, nodeType); err != nil {
		return nil, err
	}
	doc, err := normalize(data)
	if err != nil {
		return nil, err
	}
	if raw, ok := doc["id"]; ok {
		if id, isString := raw.(string); !isString || id == "" {
			return nil, fmt.Errorf("%w: id must be a non-empty string", ErrInvalidNode)
		}
	} else {
		doc["id"] = util.NewID("")
	}

	if err := s.docs.Insert(ctx, nodeType, doc); err != nil {
		return nil, fmt.Errorf("create node: %w", err)
	}
	if err := s.record(ctx, nodeType, nil, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Service) Get(ctx context.Context, nodeType, id string) (store.Document, error) {
	if err := s.checkType(ctx, nodeType); err != nil {
		return nil, err
	}
	doc, err := s.docs.QueryOne(ctx, nodeType, store.Filter{store.Eq("id", id)})
	if err != nil {
		return nil, fmt.Errorf("get node %s/%s: %w", nodeType, id, err)
	}
	return doc, nil
}

// Update replaces the fields of a node. When baseHash names an older state,
// the caller's changes relative to that state are replayed onto the current
// node, so concurrent writes to other fields survive and overlapping fields
// take the caller's value.
func (s *Service) Update(ctx context.Context, nodeType, id string, data map[string]any, baseHash string) (store.Document, error) {
	current, err := s.Get(ctx, nodeType, id)
	if err != nil {
		return nil, err
	}
	next, err := normalize(data)
	if err != nil {
		return nil, err
	}
	next["id"] = id

	if baseHash != "" {
		currentHash, err := Hash(current)
		if err != nil {
			return nil, err
		}
		if currentHash != baseHash {
			next, err = s.rebase(ctx, nodeType, id, current, next, baseHash)
			if err != nil {
				return nil, err
			}
		}
	}

	if diff.Compute(map[string]any(current), map[string]any(next)) == nil {
		return current, nil
	}
	if err := s.docs.Update(ctx, nodeType, next); err != nil {
		return nil, fmt.Errorf("update node: %w", err)
	}
	if err := s.record(ctx, nodeType, current, next); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Service) rebase(ctx context.Context, nodeType, id string, current, next store.Document, baseHash string) (store.Document, error) {
	base, err := s.history.StateAtHash(ctx, nodeType, id, baseHash)
	if err != nil {
		return nil, fmt.Errorf("resolve base state: %w", err)
	}
	callerDelta := diff.Compute(map[string]any(base), map[string]any(next))
	merged := history.Replayer{}.Replay(current, []history.Row{{Diff: callerDelta}})
	merged["id"] = id
	s.logger.Info("rebased stale update", "type", nodeType, "id", id, "base", baseHash)
	return merged, nil
}

func (s *Service) Delete(ctx context.Context, nodeType, id string) error {
	current, err := s.Get(ctx, nodeType, id)
	if err != nil {
		return err
	}
	if _, err := s.docs.Delete(ctx, nodeType, store.Filter{store.Eq("id", id)}); err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	return s.record(ctx, nodeType, current, nil)
}

func (s *Service) Query(ctx context.Context, nodeType string, filter store.Filter, opts store.QueryOptions) ([]store.Document, error) {
	if err := s.checkType(ctx, nodeType); err != nil {
		return nil, err
	}
	docs, err := s.docs.Query(ctx, nodeType, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	return docs, nil
}

// record stores the diff of one write and notifies listeners.
func (s *Service) record(ctx context.Context, nodeType string, before, after store.Document) error {
	var b, a any
	if before != nil {
		b = map[string]any(before)
	}
	if after != nil {
		a = map[string]any(after)
	}
	delta := diff.Compute(b, a)
	if delta == nil {
		return nil
	}

	id := after.ID()
	hash := ""
	if after != nil {
		var err error
		if hash, err = Hash(after); err != nil {
			return err
		}
	} else {
		id = before.ID()
	}

	if _, err := s.history.Record(ctx, nodeType, id, delta, hash, s.now()); err != nil {
		return fmt.Errorf("record history: %w", err)
	}

	event := WriteEvent{Type: nodeType, ID: id, Before: before, After: after, Delta: delta, Hash: hash}
	for _, listener := range s.listeners {
		if err := listener.NodeWritten(ctx, event); err != nil {
			s.logger.Error("write listener failed", "type", nodeType, "id", id, "listener", fmt.Sprintf("%T", listener), "error", err)
		}
	}
	return nil
}

func (s *Service) checkType(ctx context.Context, nodeType string) error {
	if s.defs == nil {
		return nil
	}
	if _, err := s.defs.Get(ctx, nodeType); err != nil {
		if errors.Is(err, schema.ErrNotFound) {
			return fmt.Errorf("%s: %w", nodeType, ErrUnknownType)
		}
		return fmt.Errorf("load definition: %w", err)
	}
	return nil
}

// normalize copies data through its JSON form so stored, diffed and hashed
// values agree on number and time representations.
func normalize(data map[string]any) (store.Document, error) {
	if data == nil {
		return store.Document{}, nil
	}
	doc, err := store.Encode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNode, err)
	}
	if doc == nil {
		doc = store.Document{}
	}
	return doc, nil
}
