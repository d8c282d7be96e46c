package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"relator/api/internal/cache"
	"relator/api/internal/store"
)

const Collection = "definitions"

var ErrNotFound = errors.New("definition not found")

type storedDefinition struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
}

// Registry is the live schema provider. Definitions are persisted in the
// document store and cached under "definition:<name>".
type Registry struct {
	docs   store.Store
	cache  cache.Cache
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

func NewRegistry(docs store.Store, c cache.Cache, ttl time.Duration, logger *slog.Logger) *Registry {
	if c == nil {
		c = cache.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{docs: docs, cache: c, ttl: ttl, logger: logger.With("component", "schema")}
}

func cacheKey(name string) string {
	return "definition:" + name
}

// Get returns the current definition of a node type.
func (r *Registry) Get(ctx context.Context, name string) (*Definition, error) {
	v, err, _ := r.group.Do(name, func() (any, error) {
		var cached storedDefinition
		if ok, err := r.cache.Read(ctx, cacheKey(name), &cached); err != nil {
			r.logger.Warn("read definition cache failed", "name", name, "error", err)
		} else if ok {
			return Parse(cached.Name, cached.Schema)
		}

		doc, err := r.docs.QueryOne(ctx, Collection, store.Filter{store.Eq("id", name)})
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("load definition: %w", err)
		}
		var stored storedDefinition
		if err := store.Decode(doc, &stored); err != nil {
			return nil, err
		}
		if err := r.cache.Write(ctx, cacheKey(name), stored, r.ttl); err != nil {
			r.logger.Warn("write definition cache failed", "name", name, "error", err)
		}
		return Parse(stored.Name, stored.Schema)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Definition), nil
}

// Put stores def and returns the definition it replaced, or nil.
func (r *Registry) Put(ctx context.Context, def *Definition) (*Definition, error) {
	old, err := r.Get(ctx, def.Name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	doc, err := store.Encode(storedDefinition{ID: def.Name, Name: def.Name, Schema: def.Raw()})
	if err != nil {
		return nil, err
	}
	if old == nil {
		err = r.docs.Insert(ctx, Collection, doc)
	} else {
		err = r.docs.Update(ctx, Collection, doc)
	}
	if err != nil {
		return nil, fmt.Errorf("save definition: %w", err)
	}
	if err := r.cache.Invalidate(ctx, cacheKey(def.Name)); err != nil {
		r.logger.Warn("invalidate definition cache failed", "name", def.Name, "error", err)
	}
	r.logger.Info("definition stored", "name", def.Name, "replaced", old != nil)
	return old, nil
}

func (r *Registry) List(ctx context.Context) ([]*Definition, error) {
	docs, err := r.docs.Query(ctx, Collection, nil, store.QueryOptions{Sort: []store.Sort{{Path: "id"}}})
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defs := make([]*Definition, 0, len(docs))
	for _, doc := range docs {
		var stored storedDefinition
		if err := store.Decode(doc, &stored); err != nil {
			return nil, err
		}
		def, err := Parse(stored.Name, stored.Schema)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// IgnoreFields returns the history ignore paths of a type. Unknown types
// ignore nothing.
func (r *Registry) IgnoreFields(ctx context.Context, name string) ([]string, error) {
	def, err := r.Get(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return IgnoreHistoryPaths(def), nil
}
