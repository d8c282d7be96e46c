package search

import (
	"context"
	"log/slog"
	"sync"

	"relator/api/internal/nodes"
)

// Service is the facade that tries the index first and falls back to a scan
// of the document store. It is also the node write listener that keeps the
// index current.
type Service struct {
	backend  Backend
	fallback *Scan
	logger   *slog.Logger
	pending  sync.WaitGroup
}

var _ nodes.WriteListener = (*Service)(nil)

// NewService creates a search service. backend may be nil if no index is
// configured.
func NewService(backend Backend, fallback *Scan, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{backend: backend, fallback: fallback, logger: logger.With("component", "search")}
}

func (s *Service) indexing() bool {
	return s.backend != nil && s.backend.Healthy()
}

// Search tries the index if healthy, otherwise falls back to the store scan.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.indexing() {
		results, total, err := s.backend.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("index search failed, falling back to store scan", "error", err)
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("store scan failed", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// NodeWritten mirrors a write into the index (fire-and-forget).
func (s *Service) NodeWritten(_ context.Context, event nodes.WriteEvent) error {
	if !s.indexing() {
		return nil
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		var err error
		if event.After == nil {
			err = s.backend.Delete(event.Type, event.ID)
		} else {
			err = s.backend.Upsert(event.Type, event.After)
		}
		if err != nil {
			s.logger.Warn("index node failed", "type", event.Type, "id", event.ID, "error", err)
		}
	}()
	return nil
}

// Flush waits for in-flight index writes.
func (s *Service) Flush() {
	s.pending.Wait()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
