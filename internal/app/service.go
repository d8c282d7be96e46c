// Package app exposes nodes, their history, type definitions and the
// association executor over HTTP.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"relator/api/internal/association"
	"relator/api/internal/auth"
	"relator/api/internal/history"
	"relator/api/internal/nodes"
	"relator/api/internal/schema"
	"relator/api/internal/search"
	"relator/api/internal/store"
)

// TokenLedger records spent invoke token ids.
type TokenLedger interface {
	Spend(ctx context.Context, jti string, expiresAt time.Time) error
}

// Deps are the collaborators the service is assembled from.
type Deps struct {
	Store    store.Store
	Nodes    *nodes.Service
	History  *history.Service
	Defs     *schema.Registry
	Creator  *association.Creator
	Executor *association.Executor
	Queue    association.Queue
	Issuer   *auth.Issuer
	Search   *search.Service
	// Spent rejects replayed invoke tokens. Nil accepts any valid token.
	Spent  TokenLedger
	Logger *slog.Logger
	// RunTimeout bounds one background executor run.
	RunTimeout time.Duration
}

type Service struct {
	store      store.Store
	nodes      *nodes.Service
	history    *history.Service
	defs       *schema.Registry
	creator    *association.Creator
	executor   *association.Executor
	queue      association.Queue
	issuer     *auth.Issuer
	search     *search.Service
	spent      TokenLedger
	logger     *slog.Logger
	runTimeout time.Duration
	runs       sync.WaitGroup
}

func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := deps.RunTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Service{
		store:      deps.Store,
		nodes:      deps.Nodes,
		history:    deps.History,
		defs:       deps.Defs,
		creator:    deps.Creator,
		executor:   deps.Executor,
		queue:      deps.Queue,
		issuer:     deps.Issuer,
		search:     deps.Search,
		spent:      deps.Spent,
		logger:     logger.With("component", "app"),
		runTimeout: timeout,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// NodeView is a node together with the hash clients send back as If-Match.
type NodeView struct {
	Node store.Document `json:"node"`
	Hash string         `json:"hash"`
}

func view(doc store.Document) (NodeView, error) {
	hash, err := nodes.Hash(doc)
	if err != nil {
		return NodeView{}, err
	}
	return NodeView{Node: doc, Hash: hash}, nil
}

func (s *Service) CreateNode(ctx context.Context, nodeType string, data map[string]any) (NodeView, error) {
	doc, err := s.nodes.Create(ctx, nodeType, data)
	if err != nil {
		return NodeView{}, err
	}
	return view(doc)
}

func (s *Service) GetNode(ctx context.Context, nodeType, id string) (NodeView, error) {
	doc, err := s.nodes.Get(ctx, nodeType, id)
	if err != nil {
		return NodeView{}, err
	}
	return view(doc)
}

func (s *Service) UpdateNode(ctx context.Context, nodeType, id string, data map[string]any, baseHash string) (NodeView, error) {
	doc, err := s.nodes.Update(ctx, nodeType, id, data, baseHash)
	if err != nil {
		return NodeView{}, err
	}
	return view(doc)
}

func (s *Service) DeleteNode(ctx context.Context, nodeType, id string) error {
	return s.nodes.Delete(ctx, nodeType, id)
}

func (s *Service) ListNodes(ctx context.Context, nodeType string, limit int) ([]store.Document, error) {
	return s.nodes.Query(ctx, nodeType, nil, store.QueryOptions{Limit: limit})
}

// NodeAt reconstructs a node at an instant, or at the version with hash when
// hash is set.
func (s *Service) NodeAt(ctx context.Context, nodeType, id string, at time.Time, hash string) (store.Document, error) {
	if _, err := s.defs.Get(ctx, nodeType); err != nil {
		return nil, err
	}
	if hash != "" {
		return s.history.StateAtHash(ctx, nodeType, id, hash)
	}
	return s.history.StateAt(ctx, nodeType, id, at)
}

func (s *Service) NodeLog(ctx context.Context, nodeType, id string) ([]history.Row, error) {
	if _, err := s.defs.Get(ctx, nodeType); err != nil {
		return nil, err
	}
	return s.history.Log(ctx, nodeType, id)
}

func (s *Service) GetDefinition(ctx context.Context, name string) (*schema.Definition, error) {
	return s.defs.Get(ctx, name)
}

func (s *Service) ListDefinitions(ctx context.Context) ([]*schema.Definition, error) {
	return s.defs.List(ctx)
}

// ApplyDefinition stores def and queues the association tasks its relator
// changes imply.
func (s *Service) ApplyDefinition(ctx context.Context, def *schema.Definition) ([]association.Task, error) {
	if _, err := s.defs.Put(ctx, def); err != nil {
		return nil, err
	}
	tasks, err := s.creator.PrepareAssociationTasksFor(ctx, def)
	if err != nil {
		return nil, fmt.Errorf("prepare association tasks for %s: %w", def.Name, err)
	}
	s.logger.Info("definition applied", "name", def.Name, "tasks", len(tasks))
	return tasks, nil
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}

func (s *Service) PendingTasks(ctx context.Context) (int, error) {
	return s.queue.Pending(ctx)
}

// ExecuteTasks verifies an invoke token and starts one executor run in the
// background.
func (s *Service) ExecuteTasks(ctx context.Context, token string) error {
	claims, err := s.issuer.Verify(token, auth.ScopeExecuteTasks)
	if err != nil {
		return err
	}
	if s.spent != nil {
		if err := s.spent.Spend(ctx, claims.JTI, time.Unix(claims.Exp, 0)); err != nil {
			return err
		}
	}
	s.RunExecutor(claims.Sub)
	return nil
}

// RunExecutor starts one executor run in the background. Wait blocks until it
// has finished.
func (s *Service) RunExecutor(caller string) {
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
		defer cancel()
		if _, err := s.executor.Run(ctx); err != nil {
			s.logger.Error("background executor run failed", "caller", caller, "error", err)
		}
	}()
}

// Wait blocks until background executor runs have finished.
func (s *Service) Wait() {
	s.runs.Wait()
}
