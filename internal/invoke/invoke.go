// Package invoke schedules executor runs out of band.
package invoke

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"relator/api/internal/auth"
)

const (
	ExecutePath = "/api/tasks/execute"
	subject     = "relator-executor"
)

// Func adapts a plain function, typically an in-process executor run.
type Func func(ctx context.Context) error

func (f Func) Invoke(ctx context.Context) error {
	return f(ctx)
}

// HTTP asks an api instance to run the executor by posting to its execute
// endpoint. Between Defer and the matching Flush calls are coalesced into a
// single request.
type HTTP struct {
	endpoint string
	issuer   *auth.Issuer
	client   *http.Client
	logger   *slog.Logger

	mu      sync.Mutex
	depth   int
	pending bool
}

func NewHTTP(selfURL string, issuer *auth.Issuer, client *http.Client, logger *slog.Logger) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{
		endpoint: strings.TrimRight(selfURL, "/") + ExecutePath,
		issuer:   issuer,
		client:   client,
		logger:   logger.With("component", "invoke"),
	}
}

func (h *HTTP) Invoke(ctx context.Context) error {
	h.mu.Lock()
	if h.depth > 0 {
		h.pending = true
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()
	return h.send(ctx)
}

func (h *HTTP) Defer() {
	h.mu.Lock()
	h.depth++
	h.mu.Unlock()
}

// Flush ends one Defer. The outermost Flush sends at most one request.
func (h *HTTP) Flush(ctx context.Context) error {
	h.mu.Lock()
	if h.depth > 0 {
		h.depth--
	}
	fire := h.depth == 0 && h.pending
	if fire {
		h.pending = false
	}
	h.mu.Unlock()
	if !fire {
		return nil
	}
	return h.send(ctx)
}

func (h *HTTP) send(ctx context.Context) error {
	token, err := h.issuer.Issue(subject, auth.ScopeExecuteTasks)
	if err != nil {
		return fmt.Errorf("issue invoke token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, nil)
	if err != nil {
		return fmt.Errorf("build invoke request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("invoke executor: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("invoke executor: unexpected status %d", resp.StatusCode)
	}
	h.logger.Debug("executor invoked", "status", resp.StatusCode)
	return nil
}
