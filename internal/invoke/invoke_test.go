package invoke

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relator/api/internal/auth"
)

func newServer(t *testing.T, issuer *auth.Issuer, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != ExecutePath {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if _, err := issuer.Verify(token, auth.ScopeExecuteTasks); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		calls.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestFuncAdapter(t *testing.T) {
	called := false
	var inv interface{ Invoke(context.Context) error } = Func(func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, inv.Invoke(context.Background()))
	assert.True(t, called)
}

func TestHTTPInvokeSendsSignedRequest(t *testing.T) {
	issuer := auth.NewIssuer("secret", time.Minute)
	srv, calls := newServer(t, issuer, http.StatusAccepted)

	h := NewHTTP(srv.URL+"/", issuer, srv.Client(), nil)
	require.NoError(t, h.Invoke(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPInvokeRejectedByForeignSecret(t *testing.T) {
	srv, calls := newServer(t, auth.NewIssuer("server", time.Minute), http.StatusAccepted)

	h := NewHTTP(srv.URL, auth.NewIssuer("client", time.Minute), srv.Client(), nil)
	err := h.Invoke(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, int32(0), calls.Load())
}

func TestHTTPDeferCoalescesCalls(t *testing.T) {
	issuer := auth.NewIssuer("secret", time.Minute)
	srv, calls := newServer(t, issuer, http.StatusAccepted)
	h := NewHTTP(srv.URL, issuer, srv.Client(), nil)
	ctx := context.Background()

	h.Defer()
	h.Defer()
	for i := 0; i < 5; i++ {
		require.NoError(t, h.Invoke(ctx))
	}
	require.NoError(t, h.Flush(ctx))
	assert.Equal(t, int32(0), calls.Load(), "inner flush keeps coalescing")

	require.NoError(t, h.Flush(ctx))
	assert.Equal(t, int32(1), calls.Load())

	require.NoError(t, h.Flush(ctx))
	assert.Equal(t, int32(1), calls.Load(), "nothing pending")
}

func TestHTTPFlushWithoutCallsSendsNothing(t *testing.T) {
	issuer := auth.NewIssuer("secret", time.Minute)
	srv, calls := newServer(t, issuer, http.StatusAccepted)
	h := NewHTTP(srv.URL, issuer, srv.Client(), nil)

	h.Defer()
	require.NoError(t, h.Flush(context.Background()))
	assert.Equal(t, int32(0), calls.Load())
}

func TestHTTPInvokeReportsTransportErrors(t *testing.T) {
	issuer := auth.NewIssuer("secret", time.Minute)
	h := NewHTTP("http://127.0.0.1:1", issuer, &http.Client{Timeout: time.Second}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.Invoke(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
