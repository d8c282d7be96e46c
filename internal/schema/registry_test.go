package schema

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relator/api/internal/cache"
	"relator/api/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRegistry(store.NewMemoryStore(), cache.NewRedis(client), time.Minute, nil), s
}

func TestRegistryPutReturnsPrevious(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	first := parseOrder(t)
	old, err := reg.Put(ctx, first)
	require.NoError(t, err)
	assert.Nil(t, old)

	second, err := Parse("order", map[string]any{"type": "object", "properties": map[string]any{"title": map[string]any{"type": "string"}}})
	require.NoError(t, err)
	old, err = reg.Put(ctx, second)
	require.NoError(t, err)
	require.NotNil(t, old)
	assert.Len(t, ExtractAssociationDetails(old), 2)

	current, err := reg.Get(ctx, "order")
	require.NoError(t, err)
	assert.Empty(t, ExtractAssociationDetails(current))
}

func TestRegistryCachesDefinitions(t *testing.T) {
	reg, s := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Put(ctx, parseOrder(t))
	require.NoError(t, err)
	assert.False(t, s.Exists("relator:cache:definition:order"))

	_, err = reg.Get(ctx, "order")
	require.NoError(t, err)
	assert.True(t, s.Exists("relator:cache:definition:order"))

	_, err = reg.Put(ctx, parseOrder(t))
	require.NoError(t, err)
	assert.False(t, s.Exists("relator:cache:definition:order"), "put drops the cached copy")
}

func TestRegistryUnknownType(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	fields, err := reg.IgnoreFields(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestRegistryListAndIgnoreFields(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	_, err := reg.Put(ctx, parseOrder(t))
	require.NoError(t, err)

	defs, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "order", defs[0].Name)

	fields, err := reg.IgnoreFields(ctx, "order")
	require.NoError(t, err)
	assert.Contains(t, fields, "lines.note")
}

func TestDefinitionJSONRoundTrip(t *testing.T) {
	raw, err := json.Marshal(parseOrder(t))
	require.NoError(t, err)

	var def Definition
	require.NoError(t, json.Unmarshal(raw, &def))
	assert.Equal(t, "order", def.Name)
	assert.Len(t, ExtractAssociationDetails(&def), 2)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "order.yaml"), []byte(orderYAML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "customer.json"), []byte(`{"type":"object","properties":{"name":{"type":"string"}}}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	defs, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "customer", defs[0].Name, "name falls back to the file name")
	assert.Equal(t, "order", defs[1].Name)
}

func TestWatcherReloadsChangedFiles(t *testing.T) {
	dir := t.TempDir()
	changed := make(chan string, 4)
	w, err := NewWatcher(dir, func(_ context.Context, def *Definition) error {
		changed <- def.Name
		return nil
	}, nil)
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "order.yaml"), []byte(orderYAML), 0o600))
	select {
	case name := <-changed:
		assert.Equal(t, "order", name)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the new definition")
	}
}
