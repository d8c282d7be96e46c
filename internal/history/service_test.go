package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relator/api/internal/cache"
	"relator/api/internal/diff"
	"relator/api/internal/store"
)

type fakeIgnore struct {
	fields []string
}

func (f fakeIgnore) IgnoreFields(context.Context, string) ([]string, error) {
	return f.fields, nil
}

type historyFixture struct {
	svc   *Service
	docs  *store.MemoryStore
	redis *miniredis.Miniredis
	times []time.Time
}

// newHistoryFixture saves each version as the current node and records its diff
// one minute apart.
func newHistoryFixture(t *testing.T, ignore []string, vs ...map[string]any) historyFixture {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	docs := store.NewMemoryStore()
	svc := NewService(docs, cache.NewRedis(client), fakeIgnore{fields: ignore}, time.Minute, nil)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	var prev map[string]any
	var times []time.Time
	for i, v := range vs {
		at := base.Add(time.Duration(i) * time.Minute)
		hash, err := ContentHash(v)
		require.NoError(t, err)
		if prev == nil {
			require.NoError(t, docs.Insert(ctx, "items", store.Document(v)))
		} else {
			require.NoError(t, docs.Update(ctx, "items", store.Document(v)))
		}
		var before any
		if prev != nil {
			before = prev
		}
		_, err = svc.Record(ctx, "items", "n1", diff.Compute(before, v), hash, at)
		require.NoError(t, err)
		prev = v
		times = append(times, at)
	}
	return historyFixture{svc: svc, docs: docs, redis: s, times: times}
}

func TestStateAt(t *testing.T) {
	v0 := map[string]any{"id": "n1", "name": "a", "count": float64(1)}
	v1 := map[string]any{"id": "n1", "name": "b", "count": float64(2)}
	v2 := map[string]any{"id": "n1", "name": "c", "count": float64(3)}
	fx := newHistoryFixture(t, nil, v0, v1, v2)
	ctx := context.Background()

	got, err := fx.svc.StateAt(ctx, "items", "n1", fx.times[1].Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, store.Document(v1), got)

	got, err = fx.svc.StateAt(ctx, "items", "n1", fx.times[0])
	require.NoError(t, err)
	assert.Equal(t, store.Document(v0), got)

	got, err = fx.svc.StateAt(ctx, "items", "n1", fx.times[2].Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, store.Document(v2), got)
}

func TestStateAtUsesAndInvalidatesCache(t *testing.T) {
	v0 := map[string]any{"id": "n1", "name": "a"}
	v1 := map[string]any{"id": "n1", "name": "b"}
	fx := newHistoryFixture(t, nil, v0, v1)
	ctx := context.Background()

	at := fx.times[1]
	_, err := fx.svc.StateAt(ctx, "items", "n1", at)
	require.NoError(t, err)
	key := "relator:cache:" + cacheKey("items", "n1", at)
	assert.True(t, fx.redis.Exists(key))

	v2 := map[string]any{"id": "n1", "name": "c"}
	hash, err := ContentHash(v2)
	require.NoError(t, err)
	_, err = fx.svc.Record(ctx, "items", "n1", diff.Compute(v1, v2), hash, at.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, fx.redis.Exists(key), "a new write must drop cached states")
}

func TestStateAtMissingNode(t *testing.T) {
	fx := newHistoryFixture(t, nil)
	_, err := fx.svc.StateAt(context.Background(), "items", "n1", time.Now())
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestStateAtHonoursIgnoreFields(t *testing.T) {
	v0 := map[string]any{"id": "n1", "name": "a", "views": float64(1)}
	v1 := map[string]any{"id": "n1", "name": "b", "views": float64(5)}
	fx := newHistoryFixture(t, []string{"views"}, v0, v1)

	got, err := fx.svc.StateAt(context.Background(), "items", "n1", fx.times[0])
	require.NoError(t, err)
	assert.Equal(t, store.Document{"id": "n1", "name": "a", "views": float64(5)}, got)
}

func TestStateAtHash(t *testing.T) {
	v0 := map[string]any{"id": "n1", "name": "a"}
	v1 := map[string]any{"id": "n1", "name": "b", "extra": []any{"x"}}
	v2 := map[string]any{"id": "n1", "name": "c"}
	fx := newHistoryFixture(t, nil, v0, v1, v2)
	ctx := context.Background()

	hash, err := ContentHash(v1)
	require.NoError(t, err)
	got, err := fx.svc.StateAtHash(ctx, "items", "n1", hash)
	require.NoError(t, err)
	assert.Equal(t, store.Document(v1), got)

	_, err = fx.svc.StateAtHash(ctx, "items", "n1", "missing")
	assert.True(t, errors.Is(err, ErrHashNotFound))
}

func TestStateAtHashAfterIgnoredFieldChange(t *testing.T) {
	v0 := map[string]any{"id": "n1", "name": "a", "secret": "s"}
	v1 := map[string]any{"id": "n1", "name": "b", "secret": "s2"}
	v2 := map[string]any{"id": "n1", "name": "c", "secret": "s2"}
	fx := newHistoryFixture(t, []string{"secret"}, v0, v1, v2)

	hash, err := ContentHash(v1)
	require.NoError(t, err)
	got, err := fx.svc.StateAtHash(context.Background(), "items", "n1", hash)
	require.NoError(t, err)
	assert.Equal(t, store.Document(v1), got)
}

func TestLogIsAscending(t *testing.T) {
	v0 := map[string]any{"id": "n1", "name": "a"}
	v1 := map[string]any{"id": "n1", "name": "b"}
	fx := newHistoryFixture(t, nil, v0, v1)

	rows, err := fx.svc.Log(context.Background(), "items", "n1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Diff.IsRootCreate())
	assert.True(t, fx.times[1].Equal(rows[1].Time()))
}

func TestListDescendingKeepsTiesReversed(t *testing.T) {
	s := NewStore(store.NewMemoryStore())
	ctx := context.Background()
	at := time.UnixMilli(1000)
	for _, name := range []string{"a", "b", "c"} {
		_, err := s.StoreDiff(ctx, "items", "n1", diff.Compute(nil, map[string]any{"name": name}), name, at)
		require.NoError(t, err)
	}

	rows, err := s.List(ctx, "items", "n1", ListOptions{Descending: true})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{rows[0].Hash, rows[1].Hash, rows[2].Hash})

	rows, err = s.List(ctx, "items", "n1", ListOptions{TargetHash: "b"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = s.List(ctx, "items", "n1", ListOptions{Since: time.UnixMilli(1001)})
	require.NoError(t, err)
	assert.Empty(t, rows)
}
