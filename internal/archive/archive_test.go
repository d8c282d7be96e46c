package archive

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relator/api/internal/cache"
	"relator/api/internal/diff"
	"relator/api/internal/history"
	"relator/api/internal/store"
)

type memoryBucket struct {
	objects map[string][]byte
	types   map[string]string
	err     error
}

func (b *memoryBucket) Put(_ context.Context, key string, body []byte, contentType string) error {
	if b.err != nil {
		return b.err
	}
	if b.objects == nil {
		b.objects = map[string][]byte{}
		b.types = map[string]string{}
	}
	b.objects[key] = body
	b.types[key] = contentType
	return nil
}

func recordTwoVersions(t *testing.T, hist *history.Service) {
	t.Helper()
	ctx := context.Background()
	v1 := map[string]any{"id": "a1", "name": "Ada"}
	v2 := map[string]any{"id": "a1", "name": "Grace"}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := hist.Record(ctx, "author", "a1", diff.Compute(nil, v1), "h1", base)
	require.NoError(t, err)
	_, err = hist.Record(ctx, "author", "a1", diff.Compute(v1, v2), "h2", base.Add(time.Minute))
	require.NoError(t, err)
}

func TestExportWritesDiffLog(t *testing.T) {
	hist := history.NewService(store.NewMemoryStore(), cache.Nop{}, nil, time.Minute, nil)
	recordTwoVersions(t, hist)
	bucket := &memoryBucket{}
	exporter := NewExporter(hist, bucket, nil)
	exporter.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	key, err := exporter.Export(context.Background(), "author", "a1")
	require.NoError(t, err)
	assert.Equal(t, "history/author/a1/1700000000.json", key)
	assert.Equal(t, "application/json", bucket.types[key])

	var snap struct {
		Type  string            `json:"type"`
		ID    string            `json:"id"`
		Diffs []json.RawMessage `json:"diffs"`
	}
	require.NoError(t, json.Unmarshal(bucket.objects[key], &snap))
	assert.Equal(t, "author", snap.Type)
	assert.Equal(t, "a1", snap.ID)
	require.Len(t, snap.Diffs, 2)

	var first history.Row
	require.NoError(t, json.Unmarshal(snap.Diffs[0], &first))
	assert.Equal(t, "h1", first.Hash)
	assert.True(t, first.Diff.IsRootCreate())
}

func TestExportWithoutHistoryFails(t *testing.T) {
	hist := history.NewService(store.NewMemoryStore(), cache.Nop{}, nil, time.Minute, nil)
	bucket := &memoryBucket{}
	_, err := NewExporter(hist, bucket, nil).Export(context.Background(), "author", "missing")
	require.Error(t, err)
	assert.Empty(t, bucket.objects)
}

func TestExportPropagatesBucketErrors(t *testing.T) {
	hist := history.NewService(store.NewMemoryStore(), cache.Nop{}, nil, time.Minute, nil)
	recordTwoVersions(t, hist)
	boom := errors.New("bucket offline")
	_, err := NewExporter(hist, &memoryBucket{err: boom}, nil).Export(context.Background(), "author", "a1")
	assert.ErrorIs(t, err, boom)
}
