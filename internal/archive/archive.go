// Package archive exports node diff logs to S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"relator/api/internal/history"
)

// Bucket stores archive objects.
type Bucket interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

type MinioConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// MinioBucket is a Bucket backed by minio-go.
type MinioBucket struct {
	client *minio.Client
	bucket string
}

// NewMinioBucket connects and creates the bucket when it does not exist.
func NewMinioBucket(ctx context.Context, cfg MinioConfig) (*MinioBucket, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create archive client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check archive bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create archive bucket: %w", err)
		}
	}
	return &MinioBucket{client: client, bucket: cfg.Bucket}, nil
}

func (b *MinioBucket) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Log is the read side of the diff store the exporter needs.
type Log interface {
	Log(ctx context.Context, entityType, entityID string) ([]history.Row, error)
}

// Snapshot is the archived form of one node's history.
type Snapshot struct {
	Type       string        `json:"type"`
	ID         string        `json:"id"`
	ExportedAt time.Time     `json:"exportedAt"`
	Diffs      []history.Row `json:"diffs"`
}

type Exporter struct {
	log    Log
	bucket Bucket
	now    func() time.Time
	logger *slog.Logger
}

func NewExporter(log Log, bucket Bucket, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{log: log, bucket: bucket, now: time.Now, logger: logger.With("component", "archive")}
}

func Key(nodeType, id string, at time.Time) string {
	return fmt.Sprintf("history/%s/%s/%d.json", nodeType, id, at.Unix())
}

// Export writes the full diff log of a node and returns the object key.
func (e *Exporter) Export(ctx context.Context, nodeType, id string) (string, error) {
	rows, err := e.log.Log(ctx, nodeType, id)
	if err != nil {
		return "", fmt.Errorf("load diff log: %w", err)
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("export %s/%s: no history", nodeType, id)
	}

	now := e.now().UTC()
	body, err := json.MarshalIndent(Snapshot{Type: nodeType, ID: id, ExportedAt: now, Diffs: rows}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	key := Key(nodeType, id, now)
	if err := e.bucket.Put(ctx, key, body, "application/json"); err != nil {
		return "", err
	}
	e.logger.Info("history archived", "type", nodeType, "id", id, "key", key, "rows", len(rows))
	return key, nil
}
