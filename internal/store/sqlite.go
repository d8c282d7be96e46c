package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore is the single-process backend. Documents are stored as JSON
// text and filtered with json_extract, so values written through this package
// (sorted map keys) compare byte-for-byte.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = "relator.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			data TEXT NOT NULL,
			UNIQUE (collection, id)
		)
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, collection string, doc Document) error {
	if err := validate(collection, nil); err != nil {
		return err
	}
	id := doc.ID()
	if id == "" {
		return fmt.Errorf("insert document: id required")
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO documents (collection, id, data) VALUES (?, ?, ?)`, collection, id, string(payload))
	if err != nil {
		var sqliteErr *sqlite.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
			return fmt.Errorf("insert %s/%s: %w", collection, id, ErrDuplicate)
		}
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Query(ctx context.Context, collection string, filter Filter, opts QueryOptions) ([]Document, error) {
	if err := validate(collection, filter); err != nil {
		return nil, err
	}
	where, args, err := sqliteWhere(collection, filter)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString(`SELECT data FROM documents WHERE `)
	b.WriteString(where)
	b.WriteString(` ORDER BY `)
	for _, key := range opts.Sort {
		args = append(args, jsonPath(key.Path))
		direction := "ASC"
		if key.Descending {
			direction = "DESC"
		}
		fmt.Fprintf(&b, "json_extract(data, ?) %s, ", direction)
	}
	b.WriteString(`seq ASC`)
	if opts.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer func() { _ = rows.Close() }()

	items := make([]Document, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		var doc Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		items = append(items, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) QueryOne(ctx context.Context, collection string, filter Filter) (Document, error) {
	items, err := s.Query(ctx, collection, filter, QueryOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return items[0], nil
}

func (s *SQLiteStore) Update(ctx context.Context, collection string, doc Document) error {
	id := doc.ID()
	if id == "" {
		return fmt.Errorf("update document: id required")
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `UPDATE documents SET data=? WHERE collection=? AND id=?`, string(payload), collection, id)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, collection string, filter Filter) (int64, error) {
	if err := validate(collection, filter); err != nil {
		return 0, err
	}
	where, args, err := sqliteWhere(collection, filter)
	if err != nil {
		return 0, err
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", collection, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete rows: %w", err)
	}
	return affected, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func sqliteWhere(collection string, filter Filter) (string, []any, error) {
	clauses := []string{"collection = ?"}
	args := []any{collection}
	for _, cond := range filter {
		value, err := json.Marshal(cond.Value)
		if err != nil {
			return "", nil, fmt.Errorf("encode filter value: %w", err)
		}
		args = append(args, jsonPath(cond.Path), string(value))
		clauses = append(clauses, fmt.Sprintf("json_extract(data, ?) %s json_extract(?, '$')", cond.Op))
	}
	return strings.Join(clauses, " AND "), args, nil
}

// jsonPath quotes every segment so collection-style keys survive json_extract.
func jsonPath(path string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, part := range splitPath(path) {
		b.WriteString(`."`)
		b.WriteString(strings.ReplaceAll(part, `"`, `\"`))
		b.WriteString(`"`)
	}
	return b.String()
}
