package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// PostgresStore keeps every collection in the single JSONB documents table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Insert(ctx context.Context, collection string, doc Document) error {
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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, data)
		VALUES ($1, $2, $3::jsonb)
	`, collection, id, string(payload))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("insert %s/%s: %w", collection, id, ErrDuplicate)
		}
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, collection string, filter Filter, opts QueryOptions) ([]Document, error) {
	if err := validate(collection, filter); err != nil {
		return nil, err
	}
	where, args, err := pgWhere(collection, filter)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString(`SELECT data::text FROM documents WHERE `)
	b.WriteString(where)
	b.WriteString(` ORDER BY `)
	for _, key := range opts.Sort {
		direction := "ASC"
		if key.Descending {
			direction = "DESC"
		}
		fmt.Fprintf(&b, "data #> %s %s, ", pgPath(key.Path), direction)
	}
	b.WriteString(`seq ASC`)
	if opts.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

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

func (s *PostgresStore) QueryOne(ctx context.Context, collection string, filter Filter) (Document, error) {
	items, err := s.Query(ctx, collection, filter, QueryOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return items[0], nil
}

func (s *PostgresStore) Update(ctx context.Context, collection string, doc Document) error {
	id := doc.ID()
	if id == "" {
		return fmt.Errorf("update document: id required")
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET data=$3::jsonb, updated_at=NOW()
		WHERE collection=$1 AND id=$2
	`, collection, id, string(payload))
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

func (s *PostgresStore) Delete(ctx context.Context, collection string, filter Filter) (int64, error) {
	if err := validate(collection, filter); err != nil {
		return 0, err
	}
	where, args, err := pgWhere(collection, filter)
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// pgWhere compares jsonb sub-values, so equality on nested objects is exact
// and numbers order numerically.
func pgWhere(collection string, filter Filter) (string, []any, error) {
	clauses := []string{"collection = $1"}
	args := []any{collection}
	for _, cond := range filter {
		value, err := json.Marshal(cond.Value)
		if err != nil {
			return "", nil, fmt.Errorf("encode filter value: %w", err)
		}
		args = append(args, string(value))
		clauses = append(clauses, fmt.Sprintf("data #> %s %s $%d::jsonb", pgPath(cond.Path), cond.Op, len(args)))
	}
	return strings.Join(clauses, " AND "), args, nil
}

// pgPath renders a dot-path as a text[] literal. Paths are inlined so the
// expression indexes on data #> '{...}' apply.
func pgPath(path string) string {
	parts := splitPath(path)
	for i, part := range parts {
		part = strings.ReplaceAll(part, `\`, `\\`)
		parts[i] = `"` + strings.ReplaceAll(part, `"`, `\"`) + `"`
	}
	literal := "{" + strings.Join(parts, ",") + "}"
	return "'" + strings.ReplaceAll(literal, "'", "''") + "'::text[]"
}
