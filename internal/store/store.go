// Package store is the schema-less document store used by every other layer.
// Documents live in named collections and are addressed by their "id" field.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound  = errors.New("document not found")
	ErrDuplicate = errors.New("document already exists")
)

// Document is a JSON-like value tree with a string "id" field.
type Document map[string]any

func (d Document) ID() string {
	id, _ := d["id"].(string)
	return id
}

type Op string

const (
	OpEq  Op = "="
	OpGte Op = ">="
	OpLte Op = "<="
)

// Condition compares the value at a dot-path inside a document.
type Condition struct {
	Path  string
	Op    Op
	Value any
}

type Filter []Condition

func Eq(path string, value any) Condition  { return Condition{Path: path, Op: OpEq, Value: value} }
func Gte(path string, value any) Condition { return Condition{Path: path, Op: OpGte, Value: value} }
func Lte(path string, value any) Condition { return Condition{Path: path, Op: OpLte, Value: value} }

type Sort struct {
	Path       string
	Descending bool
}

type QueryOptions struct {
	Sort  []Sort
	Limit int
}

// Store is implemented by the Postgres, SQLite and in-memory backends.
type Store interface {
	Insert(ctx context.Context, collection string, doc Document) error
	Query(ctx context.Context, collection string, filter Filter, opts QueryOptions) ([]Document, error)
	QueryOne(ctx context.Context, collection string, filter Filter) (Document, error)
	Update(ctx context.Context, collection string, doc Document) error
	Delete(ctx context.Context, collection string, filter Filter) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// DiffCollection names the append-only side collection of a primary collection.
func DiffCollection(collection string) string {
	return collection + ":diff"
}

// Encode turns a tagged struct into a Document through its JSON form.
func Encode(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return doc, nil
}

// Decode is the inverse of Encode.
func Decode(doc Document, dst any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

func splitPath(path string) []string {
	return strings.Split(strings.Trim(path, "."), ".")
}

func validate(collection string, filter Filter) error {
	if strings.TrimSpace(collection) == "" {
		return fmt.Errorf("collection name required")
	}
	for _, cond := range filter {
		switch cond.Op {
		case OpEq, OpGte, OpLte:
		default:
			return fmt.Errorf("unsupported filter op %q", cond.Op)
		}
		if strings.TrimSpace(cond.Path) == "" {
			return fmt.Errorf("filter path required")
		}
	}
	return nil
}
