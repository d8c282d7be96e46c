// Package search mirrors node writes into a full-text index.
package search

import "relator/api/internal/store"

// Result is a single search hit returned to the caller.
type Result struct {
	Type    string         `json:"type"`
	ID      string         `json:"id"`
	Snippet string         `json:"snippet,omitempty"`
	Node    store.Document `json:"node"`
}

// Query describes a search request. An empty Type searches every index the
// backend knows about.
type Query struct {
	Text   string
	Type   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Backend is a full-text index of nodes.
type Backend interface {
	Upsert(nodeType string, doc store.Document) error
	Delete(nodeType, id string) error
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}
