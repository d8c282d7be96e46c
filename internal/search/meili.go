package search

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"relator/api/internal/store"
)

const indexPrefix = "relator_nodes_"

var unsafeIndexChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

func indexUID(nodeType string) string {
	return indexPrefix + unsafeIndexChars.ReplaceAllString(nodeType, "_")
}

// Meili implements Backend with one Meilisearch index per node type.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	logger  *slog.Logger

	mu      sync.Mutex
	indexes map[string]string // uid -> node type
}

// NewMeili creates a Meilisearch client. An unreachable server is not an
// error: the health loop picks it up once it answers.
func NewMeili(url, apiKey string, logger *slog.Logger) *Meili {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Meili{
		client:  meili.New(url, meili.WithAPIKey(apiKey)),
		done:    make(chan struct{}),
		logger:  logger.With("component", "search"),
		indexes: make(map[string]string),
	}

	if _, err := m.client.Health(); err != nil {
		m.logger.Warn("meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
	}

	go m.healthLoop()
	return m
}

// ensureIndex creates and configures the index of a node type once.
func (m *Meili) ensureIndex(nodeType string) string {
	uid := indexUID(nodeType)
	m.mu.Lock()
	_, known := m.indexes[uid]
	if !known {
		m.indexes[uid] = nodeType
	}
	m.mu.Unlock()
	if known {
		return uid
	}
	m.configureIndex(uid)
	return uid
}

func (m *Meili) configureIndex(uid string) {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        uid,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug("create index (may already exist)", "index", uid, "error", err)
	}
	filterable := []interface{}{"id"}
	if _, err := m.client.Index(uid).UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes failed", "index", uid, "error", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring indexes")
				for _, uid := range m.knownIndexes() {
					m.configureIndex(uid)
				}
			}
		}
	}
}

func (m *Meili) knownIndexes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	uids := make([]string, 0, len(m.indexes))
	for uid := range m.indexes {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	return uids
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Upsert(nodeType string, doc store.Document) error {
	uid := m.ensureIndex(nodeType)
	_, err := m.client.Index(uid).AddDocuments([]store.Document{doc}, nil)
	return err
}

func (m *Meili) Delete(nodeType, id string) error {
	_, err := m.client.Index(m.ensureIndex(nodeType)).DeleteDocument(id, nil)
	return err
}

// Search queries the index of q.Type, or every index this process has written
// to, and merges the hits.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	uids := m.knownIndexes()
	if q.Type != "" {
		uids = []string{m.ensureIndex(q.Type)}
	}
	if len(uids) == 0 {
		return nil, 0, nil
	}

	queries := make([]*meili.SearchRequest, 0, len(uids))
	for _, uid := range uids {
		queries = append(queries, &meili.SearchRequest{
			IndexUID:              uid,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		})
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: queries})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	m.mu.Lock()
	types := make(map[string]string, len(m.indexes))
	for uid, nodeType := range m.indexes {
		types[uid] = nodeType
	}
	m.mu.Unlock()

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, types[sr.IndexUID]))
		}
	}
	return results, total, nil
}

func hitToResult(hit meili.Hit, nodeType string) Result {
	node := make(store.Document, len(hit))
	for key, raw := range hit {
		if strings.HasPrefix(key, "_") {
			continue
		}
		var value any
		if err := json.Unmarshal(raw, &value); err == nil {
			node[key] = value
		}
	}
	return Result{
		Type:    nodeType,
		ID:      node.ID(),
		Snippet: formattedSnippet(hit),
		Node:    node,
	}
}

// formattedSnippet returns the first highlighted string attribute.
func formattedSnippet(hit meili.Hit) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	keys := make([]string, 0, len(formatted))
	for key := range formatted {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if s, ok := formatted[key].(string); ok && strings.Contains(s, "<mark>") {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
