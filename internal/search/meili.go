package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	meili "github.com/meilisearch/meilisearch-go"

	"copydesk/api/internal/store"
)

const idxCopies = "copydesk_copies"

var errUnhealthy = errors.New("meilisearch unhealthy")

// Meili implements Index via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  *log.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the copy index. A
// failed initial connection leaves the client unhealthy; the background
// health loop picks it up once the server answers.
func NewMeili(url, apiKey string, logger *log.Logger) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: logger,
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		logger.Warn("meilisearch unavailable", "url", url, "err", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxCopies,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug("create index (may already exist)", "index", idxCopies, "err", err)
	}

	index := m.client.Index(idxCopies)
	filterable := []interface{}{"language", "translationGroupId", "needsSlugReview", "status"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", "index", idxCopies, "err", err)
	}
	searchable := []string{"text", "slug"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", "index", idxCopies, "err", err)
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
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]Hit, int, error) {
	if !m.healthy.Load() {
		return nil, 0, errUnhealthy
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}
	req := &meili.SearchRequest{
		Limit:                 limit,
		Offset:                int64(q.Offset),
		AttributesToHighlight: []string{"text"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if q.Language != "" {
		req.Filter = []string{fmt.Sprintf("language = %q", q.Language)}
	}

	resp, err := m.client.Index(idxCopies).Search(q.Text, req)
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	hits := make([]Hit, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		hits = append(hits, hitToResult(hit))
	}
	return hits, int(resp.EstimatedTotalHits), nil
}

func hitToResult(hit meili.Hit) Hit {
	return Hit{
		ID:          decodeString(hit, "id"),
		Slug:        decodeString(hit, "slug"),
		Language:    decodeString(hit, "language"),
		GroupID:     decodeString(hit, "translationGroupId"),
		Snippet:     firstNonBlank(decodeFormattedString(hit, "text"), snippet(decodeString(hit, "text"))),
		NeedsReview: decodeBool(hit, "needsSlugReview"),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeBool(hit meili.Hit, key string) bool {
	raw, ok := hit[key]
	if !ok {
		return false
	}
	var b bool
	_ = json.Unmarshal(raw, &b)
	return b
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexCopies adds or updates copies in the search index.
func (m *Meili) IndexCopies(copies []store.Copy) error {
	if len(copies) == 0 {
		return nil
	}
	records := make([]CopyRecord, 0, len(copies))
	for _, c := range copies {
		records = append(records, recordFor(c))
	}
	_, err := m.client.Index(idxCopies).AddDocuments(records, nil)
	return err
}

// DeleteCopies removes copies from the search index.
func (m *Meili) DeleteCopies(ids []string) error {
	for _, id := range ids {
		if _, err := m.client.Index(idxCopies).DeleteDocument(id, nil); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}
	return nil
}
