package search

import (
	"context"

	"copydesk/api/internal/store"
)

// Hit is a single search result returned to the caller.
type Hit struct {
	ID          string `json:"id"`
	Slug        string `json:"slug"`
	Language    string `json:"language"`
	Snippet     string `json:"snippet"`
	GroupID     string `json:"groupId,omitempty"`
	NeedsReview bool   `json:"needsSlugReview"`
}

// Query describes a search request.
type Query struct {
	Text     string
	Language string // empty = all languages
	Limit    int
	Offset   int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Hits    []Hit  `json:"hits"`
	Total   int    `json:"total"`
	Query   string `json:"query"`
	Backend string `json:"backend"`
}

// Searcher can execute a search over copies.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Hit, int, error)
	Healthy() bool
}

// Indexer can push copies into a search index.
type Indexer interface {
	IndexCopies(copies []store.Copy) error
	DeleteCopies(ids []string) error
}

// Index is a search backend that is also kept up to date on writes.
type Index interface {
	Searcher
	Indexer
}

// CopyRecord is the data we index for a copy.
type CopyRecord struct {
	ID                 string `json:"id"`
	Slug               string `json:"slug"`
	Language           string `json:"language"`
	Text               string `json:"text"`
	Status             string `json:"status"`
	TranslationGroupID string `json:"translationGroupId"`
	IsOriginalText     bool   `json:"isOriginalText"`
	NeedsSlugReview    bool   `json:"needsSlugReview"`
}

func recordFor(c store.Copy) CopyRecord {
	return CopyRecord{
		ID:                 c.ID,
		Slug:               c.Slug,
		Language:           c.Language,
		Text:               c.Text,
		Status:             string(c.Status),
		TranslationGroupID: c.GroupID(),
		IsOriginalText:     c.IsOriginalText,
		NeedsSlugReview:    c.NeedsSlugReview,
	}
}

func hitFor(c store.Copy) Hit {
	return Hit{
		ID:          c.ID,
		Slug:        c.Slug,
		Language:    c.Language,
		Snippet:     snippet(c.Text),
		GroupID:     c.GroupID(),
		NeedsReview: c.NeedsSlugReview,
	}
}

const snippetRunes = 160

func snippet(text string) string {
	runes := []rune(text)
	if len(runes) <= snippetRunes {
		return text
	}
	return string(runes[:snippetRunes]) + "…"
}
