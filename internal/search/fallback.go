package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"copydesk/api/internal/store"
)

// StoreSearcher answers queries straight from the copy store. It only finds
// exact matches, on the full text or on the slug, which is what the store
// indexes.
type StoreSearcher struct {
	store store.CopyStore
}

func NewStoreSearcher(s store.CopyStore) *StoreSearcher {
	return &StoreSearcher{store: s}
}

func (s *StoreSearcher) Healthy() bool { return true }

func (s *StoreSearcher) Search(ctx context.Context, q Query) ([]Hit, int, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, 0, nil
	}

	filters := []store.Filter{
		{Text: store.String(text)},
		{Slug: store.String(strings.ToLower(text))},
	}
	seen := map[string]struct{}{}
	var matches []store.Copy
	for _, filter := range filters {
		if q.Language != "" {
			filter.Language = store.String(q.Language)
		}
		found, err := s.store.FindMany(ctx, filter)
		if err != nil {
			return nil, 0, fmt.Errorf("search copies: %w", err)
		}
		for _, c := range found {
			if _, ok := seen[c.ID]; ok {
				continue
			}
			seen[c.ID] = struct{}{}
			matches = append(matches, c)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Language != matches[j].Language {
			return matches[i].Language < matches[j].Language
		}
		return matches[i].ID < matches[j].ID
	})

	total := len(matches)
	matches = page(matches, q.Offset, q.Limit)
	hits := make([]Hit, 0, len(matches))
	for _, c := range matches {
		hits = append(hits, hitFor(c))
	}
	return hits, total, nil
}

func page(items []store.Copy, offset, limit int) []store.Copy {
	if offset >= len(items) {
		return nil
	}
	if offset > 0 {
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
