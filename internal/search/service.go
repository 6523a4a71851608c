package search

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"copydesk/api/internal/store"
)

const (
	BackendMeili = "meilisearch"
	BackendStore = "store"
)

// Metrics counts which backend answered a query.
type Metrics interface {
	ObserveSearch(backend string)
}

// Service is the facade that tries the index first and falls back to the store.
type Service struct {
	index    Index
	fallback Searcher
	logger   *log.Logger
	metrics  Metrics
	pending  sync.WaitGroup
}

// NewService creates a search service. index may be nil if Meilisearch is
// not configured; metrics may be nil.
func NewService(index Index, fallback Searcher, logger *log.Logger, metrics Metrics) *Service {
	return &Service{index: index, fallback: fallback, logger: logger, metrics: metrics}
}

// Search tries the index if healthy, otherwise falls back to the store.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.index != nil && s.index.Healthy() {
		hits, total, err := s.index.Search(ctx, q)
		if err == nil {
			s.count(BackendMeili)
			return Response{Hits: nonNil(hits), Total: total, Query: q.Text, Backend: BackendMeili}
		}
		s.logger.Warn("index search failed, falling back to store", "err", err)
	}

	s.count(BackendStore)
	hits, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("store search failed", "err", err)
		return Response{Hits: []Hit{}, Total: 0, Query: q.Text, Backend: BackendStore}
	}
	return Response{Hits: nonNil(hits), Total: total, Query: q.Text, Backend: BackendStore}
}

// IndexCopies refreshes copies in the index (fire-and-forget).
func (s *Service) IndexCopies(copies ...store.Copy) {
	if len(copies) == 0 || !s.indexReady() {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.index.IndexCopies(copies); err != nil {
			s.logger.Warn("index copies", "count", len(copies), "err", err)
		}
	}()
}

// DeleteCopies removes copies from the index (fire-and-forget).
func (s *Service) DeleteCopies(ids ...string) {
	if len(ids) == 0 || !s.indexReady() {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.index.DeleteCopies(ids); err != nil {
			s.logger.Warn("delete copies from index", "count", len(ids), "err", err)
		}
	}()
}

// Reindex pushes every copy in the store into the index. Called at startup
// when the index is reachable.
func (s *Service) Reindex(ctx context.Context, source store.CopyStore) error {
	if !s.indexReady() {
		return nil
	}
	copies, err := source.FindMany(ctx, store.Filter{})
	if err != nil {
		return err
	}
	if err := s.index.IndexCopies(copies); err != nil {
		return err
	}
	s.logger.Info("search index rebuilt", "copies", len(copies))
	return nil
}

// Flush waits for in-flight index updates.
func (s *Service) Flush() {
	s.pending.Wait()
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

func (s *Service) count(backend string) {
	if s.metrics != nil {
		s.metrics.ObserveSearch(backend)
	}
}

func nonNil(h []Hit) []Hit {
	if h == nil {
		return []Hit{}
	}
	return h
}
