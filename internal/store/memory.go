package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"copydesk/api/internal/util"
)

var _ CopyStore = (*MemoryStore)(nil)

// Op names a MemoryStore operation for fault injection.
type Op string

const (
	OpFindOne    Op = "find_one"
	OpFindMany   Op = "find_many"
	OpInsertOne  Op = "insert_one"
	OpUpdateOne  Op = "update_one"
	OpUpdateMany Op = "update_many"
	OpDeleteMany Op = "delete_many"
	OpPing       Op = "ping"
)

// FaultFunc is consulted before every operation. A non-nil return aborts the
// operation with that error wrapped as unavailable. id is the target id for
// UpdateOne and empty otherwise.
type FaultFunc func(op Op, id string) error

// MemoryStore keeps copies in a map guarded by a mutex. It backs local
// development and the engine tests.
type MemoryStore struct {
	mu     sync.RWMutex
	items  map[string]Copy
	now    func() time.Time
	faults FaultFunc
}

// MemoryOption customizes a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces the timestamp source.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		items: make(map[string]Copy),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetFaults installs (or clears, with nil) the fault hook.
func (s *MemoryStore) SetFaults(fn FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = fn
}

func (s *MemoryStore) fault(op Op, id string) error {
	if s.faults == nil {
		return nil
	}
	if err := s.faults(op, id); err != nil {
		return Unavailable(string(op), err)
	}
	return nil
}

func (s *MemoryStore) FindOne(ctx context.Context, filter Filter) (Copy, error) {
	items, err := s.find(ctx, OpFindOne, filter)
	if err != nil {
		return Copy{}, err
	}
	if len(items) == 0 {
		return Copy{}, ErrNotFound
	}
	return items[0], nil
}

func (s *MemoryStore) FindMany(ctx context.Context, filter Filter) ([]Copy, error) {
	return s.find(ctx, OpFindMany, filter)
}

func (s *MemoryStore) find(ctx context.Context, op Op, filter Filter) ([]Copy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.fault(op, ""); err != nil {
		return nil, err
	}
	items := make([]Copy, 0)
	for _, item := range s.items {
		if filter.Matches(item) {
			items = append(items, cloneCopy(item))
		}
	}
	sortCopies(items)
	return items, nil
}

func (s *MemoryStore) InsertOne(ctx context.Context, item Copy) (Copy, error) {
	if err := ctx.Err(); err != nil {
		return Copy{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpInsertOne, item.ID); err != nil {
		return Copy{}, err
	}
	if item.ID == "" {
		item.ID = util.NewID("cpy")
	}
	now := s.now()
	item.CreatedAt = now
	item.UpdatedAt = now
	s.items[item.ID] = cloneCopy(item)
	return item, nil
}

func (s *MemoryStore) UpdateOne(ctx context.Context, id string, patch Patch) (Copy, error) {
	if err := ctx.Err(); err != nil {
		return Copy{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpUpdateOne, id); err != nil {
		return Copy{}, err
	}
	item, ok := s.items[id]
	if !ok {
		return Copy{}, ErrNotFound
	}
	patch.Apply(&item, s.now())
	s.items[id] = item
	return cloneCopy(item), nil
}

func (s *MemoryStore) UpdateMany(ctx context.Context, filter Filter, patch Patch) (int64, error) {
	if filter.IsEmpty() {
		return 0, ErrEmptyFilter
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpUpdateMany, ""); err != nil {
		return 0, err
	}
	now := s.now()
	var count int64
	for id, item := range s.items {
		if !filter.Matches(item) {
			continue
		}
		patch.Apply(&item, now)
		s.items[id] = item
		count++
	}
	return count, nil
}

func (s *MemoryStore) DeleteMany(ctx context.Context, filter Filter) (int64, error) {
	if filter.IsEmpty() {
		return 0, ErrEmptyFilter
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpDeleteMany, ""); err != nil {
		return 0, err
	}
	var count int64
	for id, item := range s.items {
		if filter.Matches(item) {
			delete(s.items, id)
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fault(OpPing, "")
}

// Len returns the number of stored copies.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func cloneCopy(item Copy) Copy {
	if item.TranslationGroupID != nil {
		groupID := *item.TranslationGroupID
		item.TranslationGroupID = &groupID
	}
	return item
}

func sortCopies(items []Copy) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}
