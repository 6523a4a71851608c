package consistency

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"copydesk/api/internal/store"
)

// tickingClock advances one millisecond per call so updatedAt orders writes.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
}

func sequentialGroupIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("grp_%d", n)
	}
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore(store.WithClock(tickingClock()))
	opts = append([]Option{WithGroupIDFunc(sequentialGroupIDs())}, opts...)
	e := New(s, opts...)
	e.retryBackoff = 0
	return e, s
}

func seedCopies(t *testing.T, s store.CopyStore, items ...store.Copy) []store.Copy {
	t.Helper()
	out := make([]store.Copy, 0, len(items))
	for _, item := range items {
		if item.Status == "" {
			item.Status = store.StatusNotAssigned
		}
		inserted, err := s.InsertOne(context.Background(), item)
		if err != nil {
			t.Fatalf("seed %s/%s: %v", item.Slug, item.Language, err)
		}
		out = append(out, inserted)
	}
	return out
}

func mustCreate(t *testing.T, e *Engine, input NewCopyInput) store.Copy {
	t.Helper()
	item, err := e.CreateCopy(context.Background(), input)
	if err != nil {
		t.Fatalf("CreateCopy(%+v) error = %v", input, err)
	}
	return item
}

func mustFind(t *testing.T, s store.CopyStore, id string) store.Copy {
	t.Helper()
	item, err := s.FindOne(context.Background(), store.ByID(id))
	if err != nil {
		t.Fatalf("FindOne(%s) error = %v", id, err)
	}
	return item
}

func allCopies(t *testing.T, s store.CopyStore) []store.Copy {
	t.Helper()
	items, err := s.FindMany(context.Background(), store.Filter{})
	if err != nil {
		t.Fatalf("FindMany() error = %v", err)
	}
	return items
}

// assertInvariants checks slug uniqueness per language, group convergence and
// at most one original per group.
func assertInvariants(t *testing.T, s store.CopyStore) {
	t.Helper()
	items := allCopies(t, s)
	holders := map[string]string{}
	groupSlugs := map[string]string{}
	originals := map[string]int{}
	for _, item := range items {
		if item.Slug != "" {
			key := item.Language + "/" + item.Slug
			if other, ok := holders[key]; ok {
				t.Fatalf("slug %q used twice in %s: %s and %s", item.Slug, item.Language, other, item.ID)
			}
			holders[key] = item.ID
		}
		groupID := item.GroupID()
		if groupID == "" {
			continue
		}
		if slug, ok := groupSlugs[groupID]; ok && slug != item.Slug {
			t.Fatalf("group %s diverged: %q vs %q", groupID, slug, item.Slug)
		}
		groupSlugs[groupID] = item.Slug
		if item.IsOriginalText {
			originals[groupID]++
			if originals[groupID] > 1 {
				t.Fatalf("group %s has more than one original", groupID)
			}
		}
	}
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
}

func (o *recordingObserver) Observe(_ context.Context, op, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, op+":"+outcome)
}

func (o *recordingObserver) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.calls...)
}
