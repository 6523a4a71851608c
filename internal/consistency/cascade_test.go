package consistency

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"copydesk/api/internal/store"
)

// threeLanguageGroup creates es (original), en and fr copies sharing slug.
func threeLanguageGroup(t *testing.T, e *Engine, slug string) (es, en, fr store.Copy) {
	t.Helper()
	es = mustCreate(t, e, NewCopyInput{Text: "Guardar", Slug: slug, Language: "es"})
	en = mustCreate(t, e, NewCopyInput{Text: "Save", Slug: slug, Language: "en"})
	fr = mustCreate(t, e, NewCopyInput{Text: "Enregistrer", Slug: slug, Language: "fr"})
	return es, en, fr
}

func TestRenameCascadesAcrossGroup(t *testing.T) {
	e, s := newTestEngine(t)
	es, en, fr := threeLanguageGroup(t, e, "old")

	result, err := e.Rename(context.Background(), RenameInput{CopyID: es.ID, NewSlug: "new", CascadeToGroup: true, Curator: true})
	if err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if result.Updated != 3 || result.Total != 3 || result.GroupID != es.GroupID() {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(result.Copies) != 3 || result.Copies[2].ID != es.ID {
		t.Fatalf("expected originating copy written last, got %+v", result.Copies)
	}
	for _, id := range []string{es.ID, en.ID, fr.ID} {
		item := mustFind(t, s, id)
		if item.Slug != "new" || item.NeedsSlugReview {
			t.Fatalf("copy %s not renamed and confirmed: %+v", id, item)
		}
	}
	assertInvariants(t, s)
}

func TestRenameByNonCuratorFlagsReview(t *testing.T) {
	e, s := newTestEngine(t)
	es, en, _ := threeLanguageGroup(t, e, "old")
	for _, id := range []string{es.ID, en.ID} {
		if _, err := s.UpdateOne(context.Background(), id, store.Patch{NeedsSlugReview: store.Bool(false)}); err != nil {
			t.Fatalf("UpdateOne() error = %v", err)
		}
	}

	if _, err := e.Rename(context.Background(), RenameInput{CopyID: en.ID, NewSlug: "new", CascadeToGroup: true}); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	for _, item := range allCopies(t, s) {
		if !item.NeedsSlugReview {
			t.Fatalf("expected review flag on %s after non-curator rename", item.ID)
		}
	}
}

func TestRenameConflictLeavesStoreUntouched(t *testing.T) {
	e, s := newTestEngine(t)
	es, _, _ := threeLanguageGroup(t, e, "old")
	unrelated := mustCreate(t, e, NewCopyInput{Text: "Taken", Slug: "taken", Language: "en"})
	before := allCopies(t, s)

	_, err := e.Rename(context.Background(), RenameInput{CopyID: es.ID, NewSlug: "taken", CascadeToGroup: true, Curator: true})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Language != "en" || conflict.CopyID != unrelated.ID || conflict.Slug != "taken" {
		t.Fatalf("unexpected conflict: %+v", conflict)
	}

	after := allCopies(t, s)
	if len(after) != len(before) {
		t.Fatalf("expected %d copies, got %d", len(before), len(after))
	}
	for i := range before {
		if after[i].Slug != before[i].Slug || !after[i].UpdatedAt.Equal(before[i].UpdatedAt) {
			t.Fatalf("copy %s mutated: %+v -> %+v", before[i].ID, before[i], after[i])
		}
	}
}

func TestRenameToCurrentSlugIsNoop(t *testing.T) {
	e, s := newTestEngine(t)
	es, _, _ := threeLanguageGroup(t, e, "same")
	s.SetFaults(func(op store.Op, id string) error {
		if op == store.OpUpdateOne || op == store.OpUpdateMany {
			t.Fatalf("unexpected write %s", op)
		}
		return nil
	})

	result, err := e.Rename(context.Background(), RenameInput{CopyID: es.ID, NewSlug: " Same ", CascadeToGroup: true})
	if err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if result.Updated != 0 || result.Total != 0 {
		t.Fatalf("expected no-op, got %+v", result)
	}
}

func TestRenameMaterializesGroupForLegacyCopies(t *testing.T) {
	e, s := newTestEngine(t)
	items := seedCopies(t, s,
		store.Copy{Slug: "old", Language: "en", Text: "Hello"},
		store.Copy{Slug: "old", Language: "es", Text: "Hola"},
	)

	result, err := e.Rename(context.Background(), RenameInput{CopyID: items[0].ID, NewSlug: "new", CascadeToGroup: true, Curator: true})
	if err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if result.GroupID != "grp_1" || result.Updated != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
	en, es := mustFind(t, s, items[0].ID), mustFind(t, s, items[1].ID)
	if en.GroupID() != "grp_1" || es.GroupID() != "grp_1" {
		t.Fatalf("expected both copies in grp_1, got %q and %q", en.GroupID(), es.GroupID())
	}
	if en.Slug != "new" || es.Slug != "new" {
		t.Fatalf("expected new slug, got %q and %q", en.Slug, es.Slug)
	}
	if !en.IsOriginalText || es.IsOriginalText {
		t.Fatalf("expected renamed copy to be the original, got en=%v es=%v", en.IsOriginalText, es.IsOriginalText)
	}
	assertInvariants(t, s)
}

func TestRenameSolitaryCopyCreatesNoGroup(t *testing.T) {
	e, s := newTestEngine(t)
	item := seedCopies(t, s, store.Copy{Slug: "alone", Language: "en", Text: "Alone"})[0]

	result, err := e.Rename(context.Background(), RenameInput{CopyID: item.ID, NewSlug: "solo", CascadeToGroup: true})
	if err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if result.GroupID != "" || result.Updated != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := mustFind(t, s, item.ID); got.TranslationGroupID != nil || got.Slug != "solo" {
		t.Fatalf("unexpected copy: %+v", got)
	}
}

func TestRenameWithoutCascadeTouchesOnlyTheCopy(t *testing.T) {
	e, s := newTestEngine(t)
	es, en, _ := threeLanguageGroup(t, e, "old")

	result, err := e.Rename(context.Background(), RenameInput{CopyID: en.ID, NewSlug: "new", Curator: true})
	if err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if result.Updated != 1 || result.Total != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if mustFind(t, s, es.ID).Slug != "old" {
		t.Fatal("expected relatives untouched")
	}
}

func TestRenamePartialFailureThenRetry(t *testing.T) {
	e, s := newTestEngine(t)
	es, _, _ := threeLanguageGroup(t, e, "old")

	var mu sync.Mutex
	writes := 0
	s.SetFaults(func(op store.Op, id string) error {
		if op != store.OpUpdateOne {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		writes++
		if writes == 2 {
			return errors.New("primary stepped down")
		}
		return nil
	})

	result, err := e.Rename(context.Background(), RenameInput{CopyID: es.ID, NewSlug: "new", CascadeToGroup: true, Curator: true})
	var partial *PartialCascadeError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialCascadeError, got %v", err)
	}
	if partial.Updated != 1 || partial.Total != 3 || partial.GroupID != es.GroupID() || partial.NewSlug != "new" {
		t.Fatalf("unexpected partial failure: %+v", partial)
	}
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected cause to stay reachable, got %v", err)
	}
	if result.Updated != 1 {
		t.Fatalf("expected result to carry the partial count, got %+v", result)
	}

	renamed := 0
	for _, item := range allCopies(t, s) {
		if item.Slug == "new" {
			renamed++
		}
	}
	if renamed != 1 {
		t.Fatalf("expected exactly one renamed copy, got %d", renamed)
	}

	s.SetFaults(nil)
	retry, err := e.RetryCascade(context.Background(), RetryInput{GroupID: partial.GroupID, NewSlug: partial.NewSlug, Curator: true})
	if err != nil {
		t.Fatalf("RetryCascade() error = %v", err)
	}
	if retry.Updated != 2 || retry.Total != 2 {
		t.Fatalf("expected retry to finish the remaining 2, got %+v", retry)
	}
	for _, item := range allCopies(t, s) {
		if item.Slug != "new" {
			t.Fatalf("copy %s still has slug %q", item.ID, item.Slug)
		}
	}
	assertInvariants(t, s)
}

func TestRetryCascadeRestoresGroupOriginal(t *testing.T) {
	e, s := newTestEngine(t)
	items := seedCopies(t, s,
		store.Copy{Slug: "old", Language: "en", Text: "Hello"},
		store.Copy{Slug: "old", Language: "es", Text: "Hola"},
	)

	s.SetFaults(func(op store.Op, id string) error {
		if op == store.OpUpdateOne {
			return errors.New("connection reset")
		}
		return nil
	})
	_, err := e.Rename(context.Background(), RenameInput{CopyID: items[0].ID, NewSlug: "new", CascadeToGroup: true, Curator: true})
	var partial *PartialCascadeError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialCascadeError, got %v", err)
	}
	if partial.GroupID != "grp_1" || partial.Updated != 0 {
		t.Fatalf("unexpected partial failure: %+v", partial)
	}
	for _, item := range allCopies(t, s) {
		if item.GroupID() != "grp_1" || item.IsOriginalText {
			t.Fatalf("expected grouped copies without an original, got %+v", item)
		}
	}

	s.SetFaults(nil)
	retry, err := e.RetryCascade(context.Background(), RetryInput{GroupID: partial.GroupID, NewSlug: partial.NewSlug, Curator: true})
	if err != nil {
		t.Fatalf("RetryCascade() error = %v", err)
	}
	if retry.Updated != 2 || retry.Total != 2 {
		t.Fatalf("unexpected retry result: %+v", retry)
	}
	originals := 0
	for _, item := range allCopies(t, s) {
		if item.Slug != "new" {
			t.Fatalf("copy %s still has slug %q", item.ID, item.Slug)
		}
		if item.IsOriginalText {
			originals++
		}
	}
	if originals != 1 {
		t.Fatalf("group grp_1 has %d originals after retry, want 1", originals)
	}
	assertInvariants(t, s)
}

func TestRetryCascadePromotesWhenSlugAlreadyConverged(t *testing.T) {
	e, s := newTestEngine(t)
	group := "grp_9"
	items := seedCopies(t, s,
		store.Copy{Slug: "new", Language: "en", Text: "Hello", TranslationGroupID: &group},
		store.Copy{Slug: "new", Language: "es", Text: "Hola", TranslationGroupID: &group},
	)

	retry, err := e.RetryCascade(context.Background(), RetryInput{GroupID: group, NewSlug: "new"})
	if err != nil {
		t.Fatalf("RetryCascade() error = %v", err)
	}
	if retry.Updated != 0 || len(retry.Copies) != 1 || !retry.Copies[0].IsOriginalText {
		t.Fatalf("expected only the promotion, got %+v", retry)
	}
	// es was inserted last, so it is the most recently updated.
	if got := mustFind(t, s, items[1].ID); !got.IsOriginalText {
		t.Fatalf("expected %s promoted, got %+v", items[1].ID, got)
	}
	assertInvariants(t, s)
}

// regroupingLocker runs onFirst while holding the first lock it grants,
// standing in for a cascade that committed between a read and the lock.
type regroupingLocker struct {
	inner   Locker
	mu      sync.Mutex
	calls   [][]string
	onFirst func()
}

func (l *regroupingLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	unlock, err := l.inner.Lock(ctx, keys...)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.calls = append(l.calls, keys)
	first := len(l.calls) == 1
	l.mu.Unlock()
	if first && l.onFirst != nil {
		l.onFirst()
	}
	return unlock, nil
}

func TestRenameRelocksWhenCopyMovesIntoGroup(t *testing.T) {
	locker := &regroupingLocker{inner: NewLocalLocker()}
	e, s := newTestEngine(t, WithLocker(locker))
	items := seedCopies(t, s,
		store.Copy{Slug: "old", Language: "en", Text: "Hello"},
		store.Copy{Slug: "old", Language: "es", Text: "Hola"},
	)
	locker.onFirst = func() {
		ids := []string{items[0].ID, items[1].ID}
		if _, err := s.UpdateMany(context.Background(), store.Filter{IDs: ids}, store.Patch{TranslationGroupID: store.String("grp_x")}); err != nil {
			t.Errorf("regroup: %v", err)
		}
		if _, err := s.UpdateOne(context.Background(), items[0].ID, store.Patch{IsOriginalText: store.Bool(true)}); err != nil {
			t.Errorf("stamp original: %v", err)
		}
	}

	result, err := e.Rename(context.Background(), RenameInput{CopyID: items[0].ID, NewSlug: "new", CascadeToGroup: true, Curator: true})
	if err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if result.GroupID != "grp_x" || result.Updated != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}

	locker.mu.Lock()
	defer locker.mu.Unlock()
	if len(locker.calls) != 2 {
		t.Fatalf("expected a second lock after regrouping, got %v", locker.calls)
	}
	if !slices.Contains(locker.calls[1], "group:grp_x") {
		t.Fatalf("expected group key in second lock, got %v", locker.calls[1])
	}
	assertInvariants(t, s)
}

func TestRetryCascadeDoesNotRevalidate(t *testing.T) {
	e, s := newTestEngine(t)
	es, _, _ := threeLanguageGroup(t, e, "old")

	var mu sync.Mutex
	finds := 0
	s.SetFaults(func(op store.Op, id string) error {
		mu.Lock()
		defer mu.Unlock()
		if op == store.OpFindMany || op == store.OpFindOne {
			finds++
		}
		return nil
	})
	if _, err := e.RetryCascade(context.Background(), RetryInput{GroupID: es.GroupID(), NewSlug: "new"}); err != nil {
		t.Fatalf("RetryCascade() error = %v", err)
	}
	if finds != 1 {
		t.Fatalf("expected a single membership read, got %d reads", finds)
	}
}

func TestRetryCascadeUnknownGroup(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.RetryCascade(context.Background(), RetryInput{GroupID: "grp_missing", NewSlug: "new"})
	var notFound *NotFoundError
	if !errors.As(err, &notFound) || notFound.Kind != "group" {
		t.Fatalf("expected group NotFoundError, got %v", err)
	}
}

func TestRenameRetriesUnavailableWrites(t *testing.T) {
	e, s := newTestEngine(t, WithWriteAttempts(2))
	es, _, _ := threeLanguageGroup(t, e, "old")

	var mu sync.Mutex
	failed := false
	s.SetFaults(func(op store.Op, id string) error {
		mu.Lock()
		defer mu.Unlock()
		if op == store.OpUpdateOne && !failed {
			failed = true
			return errors.New("timeout")
		}
		return nil
	})

	result, err := e.Rename(context.Background(), RenameInput{CopyID: es.ID, NewSlug: "new", CascadeToGroup: true, Curator: true})
	if err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if result.Updated != 3 {
		t.Fatalf("expected all 3 copies updated, got %+v", result)
	}
}

func TestRenameCancelledMidCascadeReportsProgress(t *testing.T) {
	e, s := newTestEngine(t)
	es, _, _ := threeLanguageGroup(t, e, "old")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var mu sync.Mutex
	writes := 0
	s.SetFaults(func(op store.Op, id string) error {
		mu.Lock()
		defer mu.Unlock()
		if op == store.OpUpdateOne {
			writes++
			if writes == 2 {
				cancel()
			}
		}
		return nil
	})

	_, err := e.Rename(ctx, RenameInput{CopyID: es.ID, NewSlug: "new", CascadeToGroup: true, Curator: true})
	var partial *PartialCascadeError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialCascadeError, got %v", err)
	}
	if partial.Updated != 2 || partial.Total != 3 {
		t.Fatalf("expected 2 of 3 updated, got %+v", partial)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled cause, got %v", err)
	}
}

func TestRenameValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	cases := []struct {
		name  string
		input RenameInput
		field string
	}{
		{name: "missing id", input: RenameInput{NewSlug: "new"}, field: "id"},
		{name: "empty slug", input: RenameInput{CopyID: "cpy_1", NewSlug: " "}, field: "slug"},
		{name: "bad slug", input: RenameInput{CopyID: "cpy_1", NewSlug: "new slug"}, field: "slug"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Rename(context.Background(), tc.input)
			var validationErr *ValidationError
			if !errors.As(err, &validationErr) || validationErr.Field != tc.field {
				t.Fatalf("expected ValidationError on %s, got %v", tc.field, err)
			}
		})
	}
}

func TestRenameMissingCopy(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Rename(context.Background(), RenameInput{CopyID: "cpy_missing", NewSlug: "new"})
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestConcurrentRenamesKeepSlugsUnique(t *testing.T) {
	e, s := newTestEngine(t, WithLocker(NewLocalLocker()))
	first, _, _ := threeLanguageGroup(t, e, "first")
	second := mustCreate(t, e, NewCopyInput{Text: "Other", Slug: "second", Language: "en"})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{first.ID, second.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = e.Rename(context.Background(), RenameInput{CopyID: id, NewSlug: "shared", CascadeToGroup: true, Curator: true})
		}(i, id)
	}
	wg.Wait()

	conflicts := 0
	for _, err := range errs {
		var conflict *ConflictError
		switch {
		case err == nil:
		case errors.As(err, &conflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if conflicts != 1 {
		t.Fatalf("expected exactly one rename to lose, got %d conflicts", conflicts)
	}
	assertInvariants(t, s)
}
