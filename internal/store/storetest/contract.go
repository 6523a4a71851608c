// Package storetest holds the behavioral contract every CopyStore backend
// must satisfy. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"copydesk/api/internal/store"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) store.CopyStore

func Run(t *testing.T, newStore Factory) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(*testing.T, store.CopyStore)
	}{
		{name: "insert assigns id and timestamps", fn: testInsertAssignsIDAndTimestamps},
		{name: "find one missing", fn: testFindOneMissing},
		{name: "find many filters", fn: testFindManyFilters},
		{name: "find many ordering", fn: testFindManyOrdering},
		{name: "update one applies patch", fn: testUpdateOneAppliesPatch},
		{name: "update one missing", fn: testUpdateOneMissing},
		{name: "update many", fn: testUpdateMany},
		{name: "delete many", fn: testDeleteMany},
		{name: "empty filters are refused", fn: testEmptyFilterRefused},
		{name: "interop fields round trip", fn: testInteropFieldsRoundTrip},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func seed(t *testing.T, s store.CopyStore, items ...store.Copy) []store.Copy {
	t.Helper()
	out := make([]store.Copy, 0, len(items))
	for _, item := range items {
		if item.Status == "" {
			item.Status = store.StatusNotAssigned
		}
		inserted, err := s.InsertOne(context.Background(), item)
		if err != nil {
			t.Fatalf("InsertOne(%s/%s) error = %v", item.Slug, item.Language, err)
		}
		out = append(out, inserted)
	}
	return out
}

func ids(items []store.Copy) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.ID)
	}
	sort.Strings(out)
	return out
}

func sameIDs(t *testing.T, label string, got []store.Copy, want ...store.Copy) {
	t.Helper()
	gotIDs, wantIDs := ids(got), ids(want)
	if len(gotIDs) != len(wantIDs) {
		t.Fatalf("%s: expected ids %v, got %v", label, wantIDs, gotIDs)
	}
	for i := range gotIDs {
		if gotIDs[i] != wantIDs[i] {
			t.Fatalf("%s: expected ids %v, got %v", label, wantIDs, gotIDs)
		}
	}
}

func testInsertAssignsIDAndTimestamps(t *testing.T, s store.CopyStore) {
	ctx := context.Background()
	inserted, err := s.InsertOne(ctx, store.Copy{Slug: "button.save", Language: "en", Text: "Save", Status: store.StatusNotAssigned})
	if err != nil {
		t.Fatalf("InsertOne() error = %v", err)
	}
	if inserted.ID == "" {
		t.Fatal("expected store to assign an id")
	}
	if inserted.CreatedAt.IsZero() || inserted.UpdatedAt.IsZero() {
		t.Fatalf("expected timestamps, got created=%v updated=%v", inserted.CreatedAt, inserted.UpdatedAt)
	}

	found, err := s.FindOne(ctx, store.ByID(inserted.ID))
	if err != nil {
		t.Fatalf("FindOne() error = %v", err)
	}
	if found.Slug != "button.save" || found.Language != "en" || found.Text != "Save" {
		t.Fatalf("unexpected copy: %+v", found)
	}
	if !found.CreatedAt.Equal(inserted.CreatedAt) {
		t.Fatalf("expected createdAt %v, got %v", inserted.CreatedAt, found.CreatedAt)
	}
}

func testFindOneMissing(t *testing.T, s store.CopyStore) {
	_, err := s.FindOne(context.Background(), store.ByID("cpy_missing"))
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testFindManyFilters(t *testing.T, s store.CopyStore) {
	ctx := context.Background()
	items := seed(t, s,
		store.Copy{Slug: "button.save", Language: "en", Text: "Save", TranslationGroupID: store.String("grp_a")},
		store.Copy{Slug: "button.save", Language: "es", Text: "Guardar", TranslationGroupID: store.String("grp_a")},
		store.Copy{Slug: "button.cancel", Language: "en", Text: "Cancel"},
		store.Copy{Slug: "", Language: "fr", Text: "Save"},
	)
	enSave, esSave, enCancel, frPending := items[0], items[1], items[2], items[3]

	cases := []struct {
		name   string
		filter store.Filter
		want   []store.Copy
	}{
		{name: "slug", filter: store.Filter{Slug: store.String("button.save")}, want: []store.Copy{enSave, esSave}},
		{name: "slug and language", filter: store.Filter{Slug: store.String("button.save"), Language: store.String("es")}, want: []store.Copy{esSave}},
		{name: "text", filter: store.Filter{Text: store.String("Save")}, want: []store.Copy{enSave, frPending}},
		{name: "group", filter: store.InGroup("grp_a"), want: []store.Copy{enSave, esSave}},
		{name: "ungrouped", filter: store.Filter{Ungrouped: true}, want: []store.Copy{enCancel, frPending}},
		{name: "exclude", filter: store.Filter{GroupIDs: []string{"grp_a"}, ExcludeIDs: []string{enSave.ID}}, want: []store.Copy{esSave}},
		{name: "ids", filter: store.Filter{IDs: []string{enCancel.ID, frPending.ID}}, want: []store.Copy{enCancel, frPending}},
		{name: "empty slug", filter: store.Filter{Slug: store.String("")}, want: []store.Copy{frPending}},
		{name: "no match", filter: store.Filter{Slug: store.String("missing")}, want: nil},
	}
	for _, tc := range cases {
		got, err := s.FindMany(ctx, tc.filter)
		if err != nil {
			t.Fatalf("%s: FindMany() error = %v", tc.name, err)
		}
		sameIDs(t, tc.name, got, tc.want...)
	}
}

func testFindManyOrdering(t *testing.T, s store.CopyStore) {
	seed(t, s,
		store.Copy{Slug: "a", Language: "en", Text: "A"},
		store.Copy{Slug: "b", Language: "en", Text: "B"},
		store.Copy{Slug: "c", Language: "en", Text: "C"},
	)
	got, err := s.FindMany(context.Background(), store.Filter{Language: store.String("en")})
	if err != nil {
		t.Fatalf("FindMany() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 copies, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		prev, cur := got[i-1], got[i]
		if cur.CreatedAt.Before(prev.CreatedAt) || (cur.CreatedAt.Equal(prev.CreatedAt) && cur.ID < prev.ID) {
			t.Fatalf("copies not ordered by createdAt, id: %v then %v", prev, cur)
		}
	}
}

func testUpdateOneAppliesPatch(t *testing.T, s store.CopyStore) {
	ctx := context.Background()
	item := seed(t, s, store.Copy{Slug: "old", Language: "en", Text: "Old", NeedsSlugReview: true})[0]
	time.Sleep(2 * time.Millisecond)

	updated, err := s.UpdateOne(ctx, item.ID, store.Patch{
		Slug:               store.String("new"),
		TranslationGroupID: store.String("grp_new"),
		IsOriginalText:     store.Bool(true),
		NeedsSlugReview:    store.Bool(false),
	})
	if err != nil {
		t.Fatalf("UpdateOne() error = %v", err)
	}
	if updated.Slug != "new" || updated.GroupID() != "grp_new" || !updated.IsOriginalText || updated.NeedsSlugReview {
		t.Fatalf("patch not applied: %+v", updated)
	}
	if updated.Text != "Old" {
		t.Fatalf("expected untouched text, got %q", updated.Text)
	}
	if !updated.UpdatedAt.After(item.UpdatedAt) {
		t.Fatalf("expected updatedAt to advance past %v, got %v", item.UpdatedAt, updated.UpdatedAt)
	}

	found, err := s.FindOne(ctx, store.ByID(item.ID))
	if err != nil {
		t.Fatalf("FindOne() error = %v", err)
	}
	if found.Slug != "new" || found.GroupID() != "grp_new" {
		t.Fatalf("update not persisted: %+v", found)
	}
}

func testUpdateOneMissing(t *testing.T, s store.CopyStore) {
	_, err := s.UpdateOne(context.Background(), "cpy_missing", store.Patch{Slug: store.String("x")})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testUpdateMany(t *testing.T, s store.CopyStore) {
	ctx := context.Background()
	items := seed(t, s,
		store.Copy{Slug: "shared", Language: "en", Text: "Hello"},
		store.Copy{Slug: "shared", Language: "de", Text: "Hallo"},
		store.Copy{Slug: "other", Language: "en", Text: "Bye"},
	)

	count, err := s.UpdateMany(ctx, store.Filter{Slug: store.String("shared"), Ungrouped: true}, store.Patch{TranslationGroupID: store.String("grp_shared")})
	if err != nil {
		t.Fatalf("UpdateMany() error = %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 updated, got %d", count)
	}
	grouped, err := s.FindMany(ctx, store.InGroup("grp_shared"))
	if err != nil {
		t.Fatalf("FindMany() error = %v", err)
	}
	sameIDs(t, "grouped", grouped, items[0], items[1])
}

func testDeleteMany(t *testing.T, s store.CopyStore) {
	ctx := context.Background()
	items := seed(t, s,
		store.Copy{Slug: "gone", Language: "en", Text: "Gone", TranslationGroupID: store.String("grp_gone")},
		store.Copy{Slug: "gone", Language: "it", Text: "Andato", TranslationGroupID: store.String("grp_gone")},
		store.Copy{Slug: "kept", Language: "en", Text: "Kept"},
	)

	count, err := s.DeleteMany(ctx, store.InGroup("grp_gone"))
	if err != nil {
		t.Fatalf("DeleteMany() error = %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 deleted, got %d", count)
	}
	remaining, err := s.FindMany(ctx, store.Filter{Language: store.String("en")})
	if err != nil {
		t.Fatalf("FindMany() error = %v", err)
	}
	sameIDs(t, "remaining", remaining, items[2])
}

func testEmptyFilterRefused(t *testing.T, s store.CopyStore) {
	ctx := context.Background()
	seed(t, s, store.Copy{Slug: "safe", Language: "en", Text: "Safe"})
	if _, err := s.UpdateMany(ctx, store.Filter{}, store.Patch{Slug: store.String("x")}); !errors.Is(err, store.ErrEmptyFilter) {
		t.Fatalf("UpdateMany: expected ErrEmptyFilter, got %v", err)
	}
	if _, err := s.DeleteMany(ctx, store.Filter{}); !errors.Is(err, store.ErrEmptyFilter) {
		t.Fatalf("DeleteMany: expected ErrEmptyFilter, got %v", err)
	}
	all, err := s.FindMany(ctx, store.Filter{})
	if err != nil {
		t.Fatalf("FindMany() error = %v", err)
	}
	if len(all) != 1 || all[0].Slug != "safe" {
		t.Fatalf("expected collection untouched, got %+v", all)
	}
}

func testInteropFieldsRoundTrip(t *testing.T, s store.CopyStore) {
	ctx := context.Background()
	items := seed(t, s,
		store.Copy{Slug: "menu.file.open", Language: "pt", Text: "Abrir", Status: store.StatusApproved, TranslationGroupID: store.String("grp_menu"), IsOriginalText: true, NeedsSlugReview: true},
		store.Copy{Slug: "menu.file.close", Language: "pt", Text: "Fechar", Status: store.StatusTranslated},
	)
	grouped, err := s.FindOne(ctx, store.ByID(items[0].ID))
	if err != nil {
		t.Fatalf("FindOne() error = %v", err)
	}
	if grouped.Slug != "menu.file.open" || grouped.Language != "pt" || grouped.GroupID() != "grp_menu" ||
		!grouped.IsOriginalText || !grouped.NeedsSlugReview || grouped.Status != store.StatusApproved {
		t.Fatalf("grouped copy did not round trip: %+v", grouped)
	}
	ungrouped, err := s.FindOne(ctx, store.ByID(items[1].ID))
	if err != nil {
		t.Fatalf("FindOne() error = %v", err)
	}
	if ungrouped.TranslationGroupID != nil {
		t.Fatalf("expected nil group id, got %q", *ungrouped.TranslationGroupID)
	}
	if ungrouped.IsOriginalText || ungrouped.NeedsSlugReview || ungrouped.Status != store.StatusTranslated {
		t.Fatalf("ungrouped copy did not round trip: %+v", ungrouped)
	}
}
