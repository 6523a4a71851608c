// Package consistency keeps slugs consistent across the language variants of
// a translation group. It works against a store that is only atomic per
// document: multi-document changes are ordered so that a failure part way
// leaves a state a retry can finish, and partial progress is reported instead
// of hidden.
package consistency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"copydesk/api/internal/store"
	"copydesk/api/internal/util"
)

const (
	defaultWriteAttempts  = 1
	defaultCascadeTimeout = 30 * time.Second
	defaultRetryBackoff   = 50 * time.Millisecond
)

type Engine struct {
	store          store.CopyStore
	resolver       *Resolver
	locker         Locker
	observer       Observer
	logger         *log.Logger
	newGroupID     func() string
	writeAttempts  int
	cascadeTimeout time.Duration
	retryBackoff   time.Duration
}

type Option func(*Engine)

func WithLocker(locker Locker) Option {
	return func(e *Engine) { e.locker = locker }
}

func WithObserver(observer Observer) Option {
	return func(e *Engine) { e.observer = observer }
}

func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithWriteAttempts bounds how often a single cascade write is tried when
// the store reports it unavailable.
func WithWriteAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.writeAttempts = n
		}
	}
}

// WithCascadeTimeout caps the wall time of a rename or retry.
func WithCascadeTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.cascadeTimeout = d
		}
	}
}

func WithGroupIDFunc(fn func() string) Option {
	return func(e *Engine) { e.newGroupID = fn }
}

func New(s store.CopyStore, opts ...Option) *Engine {
	e := &Engine{
		store:          s,
		resolver:       NewResolver(s),
		locker:         nopLocker{},
		observer:       nopObserver{},
		logger:         log.New(io.Discard),
		newGroupID:     func() string { return util.NewID("grp") },
		writeAttempts:  defaultWriteAttempts,
		cascadeTimeout: defaultCascadeTimeout,
		retryBackoff:   defaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) observe(ctx context.Context, op string, start time.Time, err error) {
	e.observer.Observe(ctx, op, Outcome(err), time.Since(start))
}

// CheckSlug reports whether slug is free for language, ignoring excludeCopyID.
func (e *Engine) CheckSlug(ctx context.Context, slug, language, excludeCopyID string) (Resolution, error) {
	slug = NormalizeSlug(slug)
	language = strings.ToLower(strings.TrimSpace(language))
	if err := ValidateSlug(slug, false); err != nil {
		return Resolution{}, err
	}
	if err := ValidateLanguage(language); err != nil {
		return Resolution{}, err
	}
	return e.resolver.Validate(ctx, slug, language, excludeCopyID)
}

func (e *Engine) GetCopy(ctx context.Context, id string) (store.Copy, error) {
	item, err := e.store.FindOne(ctx, store.ByID(id))
	if errors.Is(err, store.ErrNotFound) {
		return store.Copy{}, &NotFoundError{Kind: "copy", ID: id}
	}
	if err != nil {
		return store.Copy{}, fmt.Errorf("find copy: %w", err)
	}
	return item, nil
}

func (e *Engine) ListCopies(ctx context.Context, filter store.Filter) ([]store.Copy, error) {
	items, err := e.store.FindMany(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list copies: %w", err)
	}
	return items, nil
}

// CreateCopy validates input, places the copy in a translation group and
// inserts it. Existing members are updated first (adopted into a minted
// group, or given the slug while still pending) so that a failed insert
// leaves no dangling reference.
func (e *Engine) CreateCopy(ctx context.Context, input NewCopyInput) (store.Copy, error) {
	start := time.Now()
	item, err := e.createCopy(ctx, input)
	e.observe(ctx, "create", start, err)
	return item, err
}

func (e *Engine) createCopy(ctx context.Context, input NewCopyInput) (store.Copy, error) {
	candidate, err := normalizeNewCopy(input)
	if err != nil {
		return store.Copy{}, err
	}

	unlock, err := e.locker.Lock(ctx, LockKeys(slugKey(candidate.Slug), textKey(candidate.Text))...)
	if err != nil {
		return store.Copy{}, fmt.Errorf("lock create: %w", err)
	}
	defer unlock()

	related, err := e.relatedCopies(ctx, candidate)
	if err != nil {
		return store.Copy{}, err
	}
	a := AssignGroup(candidate, related, e.newGroupID())
	if len(a.AmbiguousGroups) > 0 {
		e.logger.Warn("candidate matches several translation groups; keeping the most recent",
			"group", a.GroupID, "ignored", a.AmbiguousGroups, "language", candidate.Language)
	}
	if candidate.Slug != "" && a.Slug != candidate.Slug {
		e.logger.Info("slug adopted from existing group", "proposed", candidate.Slug, "slug", a.Slug, "group", a.GroupID)
	}

	if err := e.checkAssignment(ctx, candidate, a, related); err != nil {
		return store.Copy{}, err
	}

	if len(a.AdoptIDs) > 0 {
		if _, err := e.store.UpdateMany(ctx, store.Filter{IDs: a.AdoptIDs, Ungrouped: true}, store.Patch{
			TranslationGroupID: store.String(a.GroupID),
			IsOriginalText:     store.Bool(false),
		}); err != nil {
			return store.Copy{}, fmt.Errorf("adopt copies into group: %w", err)
		}
	}
	if a.PromoteID != "" {
		if _, err := e.store.UpdateOne(ctx, a.PromoteID, store.Patch{IsOriginalText: store.Bool(true)}); err != nil {
			return store.Copy{}, fmt.Errorf("promote group original: %w", err)
		}
	}
	for _, id := range a.PendingIDs {
		if _, err := e.store.UpdateOne(ctx, id, store.Patch{
			Slug:               store.String(a.Slug),
			TranslationGroupID: store.String(a.GroupID),
			NeedsSlugReview:    store.Bool(NewGroupNeedsReview()),
		}); err != nil {
			return store.Copy{}, fmt.Errorf("fill pending slug: %w", err)
		}
	}

	item, err := e.store.InsertOne(ctx, store.Copy{
		Slug:               a.Slug,
		Language:           candidate.Language,
		Text:               candidate.Text,
		Status:             candidate.Status,
		TranslationGroupID: store.String(a.GroupID),
		IsOriginalText:     a.IsOriginal,
		NeedsSlugReview:    a.NeedsReview,
	})
	if err != nil {
		return store.Copy{}, fmt.Errorf("insert copy: %w", err)
	}
	e.logger.Debug("copy created", "copy", item.ID, "group", a.GroupID, "slug", a.Slug, "original", a.IsOriginal)
	return item, nil
}

// relatedCopies loads every copy that may match candidate by text or slug,
// plus the full membership of the groups they belong to.
func (e *Engine) relatedCopies(ctx context.Context, candidate NewCopyInput) ([]store.Copy, error) {
	byID := map[string]store.Copy{}
	groups := map[string]struct{}{}
	collect := func(items []store.Copy) {
		for _, item := range items {
			byID[item.ID] = item
			if groupID := item.GroupID(); groupID != "" {
				groups[groupID] = struct{}{}
			}
		}
	}

	byText, err := e.store.FindMany(ctx, store.Filter{Text: store.String(candidate.Text)})
	if err != nil {
		return nil, fmt.Errorf("find copies by text: %w", err)
	}
	collect(byText)
	if candidate.Slug != "" {
		bySlug, err := e.store.FindMany(ctx, store.Filter{Slug: store.String(candidate.Slug)})
		if err != nil {
			return nil, fmt.Errorf("find copies by slug: %w", err)
		}
		collect(bySlug)
	}
	if len(groups) > 0 {
		groupIDs := make([]string, 0, len(groups))
		for groupID := range groups {
			groupIDs = append(groupIDs, groupID)
		}
		members, err := e.store.FindMany(ctx, store.Filter{GroupIDs: groupIDs})
		if err != nil {
			return nil, fmt.Errorf("find group members: %w", err)
		}
		collect(members)
	}

	out := make([]store.Copy, 0, len(byID))
	for _, item := range byID {
		out = append(out, item)
	}
	return out, nil
}

// checkAssignment verifies that every slug the assignment would write is
// available in its language.
func (e *Engine) checkAssignment(ctx context.Context, candidate NewCopyInput, a Assignment, related []store.Copy) error {
	if a.Slug == "" {
		return nil
	}
	res, err := e.resolver.Check(ctx, a.Slug, candidate.Language, a.GroupID, nil)
	if err != nil {
		return err
	}
	if conflict := ReportConflict(a.Slug, candidate.Language, res); conflict != nil {
		return conflict
	}

	byID := make(map[string]store.Copy, len(related))
	for _, item := range related {
		byID[item.ID] = item
	}
	for _, id := range a.PendingIDs {
		pending := byID[id]
		if pending.Language == candidate.Language {
			return &ConflictError{Slug: a.Slug, Language: pending.Language, CopyID: pending.ID, SameGroup: true}
		}
		res, err := e.resolver.Check(ctx, a.Slug, pending.Language, a.GroupID, a.PendingIDs)
		if err != nil {
			return err
		}
		if conflict := ReportConflict(a.Slug, pending.Language, res); conflict != nil {
			return conflict
		}
	}
	return nil
}

type DeleteResult struct {
	Deleted    int64  `json:"deleted"`
	PromotedID string `json:"promotedId,omitempty"`
}

// DeleteCopy removes one copy. When it was its group's original, the most
// recently updated remaining member with a slug is promoted.
func (e *Engine) DeleteCopy(ctx context.Context, id string) (DeleteResult, error) {
	start := time.Now()
	result, err := e.deleteCopy(ctx, id)
	e.observe(ctx, "delete", start, err)
	return result, err
}

func (e *Engine) deleteCopy(ctx context.Context, id string) (DeleteResult, error) {
	item, err := e.GetCopy(ctx, id)
	if err != nil {
		return DeleteResult{}, err
	}
	groupID := item.GroupID()
	unlock, err := e.locker.Lock(ctx, LockKeys(groupKey(groupID))...)
	if err != nil {
		return DeleteResult{}, fmt.Errorf("lock delete: %w", err)
	}
	defer unlock()

	deleted, err := e.store.DeleteMany(ctx, store.ByID(id))
	if err != nil {
		return DeleteResult{}, fmt.Errorf("delete copy: %w", err)
	}
	result := DeleteResult{Deleted: deleted}
	if !item.IsOriginalText || groupID == "" {
		return result, nil
	}

	remaining, err := e.store.FindMany(ctx, store.InGroup(groupID))
	if err != nil {
		return result, fmt.Errorf("find group members: %w", err)
	}
	successor, ok := latest(remaining, hasSlug)
	if !ok {
		return result, nil
	}
	if _, err := e.store.UpdateOne(ctx, successor.ID, store.Patch{IsOriginalText: store.Bool(true)}); err != nil {
		return result, fmt.Errorf("promote group original: %w", err)
	}
	result.PromotedID = successor.ID
	e.logger.Info("group original promoted", "group", groupID, "deleted", id, "promoted", successor.ID)
	return result, nil
}

// DeleteTranslationSet removes the copy and every language variant of it:
// its group, or for an ungrouped copy every ungrouped copy sharing its slug.
func (e *Engine) DeleteTranslationSet(ctx context.Context, copyID string) (int64, error) {
	start := time.Now()
	deleted, err := e.deleteTranslationSet(ctx, copyID)
	e.observe(ctx, "delete_set", start, err)
	return deleted, err
}

func (e *Engine) deleteTranslationSet(ctx context.Context, copyID string) (int64, error) {
	item, err := e.GetCopy(ctx, copyID)
	if err != nil {
		return 0, err
	}
	groupID := item.GroupID()

	filter := store.ByID(item.ID)
	key := ""
	switch {
	case groupID != "":
		filter = store.InGroup(groupID)
		key = groupKey(groupID)
	case item.Slug != "":
		filter = store.Filter{Slug: store.String(item.Slug), Ungrouped: true}
		key = slugKey(item.Slug)
	}

	unlock, err := e.locker.Lock(ctx, LockKeys(key)...)
	if err != nil {
		return 0, fmt.Errorf("lock delete: %w", err)
	}
	defer unlock()

	deleted, err := e.store.DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("delete translation set: %w", err)
	}
	e.logger.Info("translation set deleted", "copy", copyID, "group", groupID, "deleted", deleted)
	return deleted, nil
}

func groupKey(groupID string) string {
	if groupID == "" {
		return ""
	}
	return "group:" + groupID
}

func slugKey(slug string) string {
	if slug == "" {
		return ""
	}
	return "slug:" + slug
}

func textKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "text:" + hex.EncodeToString(sum[:8])
}
