package consistency

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"copydesk/api/internal/store"
)

type RenameInput struct {
	CopyID         string
	NewSlug        string
	CascadeToGroup bool
	// Curator marks a rename made by a role allowed to confirm slugs.
	Curator bool
}

type RenameResult struct {
	Updated int          `json:"updated"`
	Total   int          `json:"total"`
	GroupID string       `json:"groupId,omitempty"`
	Copies  []store.Copy `json:"updatedCopies"`
}

// Rename changes a copy's slug and, with CascadeToGroup, the slug of every
// language variant. Availability is checked for all affected languages before
// the first write. Writes then run one document at a time with the
// originating copy last; the first failure stops the cascade and is returned
// as a *PartialCascadeError. Renaming to the current slug is a no-op.
func (e *Engine) Rename(ctx context.Context, input RenameInput) (RenameResult, error) {
	start := time.Now()
	result, err := e.rename(ctx, input)
	e.observe(ctx, "rename", start, err)
	return result, err
}

func (e *Engine) rename(ctx context.Context, input RenameInput) (RenameResult, error) {
	newSlug := NormalizeSlug(input.NewSlug)
	if strings.TrimSpace(input.CopyID) == "" {
		return RenameResult{}, invalid("id", "copy id is required")
	}
	if err := ValidateSlug(newSlug, false); err != nil {
		return RenameResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.cascadeTimeout)
	defer cancel()

	item, err := e.GetCopy(ctx, input.CopyID)
	if err != nil {
		return RenameResult{}, err
	}
	if item.Slug == newSlug {
		return RenameResult{GroupID: item.GroupID(), Copies: []store.Copy{}}, nil
	}

	item, unlock, err := e.lockRename(ctx, item, newSlug)
	if err != nil {
		return RenameResult{}, err
	}
	defer unlock()
	if item.Slug == newSlug {
		return RenameResult{GroupID: item.GroupID(), Copies: []store.Copy{}}, nil
	}

	var relatives []store.Copy
	if input.CascadeToGroup {
		if relatives, err = e.relatives(ctx, item); err != nil {
			return RenameResult{}, err
		}
	}

	setIDs := make([]string, 0, len(relatives)+1)
	setIDs = append(setIDs, item.ID)
	for _, relative := range relatives {
		setIDs = append(setIDs, relative.ID)
	}
	if err := e.checkRename(ctx, newSlug, item, relatives, setIDs); err != nil {
		return RenameResult{}, err
	}

	groupID := item.GroupID()
	if groupID == "" && len(relatives) > 0 {
		groupID = e.newGroupID()
		if err := e.materializeGroup(ctx, groupID, newSlug, item.ID, setIDs); err != nil {
			return RenameResult{}, err
		}
		e.logger.Info("translation group materialized", "group", groupID, "copies", len(setIDs))
	}

	order := append(relatives, item)
	patch := store.Patch{
		Slug:            store.String(newSlug),
		NeedsSlugReview: store.Bool(RenamedNeedsReview(input.Curator)),
	}
	return e.cascade(ctx, groupID, newSlug, order, patch)
}

func renameKeys(item store.Copy, newSlug string) []string {
	setKey := groupKey(item.GroupID())
	if setKey == "" {
		setKey = slugKey(item.Slug)
	}
	return LockKeys(setKey, slugKey(newSlug))
}

// lockRename locks the keys covering item's translation set and re-reads it.
// A concurrent cascade may have regrouped or renamed the copy between the
// first read and the lock; in that case the keys are released and taken again
// for the copy's current state.
func (e *Engine) lockRename(ctx context.Context, item store.Copy, newSlug string) (store.Copy, func(), error) {
	for {
		keys := renameKeys(item, newSlug)
		unlock, err := e.locker.Lock(ctx, keys...)
		if err != nil {
			return store.Copy{}, nil, fmt.Errorf("lock rename: %w", err)
		}
		current, err := e.GetCopy(ctx, item.ID)
		if err != nil {
			unlock()
			return store.Copy{}, nil, err
		}
		if slices.Equal(renameKeys(current, newSlug), keys) {
			return current, unlock, nil
		}
		unlock()
		e.logger.Debug("copy moved before lock, relocking", "copy", item.ID, "group", current.GroupID())
		item = current
	}
}

// relatives are the other copies that must follow a rename: the group
// members, or for an ungrouped copy the ungrouped copies sharing its slug.
// They are returned ordered by id.
func (e *Engine) relatives(ctx context.Context, item store.Copy) ([]store.Copy, error) {
	var filter store.Filter
	switch {
	case item.GroupID() != "":
		filter = store.Filter{GroupIDs: []string{item.GroupID()}, ExcludeIDs: []string{item.ID}}
	case item.Slug != "":
		filter = store.Filter{Slug: store.String(item.Slug), Ungrouped: true, ExcludeIDs: []string{item.ID}}
	default:
		return nil, nil
	}
	relatives, err := e.store.FindMany(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("find relatives: %w", err)
	}
	sort.Slice(relatives, func(i, j int) bool { return relatives[i].ID < relatives[j].ID })
	return relatives, nil
}

// checkRename validates availability once per language in the rename set.
func (e *Engine) checkRename(ctx context.Context, newSlug string, item store.Copy, relatives []store.Copy, setIDs []string) error {
	languages := []string{item.Language}
	seen := map[string]struct{}{item.Language: {}}
	for _, relative := range relatives {
		if _, ok := seen[relative.Language]; ok {
			continue
		}
		seen[relative.Language] = struct{}{}
		languages = append(languages, relative.Language)
	}
	for _, language := range languages {
		res, err := e.resolver.Check(ctx, newSlug, language, item.GroupID(), setIDs)
		if err != nil {
			return err
		}
		if conflict := ReportConflict(newSlug, language, res); conflict != nil {
			return conflict
		}
	}
	return nil
}

// materializeGroup stamps a new group id on every copy of the set, then marks
// the originating copy as the original.
func (e *Engine) materializeGroup(ctx context.Context, groupID, newSlug, originalID string, setIDs []string) error {
	if _, err := e.store.UpdateMany(ctx, store.Filter{IDs: setIDs}, store.Patch{
		TranslationGroupID: store.String(groupID),
		IsOriginalText:     store.Bool(false),
	}); err != nil {
		return fmt.Errorf("materialize group: %w", err)
	}
	if _, err := e.write(ctx, originalID, store.Patch{IsOriginalText: store.Bool(true)}); err != nil {
		return &PartialCascadeError{Total: len(setIDs), GroupID: groupID, NewSlug: newSlug, FailedCopyID: originalID, Err: err}
	}
	return nil
}

// cascade applies patch to each copy in order and stops at the first failure.
// A copy deleted since it was read is skipped and not counted.
func (e *Engine) cascade(ctx context.Context, groupID, newSlug string, order []store.Copy, patch store.Patch) (RenameResult, error) {
	result := RenameResult{Total: len(order), GroupID: groupID, Copies: make([]store.Copy, 0, len(order))}
	for _, target := range order {
		updated, err := e.write(ctx, target.ID, patch)
		if errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("cascade target disappeared", "copy", target.ID, "group", groupID)
			result.Total--
			continue
		}
		if err != nil {
			e.logger.Error("cascade stopped", "group", groupID, "slug", newSlug,
				"updated", result.Updated, "total", result.Total, "copy", target.ID, "err", err)
			return result, &PartialCascadeError{
				Updated:      result.Updated,
				Total:        result.Total,
				GroupID:      groupID,
				NewSlug:      newSlug,
				FailedCopyID: target.ID,
				Err:          err,
			}
		}
		result.Updated++
		result.Copies = append(result.Copies, updated)
	}
	return result, nil
}

// write applies a patch, retrying while the store reports itself unavailable
// and attempts remain. Patches passed here must be idempotent.
func (e *Engine) write(ctx context.Context, id string, patch store.Patch) (store.Copy, error) {
	var err error
	for attempt := 1; attempt <= e.writeAttempts; attempt++ {
		var updated store.Copy
		updated, err = e.store.UpdateOne(ctx, id, patch)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, store.ErrUnavailable) || attempt == e.writeAttempts {
			break
		}
		e.logger.Warn("copy write failed, retrying", "copy", id, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return store.Copy{}, ctx.Err()
		case <-time.After(time.Duration(attempt) * e.retryBackoff):
		}
	}
	return store.Copy{}, err
}

type RetryInput struct {
	GroupID string
	NewSlug string
	Curator bool
}

// RetryCascade finishes an interrupted cascade: every member of the group
// whose slug still differs from NewSlug receives it. Availability is not
// checked again; it was established by the rename that started the cascade.
// A group left without an original gets one before the slug writes.
func (e *Engine) RetryCascade(ctx context.Context, input RetryInput) (RenameResult, error) {
	start := time.Now()
	result, err := e.retryCascade(ctx, input)
	e.observe(ctx, "retry_cascade", start, err)
	return result, err
}

func (e *Engine) retryCascade(ctx context.Context, input RetryInput) (RenameResult, error) {
	newSlug := NormalizeSlug(input.NewSlug)
	if strings.TrimSpace(input.GroupID) == "" {
		return RenameResult{}, invalid("groupId", "group id is required")
	}
	if err := ValidateSlug(newSlug, false); err != nil {
		return RenameResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.cascadeTimeout)
	defer cancel()

	unlock, err := e.locker.Lock(ctx, LockKeys(groupKey(input.GroupID), slugKey(newSlug))...)
	if err != nil {
		return RenameResult{}, fmt.Errorf("lock retry: %w", err)
	}
	defer unlock()

	members, err := e.store.FindMany(ctx, store.InGroup(input.GroupID))
	if err != nil {
		return RenameResult{}, fmt.Errorf("find group members: %w", err)
	}
	if len(members) == 0 {
		return RenameResult{}, &NotFoundError{Kind: "group", ID: input.GroupID}
	}

	promoted, err := e.ensureOriginal(ctx, input.GroupID, newSlug, members)
	if err != nil {
		return RenameResult{}, err
	}

	var pending []store.Copy
	var original *store.Copy
	for i := range members {
		switch {
		case members[i].Slug == newSlug:
		case members[i].IsOriginalText:
			original = &members[i]
		default:
			pending = append(pending, members[i])
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })
	if original != nil {
		pending = append(pending, *original)
	}

	patch := store.Patch{
		Slug:            store.String(newSlug),
		NeedsSlugReview: store.Bool(RenamedNeedsReview(input.Curator)),
	}
	result, err := e.cascade(ctx, input.GroupID, newSlug, pending, patch)
	if promoted != nil && promoted.Slug == newSlug {
		result.Copies = append(result.Copies, *promoted)
	}
	return result, err
}

// ensureOriginal promotes a member when the group has no original, which
// happens when a rename failed between materializing the group and stamping
// its original. The latest member with a slug wins. members is updated in
// place so the promoted copy is cascaded last.
func (e *Engine) ensureOriginal(ctx context.Context, groupID, newSlug string, members []store.Copy) (*store.Copy, error) {
	for _, member := range members {
		if member.IsOriginalText {
			return nil, nil
		}
	}
	successor, ok := latest(members, hasSlug)
	if !ok {
		successor, _ = latest(members, func(store.Copy) bool { return true })
	}
	updated, err := e.write(ctx, successor.ID, store.Patch{IsOriginalText: store.Bool(true)})
	if err != nil {
		return nil, &PartialCascadeError{Total: len(members), GroupID: groupID, NewSlug: newSlug, FailedCopyID: successor.ID, Err: err}
	}
	for i := range members {
		if members[i].ID == updated.ID {
			members[i] = updated
		}
	}
	e.logger.Info("group original promoted", "group", groupID, "promoted", updated.ID)
	return &updated, nil
}
