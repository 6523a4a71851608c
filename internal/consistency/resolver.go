package consistency

import (
	"context"
	"fmt"

	"copydesk/api/internal/store"
)

type ResolutionStatus string

const (
	Free      ResolutionStatus = "free"
	SameGroup ResolutionStatus = "same_group"
	Conflict  ResolutionStatus = "conflict"
)

type Resolution struct {
	Status ResolutionStatus `json:"status"`
	CopyID string           `json:"copyId,omitempty"`
}

// Resolver answers whether a (slug, language) pair is available. It never
// writes.
type Resolver struct {
	store store.CopyStore
}

func NewResolver(s store.CopyStore) *Resolver {
	return &Resolver{store: s}
}

// Validate checks slug availability for language, ignoring excludeCopyID.
func (r *Resolver) Validate(ctx context.Context, slug, language, excludeCopyID string) (Resolution, error) {
	var exclude []string
	if excludeCopyID != "" {
		exclude = []string{excludeCopyID}
	}
	return r.Check(ctx, slug, language, "", exclude)
}

// Check looks for another holder of (slug, language) outside excludeIDs. A
// holder inside groupID resolves to SameGroup, any other holder to Conflict.
// Empty slugs are always free.
func (r *Resolver) Check(ctx context.Context, slug, language, groupID string, excludeIDs []string) (Resolution, error) {
	if slug == "" {
		return Resolution{Status: Free}, nil
	}
	holders, err := r.store.FindMany(ctx, store.Filter{
		Slug:       store.String(slug),
		Language:   store.String(language),
		ExcludeIDs: excludeIDs,
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("find slug holders: %w", err)
	}
	if len(holders) == 0 {
		return Resolution{Status: Free}, nil
	}
	for _, holder := range holders {
		if !holder.InGroup(groupID) {
			return Resolution{Status: Conflict, CopyID: holder.ID}, nil
		}
	}
	return Resolution{Status: SameGroup, CopyID: holders[0].ID}, nil
}
