package consistency

import (
	"sort"

	"copydesk/api/internal/store"
)

// Assignment is the group decision for a new copy. Besides the fields stored
// on the new copy it lists the follow-up writes the engine must make to
// existing members.
type Assignment struct {
	GroupID     string
	Slug        string
	IsOriginal  bool
	NeedsReview bool
	// NewGroup is set when GroupID was minted for this call.
	NewGroup bool
	// CanonicalID is the member whose slug was adopted, if any.
	CanonicalID string
	// AdoptIDs are ungrouped copies already carrying Slug that join GroupID.
	AdoptIDs []string
	// PromoteID is an ungrouped canonical that becomes the original of a
	// newly minted group.
	PromoteID string
	// PendingIDs are members without a slug that receive Slug.
	PendingIDs []string
	// AmbiguousGroups lists other groups the candidate also matched. They are
	// left untouched.
	AmbiguousGroups []string
}

// AssignGroup decides which translation group a new copy joins. It is a pure
// function of its inputs: existing must contain every copy that could match
// candidate by text or slug, together with the full membership of their
// groups. newGroupID is used only when a group has to be created.
func AssignGroup(candidate NewCopyInput, existing []store.Copy, newGroupID string) Assignment {
	closure := groupClosure(directMatches(candidate, existing), existing)
	if len(closure) == 0 {
		return Assignment{
			GroupID:     newGroupID,
			NewGroup:    true,
			Slug:        candidate.Slug,
			IsOriginal:  candidate.Slug != "",
			NeedsReview: NewGroupNeedsReview(),
		}
	}

	var a Assignment
	if canonical, ok := latest(closure, hasSlug); ok {
		a.Slug = canonical.Slug
		a.CanonicalID = canonical.ID
		a.NeedsReview = InheritedNeedsReview(canonical)
		if groupID := canonical.GroupID(); groupID != "" {
			a.GroupID = groupID
		} else {
			a.GroupID = newGroupID
			a.NewGroup = true
			a.PromoteID = canonical.ID
		}
	} else {
		// Nobody has a slug yet; the candidate's slug, if any, establishes it.
		a.Slug = candidate.Slug
		a.IsOriginal = candidate.Slug != ""
		a.NeedsReview = NewGroupNeedsReview()
		if member, ok := latest(closure, isGrouped); ok {
			a.GroupID = member.GroupID()
		} else {
			a.GroupID = newGroupID
			a.NewGroup = true
		}
	}

	ambiguous := map[string]struct{}{}
	for _, member := range closure {
		groupID := member.GroupID()
		switch {
		case groupID != "" && groupID != a.GroupID:
			ambiguous[groupID] = struct{}{}
		case member.Slug == "" && a.Slug != "":
			a.PendingIDs = append(a.PendingIDs, member.ID)
		case groupID == "" && member.Slug == a.Slug:
			a.AdoptIDs = append(a.AdoptIDs, member.ID)
		}
	}
	for groupID := range ambiguous {
		a.AmbiguousGroups = append(a.AmbiguousGroups, groupID)
	}
	sort.Strings(a.AmbiguousGroups)
	return a
}

// directMatches are copies in another language with the same text, or with
// the same slug when the candidate proposes one.
func directMatches(candidate NewCopyInput, existing []store.Copy) []store.Copy {
	var out []store.Copy
	for _, c := range existing {
		if c.Language == candidate.Language {
			continue
		}
		sameText := candidate.Text != "" && c.Text == candidate.Text
		sameSlug := candidate.Slug != "" && c.Slug == candidate.Slug
		if sameText || sameSlug {
			out = append(out, c)
		}
	}
	return out
}

// groupClosure expands matches by one hop over translationGroupId. Groups are
// closed sets, so one hop reaches every member.
func groupClosure(matches, existing []store.Copy) []store.Copy {
	groups := map[string]struct{}{}
	byID := map[string]store.Copy{}
	for _, c := range matches {
		byID[c.ID] = c
		if groupID := c.GroupID(); groupID != "" {
			groups[groupID] = struct{}{}
		}
	}
	for _, c := range existing {
		if _, ok := groups[c.GroupID()]; ok && c.GroupID() != "" {
			byID[c.ID] = c
		}
	}
	out := make([]store.Copy, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func hasSlug(c store.Copy) bool { return c.Slug != "" }

func isGrouped(c store.Copy) bool { return c.GroupID() != "" }

// latest returns the most recently updated copy accepted by keep. Ties go to
// the smallest id.
func latest(copies []store.Copy, keep func(store.Copy) bool) (store.Copy, bool) {
	var best store.Copy
	found := false
	for _, c := range copies {
		if !keep(c) {
			continue
		}
		if !found || c.UpdatedAt.After(best.UpdatedAt) || (c.UpdatedAt.Equal(best.UpdatedAt) && c.ID < best.ID) {
			best = c
			found = true
		}
	}
	return best, found
}
