package store

import "time"

// Status is the translation workflow state of a copy. The consistency engine
// reads it but never drives transitions.
type Status string

const (
	StatusNotAssigned Status = "not_assigned"
	StatusAssigned    Status = "assigned"
	StatusTranslated  Status = "translated"
	StatusReviewed    Status = "reviewed"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
)

// Valid reports whether s is one of the known workflow states.
func (s Status) Valid() bool {
	switch s {
	case StatusNotAssigned, StatusAssigned, StatusTranslated, StatusReviewed, StatusApproved, StatusRejected:
		return true
	default:
		return false
	}
}

// Copy is one language-specific instance of a localized string.
type Copy struct {
	ID                 string    `json:"id" bson:"_id" db:"id"`
	Slug               string    `json:"slug" bson:"slug" db:"slug"`
	Language           string    `json:"language" bson:"language" db:"language"`
	Text               string    `json:"text" bson:"text" db:"text"`
	Status             Status    `json:"status" bson:"status" db:"status"`
	TranslationGroupID *string   `json:"translationGroupId" bson:"translationGroupId" db:"translation_group_id"`
	IsOriginalText     bool      `json:"isOriginalText" bson:"isOriginalText" db:"is_original_text"`
	NeedsSlugReview    bool      `json:"needsSlugReview" bson:"needsSlugReview" db:"needs_slug_review"`
	CreatedAt          time.Time `json:"createdAt" bson:"createdAt" db:"created_at"`
	UpdatedAt          time.Time `json:"updatedAt" bson:"updatedAt" db:"updated_at"`
}

// GroupID returns the translation group id or "" when the copy is ungrouped.
func (c Copy) GroupID() string {
	if c.TranslationGroupID == nil {
		return ""
	}
	return *c.TranslationGroupID
}

// InGroup reports whether the copy belongs to the given non-empty group.
func (c Copy) InGroup(groupID string) bool {
	return groupID != "" && c.GroupID() == groupID
}

// Filter selects copies. Set fields are combined with AND; an empty filter
// matches every copy.
type Filter struct {
	IDs        []string
	Slug       *string
	Language   *string
	Text       *string
	GroupIDs   []string
	Ungrouped  bool
	ExcludeIDs []string
}

// IsEmpty reports whether the filter has no constraints.
func (f Filter) IsEmpty() bool {
	return len(f.IDs) == 0 &&
		f.Slug == nil &&
		f.Language == nil &&
		f.Text == nil &&
		len(f.GroupIDs) == 0 &&
		!f.Ungrouped &&
		len(f.ExcludeIDs) == 0
}

// Matches evaluates the filter against a copy in memory.
func (f Filter) Matches(c Copy) bool {
	if len(f.IDs) > 0 && !contains(f.IDs, c.ID) {
		return false
	}
	if f.Slug != nil && c.Slug != *f.Slug {
		return false
	}
	if f.Language != nil && c.Language != *f.Language {
		return false
	}
	if f.Text != nil && c.Text != *f.Text {
		return false
	}
	if len(f.GroupIDs) > 0 && !contains(f.GroupIDs, c.GroupID()) {
		return false
	}
	if f.Ungrouped && c.TranslationGroupID != nil {
		return false
	}
	if len(f.ExcludeIDs) > 0 && contains(f.ExcludeIDs, c.ID) {
		return false
	}
	return true
}

// Patch lists the fields an update changes. UpdatedAt is always refreshed by
// the store.
type Patch struct {
	Slug               *string
	Text               *string
	Status             *Status
	TranslationGroupID *string
	IsOriginalText     *bool
	NeedsSlugReview    *bool
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Slug == nil &&
		p.Text == nil &&
		p.Status == nil &&
		p.TranslationGroupID == nil &&
		p.IsOriginalText == nil &&
		p.NeedsSlugReview == nil
}

// Apply writes the patch onto c.
func (p Patch) Apply(c *Copy, now time.Time) {
	if p.Slug != nil {
		c.Slug = *p.Slug
	}
	if p.Text != nil {
		c.Text = *p.Text
	}
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.TranslationGroupID != nil {
		groupID := *p.TranslationGroupID
		c.TranslationGroupID = &groupID
	}
	if p.IsOriginalText != nil {
		c.IsOriginalText = *p.IsOriginalText
	}
	if p.NeedsSlugReview != nil {
		c.NeedsSlugReview = *p.NeedsSlugReview
	}
	c.UpdatedAt = now
}

// ByID is shorthand for a filter matching a single copy.
func ByID(id string) Filter {
	return Filter{IDs: []string{id}}
}

// InGroup is shorthand for a filter matching every member of a group.
func InGroup(groupID string) Filter {
	return Filter{GroupIDs: []string{groupID}}
}

// String returns a pointer to v, for building filters and patches.
func String(v string) *string {
	return &v
}

// Bool returns a pointer to v.
func Bool(v bool) *bool {
	return &v
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
