package consistency

import "copydesk/api/internal/store"

// NewGroupNeedsReview is the flag for the first copy establishing a slug:
// nobody has confirmed it yet.
func NewGroupNeedsReview() bool {
	return true
}

// InheritedNeedsReview carries the canonical member's review state over to a
// copy that joins its group.
func InheritedNeedsReview(canonical store.Copy) bool {
	return canonical.NeedsSlugReview
}

// RenamedNeedsReview is the flag stamped by a rename. A curator's rename is
// the confirmation itself.
func RenamedNeedsReview(curator bool) bool {
	return !curator
}
