package consistency

import (
	"fmt"

	"copydesk/api/internal/store"
)

// ValidationError rejects malformed input before any store call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func invalid(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// ConflictError reports that a slug is already held by another copy in the
// same language. It is terminal for the request.
type ConflictError struct {
	Slug     string
	Language string
	// CopyID is the copy currently holding the slug.
	CopyID string
	// SameGroup is set when the holder belongs to the group being written,
	// i.e. the group already has a variant in that language.
	SameGroup bool
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("slug %q already in use for language %q", e.Slug, e.Language)
}

// ReportConflict turns a non-free resolution into a ConflictError. It returns
// nil when the slug is free.
func ReportConflict(slug, language string, res Resolution) *ConflictError {
	if res.Status == Free {
		return nil
	}
	return &ConflictError{
		Slug:      slug,
		Language:  language,
		CopyID:    res.CopyID,
		SameGroup: res.Status == SameGroup,
	}
}

// PartialCascadeError is returned when a cascade stopped after some writes
// succeeded. Nothing is rolled back; RetryCascade with GroupID and NewSlug
// finishes the job.
type PartialCascadeError struct {
	Updated      int
	Total        int
	GroupID      string
	NewSlug      string
	FailedCopyID string
	Err          error
}

func (e *PartialCascadeError) Error() string {
	return fmt.Sprintf("cascade of slug %q stopped after %d of %d copies (group %s, copy %s): %v",
		e.NewSlug, e.Updated, e.Total, e.GroupID, e.FailedCopyID, e.Err)
}

func (e *PartialCascadeError) Unwrap() error {
	return e.Err
}

// NotFoundError names the copy or group that could not be found.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return store.ErrNotFound
}
