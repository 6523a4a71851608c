package app

import (
	"errors"
	"fmt"
	"net/http"

	"copydesk/api/internal/auth"
	"copydesk/api/internal/consistency"
	"copydesk/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func forbidden(action string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", map[string]any{"action": action})
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var validationErr *consistency.ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", validationErr.Message,
			map[string]any{"field": validationErr.Field}
	}

	var conflictErr *consistency.ConflictError
	if errors.As(err, &conflictErr) {
		return http.StatusConflict, "SLUG_CONFLICT", conflictErr.Error(), map[string]any{
			"slug":              conflictErr.Slug,
			"language":          conflictErr.Language,
			"conflictingCopyId": conflictErr.CopyID,
			"sameGroup":         conflictErr.SameGroup,
		}
	}

	var partialErr *consistency.PartialCascadeError
	if errors.As(err, &partialErr) {
		return http.StatusInternalServerError, "CASCADE_PARTIAL", "Slug cascade incomplete", partialDetails(partialErr)
	}

	var notFoundErr *consistency.NotFoundError
	if errors.As(err, &notFoundErr) {
		return http.StatusNotFound, "NOT_FOUND", notFoundErr.Error(), nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, store.ErrUnavailable) {
		return http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Copy store unavailable", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func partialDetails(err *consistency.PartialCascadeError) map[string]any {
	details := map[string]any{
		"updated":      err.Updated,
		"total":        err.Total,
		"groupId":      err.GroupID,
		"failedCopyId": err.FailedCopyID,
	}
	if err.GroupID != "" {
		details["retry"] = retryHint(err.GroupID, err.NewSlug)
	}
	return details
}

// RetryHint tells a client how to finish an interrupted cascade.
type RetryHint struct {
	Method  string `json:"method"`
	Path    string `json:"path"`
	GroupID string `json:"groupId"`
	Slug    string `json:"slug"`
}

func retryHint(groupID, slug string) RetryHint {
	return RetryHint{
		Method:  http.MethodPost,
		Path:    "/api/groups/" + groupID + "/cascade",
		GroupID: groupID,
		Slug:    slug,
	}
}
