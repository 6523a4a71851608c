package consistency

import (
	"context"
	"errors"
	"time"
)

// Observer receives one call per engine operation.
type Observer interface {
	Observe(ctx context.Context, op, outcome string, duration time.Duration)
}

const (
	OutcomeOK         = "ok"
	OutcomeValidation = "validation"
	OutcomeConflict   = "conflict"
	OutcomeNotFound   = "not_found"
	OutcomePartial    = "partial"
	OutcomeError      = "error"
)

// Outcome classifies an engine error for metrics and logs.
func Outcome(err error) string {
	var (
		validationErr *ValidationError
		conflictErr   *ConflictError
		partialErr    *PartialCascadeError
		notFoundErr   *NotFoundError
	)
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &validationErr):
		return OutcomeValidation
	case errors.As(err, &conflictErr):
		return OutcomeConflict
	case errors.As(err, &partialErr):
		return OutcomePartial
	case errors.As(err, &notFoundErr):
		return OutcomeNotFound
	default:
		return OutcomeError
	}
}

type nopObserver struct{}

func (nopObserver) Observe(context.Context, string, string, time.Duration) {}
