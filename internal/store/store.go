// Package store defines the document collection the consistency engine runs
// against. Every operation is atomic for a single document only; nothing in
// this package offers multi-document transactions.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by FindOne and UpdateOne when no copy matches.
	ErrNotFound = errors.New("copy not found")
	// ErrUnavailable marks I/O failures talking to the backing store.
	ErrUnavailable = errors.New("copy store unavailable")
	// ErrEmptyFilter guards UpdateMany and DeleteMany against touching the
	// whole collection.
	ErrEmptyFilter = errors.New("filter must constrain at least one field")
)

// CopyStore is the document CRUD surface used by the engine.
type CopyStore interface {
	FindOne(ctx context.Context, filter Filter) (Copy, error)
	// FindMany returns matches ordered by creation time, then id.
	FindMany(ctx context.Context, filter Filter) ([]Copy, error)
	// InsertOne assigns the id (when empty) and both timestamps.
	InsertOne(ctx context.Context, item Copy) (Copy, error)
	UpdateOne(ctx context.Context, id string, patch Patch) (Copy, error)
	UpdateMany(ctx context.Context, filter Filter, patch Patch) (int64, error)
	DeleteMany(ctx context.Context, filter Filter) (int64, error)
	Ping(ctx context.Context) error
}

// Unavailable wraps err so that errors.Is(err, ErrUnavailable) holds while the
// original cause stays reachable.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &unavailableError{op: op, err: err}
}

type unavailableError struct {
	op  string
	err error
}

func (e *unavailableError) Error() string {
	return e.op + ": " + e.err.Error()
}

func (e *unavailableError) Unwrap() []error {
	return []error{ErrUnavailable, e.err}
}
