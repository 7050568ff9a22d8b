package notes

import (
	"errors"
	"fmt"

	"github.com/kuitang/catatan/internal/errs"
)

var (
	// ErrAuthRequired means no valid session was present. Nothing reached the store.
	ErrAuthRequired = errors.New("authentication required")

	// ErrWriteRejected means the store refused a write: validation, ownership,
	// a missing row or a disallowed transition.
	ErrWriteRejected = errors.New("write rejected")

	// ErrStaleReference means the note no longer exists (or is not the
	// caller's). It is a kind of ErrWriteRejected.
	ErrStaleReference = fmt.Errorf("%w: note no longer exists", ErrWriteRejected)
)

func authRequired() error {
	return errs.Wrap(errs.Unauthenticated, "authentication required", ErrAuthRequired)
}

func rejected(message string) error {
	return errs.Wrap(errs.InvalidArgument, message, ErrWriteRejected)
}

func conflict(message string) error {
	return errs.Wrap(errs.FailedPrecondition, message, ErrWriteRejected)
}

func stale(id int64) error {
	return errs.Wrap(errs.NotFound, fmt.Sprintf("note %d not found", id), ErrStaleReference)
}
