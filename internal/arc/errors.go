package arc

import (
	"errors"
	"fmt"

	"arcstore/internal/cursor"
	"arcstore/internal/patch"
)

var (
	// ErrNotFound covers absent objects, soft-deleted objects and objects the
	// caller has no role on. The three are deliberately indistinguishable.
	ErrNotFound = errors.New("not found")

	// ErrForbidden means the caller has a role but it is too low.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidInput covers malformed input, protected patch paths and
	// expirations in the past.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict is returned when creating an object whose key exists.
	ErrConflict = errors.New("conflict")

	// ErrInternal marks divergence between an index and the primary store.
	ErrInternal = errors.New("internal error")
)

// ErrorKind classifies an error for the transport boundary.
type ErrorKind string

const (
	KindNone         ErrorKind = ""
	KindNotFound     ErrorKind = "not-found"
	KindForbidden    ErrorKind = "forbidden"
	KindInvalidInput ErrorKind = "invalid-input"
	KindConflict     ErrorKind = "conflict"
	KindInternal     ErrorKind = "internal"
)

// KindOf maps err to its kind. Errors that match no sentinel are internal.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, cursor.ErrInvalidCursor),
		errors.Is(err, patch.ErrInvalidPatch):
		return KindInvalidInput
	case errors.Is(err, ErrConflict):
		return KindConflict
	default:
		return KindInternal
	}
}

func notFound(what, key string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, what, key)
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
