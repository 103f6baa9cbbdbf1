package moderation

import (
	"errors"
	"fmt"

	"github.com/bluesky-social/bailiff/resolver"
)

// Error kinds. Callers match with errors.Is; messages carry detail.
var (
	ErrNotFound          = errors.New("not found")
	ErrConflictingAction = errors.New("conflicting action")
	ErrAlreadyReversed   = errors.New("action already reversed")
	ErrSubjectMismatch   = errors.New("report subject does not match action subject")
	ErrInvalidInput      = errors.New("invalid input")
	// ErrUnavailable is transient; the call may be retried.
	ErrUnavailable = errors.New("storage unavailable")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// subjectErr classifies a resolver failure.
func subjectErr(err error) error {
	if errors.Is(err, resolver.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return unavailable(err)
}
