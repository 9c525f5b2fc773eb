package models

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

// ReasonError is a denial that is safe to show to the client verbatim.
type ReasonError struct {
	Reason string
}

func (e *ReasonError) Error() string { return e.Reason }

func Reason(format string, args ...any) error {
	return &ReasonError{Reason: fmt.Sprintf(format, args...)}
}

// NotFound wraps ErrNotFound with the missing thing's name, e.g.
// NotFound("receiver") reads "receiver not found".
func NotFound(what string) error {
	return fmt.Errorf("%s %w", what, ErrNotFound)
}

// ClientReason extracts the client-facing text of err, if it has one.
func ClientReason(err error) (string, bool) {
	var re *ReasonError
	if errors.As(err, &re) {
		return re.Reason, true
	}
	if errors.Is(err, ErrNotFound) {
		return err.Error(), true
	}
	return "", false
}
