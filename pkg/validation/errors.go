package validation

import (
	"strings"

	"github.com/boardsync/boardsync/pkg/constants"
)

// Error is one rejected field.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return constants.ErrValidation
}

// Errors collects every problem found in one payload.
type Errors []*Error

func (errs Errors) Error() string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.Error()
	}
	return constants.ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (errs Errors) Unwrap() error {
	return constants.ErrValidation
}

// Fields returns the names of the rejected fields.
func (errs Errors) Fields() []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Field
	}
	return out
}

func (errs *Errors) add(field, msg string) {
	*errs = append(*errs, &Error{Field: field, Message: msg})
}

// err returns nil for an empty collection.
func (errs Errors) err() error {
	if len(errs) == 0 {
		return nil
	}
	return errs
}
