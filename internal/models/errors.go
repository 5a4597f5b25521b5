package models

import (
	"sort"
	"strings"
)

const (
	MsgRequired          = "This field is required."
	MsgInvalidEmail      = "Enter a valid email address."
	MsgAlreadySubscribed = "This email is already subscribed."
)

// FieldErrors maps a field name to its error messages.
type FieldErrors map[string][]string

func (fe FieldErrors) Add(field, msg string) {
	fe[field] = append(fe[field], msg)
}

// ValidationError is returned when user input is rejected. It is always
// attributable to one or more fields and is never a system failure.
type ValidationError struct {
	Fields FieldErrors
}

func NewValidationError(fields FieldErrors) *ValidationError {
	return &ValidationError{Fields: fields}
}

// DuplicateEmailError is the validation error for an email that is already stored.
func DuplicateEmailError() *ValidationError {
	return NewValidationError(FieldErrors{"email": {MsgAlreadySubscribed}})
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+strings.Join(e.Fields[k], " "))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}
