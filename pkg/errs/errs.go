package errs

import (
	"errors"
	"fmt"
)

// Code is a stable, machine readable error class.
type Code string

const (
	CodeNotFound   Code = "NOT_FOUND"
	CodeConflict   Code = "CONFLICT"
	CodeValidation Code = "INVALID_ARGUMENT"
	CodeExhausted  Code = "PREKEYS_EXHAUSTED"
)

// NotFoundError reports an unregistered identity or device, or an absent record.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.Key)
}

// ConflictError reports a duplicate registration or a lost version race.
type ConflictError struct {
	Resource string
	Key      string
	Reason   string
}

func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s conflict on %s: %s", e.Resource, e.Key, e.Reason)
	}
	return fmt.Sprintf("%s already exists: %s", e.Resource, e.Key)
}

// ValidationError reports malformed key material or a failed signature check.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ExhaustionError is returned next to a valid bundle when the device has no
// unused one-time prekeys left. It is not fatal.
type ExhaustionError struct {
	UserID    string
	DeviceID  uint32
	Requested int
}

func (e *ExhaustionError) Error() string {
	return fmt.Sprintf("one-time prekeys exhausted for %s/%d: requested %d, none left", e.UserID, e.DeviceID, e.Requested)
}

func NotFound(resource, key string) error {
	return &NotFoundError{Resource: resource, Key: key}
}

func Conflict(resource, key, reason string) error {
	return &ConflictError{Resource: resource, Key: key, Reason: reason}
}

func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

func IsExhaustion(err error) bool {
	var e *ExhaustionError
	return errors.As(err, &e)
}

// CodeOf returns the class of err, or "" for untyped (internal) errors.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return ""
	case IsNotFound(err):
		return CodeNotFound
	case IsConflict(err):
		return CodeConflict
	case IsValidation(err):
		return CodeValidation
	case IsExhaustion(err):
		return CodeExhausted
	default:
		return ""
	}
}
