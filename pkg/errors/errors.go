// Package errors defines the typed failures returned by the resolution and write paths.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindNotFound   Kind = "not_found"
	KindStorage    Kind = "storage"
)

// ResolutionError is a business or storage failure with enough detail to explain it:
// the offending field and, for conflicts, the constraint that rejected the write.
type ResolutionError struct {
	Kind       Kind
	Field      string
	Constraint string
	Message    string
	cause      error
}

func (e *ResolutionError) Error() string {
	path := []string{}
	if e.Field != "" {
		path = append(path, fmt.Sprintf("field '%s'", e.Field))
	}
	if e.Constraint != "" {
		path = append(path, fmt.Sprintf("constraint '%s'", e.Constraint))
	}
	if len(path) == 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, strings.Join(path, " -> "), e.Message)
}

func (e *ResolutionError) Unwrap() error {
	return e.cause
}

func (e *ResolutionError) WithField(field string) *ResolutionError {
	e.Field = field
	return e
}

func (e *ResolutionError) WithConstraint(constraint string) *ResolutionError {
	e.Constraint = constraint
	return e
}

func (e *ResolutionError) WithCause(err error) *ResolutionError {
	e.cause = err
	return e
}

func (e *ResolutionError) StatusCode() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (e *ResolutionError) ToHTTPError() *httperror.HTTPError {
	message := e.Message
	if e.Kind == KindStorage {
		// storage details stay in the logs
		message = "internal storage failure"
	}
	return httperror.NewHTTPError(e.StatusCode(), message).
		AddMetaValue("kind", string(e.Kind)).
		AddMetaValue("field", e.Field).
		AddMetaValue("constraint", e.Constraint)
}

func newError(kind Kind, format string, args ...any) *ResolutionError {
	return &ResolutionError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func NewValidationError(field string, format string, args ...any) *ResolutionError {
	return newError(KindValidation, format, args...).WithField(field)
}

func NewConflictError(constraint string, format string, args ...any) *ResolutionError {
	return newError(KindConflict, format, args...).WithConstraint(constraint)
}

func NewNotFoundError(format string, args ...any) *ResolutionError {
	return newError(KindNotFound, format, args...)
}

func NewStorageError(cause error, format string, args ...any) *ResolutionError {
	return newError(KindStorage, format, args...).WithCause(cause)
}

// As returns the ResolutionError in err's chain.
func As(err error) (*ResolutionError, bool) {
	var re *ResolutionError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// KindOf classifies err. Anything untyped counts as a storage failure.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if re, ok := As(err); ok {
		return re.Kind
	}
	return KindStorage
}

func IsValidation(err error) bool { return KindOf(err) == KindValidation }
func IsConflict(err error) bool   { return KindOf(err) == KindConflict }
func IsNotFound(err error) bool   { return KindOf(err) == KindNotFound }
func IsStorage(err error) bool    { return KindOf(err) == KindStorage }

// Wrap keeps ResolutionErrors as they are and turns anything else into a storage failure.
func Wrap(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if _, ok := As(err); ok {
		return err
	}
	return NewStorageError(err, format, args...)
}
