package utils

import (
	"errors"
	"fmt"

	"github.com/ztrue/tracerr"
)

// ErrorKind classifies a KapyError into the failure taxonomy used across the
// whole core: it decides how the gateway surfaces the error to clients.
type ErrorKind int

const (
	// KindInternal is the default for errors that are a bug or an unexpected state.
	KindInternal ErrorKind = iota
	// KindValidation is for malformed or missing required input.
	KindValidation
	// KindUnauthorized is for requesters that are not an authorized participant.
	KindUnauthorized
	// KindNotFound is for referenced entities that do not exist.
	KindNotFound
	// KindConflict is for operations invalid in the entity's current state.
	KindConflict
	// KindExternal is for object-store / push-provider failures.
	KindExternal
)

type KapyError struct {
	Code        string
	Description string
	Details     string
	Kind        ErrorKind
}

var knownErrors = Set[string]{}

func newError(kind ErrorKind, code string, description string) KapyError {
	if knownErrors.Has(code) {
		panic("Duplicate error: " + code)
	}
	knownErrors.Add(code)
	return KapyError{
		Code:        code,
		Description: description,
		Kind:        kind,
	}
}

// NewKapyError declares a new internal sentinel error. The code must be unique
// across the whole binary.
func NewKapyError(code string, description string) KapyError {
	return newError(KindInternal, code, description)
}

func NewValidationError(code string, description string) KapyError {
	return newError(KindValidation, code, description)
}

func NewUnauthorizedError(code string, description string) KapyError {
	return newError(KindUnauthorized, code, description)
}

func NewNotFoundError(code string, description string) KapyError {
	return newError(KindNotFound, code, description)
}

func NewConflictError(code string, description string) KapyError {
	return newError(KindConflict, code, description)
}

func NewExternalError(code string, description string) KapyError {
	return newError(KindExternal, code, description)
}

func (err KapyError) Error() string {
	var text = err.Code
	if err.Description != "" {
		text = text + " - " + err.Description
	}
	if err.Details != "" {
		text = text + " : " + err.Details
	}
	return text
}

func (err KapyError) Is(target error) bool {
	var kapyErrorTarget KapyError
	if errors.As(target, &kapyErrorTarget) {
		return kapyErrorTarget.Code == err.Code
	}
	return false
}

func (err KapyError) AddDetails(details string) KapyError {
	if err.Details != "" {
		panic("Cannot re-add details to an error")
	}
	newErr := err
	newErr.Details = details
	return newErr
}

// KindOf returns the taxonomy kind of err, or KindInternal if err is not a
// KapyError.
func KindOf(err error) ErrorKind {
	var kapyError KapyError
	if errors.As(err, &kapyError) {
		return kapyError.Kind
	}
	return KindInternal
}

func IsValidation(err error) bool   { return KindOf(err) == KindValidation }
func IsUnauthorized(err error) bool { return KindOf(err) == KindUnauthorized }
func IsNotFound(err error) bool     { return KindOf(err) == KindNotFound }
func IsConflict(err error) bool     { return KindOf(err) == KindConflict }
func IsExternal(err error) bool     { return KindOf(err) == KindExternal }

// APIError represents an error response from an external HTTP provider
// (push gateways mostly).
type APIError struct {
	Status  int
	Url     string
	Method  string
	Code    string
	Details string
	Raw     string
}

func (err APIError) Error() string {
	s := fmt.Sprintf("API Error: status: %d", err.Status)
	if err.Code != "" {
		s += "; code: " + err.Code
	}
	if err.Details != "" {
		s += "; details: " + err.Details
	}
	if err.Url != "" {
		s += "; URL: " + err.Url
	}
	if err.Method != "" {
		s += "; Method: " + err.Method
	}
	if err.Raw != "" {
		s += "; raw: " + err.Raw
	}
	return s
}

func (err APIError) Is(target error) bool {
	var apiErrorTarget APIError
	if errors.As(target, &apiErrorTarget) {
		return apiErrorTarget.Status == err.Status && apiErrorTarget.Code == err.Code
	}
	return false
}

// Stack returns the tracerr stack of err, for logging.
func Stack(err error) string {
	return tracerr.Sprint(err)
}
