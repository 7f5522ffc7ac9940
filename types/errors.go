package types

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared by every package. Packages wrap them with %w to add context.
var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("concurrency conflict")
	ErrBusy      = errors.New("busy")
	ErrForbidden = errors.New("forbidden")
)

// Validation error codes.
const (
	CodeRequired    = "REQUIRED"
	CodeInvalid     = "INVALID"
	CodeNotFound    = "REF_NOT_FOUND"
	CodeDuplicate   = "DUPLICATE"
	CodeCycle       = "CYCLE"
	CodeUnreachable = "UNREACHABLE"
	CodeInvalidEnum = "INVALID_ENUM"
)

// ValidationError describes one problem found while validating a graph or an input.
type ValidationError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a list of problems reported together.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, v := range e {
		msgs = append(msgs, v.Error())
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// AsValidationErrors extracts a ValidationErrors from err.
func AsValidationErrors(err error) (ValidationErrors, bool) {
	var verrs ValidationErrors
	if errors.As(err, &verrs) {
		return verrs, true
	}
	var verr ValidationError
	if errors.As(err, &verr) {
		return ValidationErrors{verr}, true
	}
	return nil, false
}
