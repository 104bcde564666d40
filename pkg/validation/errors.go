package validation

import (
	"fmt"
	"strings"
)

// ErrorCode constants for machine-readable error identification
const (
	ErrCodeRequired     = "required"
	ErrCodeType         = "type"
	ErrCodeMinLength    = "min_length"
	ErrCodeMaxLength    = "max_length"
	ErrCodePattern      = "pattern"
	ErrCodeMin          = "min"
	ErrCodeMax          = "max"
	ErrCodeEnum         = "enum"
	ErrCodeSchema       = "schema"
	ErrCodeInvalidJSON  = "invalid_json"
	ErrCodeUnknownField = "unknown_field"
)

// FieldError represents a detailed validation error for a single field.
type FieldError struct {
	// Field is the dotted path of the field, empty for the body itself
	Field string `json:"field,omitempty"`

	// Code is a machine-readable error code
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`
}

// Error implements the error interface
func (e *FieldError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// Result contains the outcome of validation.
type Result struct {
	// Valid is true if validation passed
	Valid bool `json:"valid"`

	// Errors contains validation errors (when Valid is false)
	Errors []*FieldError `json:"errors,omitempty"`
}

// AddError adds a validation error to the result
func (r *Result) AddError(err *FieldError) {
	r.Valid = false
	r.Errors = append(r.Errors, err)
}

// HasErrors returns true if there are any validation errors
func (r *Result) HasErrors() bool {
	return len(r.Errors) > 0
}

// Merge combines another result into this one
func (r *Result) Merge(other *Result) {
	if other == nil {
		return
	}
	if !other.Valid {
		r.Valid = false
	}
	r.Errors = append(r.Errors, other.Errors...)
}

// Summary joins the error messages into one line.
func (r *Result) Summary() string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// NewInvalidJSONError creates an error for a body that is not JSON.
func NewInvalidJSONError(message string) *FieldError {
	return &FieldError{
		Code:    ErrCodeInvalidJSON,
		Message: "invalid JSON: " + message,
	}
}
