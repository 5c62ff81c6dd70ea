package models

import (
	"errors"
	"fmt"
	"strings"
)

// FieldError is a validation failure for one field.
type FieldError struct {
	Field string
	Err   error
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e FieldError) Unwrap() error {
	return e.Err
}

// ValidationErrors accumulates field errors.
type ValidationErrors struct {
	Errors []FieldError
}

// Add records an error for a field.
func (v *ValidationErrors) Add(field string, err error) {
	if err == nil {
		return
	}
	v.Errors = append(v.Errors, FieldError{Field: field, Err: err})
}

// AddMessage records a plain message for a field.
func (v *ValidationErrors) AddMessage(field, message string) {
	v.Add(field, errors.New(message))
}

// Err returns nil when no errors were recorded.
func (v *ValidationErrors) Err() error {
	if v == nil || len(v.Errors) == 0 {
		return nil
	}
	return v
}

func (v *ValidationErrors) Error() string {
	parts := make([]string, 0, len(v.Errors))
	for _, fe := range v.Errors {
		parts = append(parts, fe.Error())
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes the individual field errors to errors.Is / errors.As.
func (v *ValidationErrors) Unwrap() []error {
	errs := make([]error, 0, len(v.Errors))
	for _, fe := range v.Errors {
		errs = append(errs, fe)
	}
	return errs
}
