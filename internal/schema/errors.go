package schema

import (
	"errors"
	"fmt"
	"strings"
)

// ErrValidationFailed matches any *ValidationErrors via errors.Is.
var ErrValidationFailed = errors.New("invalid configuration")

// ValidationError represents a single field that violated its constraint.
type ValidationError struct {
	// Path is the dot-separated JSON path of the field, e.g. "tms.url".
	Path    string `json:"path"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors aggregates every failing field of one Parse call.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	switch len(e.Errors) {
	case 0:
		return ErrValidationFailed.Error()
	case 1:
		return fmt.Sprintf("%s: %s", ErrValidationFailed, e.Errors[0])
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%s: %d errors:\n  - %s", ErrValidationFailed, len(e.Errors), strings.Join(msgs, "\n  - "))
}

func (e *ValidationErrors) Is(target error) bool {
	return target == ErrValidationFailed
}

func (e *ValidationErrors) Add(path, message string) {
	e.Errors = append(e.Errors, &ValidationError{Path: path, Message: message})
}

func (e *ValidationErrors) AddWithValue(path, message string, value any) {
	e.Errors = append(e.Errors, &ValidationError{Path: path, Message: message, Value: value})
}

func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Paths lists the offending field paths in the order they were found.
func (e *ValidationErrors) Paths() []string {
	paths := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		paths = append(paths, err.Path)
	}
	return paths
}

// AsError returns nil if there are no errors, otherwise e.
func (e *ValidationErrors) AsError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}
