package loopspec

import (
	"fmt"
	"strings"
)

const (
	ErrCodeParse         = "ERR_PARSE"
	ErrCodeMissingField  = "ERR_MISSING_FIELD"
	ErrCodeInvalidField  = "ERR_INVALID_FIELD"
	ErrCodeDuplicateLoop = "ERR_DUPLICATE_LOOP"
)

// LoopError carries structured validation information.
type LoopError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
	Loop    string `json:"loop,omitempty"`
	Field   string `json:"field,omitempty"`
	Line    int    `json:"line,omitempty"`
	Index   int    `json:"index,omitempty"`
}

func (e LoopError) Error() string {
	return e.HumanString()
}

// HumanString renders a human-friendly message with context.
func (e LoopError) HumanString() string {
	parts := make([]string, 0, 3)
	if e.Path != "" {
		parts = append(parts, e.Path)
	}
	if e.Loop != "" {
		parts = append(parts, fmt.Sprintf("loop %s", e.Loop))
	} else if e.Index > 0 {
		parts = append(parts, fmt.Sprintf("loop #%d", e.Index))
	}
	if e.Field != "" {
		parts = append(parts, e.Field)
	}

	prefix := "loops"
	if len(parts) > 0 {
		prefix = strings.Join(parts, ": ")
	}

	message := e.Message
	if message == "" {
		message = e.Code
	}
	if e.Line > 0 && !strings.Contains(message, "line ") {
		message = fmt.Sprintf("%s (line %d)", message, e.Line)
	}
	return fmt.Sprintf("%s: %s", prefix, message)
}

// ErrorList groups loop file errors.
type ErrorList struct {
	Errors []LoopError `json:"errors"`
}

func (e *ErrorList) Error() string {
	if e == nil || len(e.Errors) == 0 {
		return ""
	}
	lines := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		lines = append(lines, err.HumanString())
	}
	return strings.Join(lines, "\n")
}

func (e *ErrorList) Add(err LoopError) {
	e.Errors = append(e.Errors, err)
}

func (e *ErrorList) Empty() bool {
	return e == nil || len(e.Errors) == 0
}

func (e *ErrorList) err() error {
	if e.Empty() {
		return nil
	}
	return e
}
