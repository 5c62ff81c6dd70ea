package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/taskdaemon/taskdaemon-sub002/internal/db"
	"github.com/taskdaemon/taskdaemon-sub002/internal/loopspec"
)

// ErrorEnvelope is the JSON/JSONL error response shape.
type ErrorEnvelope struct {
	Error ErrorPayload `json:"error"`
}

// ErrorPayload carries structured error details.
type ErrorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Hint    string         `json:"hint,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// ExitError carries an exit code and whether output was already printed.
type ExitError struct {
	Code    int
	Err     error
	Printed bool
}

func (e *ExitError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func handleCLIError(err error) error {
	if err == nil {
		return nil
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Printed {
			return exitErr
		}
		if exitErr.Err != nil {
			err = exitErr.Err
		}
	}

	exitCode := exitCodeFromError(err)
	if exitErr != nil && exitErr.Code != 0 {
		exitCode = exitErr.Code
	}

	if IsJSONOutput() || IsJSONLOutput() {
		_ = WriteOutput(os.Stdout, buildErrorEnvelope(err))
	} else {
		fmt.Fprintln(os.Stderr, err.Error())
	}

	return &ExitError{
		Code:    exitCode,
		Err:     err,
		Printed: true,
	}
}

func buildErrorEnvelope(err error) ErrorEnvelope {
	code, message, hint, details, _ := classifyError(err)
	return ErrorEnvelope{
		Error: ErrorPayload{
			Code:    code,
			Message: message,
			Hint:    hint,
			Details: details,
		},
	}
}

func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Code != 0 {
		return exitErr.Code
	}
	_, _, _, _, code := classifyError(err)
	return code
}

func classifyError(err error) (code, message, hint string, details map[string]any, exitCode int) {
	exitCode = 1
	if err == nil {
		return "ERR_UNKNOWN", "", "", nil, exitCode
	}

	message = err.Error()

	var specErrs *loopspec.ErrorList
	if errors.As(err, &specErrs) {
		problems := make([]string, 0, len(specErrs.Errors))
		for _, e := range specErrs.Errors {
			problems = append(problems, e.HumanString())
		}
		return "ERR_LOOP_FILE", message, "Fix the loop file and run again.", map[string]any{"problems": problems}, exitCode
	}

	if errors.Is(err, db.ErrExecutionNotFound) {
		return "ERR_NOT_FOUND", message, "Run `taskdaemon ps` to see loop names and IDs.",
			map[string]any{"resource": "loop"}, exitCode
	}

	lower := strings.ToLower(message)

	switch {
	case strings.Contains(lower, "ambiguous"):
		code = "ERR_AMBIGUOUS"
		hint = "Use a longer prefix or full ID."
	case strings.Contains(lower, "not found"):
		code = "ERR_NOT_FOUND"
		if id := extractQuotedValue(message); id != "" {
			details = map[string]any{"id": id}
		}
	case strings.Contains(lower, "already exists"):
		code = "ERR_EXISTS"
	case strings.Contains(lower, "unknown flag"):
		code = "ERR_INVALID_FLAG"
	case strings.Contains(lower, "invalid") || strings.Contains(lower, "required") || strings.Contains(lower, "usage") || strings.Contains(lower, "must"):
		code = "ERR_INVALID"
	case strings.Contains(lower, "permission denied") || strings.Contains(lower, "timeout") || strings.Contains(lower, "connection"):
		code = "ERR_OPERATION_FAILED"
		exitCode = 2
	case strings.Contains(lower, "failed to") || strings.Contains(lower, "unable to"):
		code = "ERR_OPERATION_FAILED"
		exitCode = 2
	default:
		code = "ERR_UNKNOWN"
	}

	return code, message, hint, details, exitCode
}

func extractQuotedValue(message string) string {
	for _, quote := range []string{"'", `"`} {
		start := strings.Index(message, quote)
		if start == -1 {
			continue
		}
		end := strings.Index(message[start+1:], quote)
		if end == -1 {
			continue
		}
		return message[start+1 : start+1+end]
	}
	return ""
}
