package models

import "time"

// IterationOutcome classifies how one iteration ended.
type IterationOutcome string

const (
	OutcomeComplete    IterationOutcome = "complete"
	OutcomeContinue    IterationOutcome = "continue"
	OutcomeRateLimited IterationOutcome = "rate_limited"
	OutcomeInterrupted IterationOutcome = "interrupted"
	OutcomeError       IterationOutcome = "error"
)

// IterationResult is the value one iteration hands back to the supervisor.
// Only the fields relevant to Outcome are set.
type IterationResult struct {
	Outcome IterationOutcome `json:"outcome"`

	// complete / continue
	ExitCode           int    `json:"exit_code"`
	Output             string `json:"output,omitempty"`
	TurnCapHit         bool   `json:"turn_cap_hit,omitempty"`
	ValidationTimedOut bool   `json:"validation_timed_out,omitempty"`

	// rate_limited
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// interrupted
	InterruptReason string `json:"interrupt_reason,omitempty"`

	// error
	Err         string `json:"error,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`

	Turns   int    `json:"turns"`
	Summary string `json:"summary,omitempty"`
}

// Completed reports a passing validation command.
func Completed(exitCode int, output string) IterationResult {
	return IterationResult{Outcome: OutcomeComplete, ExitCode: exitCode, Output: output}
}

// Continued reports a failing validation command.
func Continued(exitCode int, output string) IterationResult {
	return IterationResult{Outcome: OutcomeContinue, ExitCode: exitCode, Output: output}
}

// RateLimitedAfter asks the caller to retry the same iteration later.
func RateLimitedAfter(d time.Duration) IterationResult {
	if d < 0 {
		d = 0
	}
	return IterationResult{Outcome: OutcomeRateLimited, RetryAfter: d}
}

// InterruptedBy reports an iteration cut short by cancellation.
func InterruptedBy(reason string) IterationResult {
	return IterationResult{Outcome: OutcomeInterrupted, InterruptReason: reason}
}

// Failure reports an error; recoverable errors may be retried.
func Failure(err error, recoverable bool) IterationResult {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return IterationResult{Outcome: OutcomeError, Err: msg, Recoverable: recoverable}
}

// ToolInvocation records one tool call and its result.
type ToolInvocation struct {
	Name    string `json:"name"`
	Input   string `json:"input,omitempty"`
	Output  string `json:"output,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// IterationSummary is what progress capture stores after each iteration.
type IterationSummary struct {
	ExecutionID  string           `json:"execution_id"`
	LoopName     string           `json:"loop_name,omitempty"`
	Iteration    int              `json:"iteration"`
	Outcome      IterationOutcome `json:"outcome"`
	ExitCode     *int             `json:"exit_code,omitempty"`
	Response     string           `json:"response,omitempty"`
	Tools        []ToolInvocation `json:"tools,omitempty"`
	FilesChanged []string         `json:"files_changed,omitempty"`
	Errors       []string         `json:"errors,omitempty"`
	Turns        int              `json:"turns"`
	Duration     time.Duration    `json:"duration"`
	CreatedAt    time.Time        `json:"created_at"`
}
