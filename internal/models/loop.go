package models

import (
	"strings"
	"time"
)

// LoopStatus represents the lifecycle status of a loop execution.
type LoopStatus string

const (
	LoopStatusRunning  LoopStatus = "running"
	LoopStatusPaused   LoopStatus = "paused"
	LoopStatusRebasing LoopStatus = "rebasing"
	LoopStatusBlocked  LoopStatus = "blocked"
	LoopStatusComplete LoopStatus = "complete"
	LoopStatusFailed   LoopStatus = "failed"
	LoopStatusStopped  LoopStatus = "stopped"
)

// AllLoopStatuses lists every status in display order.
var AllLoopStatuses = []LoopStatus{
	LoopStatusRunning,
	LoopStatusPaused,
	LoopStatusRebasing,
	LoopStatusBlocked,
	LoopStatusComplete,
	LoopStatusFailed,
	LoopStatusStopped,
}

// IsTerminal reports whether no further iteration may run in this status.
func (s LoopStatus) IsTerminal() bool {
	switch s {
	case LoopStatusComplete, LoopStatusFailed, LoopStatusStopped:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is a known status.
func (s LoopStatus) IsValid() bool {
	for _, known := range AllLoopStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// LoopExecution is one agent loop: its configuration plus its mutable progress.
// A single supervisor goroutine owns each execution.
type LoopExecution struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	RepoPath          string `json:"repo_path"`
	PromptTemplate    string `json:"prompt_template,omitempty"`
	PromptPath        string `json:"prompt_path,omitempty"`
	ValidationCommand string `json:"validation_command"`
	PriorityClass     string `json:"priority_class,omitempty"`
	Priority          int    `json:"priority"`

	Status        LoopStatus `json:"status"`
	Iteration     int        `json:"iteration"`
	MaxIterations int        `json:"max_iterations,omitempty"`

	LastExitCode         *int   `json:"last_exit_code,omitempty"`
	LastOutput           string `json:"last_output,omitempty"`
	LastError            string `json:"last_error,omitempty"`
	LastErrorRecoverable bool   `json:"last_error_recoverable,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Validate checks if the execution is valid.
func (e *LoopExecution) Validate() error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(e.Name) == "" {
		validation.Add("name", ErrInvalidLoopName)
	}
	if strings.TrimSpace(e.RepoPath) == "" {
		validation.Add("repo_path", ErrInvalidLoopRepoPath)
	}
	if strings.TrimSpace(e.ValidationCommand) == "" {
		validation.Add("validation_command", ErrInvalidValidationCommand)
	}
	if strings.TrimSpace(e.PromptTemplate) == "" && strings.TrimSpace(e.PromptPath) == "" {
		validation.Add("prompt", ErrInvalidPrompt)
	}
	if e.Iteration < 0 {
		validation.AddMessage("iteration", "iteration must be >= 0")
	}
	if e.MaxIterations < 0 {
		validation.AddMessage("max_iterations", "max_iterations must be >= 0")
	}
	if e.Status != "" && !e.Status.IsValid() {
		validation.Add("status", ErrInvalidLoopStatus)
	}
	return validation.Err()
}

// Clone returns a copy that shares no mutable state with e.
func (e *LoopExecution) Clone() *LoopExecution {
	if e == nil {
		return nil
	}
	out := *e
	if e.LastExitCode != nil {
		code := *e.LastExitCode
		out.LastExitCode = &code
	}
	if e.StartedAt != nil {
		t := *e.StartedAt
		out.StartedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	if e.Metadata != nil {
		out.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
