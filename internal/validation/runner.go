// Package validation runs a loop's validation command.
package validation

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/taskdaemon/taskdaemon-sub002/internal/logging"
)

// ErrEmptyCommand is returned when no command is configured.
var ErrEmptyCommand = errors.New("validation command is empty")

// StartError means the command could not be started at all. It is a
// configuration problem, not a validation failure.
type StartError struct {
	Command string
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start validation command %q: %v", e.Command, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// Result is the outcome of one validation run.
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
	TimedOut bool
}

// Runner executes validation commands through sh -c.
type Runner struct {
	Shell     string
	TailLines int
}

// NewRunner creates a runner that keeps the last tailLines lines of output.
func NewRunner(tailLines int) *Runner {
	return &Runner{Shell: "sh", TailLines: tailLines}
}

// Run executes command in dir. A timeout is reported through Result.TimedOut,
// not as an error; errors are returned only when the command cannot start or
// the parent context is cancelled.
func (r *Runner) Run(ctx context.Context, command, dir string, timeout time.Duration) (Result, error) {
	if strings.TrimSpace(command) == "" {
		return Result{}, &StartError{Command: command, Err: ErrEmptyCommand}
	}
	shell := r.Shell
	if shell == "" {
		shell = "sh"
	}

	runCtx := ctx
	var cancel context.CancelFunc = func() {}
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, shell, "-c", command)
	cmd.Dir = dir
	cmd.WaitDelay = 2 * time.Second
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, &StartError{Command: command, Err: err}
	}
	waitErr := cmd.Wait()
	result := Result{
		Duration: time.Since(start),
		Output:   tailLines(buf.String(), r.TailLines),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		logging.Component("validation").Warn().
			Str("command", command).
			Dur("timeout", timeout).
			Msg("validation command timed out")
		return result, nil
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		result.ExitCode = 0
	case errors.As(waitErr, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		return result, fmt.Errorf("wait for validation command: %w", waitErr)
	}
	return result, nil
}

func tailLines(output string, maxLines int) string {
	if maxLines <= 0 {
		return output
	}
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lines := make([]string, 0, maxLines)
	for scanner.Scan() {
		if len(lines) >= maxLines {
			lines = lines[1:]
		}
		lines = append(lines, scanner.Text())
	}
	if scanner.Err() != nil {
		// A line outgrew the scanner buffer; the tail still matters most.
		return byteTail(output, maxLines)
	}
	return strings.Join(lines, "\n")
}

const byteTailLimit = 64 * 1024

// byteTail keeps the last maxLines lines of at most byteTailLimit trailing bytes.
func byteTail(output string, maxLines int) string {
	if len(output) > byteTailLimit {
		start := len(output) - byteTailLimit
		for start < len(output) && !utf8.RuneStart(output[start]) {
			start++
		}
		output = output[start:]
	}
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n")
}
