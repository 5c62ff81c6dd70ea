package loopspec

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/taskdaemon/taskdaemon-sub002/internal/config"
)

func writeLoops(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "loops.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write loops file: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsAndResolvesPaths(t *testing.T) {
	path := writeLoops(t, `
defaults:
  repo: ./repo
  validate: make test
  priority: High
  max_iterations: 12
loops:
  - name: fix-build
    prompt: Make the build pass.
  - name: docs
    repo: /srv/docs
    prompt_file: prompts/docs.md
    validate: make lint
    priority: low
    max_iterations: 3
    metadata:
      owner: docs-team
`)
	dir := filepath.Dir(path)

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(f.Loops) != 2 {
		t.Fatalf("expected 2 loops, got %d", len(f.Loops))
	}

	first := f.Loops[0]
	if first.Repo != filepath.Join(dir, "repo") {
		t.Fatalf("repo not resolved: %q", first.Repo)
	}
	if first.Validate != "make test" || first.Priority != "high" || first.MaxIterations != 12 {
		t.Fatalf("defaults not applied: %+v", first)
	}

	second := f.Loops[1]
	if second.Repo != "/srv/docs" {
		t.Fatalf("absolute repo changed: %q", second.Repo)
	}
	if second.PromptFile != filepath.Join(dir, "prompts", "docs.md") {
		t.Fatalf("prompt file not resolved: %q", second.PromptFile)
	}
	if second.MaxIterations != 3 {
		t.Fatalf("max_iterations = %d, want 3", second.MaxIterations)
	}
}

func TestExecutionsMapPriorities(t *testing.T) {
	sched := config.DefaultConfig().Scheduler
	f, err := Parse([]byte(`
loops:
  - name: a
    repo: /tmp/a
    prompt: p
    validate: "true"
    priority: high
  - name: b
    repo: /tmp/b
    prompt: p
    validate: "true"
`), "")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	execs, err := f.Executions(sched.Priority)
	if err != nil {
		t.Fatalf("Executions: %v", err)
	}
	if len(execs) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(execs))
	}
	if execs[0].Priority != 100 || execs[0].PriorityClass != "high" {
		t.Fatalf("unexpected priority for a: %d %q", execs[0].Priority, execs[0].PriorityClass)
	}
	if execs[1].Priority != 50 {
		t.Fatalf("expected default priority 50, got %d", execs[1].Priority)
	}
	if execs[0].ID != "" {
		t.Fatalf("executions must not carry an id before they are started")
	}
}

func TestExecutionsUnknownPriority(t *testing.T) {
	sched := config.DefaultConfig().Scheduler
	f, err := Parse([]byte(`
loops:
  - name: a
    repo: /tmp/a
    prompt: p
    validate: "true"
    priority: urgent
`), "loops.yaml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	_, err = f.Executions(sched.Priority)
	var list *ErrorList
	if !errors.As(err, &list) {
		t.Fatalf("expected ErrorList, got %v", err)
	}
	if list.Errors[0].Field != "priority" || !strings.Contains(list.Errors[0].Message, "urgent") {
		t.Fatalf("unexpected error: %+v", list.Errors[0])
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	_, err := Parse([]byte(`
loops:
  - name: a
    repo: /tmp/a
    validate: "true"
  - name: a
    repo: /tmp/a
    prompt: p
    prompt_file: p.md
    validate: "true"
  - prompt: p
    max_iterations: -1
`), "loops.yaml")

	var list *ErrorList
	if !errors.As(err, &list) {
		t.Fatalf("expected ErrorList, got %v", err)
	}

	codes := map[string]int{}
	for _, e := range list.Errors {
		codes[e.Code]++
	}
	if codes[ErrCodeDuplicateLoop] != 1 {
		t.Fatalf("expected one duplicate error, got %v", list.Errors)
	}
	// missing prompt, missing name, missing repo, missing validate
	if codes[ErrCodeMissingField] != 4 {
		t.Fatalf("expected 4 missing-field errors, got %v", list.Errors)
	}
	// both prompts, negative max_iterations
	if codes[ErrCodeInvalidField] != 2 {
		t.Fatalf("expected 2 invalid-field errors, got %v", list.Errors)
	}
	if !strings.Contains(err.Error(), "loops.yaml: loop #3") {
		t.Fatalf("expected index context in %q", err.Error())
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("loops:\n  - name: a\n    command: make\n"), "loops.yaml")

	var list *ErrorList
	if !errors.As(err, &list) {
		t.Fatalf("expected ErrorList, got %v", err)
	}
	if list.Errors[0].Code != ErrCodeParse {
		t.Fatalf("expected parse code, got %q", list.Errors[0].Code)
	}
	if list.Errors[0].Line != 3 {
		t.Fatalf("expected line 3, got %d", list.Errors[0].Line)
	}
}

func TestParseEmpty(t *testing.T) {
	_, err := Parse(nil, "")
	if err == nil {
		t.Fatalf("expected error for empty file")
	}
}
