package progress

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/taskdaemon/taskdaemon-sub002/internal/models"
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Ledger mirrors iteration records into one markdown file per loop.
type Ledger struct {
	dir       string
	tailLines int
	mu        sync.Mutex
}

// NewLedger creates a ledger writing under dir.
func NewLedger(dir string, tailLines int) *Ledger {
	return &Ledger{dir: dir, tailLines: tailLines}
}

// Path returns the ledger file for an execution.
func (l *Ledger) Path(exec *models.LoopExecution) string {
	name := unsafeNameChars.ReplaceAllString(exec.Name, "-")
	id := exec.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return filepath.Join(l.dir, fmt.Sprintf("%s-%s.md", name, id))
}

// Append writes one entry, creating the file with a front-matter header on
// first use.
func (l *Ledger) Append(exec *models.LoopExecution, summary *models.IterationSummary, output string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.Path(exec)
	if err := l.ensureFile(path, exec); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	entry := strings.Builder{}
	entry.WriteString(fmt.Sprintf("## Iteration %d (%s)\n\n", summary.Iteration, summary.CreatedAt.UTC().Format(time.RFC3339)))
	entry.WriteString(fmt.Sprintf("- outcome: %s\n", summary.Outcome))
	if summary.ExitCode != nil {
		entry.WriteString(fmt.Sprintf("- exit_code: %d\n", *summary.ExitCode))
	}
	entry.WriteString(fmt.Sprintf("- turns: %d\n", summary.Turns))
	entry.WriteString(fmt.Sprintf("- duration: %s\n", summary.Duration.Round(time.Millisecond)))
	if len(summary.Tools) > 0 {
		names := make([]string, 0, len(summary.Tools))
		for _, tool := range summary.Tools {
			names = append(names, tool.Name)
		}
		entry.WriteString(fmt.Sprintf("- tools: %s\n", strings.Join(names, ", ")))
	}
	if len(summary.FilesChanged) > 0 {
		entry.WriteString(fmt.Sprintf("- files_changed: %s\n", strings.Join(summary.FilesChanged, ", ")))
	}
	for _, msg := range summary.Errors {
		entry.WriteString(fmt.Sprintf("- error: %s\n", msg))
	}
	entry.WriteString("\n")

	if response := strings.TrimSpace(summary.Response); response != "" {
		entry.WriteString(response)
		entry.WriteString("\n\n")
	}

	output = limitOutputLines(output, l.tailLines)
	if strings.TrimSpace(output) != "" {
		entry.WriteString("```\n")
		entry.WriteString(strings.TrimSpace(output))
		entry.WriteString("\n```\n\n")
	}

	_, err = f.WriteString(entry.String())
	return err
}

func (l *Ledger) ensureFile(path string, exec *models.LoopExecution) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	content := strings.Builder{}
	content.WriteString("---\n")
	content.WriteString(fmt.Sprintf("loop_id: %s\n", exec.ID))
	content.WriteString(fmt.Sprintf("loop_name: %s\n", exec.Name))
	content.WriteString(fmt.Sprintf("repo_path: %s\n", exec.RepoPath))
	content.WriteString(fmt.Sprintf("validation_command: %s\n", exec.ValidationCommand))
	content.WriteString(fmt.Sprintf("created_at: %s\n", time.Now().UTC().Format(time.RFC3339)))
	content.WriteString("---\n\n")
	content.WriteString(fmt.Sprintf("# Loop Ledger: %s\n\n", exec.Name))

	return os.WriteFile(path, []byte(content.String()), 0o644)
}

func limitOutputLines(text string, maxLines int) string {
	if maxLines <= 0 {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) <= maxLines {
		return text
	}
	return strings.Join(lines[len(lines)-maxLines:], "\n")
}
