package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/taskdaemon/taskdaemon-sub002/internal/models"
)

// contextFooter is appended to prompts that do not reference any template
// field themselves.
const contextFooter = `

## Iteration {{.Iteration}} of {{.MaxIterations}}

Validation command: {{.ValidationCommand}}
{{- if .LastExitCode}}

### Last validation (exit {{.LastExitCode}})

` + "```" + `
{{.LastOutput}}
` + "```" + `
{{- end}}
{{- if .Progress}}

### Progress

{{.Progress}}
{{- end}}
{{- if .GitStatus}}

### Working tree

` + "```" + `
{{.GitStatus}}
` + "```" + `
{{- end}}
{{- if .GitDiffStat}}

### Diff stat

` + "```" + `
{{.GitDiffStat}}
` + "```" + `
{{- end}}
`

// PromptData is the data a loop's prompt template is rendered with.
type PromptData struct {
	Name              string
	Iteration         int
	MaxIterations     int
	Progress          string
	GitStatus         string
	GitDiffStat       string
	GitDiff           string
	LastExitCode      *int
	LastOutput        string
	ValidationCommand string
}

// resolvePromptSource returns the raw template text for a loop: the inline
// template wins over the prompt file.
func resolvePromptSource(exec *models.LoopExecution) (string, error) {
	if exec == nil {
		return "", errors.New("loop execution is nil")
	}

	if strings.TrimSpace(exec.PromptTemplate) != "" {
		return exec.PromptTemplate, nil
	}

	if strings.TrimSpace(exec.PromptPath) != "" {
		path := resolveRepoPath(exec.RepoPath, exec.PromptPath)
		content, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read prompt file: %w", err)
		}
		return string(content), nil
	}

	return "", models.ErrInvalidPrompt
}

func renderPrompt(source string, data PromptData) (string, error) {
	if !strings.Contains(source, "{{") {
		source = strings.TrimRight(source, "\n") + contextFooter
	}

	tmpl, err := template.New("prompt").Option("missingkey=error").Parse(source)
	if err != nil {
		return "", fmt.Errorf("parse prompt template: %w", err)
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render prompt template: %w", err)
	}
	return strings.TrimSpace(b.String()), nil
}

func resolveRepoPath(repoRoot, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(repoRoot, path)
}
