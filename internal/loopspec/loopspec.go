// Package loopspec loads loop definition files.
//
// A loops file is YAML:
//
//	defaults:
//	  repo: .
//	  priority: normal
//	loops:
//	  - name: fix-build
//	    prompt: Make `go build ./...` succeed.
//	    validate: go build ./...
//	    max_iterations: 20
package loopspec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/taskdaemon/taskdaemon-sub002/internal/models"
)

// File is a parsed loops file.
type File struct {
	Defaults Defaults     `yaml:"defaults"`
	Loops    []Definition `yaml:"loops"`

	// Source is the path the file was loaded from.
	Source string `yaml:"-"`
}

// Defaults fill fields a definition leaves empty.
type Defaults struct {
	Repo          string `yaml:"repo"`
	Validate      string `yaml:"validate"`
	Priority      string `yaml:"priority"`
	MaxIterations int    `yaml:"max_iterations"`
}

// Definition describes one loop.
type Definition struct {
	Name          string         `yaml:"name"`
	Repo          string         `yaml:"repo"`
	Prompt        string         `yaml:"prompt"`
	PromptFile    string         `yaml:"prompt_file"`
	Validate      string         `yaml:"validate"`
	Priority      string         `yaml:"priority"`
	MaxIterations int            `yaml:"max_iterations"`
	Metadata      map[string]any `yaml:"metadata"`
}

// PriorityFunc maps a priority class to a numeric priority.
type PriorityFunc func(class string) (int, error)

// Load reads, normalizes and validates a loops file. Relative paths are
// resolved against the file's directory.
func Load(path string) (*File, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("loops file path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read loops file %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve loops file %s: %w", path, err)
	}
	return Parse(data, abs)
}

// Parse decodes a loops file. source names the file in errors and anchors
// relative paths; it may be empty.
func Parse(data []byte, source string) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, wrapParseError(source, err)
	}
	f.Source = source

	f.normalize()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) baseDir() string {
	if f.Source == "" {
		return ""
	}
	return filepath.Dir(f.Source)
}

func (f *File) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if base := f.baseDir(); base != "" {
		return filepath.Join(base, path)
	}
	return path
}

func (f *File) normalize() {
	f.Defaults.Repo = strings.TrimSpace(f.Defaults.Repo)
	f.Defaults.Validate = strings.TrimSpace(f.Defaults.Validate)
	f.Defaults.Priority = strings.ToLower(strings.TrimSpace(f.Defaults.Priority))

	for i := range f.Loops {
		def := &f.Loops[i]
		def.Name = strings.TrimSpace(def.Name)
		def.Repo = strings.TrimSpace(def.Repo)
		def.PromptFile = strings.TrimSpace(def.PromptFile)
		def.Validate = strings.TrimSpace(def.Validate)
		def.Priority = strings.ToLower(strings.TrimSpace(def.Priority))

		if def.Repo == "" {
			def.Repo = f.Defaults.Repo
		}
		if def.Validate == "" {
			def.Validate = f.Defaults.Validate
		}
		if def.Priority == "" {
			def.Priority = f.Defaults.Priority
		}
		if def.MaxIterations == 0 {
			def.MaxIterations = f.Defaults.MaxIterations
		}
		def.Repo = f.resolve(def.Repo)
		def.PromptFile = f.resolve(def.PromptFile)
	}
}

// Validate checks every definition and reports all problems at once.
func (f *File) Validate() error {
	list := &ErrorList{}
	path := f.Source

	if len(f.Loops) == 0 {
		list.Add(LoopError{Code: ErrCodeMissingField, Message: "at least one loop is required", Path: path, Field: "loops"})
	}

	seen := make(map[string]int, len(f.Loops))
	for i, def := range f.Loops {
		index := i + 1
		add := func(code, field, message string) {
			list.Add(LoopError{Code: code, Message: message, Path: path, Loop: def.Name, Field: field, Index: index})
		}

		if def.Name == "" {
			add(ErrCodeMissingField, "name", "name is required")
		} else if first, dup := seen[def.Name]; dup {
			add(ErrCodeDuplicateLoop, "name", fmt.Sprintf("duplicate loop name (first defined as loop #%d)", first))
		} else {
			seen[def.Name] = index
		}
		if def.Repo == "" {
			add(ErrCodeMissingField, "repo", "repo is required")
		}
		if def.Validate == "" {
			add(ErrCodeMissingField, "validate", "validate command is required")
		}
		hasPrompt := strings.TrimSpace(def.Prompt) != ""
		switch {
		case !hasPrompt && def.PromptFile == "":
			add(ErrCodeMissingField, "prompt", "prompt or prompt_file is required")
		case hasPrompt && def.PromptFile != "":
			add(ErrCodeInvalidField, "prompt", "prompt and prompt_file are mutually exclusive")
		}
		if def.MaxIterations < 0 {
			add(ErrCodeInvalidField, "max_iterations", "max_iterations must be >= 0")
		}
	}
	return list.err()
}

// Executions builds a new LoopExecution for every definition.
func (f *File) Executions(priority PriorityFunc) ([]*models.LoopExecution, error) {
	list := &ErrorList{}
	out := make([]*models.LoopExecution, 0, len(f.Loops))
	for i, def := range f.Loops {
		exec, err := def.Execution(priority)
		if err != nil {
			list.Add(LoopError{Code: ErrCodeInvalidField, Message: err.Error(), Path: f.Source, Loop: def.Name, Field: "priority", Index: i + 1})
			continue
		}
		out = append(out, exec)
	}
	if err := list.err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Execution builds a new LoopExecution from the definition.
func (d Definition) Execution(priority PriorityFunc) (*models.LoopExecution, error) {
	exec := &models.LoopExecution{
		Name:              d.Name,
		RepoPath:          d.Repo,
		PromptTemplate:    d.Prompt,
		PromptPath:        d.PromptFile,
		ValidationCommand: d.Validate,
		PriorityClass:     d.Priority,
		MaxIterations:     d.MaxIterations,
		Status:            models.LoopStatusRunning,
	}
	if len(d.Metadata) > 0 {
		exec.Metadata = make(map[string]any, len(d.Metadata))
		for k, v := range d.Metadata {
			exec.Metadata[k] = v
		}
	}
	if priority != nil {
		p, err := priority(d.Priority)
		if err != nil {
			return nil, err
		}
		exec.Priority = p
	}
	if err := exec.Validate(); err != nil {
		return nil, err
	}
	return exec, nil
}

var lineRe = regexp.MustCompile(`line (\d+)`)

func wrapParseError(path string, err error) error {
	list := &ErrorList{}

	var typeErr *yaml.TypeError
	if errors.As(err, &typeErr) {
		for _, msg := range typeErr.Errors {
			list.Add(LoopError{Code: ErrCodeParse, Message: msg, Path: path, Line: lineOf(msg)})
		}
		return list
	}

	list.Add(LoopError{Code: ErrCodeParse, Message: err.Error(), Path: path, Line: lineOf(err.Error())})
	return list
}

func lineOf(msg string) int {
	m := lineRe.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}
