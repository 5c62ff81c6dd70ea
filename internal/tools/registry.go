// Package tools executes the tool calls requested by the reasoning service.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/taskdaemon/taskdaemon-sub002/internal/reasoning"
)

var (
	// ErrUnknownTool is returned when a call names a tool that is not registered.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrPathEscapes is returned when a path resolves outside the working directory.
	ErrPathEscapes = errors.New("path escapes working directory")
)

// Handler runs a tool against a working directory.
type Handler func(ctx context.Context, args json.RawMessage, workDir string) (string, error)

// Tool pairs a definition with its handler.
type Tool struct {
	Definition reasoning.ToolDefinition
	Handler    Handler
}

// Registry holds the tools available to a loop.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// NewDefaultRegistry creates a registry with the built-in workspace tools.
func NewDefaultRegistry(opts CommandOptions) *Registry {
	r := NewRegistry()
	r.Register(readFileTool())
	r.Register(writeFileTool())
	r.Register(listFilesTool())
	r.Register(runCommandTool(opts))
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Definition.Name] = tool
}

// Definitions returns every tool definition sorted by name.
func (r *Registry) Definitions() []reasoning.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]reasoning.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, tool.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs a single call. Handler failures come back as an error result
// so the model can see them; only context cancellation is returned as an error.
func (r *Registry) Execute(ctx context.Context, call reasoning.ToolCall, workDir string) (reasoning.ToolResult, error) {
	result := reasoning.ToolResult{CallID: call.ID, Name: call.Name}

	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		result.Content = fmt.Sprintf("%v: %s", ErrUnknownTool, call.Name)
		result.IsError = true
		return result, nil
	}

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	out, err := tool.Handler(ctx, args, workDir)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}
	if err != nil {
		result.Content = err.Error()
		result.IsError = true
		return result, nil
	}
	result.Content = out
	return result, nil
}

// resolvePath joins rel onto workDir and rejects anything that leaves it.
func resolvePath(workDir, rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		rel = "."
	}
	root, err := filepath.Abs(workDir)
	if err != nil {
		return "", err
	}
	target := rel
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, rel)
	}
	target = filepath.Clean(target)

	relToRoot, err := filepath.Rel(root, target)
	if err != nil || relToRoot == ".." || strings.HasPrefix(relToRoot, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapes, rel)
	}
	return target, nil
}

func decodeArgs(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
