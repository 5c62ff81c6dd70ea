package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	maxReadBytes   = 256 * 1024
	maxListEntries = 2000
)

// CommandOptions bounds run_command.
type CommandOptions struct {
	Timeout        time.Duration
	MaxOutputBytes int
}

func readFileTool() Tool {
	return Tool{
		Definition: definition("read_file", "Read a file relative to the working directory.",
			map[string]any{"path": stringParam("File path")}, "path"),
		Handler: func(ctx context.Context, raw json.RawMessage, workDir string) (string, error) {
			var args struct {
				Path string `json:"path"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return "", err
			}
			if args.Path == "" {
				return "", errors.New("path is required")
			}
			path, err := resolvePath(workDir, args.Path)
			if err != nil {
				return "", err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return "", err
			}
			if len(data) > maxReadBytes {
				return string(data[:maxReadBytes]) + fmt.Sprintf("\n[truncated: %d of %d bytes]", maxReadBytes, len(data)), nil
			}
			return string(data), nil
		},
	}
}

func writeFileTool() Tool {
	return Tool{
		Definition: definition("write_file", "Create or overwrite a file relative to the working directory.",
			map[string]any{
				"path":    stringParam("File path"),
				"content": stringParam("Full file content"),
			}, "path", "content"),
		Handler: func(ctx context.Context, raw json.RawMessage, workDir string) (string, error) {
			var args struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return "", err
			}
			if args.Path == "" {
				return "", errors.New("path is required")
			}
			path, err := resolvePath(workDir, args.Path)
			if err != nil {
				return "", err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return "", err
			}
			if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
				return "", err
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path), nil
		},
	}
}

func listFilesTool() Tool {
	return Tool{
		Definition: definition("list_files", "List files under a directory, skipping .git.",
			map[string]any{"path": stringParam("Directory, defaults to the working directory")}),
		Handler: func(ctx context.Context, raw json.RawMessage, workDir string) (string, error) {
			var args struct {
				Path string `json:"path"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return "", err
			}
			root, err := resolvePath(workDir, args.Path)
			if err != nil {
				return "", err
			}

			var entries []string
			truncated := false
			err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
				if walkErr != nil {
					return walkErr
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				if d.IsDir() {
					if d.Name() == ".git" {
						return filepath.SkipDir
					}
					return nil
				}
				if len(entries) >= maxListEntries {
					truncated = true
					return filepath.SkipAll
				}
				rel, err := filepath.Rel(root, path)
				if err != nil {
					return err
				}
				entries = append(entries, filepath.ToSlash(rel))
				return nil
			})
			if err != nil {
				return "", err
			}
			sort.Strings(entries)
			out := strings.Join(entries, "\n")
			if truncated {
				out += fmt.Sprintf("\n[truncated at %d entries]", maxListEntries)
			}
			return out, nil
		},
	}
}

func runCommandTool(opts CommandOptions) Tool {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = 64 * 1024
	}
	return Tool{
		Definition: definition("run_command", "Run a shell command in the working directory.",
			map[string]any{"command": stringParam("Command passed to sh -c")}, "command"),
		Handler: func(ctx context.Context, raw json.RawMessage, workDir string) (string, error) {
			var args struct {
				Command string `json:"command"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return "", err
			}
			if strings.TrimSpace(args.Command) == "" {
				return "", errors.New("command is required")
			}

			runCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
			defer cancel()

			cmd := exec.CommandContext(runCtx, "sh", "-c", args.Command)
			cmd.Dir = workDir
			var buf bytes.Buffer
			cmd.Stdout = &buf
			cmd.Stderr = &buf
			runErr := cmd.Run()

			out := buf.String()
			if len(out) > opts.MaxOutputBytes {
				out = "[output truncated]\n" + out[len(out)-opts.MaxOutputBytes:]
			}
			if runCtx.Err() == context.DeadlineExceeded {
				return "", fmt.Errorf("command timed out after %s\n%s", opts.Timeout, out)
			}
			var exitErr *exec.ExitError
			if errors.As(runErr, &exitErr) {
				return fmt.Sprintf("exit code %d\n%s", exitErr.ExitCode(), out), nil
			}
			if runErr != nil {
				return "", runErr
			}
			return "exit code 0\n" + out, nil
		},
	}
}

func definition(name, description string, props map[string]any, required ...string) reasoning.ToolDefinition {
	params := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		params["required"] = required
	}
	return reasoning.ToolDefinition{Name: name, Description: description, Parameters: params}
}

func stringParam(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}
