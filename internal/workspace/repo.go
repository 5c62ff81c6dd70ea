// Package workspace inspects and rebases the git working trees loops operate on.
package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrNotGitRepo is returned when a path is not inside a git work tree.
var ErrNotGitRepo = errors.New("not a git repository")

// GitError carries the stderr of a failed git invocation.
type GitError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *GitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("git %s: %s", strings.Join(e.Args, " "), msg)
}

func (e *GitError) Unwrap() error { return e.Err }

// ValidateRepoPath checks that a repository path exists and is a directory.
func ValidateRepoPath(repoPath string) error {
	if repoPath == "" {
		return errors.New("repository path is required")
	}

	info, err := os.Stat(repoPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("repository path does not exist: %s", repoPath)
		}
		return fmt.Errorf("failed to stat repository path %s: %w", repoPath, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("repository path is not a directory: %s", repoPath)
	}

	return nil
}

// IsGitRepo reports whether repoPath is inside a git work tree.
func IsGitRepo(ctx context.Context, repoPath string) (bool, error) {
	out, _, err := runGit(ctx, repoPath, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return false, err
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, err
	}

	return strings.TrimSpace(out) == "true", nil
}

// HeadCommit returns the commit a ref points at.
func HeadCommit(ctx context.Context, repoPath, ref string) (string, error) {
	if ref == "" {
		ref = "HEAD"
	}
	return runGitTrim(ctx, repoPath, "rev-parse", ref)
}

// CommonGitDir returns the absolute git directory that holds refs shared by
// every worktree of the repository.
func CommonGitDir(ctx context.Context, repoPath string) (string, error) {
	dir, err := runGitTrim(ctx, repoPath, "rev-parse", "--git-common-dir")
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(repoPath, dir)
	}
	return filepath.Clean(dir), nil
}

func runGitTrim(ctx context.Context, repoPath string, args ...string) (string, error) {
	stdout, _, err := runGit(ctx, repoPath, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(stdout), nil
}

func runGit(ctx context.Context, repoPath string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoPath

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil && !errors.Is(err, exec.ErrNotFound) {
		err = &GitError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return stdout.String(), stderr.String(), err
}
