package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/taskdaemon/taskdaemon-sub002/internal/logging"
)

// ErrDirtyWorktree is returned when a rebase is attempted with uncommitted
// changes that git refuses to carry.
var ErrDirtyWorktree = errors.New("working tree has uncommitted changes")

// ConflictError reports a rebase that stopped on conflicts. The rebase has
// been aborted by the time it is returned.
type ConflictError struct {
	Target string
	Files  []string
}

func (e *ConflictError) Error() string {
	if len(e.Files) == 0 {
		return fmt.Sprintf("rebase onto %s conflicted", e.Target)
	}
	return fmt.Sprintf("rebase onto %s conflicted: %s", e.Target, strings.Join(e.Files, ", "))
}

// Rebaser rebases a loop's branch onto an updated target.
type Rebaser struct {
	// Autostash carries uncommitted edits across the rebase.
	Autostash bool
}

// NewRebaser creates a rebaser that autostashes work in progress.
func NewRebaser() *Rebaser {
	return &Rebaser{Autostash: true}
}

// Rebase runs git rebase onto target. Conflicts abort the rebase and return
// a *ConflictError.
func (r *Rebaser) Rebase(ctx context.Context, dir, target string) error {
	if target == "" {
		return errors.New("rebase target is required")
	}
	logger := logging.Component("workspace")

	args := []string{"rebase"}
	if r.Autostash {
		args = append(args, "--autostash")
	}
	args = append(args, target)

	_, stderr, err := runGit(ctx, dir, args...)
	if err == nil {
		logger.Info().Str("dir", dir).Str("target", target).Msg("rebase applied")
		return nil
	}

	conflicted, _ := runGitTrim(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if conflicted != "" || rebaseInProgress(ctx, dir) {
		if _, _, abortErr := runGit(ctx, dir, "rebase", "--abort"); abortErr != nil {
			logger.Error().Err(abortErr).Str("dir", dir).Msg("failed to abort conflicted rebase")
		}
		var files []string
		if conflicted != "" {
			files = strings.Split(conflicted, "\n")
		}
		return &ConflictError{Target: target, Files: files}
	}

	if strings.Contains(stderr, "uncommitted changes") || strings.Contains(stderr, "unstaged changes") {
		return fmt.Errorf("%w: %s", ErrDirtyWorktree, strings.TrimSpace(stderr))
	}
	return err
}

func rebaseInProgress(ctx context.Context, dir string) bool {
	for _, name := range []string{"rebase-merge", "rebase-apply"} {
		path, err := runGitTrim(ctx, dir, "rev-parse", "--git-path", name)
		if err != nil {
			continue
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}
