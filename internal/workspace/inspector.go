package workspace

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

const defaultDiffLimit = 16 * 1024

// Snapshot is the state of a working tree at the start of an iteration.
type Snapshot struct {
	Branch       string
	Head         string
	Status       string
	DiffStat     string
	Diff         string
	ChangedFiles []string
}

// Inspector reads working-tree state through git.
type Inspector struct {
	// DiffLimit caps the diff excerpt in bytes.
	DiffLimit int
}

// NewInspector creates an inspector with the default diff excerpt size.
func NewInspector() *Inspector {
	return &Inspector{DiffLimit: defaultDiffLimit}
}

// Snapshot collects status, diff stat, a diff excerpt and changed files.
func (i *Inspector) Snapshot(ctx context.Context, dir string) (*Snapshot, error) {
	if err := ValidateRepoPath(dir); err != nil {
		return nil, err
	}
	isRepo, err := IsGitRepo(ctx, dir)
	if err != nil {
		return nil, err
	}
	if !isRepo {
		return nil, fmt.Errorf("%w: %s", ErrNotGitRepo, dir)
	}

	snap := &Snapshot{}
	if branch, err := runGitTrim(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		snap.Branch = branch
	}
	if head, err := runGitTrim(ctx, dir, "rev-parse", "HEAD"); err == nil {
		snap.Head = head
	}

	status, err := runGitTrim(ctx, dir, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	snap.Status = status
	snap.ChangedFiles = parsePorcelain(status)

	// A fresh repository has no HEAD to diff against.
	if snap.Head != "" {
		if stat, err := runGitTrim(ctx, dir, "diff", "--stat", "HEAD"); err == nil {
			snap.DiffStat = stat
		}
		if diff, _, err := runGit(ctx, dir, "diff", "HEAD"); err == nil {
			snap.Diff = truncate(diff, i.limit())
		}
	}

	return snap, nil
}

// ChangedFiles lists paths with uncommitted changes.
func (i *Inspector) ChangedFiles(ctx context.Context, dir string) ([]string, error) {
	status, err := runGitTrim(ctx, dir, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parsePorcelain(status), nil
}

func (i *Inspector) limit() int {
	if i.DiffLimit <= 0 {
		return defaultDiffLimit
	}
	return i.DiffLimit
}

func parsePorcelain(status string) []string {
	if status == "" {
		return nil
	}
	seen := make(map[string]struct{})
	var files []string
	for _, line := range strings.Split(status, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		path = strings.Trim(path, `"`)
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		files = append(files, path)
	}
	sort.Strings(files)
	return files
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + fmt.Sprintf("\n[diff truncated: %d of %d bytes]", limit, len(s))
}
