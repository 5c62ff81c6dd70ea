// Package watch notices when a repository's main branch moves and tells
// every loop about it.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/taskdaemon/taskdaemon-sub002/internal/logging"
	"github.com/taskdaemon/taskdaemon-sub002/internal/models"
	"github.com/taskdaemon/taskdaemon-sub002/internal/workspace"
)

// SenderID is the From field of main_updated messages.
const SenderID = "branch-watcher"

const (
	defaultDebounce = 500 * time.Millisecond
	defaultFallback = 30 * time.Second
)

// Sender accepts coordination messages.
type Sender interface {
	Send(msg models.CoordinationMessage)
}

// BranchWatcher broadcasts main_updated when a branch ref changes.
type BranchWatcher struct {
	repo     string
	branch   string
	sender   Sender
	debounce time.Duration
	fallback time.Duration
	logger   zerolog.Logger

	mu   sync.Mutex
	last string
}

// NewBranchWatcher creates a watcher for branch in repo.
func NewBranchWatcher(repo, branch string, sender Sender, debounce time.Duration) *BranchWatcher {
	if branch == "" {
		branch = "main"
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &BranchWatcher{
		repo:     repo,
		branch:   branch,
		sender:   sender,
		debounce: debounce,
		fallback: defaultFallback,
		logger:   logging.Component("watch").With().Str("repo", repo).Str("branch", branch).Logger(),
	}
}

// Run watches until ctx is cancelled. Ref changes are debounced; a slow
// fallback poll covers events fsnotify misses.
func (w *BranchWatcher) Run(ctx context.Context) error {
	gitDir, err := workspace.CommonGitDir(ctx, w.repo)
	if err != nil {
		return fmt.Errorf("locate git dir for %s: %w", w.repo, err)
	}
	if err := w.prime(ctx); err != nil {
		return err
	}

	refPath := filepath.Join(gitDir, "refs", "heads", filepath.FromSlash(w.branch))
	packedRefs := filepath.Join(gitDir, "packed-refs")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	for _, dir := range []string{filepath.Dir(refPath), gitDir} {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	w.logger.Info().Str("ref", refPath).Msg("watching branch")

	fallback := time.NewTicker(w.fallback)
	defer fallback.Stop()

	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name == refPath || event.Name == packedRefs {
				fire = time.After(w.debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("watcher error")
		case <-fire:
			fire = nil
			w.checkAndLog(ctx)
		case <-fallback.C:
			w.checkAndLog(ctx)
		}
	}
}

func (w *BranchWatcher) prime(ctx context.Context) error {
	commit, err := workspace.HeadCommit(ctx, w.repo, "refs/heads/"+w.branch)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", w.branch, err)
	}
	w.mu.Lock()
	w.last = commit
	w.mu.Unlock()
	return nil
}

func (w *BranchWatcher) checkAndLog(ctx context.Context) {
	if _, err := w.Check(ctx); err != nil && ctx.Err() == nil {
		w.logger.Warn().Err(err).Msg("failed to read branch head")
	}
}

// Check resolves the branch and broadcasts main_updated when it moved since
// the last check. The first check only records the commit.
func (w *BranchWatcher) Check(ctx context.Context) (bool, error) {
	commit, err := workspace.HeadCommit(ctx, w.repo, "refs/heads/"+w.branch)
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	prev := w.last
	w.last = commit
	w.mu.Unlock()

	if prev == "" || prev == commit {
		return false, nil
	}

	w.logger.Info().Str("from", short(prev)).Str("to", short(commit)).Msg("branch moved")
	w.sender.Send(models.CoordinationMessage{
		ID:        uuid.New().String(),
		Kind:      models.MessageMainUpdated,
		From:      SenderID,
		To:        models.BroadcastTarget,
		Payload:   commit,
		CreatedAt: time.Now().UTC(),
	})
	return true, nil
}

func short(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}
