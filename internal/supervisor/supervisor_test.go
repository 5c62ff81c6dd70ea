package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdaemon/taskdaemon-sub002/internal/coordinator"
	"github.com/taskdaemon/taskdaemon-sub002/internal/models"
	"github.com/taskdaemon/taskdaemon-sub002/internal/state"
)

type engineCall struct {
	exec *models.LoopExecution
	at   time.Time
}

// fakeEngine replays results in order and repeats the last one.
type fakeEngine struct {
	mu      sync.Mutex
	results []models.IterationResult
	hook    func(ctx context.Context, n int, exec *models.LoopExecution) (models.IterationResult, bool)
	clock   *fakeClock
	calls   []engineCall

	inflight   atomic.Int32
	concurrent atomic.Bool
}

func (f *fakeEngine) RunIteration(ctx context.Context, exec *models.LoopExecution) models.IterationResult {
	if f.inflight.Add(1) > 1 {
		f.concurrent.Store(true)
	}
	defer f.inflight.Add(-1)

	f.mu.Lock()
	n := len(f.calls)
	call := engineCall{exec: exec}
	if f.clock != nil {
		call.at = f.clock.Now()
	}
	f.calls = append(f.calls, call)
	var result models.IterationResult
	if len(f.results) > 0 {
		idx := n
		if idx >= len(f.results) {
			idx = len(f.results) - 1
		}
		result = f.results[idx]
	}
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		if r, ok := hook(ctx, n, exec); ok {
			return r
		}
	}
	return result
}

func (f *fakeEngine) Calls() []engineCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engineCall(nil), f.calls...)
}

type fakeStore struct {
	mu      sync.Mutex
	created []*models.LoopExecution
	updates []*models.LoopExecution
	failOn  models.LoopStatus
}

func (f *fakeStore) Create(_ context.Context, exec *models.LoopExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
	exec.UpdatedAt = exec.CreatedAt
	f.created = append(f.created, exec.Clone())
	return nil
}

func (f *fakeStore) Update(_ context.Context, exec *models.LoopExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != "" && exec.Status == f.failOn {
		return errors.New("disk full")
	}
	exec.UpdatedAt = time.Now().UTC()
	f.updates = append(f.updates, exec.Clone())
	return nil
}

func (f *fakeStore) Statuses() []models.LoopStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.LoopStatus
	for _, u := range f.updates {
		if len(out) == 0 || out[len(out)-1] != u.Status {
			out = append(out, u.Status)
		}
	}
	return out
}

type contextNote struct {
	execID string
	kind   models.MessageKind
	from   string
	text   string
}

type fakeContexts struct {
	mu    sync.Mutex
	notes []contextNote
}

func (f *fakeContexts) AppendContext(_ context.Context, execID string, kind models.MessageKind, from, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, contextNote{execID, kind, from, text})
	return nil
}

func (f *fakeContexts) Notes() []contextNote {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]contextNote(nil), f.notes...)
}

type fakeRebaser struct {
	mu      sync.Mutex
	err     error
	targets []string
}

func (f *fakeRebaser) Rebase(_ context.Context, _ string, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target)
	return f.err
}

func (f *fakeRebaser) SetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeRebaser) Targets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.targets...)
}

// fakeClock advances only when the supervisor sleeps.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, wake <-chan struct{}, d time.Duration) bool {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()

	// Let other goroutines run so polling loops do not spin.
	select {
	case <-ctx.Done():
		return false
	case <-wake:
		return false
	case <-time.After(time.Millisecond):
		return true
	}
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type harness struct {
	sup      *Supervisor
	engine   *fakeEngine
	store    *fakeStore
	contexts *fakeContexts
	rebaser  *fakeRebaser
	coord    *coordinator.Coordinator
	clock    *fakeClock
}

func newHarness(t *testing.T, cfg Config, results ...models.IterationResult) *harness {
	t.Helper()
	clock := newFakeClock()
	h := &harness{
		engine:   &fakeEngine{results: results, clock: clock},
		store:    &fakeStore{},
		contexts: &fakeContexts{},
		rebaser:  &fakeRebaser{},
		coord:    coordinator.New(coordinator.Config{QueueCapacity: 16}),
		clock:    clock,
	}
	sup, err := New(cfg, Deps{
		Engine:   h.engine,
		Mailbox:  h.coord,
		Store:    h.store,
		Contexts: h.contexts,
		Rebaser:  h.rebaser,
	},
		WithClock(clock.Now),
		WithSleeper(clock.Sleep),
		WithRetryPolicy(RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2}),
	)
	require.NoError(t, err)
	h.sup = sup
	return h
}

func testExecution() *models.LoopExecution {
	return &models.LoopExecution{
		ID:                "loop-1",
		Name:              "fix-build",
		RepoPath:          "/tmp/repo",
		PromptTemplate:    "make the build pass",
		ValidationCommand: "go build ./...",
	}
}

func (h *harness) run(t *testing.T, exec *models.LoopExecution) *models.LoopExecution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.sup.Run(ctx, exec))
	got, err := h.sup.Get(exec.ID)
	require.NoError(t, err)
	return got
}

func (h *harness) waitStatus(t *testing.T, id string, want models.LoopStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, err := h.sup.Get(id)
		return err == nil && got.Status == want
	}, 5*time.Second, 5*time.Millisecond, "loop never reached %s", want)
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}

func TestMaxIterationsFails(t *testing.T) {
	h := newHarness(t, Config{}, models.Continued(1, "FAIL"))
	exec := testExecution()
	exec.MaxIterations = 3

	got := h.run(t, exec)

	assert.Equal(t, models.LoopStatusFailed, got.Status)
	assert.Equal(t, 3, got.Iteration)
	assert.Len(t, h.engine.Calls(), 3)
	assert.Contains(t, got.LastError, "max iterations")
	assert.False(t, got.LastErrorRecoverable)
	require.NotNil(t, got.LastExitCode)
	assert.Equal(t, 1, *got.LastExitCode)
	assert.NotNil(t, got.CompletedAt)
}

func TestDefaultMaxIterations(t *testing.T) {
	h := newHarness(t, Config{}, models.Continued(1, "FAIL"))

	got := h.run(t, testExecution())

	assert.Equal(t, models.LoopStatusFailed, got.Status)
	assert.Equal(t, 100, got.Iteration)
}

func TestCompletesWhenValidationPasses(t *testing.T) {
	h := newHarness(t, Config{}, models.Continued(1, "FAIL"), models.Completed(0, "ok"))

	got := h.run(t, testExecution())

	assert.Equal(t, models.LoopStatusComplete, got.Status)
	assert.Equal(t, 2, got.Iteration)
	require.NotNil(t, got.LastExitCode)
	assert.Equal(t, 0, *got.LastExitCode)
	assert.Equal(t, "ok", got.LastOutput)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, []models.LoopStatus{models.LoopStatusRunning, models.LoopStatusComplete}, h.store.Statuses())
}

func TestTurnCapKeepsLastValidation(t *testing.T) {
	capped := models.Continued(-1, "")
	capped.TurnCapHit = true
	h := newHarness(t, Config{}, models.Continued(2, "first"), capped, models.Completed(0, "ok"))

	var atThird *models.LoopExecution
	h.engine.hook = func(_ context.Context, n int, exec *models.LoopExecution) (models.IterationResult, bool) {
		if n == 2 {
			atThird = exec
		}
		return models.IterationResult{}, false
	}

	got := h.run(t, testExecution())

	assert.Equal(t, models.LoopStatusComplete, got.Status)
	assert.Equal(t, 3, got.Iteration)
	require.NotNil(t, atThird)
	require.NotNil(t, atThird.LastExitCode)
	assert.Equal(t, 2, *atThird.LastExitCode)
	assert.Equal(t, "first", atThird.LastOutput)
}

func TestRateLimitedDefersNextAttempt(t *testing.T) {
	h := newHarness(t, Config{}, models.RateLimitedAfter(5*time.Second), models.Completed(0, "ok"))

	got := h.run(t, testExecution())

	assert.Equal(t, models.LoopStatusComplete, got.Status)
	assert.Equal(t, 1, got.Iteration, "rate limiting does not consume an iteration")

	calls := h.engine.Calls()
	require.Len(t, calls, 2)
	assert.GreaterOrEqual(t, calls[1].at.Sub(calls[0].at), 5*time.Second)
	assert.Equal(t, 0, calls[1].exec.Iteration)
}

func TestRecoverableErrorsRetryThenFail(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 2}, models.Failure(errors.New("connection reset"), true))

	got := h.run(t, testExecution())

	assert.Equal(t, models.LoopStatusFailed, got.Status)
	assert.Len(t, h.engine.Calls(), 3)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.clock.Sleeps())
	assert.Contains(t, got.LastError, "connection reset")
	assert.True(t, got.LastErrorRecoverable)
	assert.Equal(t, 0, got.Iteration)
}

func TestRecoverableErrorRecovers(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 1},
		models.Failure(errors.New("timeout"), true),
		models.Continued(1, "FAIL"),
		models.Failure(errors.New("timeout"), true),
		models.Completed(0, "ok"),
	)

	got := h.run(t, testExecution())

	assert.Equal(t, models.LoopStatusComplete, got.Status)
	assert.Equal(t, 2, got.Iteration)
}

func TestUnrecoverableErrorFails(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 5}, models.Failure(errors.New("bad prompt template"), false))

	got := h.run(t, testExecution())

	assert.Equal(t, models.LoopStatusFailed, got.Status)
	assert.Len(t, h.engine.Calls(), 1)
	assert.Equal(t, "bad prompt template", got.LastError)
	assert.False(t, got.LastErrorRecoverable)
}

func TestStopLetsCurrentIterationFinish(t *testing.T) {
	h := newHarness(t, Config{}, models.Continued(1, "FAIL"))
	h.engine.hook = func(_ context.Context, n int, exec *models.LoopExecution) (models.IterationResult, bool) {
		if n == 0 {
			assert.NoError(t, h.sup.Stop(exec.ID, "superseded"))
		}
		return models.IterationResult{}, false
	}

	got := h.run(t, testExecution())

	assert.Equal(t, models.LoopStatusStopped, got.Status)
	assert.Len(t, h.engine.Calls(), 1)
	assert.Equal(t, 1, got.Iteration, "in-flight iteration result is kept")
	assert.False(t, h.coord.Registered(got.ID))
	assert.ErrorIs(t, h.sup.Stop(got.ID, "again"), ErrLoopFinished)
}

func TestMainUpdatedRebasesAndContinues(t *testing.T) {
	h := newHarness(t, Config{}, models.Continued(1, "FAIL"), models.Completed(0, "ok"))
	h.engine.hook = func(_ context.Context, n int, _ *models.LoopExecution) (models.IterationResult, bool) {
		if n == 0 {
			h.coord.Send(models.CoordinationMessage{
				Kind:    models.MessageMainUpdated,
				From:    "watcher",
				To:      models.BroadcastTarget,
				Payload: "abc123",
			})
		}
		return models.IterationResult{}, false
	}

	got := h.run(t, testExecution())

	assert.Equal(t, models.LoopStatusComplete, got.Status)
	assert.Equal(t, []string{"abc123"}, h.rebaser.Targets())
	assert.Equal(t, []models.LoopStatus{
		models.LoopStatusRunning,
		models.LoopStatusRebasing,
		models.LoopStatusRunning,
		models.LoopStatusComplete,
	}, h.store.Statuses())
}

func TestRebaseConflictBlocksUntilUnblocked(t *testing.T) {
	h := newHarness(t, Config{}, models.Continued(1, "FAIL"), models.Completed(0, "ok"))
	h.rebaser.err = errors.New("conflict in a.txt")
	h.engine.hook = func(_ context.Context, n int, _ *models.LoopExecution) (models.IterationResult, bool) {
		if n == 0 {
			h.coord.Send(models.CoordinationMessage{Kind: models.MessageMainUpdated, To: "loop-1"})
		}
		return models.IterationResult{}, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := h.sup.Start(ctx, testExecution())
	require.NoError(t, err)

	h.waitStatus(t, "loop-1", models.LoopStatusBlocked)
	got, err := h.sup.Get("loop-1")
	require.NoError(t, err)
	assert.Contains(t, got.LastError, "conflict in a.txt")
	assert.False(t, got.LastErrorRecoverable)
	assert.Equal(t, []string{"main"}, h.rebaser.Targets())

	// Blocked loops never retry on their own.
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, h.engine.Calls(), 1)
	assert.Len(t, h.rebaser.Targets(), 1)

	var terr *state.TransitionError
	assert.ErrorAs(t, h.sup.Resume("loop-1"), &terr)

	require.NoError(t, h.sup.Unblock("loop-1"))
	done, err := h.sup.Done("loop-1")
	require.NoError(t, err)
	<-done

	got, err = h.sup.Get("loop-1")
	require.NoError(t, err)
	assert.Equal(t, models.LoopStatusComplete, got.Status)
	assert.Empty(t, got.LastError)
}

func TestMainUpdatedWhileBlockedWaitsForUnblock(t *testing.T) {
	h := newHarness(t, Config{}, models.Continued(1, "FAIL"), models.Completed(0, "ok"))
	h.rebaser.SetErr(errors.New("conflict in a.txt"))
	h.engine.hook = func(_ context.Context, n int, _ *models.LoopExecution) (models.IterationResult, bool) {
		if n == 0 {
			h.coord.Send(models.CoordinationMessage{Kind: models.MessageMainUpdated, To: "loop-1"})
		}
		return models.IterationResult{}, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := h.sup.Start(ctx, testExecution())
	require.NoError(t, err)
	h.waitStatus(t, "loop-1", models.LoopStatusBlocked)

	// A later update would rebase cleanly, but the loop stays blocked.
	h.rebaser.SetErr(nil)
	h.coord.Send(models.CoordinationMessage{Kind: models.MessageMainUpdated, From: "watcher", To: "loop-1", Payload: "def456"})
	require.Eventually(t, func() bool { return h.coord.Pending("loop-1") == 0 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	got, err := h.sup.Get("loop-1")
	require.NoError(t, err)
	assert.Equal(t, models.LoopStatusBlocked, got.Status)
	assert.Contains(t, got.LastError, "conflict in a.txt")
	assert.Equal(t, []string{"main"}, h.rebaser.Targets())
	assert.Len(t, h.engine.Calls(), 1)

	require.NoError(t, h.sup.Unblock("loop-1"))
	done, err := h.sup.Done("loop-1")
	require.NoError(t, err)
	<-done

	got, err = h.sup.Get("loop-1")
	require.NoError(t, err)
	assert.Equal(t, models.LoopStatusComplete, got.Status)
	assert.Equal(t, []string{"main", "def456"}, h.rebaser.Targets())
	assert.Equal(t, []models.LoopStatus{
		models.LoopStatusRunning,
		models.LoopStatusRebasing,
		models.LoopStatusBlocked,
		models.LoopStatusRunning,
		models.LoopStatusRebasing,
		models.LoopStatusRunning,
		models.LoopStatusComplete,
	}, h.store.Statuses())
}

func TestMainUpdatedWhilePausedWaitsForResume(t *testing.T) {
	h := newHarness(t, Config{}, models.Continued(1, "FAIL"), models.Completed(0, "ok"))
	h.engine.hook = func(_ context.Context, n int, exec *models.LoopExecution) (models.IterationResult, bool) {
		if n == 0 {
			assert.NoError(t, h.sup.Pause(exec.ID))
		}
		return models.IterationResult{}, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := h.sup.Start(ctx, testExecution())
	require.NoError(t, err)
	h.waitStatus(t, "loop-1", models.LoopStatusPaused)

	h.coord.Send(models.CoordinationMessage{Kind: models.MessageMainUpdated, From: "watcher", To: "loop-1", Payload: "abc123"})
	h.coord.Send(models.CoordinationMessage{Kind: models.MessageMainUpdated, From: "watcher", To: "loop-1", Payload: "def456"})
	require.Eventually(t, func() bool { return h.coord.Pending("loop-1") == 0 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	got, err := h.sup.Get("loop-1")
	require.NoError(t, err)
	assert.Equal(t, models.LoopStatusPaused, got.Status)
	assert.Empty(t, h.rebaser.Targets())

	require.NoError(t, h.sup.Resume("loop-1"))
	done, err := h.sup.Done("loop-1")
	require.NoError(t, err)
	<-done

	got, err = h.sup.Get("loop-1")
	require.NoError(t, err)
	assert.Equal(t, models.LoopStatusComplete, got.Status)
	assert.Equal(t, []string{"def456"}, h.rebaser.Targets(), "only the latest target is applied")
	assert.Equal(t, []models.LoopStatus{
		models.LoopStatusRunning,
		models.LoopStatusPaused,
		models.LoopStatusRunning,
		models.LoopStatusRebasing,
		models.LoopStatusRunning,
		models.LoopStatusComplete,
	}, h.store.Statuses())
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t, Config{}, models.Continued(1, "FAIL"), models.Completed(0, "ok"))
	h.engine.hook = func(_ context.Context, n int, exec *models.LoopExecution) (models.IterationResult, bool) {
		if n == 0 {
			assert.NoError(t, h.sup.Pause(exec.ID))
		}
		return models.IterationResult{}, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := h.sup.Start(ctx, testExecution())
	require.NoError(t, err)

	h.waitStatus(t, "loop-1", models.LoopStatusPaused)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.engine.Calls(), 1)

	require.NoError(t, h.sup.Resume("loop-1"))
	h.waitStatus(t, "loop-1", models.LoopStatusComplete)
	assert.Len(t, h.engine.Calls(), 2)
}

func TestMessagesReachNextPrompt(t *testing.T) {
	h := newHarness(t, Config{}, models.Continued(1, "FAIL"), models.Completed(0, "ok"))
	h.engine.hook = func(_ context.Context, n int, exec *models.LoopExecution) (models.IterationResult, bool) {
		if n == 0 {
			h.coord.Send(models.CoordinationMessage{Kind: models.MessageAlert, From: "loop-2", To: exec.ID, Payload: "api changed"})
			h.coord.Send(models.CoordinationMessage{Kind: models.MessageShare, From: "loop-3", To: models.BroadcastTarget, Payload: "use v2"})
		}
		return models.IterationResult{}, false
	}

	h.run(t, testExecution())

	notes := h.contexts.Notes()
	require.Len(t, notes, 2)
	assert.Equal(t, contextNote{"loop-1", models.MessageAlert, "loop-2", "api changed"}, notes[0])
	assert.Equal(t, contextNote{"loop-1", models.MessageShare, "loop-3", "use v2"}, notes[1])
}

func TestQueryAnsweredAfterNextIteration(t *testing.T) {
	h := newHarness(t, Config{})
	h.coord.Register("asker")
	h.engine.hook = func(_ context.Context, n int, exec *models.LoopExecution) (models.IterationResult, bool) {
		if n == 0 {
			h.coord.Send(models.CoordinationMessage{ID: "q-1", Kind: models.MessageQuery, From: "asker", To: exec.ID, Payload: "status?"})
			r := models.Continued(1, "FAIL")
			r.Summary = "still failing"
			return r, true
		}
		r := models.Completed(0, "ok")
		r.Summary = "all tests pass"
		return r, true
	}

	h.run(t, testExecution())

	reply, ok := h.coord.TryRecv("asker")
	require.True(t, ok)
	assert.Equal(t, models.MessageShare, reply.Kind)
	assert.Equal(t, "q-1", reply.ReplyTo)
	assert.Equal(t, "loop-1", reply.From)
	assert.Equal(t, "all tests pass", reply.Payload)

	_, ok = h.coord.TryRecv("asker")
	assert.False(t, ok)

	notes := h.contexts.Notes()
	require.Len(t, notes, 1)
	assert.Equal(t, models.MessageQuery, notes[0].kind)
	assert.Contains(t, notes[0].text, "status?")
}

func TestIterationsRunSequentially(t *testing.T) {
	h := newHarness(t, Config{})
	h.engine.hook = func(_ context.Context, n int, exec *models.LoopExecution) (models.IterationResult, bool) {
		assert.Equal(t, n, exec.Iteration, "previous result applied before next iteration")
		time.Sleep(time.Millisecond)
		if n == 4 {
			return models.Completed(0, "ok"), true
		}
		return models.Continued(1, "FAIL"), true
	}

	got := h.run(t, testExecution())

	assert.Equal(t, models.LoopStatusComplete, got.Status)
	assert.Equal(t, 5, got.Iteration)
	assert.False(t, h.engine.concurrent.Load())
}

func TestShutdownPausesAndRestoreResumes(t *testing.T) {
	h := newHarness(t, Config{})
	started := make(chan struct{})
	h.engine.hook = func(ctx context.Context, _ int, _ *models.LoopExecution) (models.IterationResult, bool) {
		close(started)
		<-ctx.Done()
		return models.InterruptedBy("context canceled"), true
	}

	ctx, cancel := context.WithCancel(context.Background())
	_, err := h.sup.Start(ctx, testExecution())
	require.NoError(t, err)
	<-started
	cancel()
	h.sup.Wait()

	got, err := h.sup.Get("loop-1")
	require.NoError(t, err)
	assert.Equal(t, models.LoopStatusPaused, got.Status)
	assert.Equal(t, pausedShutdown, got.Metadata[metaPausedBy])
	assert.Equal(t, 0, got.Iteration)

	h2 := newHarness(t, Config{}, models.Completed(0, "ok"))
	restored := h2.run(t, got)
	assert.Equal(t, models.LoopStatusComplete, restored.Status)
	assert.NotContains(t, restored.Metadata, metaPausedBy)
	assert.Empty(t, h2.store.created)
}

func TestPersistenceFailureAbortsRun(t *testing.T) {
	h := newHarness(t, Config{}, models.Completed(0, "ok"))
	h.store.failOn = models.LoopStatusComplete

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := h.sup.Run(ctx, testExecution())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestControlErrors(t *testing.T) {
	h := newHarness(t, Config{})

	assert.ErrorIs(t, h.sup.Stop("nope", ""), ErrLoopNotFound)
	assert.ErrorIs(t, h.sup.Pause("nope"), ErrLoopNotFound)
	assert.ErrorIs(t, h.sup.Apply("nope", models.ControlResume), ErrLoopNotFound)
	assert.ErrorIs(t, h.sup.Apply("loop-1", models.ControlMessage), models.ErrInvalidControlAction)

	_, err := h.sup.Start(context.Background(), &models.LoopExecution{Name: "x"})
	assert.Error(t, err)
}
