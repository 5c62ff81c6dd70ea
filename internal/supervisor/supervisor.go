// Package supervisor drives loop executions: one goroutine per loop runs
// iterations sequentially, applies their results to the loop's status and
// reacts to coordination messages between iterations.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/taskdaemon/taskdaemon-sub002/internal/config"
	"github.com/taskdaemon/taskdaemon-sub002/internal/logging"
	"github.com/taskdaemon/taskdaemon-sub002/internal/models"
	"github.com/taskdaemon/taskdaemon-sub002/internal/state"
	"github.com/taskdaemon/taskdaemon-sub002/internal/telemetry"
)

const (
	// SenderID is the From field of messages the supervisor sends itself.
	SenderID = "supervisor"

	metaPausedBy   = "paused_by"
	pausedShutdown = "shutdown"
)

var (
	// ErrLoopNotFound is returned when a loop is not supervised.
	ErrLoopNotFound = errors.New("loop not found")

	// ErrLoopExists is returned when a loop is started twice.
	ErrLoopExists = errors.New("loop already supervised")

	// ErrLoopFinished is returned for control requests on terminal loops.
	ErrLoopFinished = errors.New("loop already finished")
)

// IterationRunner runs one iteration of a loop.
type IterationRunner interface {
	RunIteration(ctx context.Context, exec *models.LoopExecution) models.IterationResult
}

// Mailbox routes coordination messages.
type Mailbox interface {
	Register(loopID string)
	Unregister(loopID string)
	Send(msg models.CoordinationMessage)
	TryRecv(loopID string) (models.CoordinationMessage, bool)
}

// ExecutionStore persists loop executions.
type ExecutionStore interface {
	Create(ctx context.Context, exec *models.LoopExecution) error
	Update(ctx context.Context, exec *models.LoopExecution) error
}

// ContextSink receives alert, share and query messages for a loop's next prompt.
type ContextSink interface {
	AppendContext(ctx context.Context, execID string, kind models.MessageKind, from, text string) error
}

// Rebaser rebases a working tree onto a target ref.
type Rebaser interface {
	Rebase(ctx context.Context, dir, target string) error
}

// Config controls loop supervision.
type Config struct {
	MaxIterations int
	MaxRetries    int
	RetryBackoff  time.Duration
	MaxBackoff    time.Duration
	PollInterval  time.Duration
	MainBranch    string
}

// ConfigFromLoop builds a supervisor Config from loop defaults.
func ConfigFromLoop(cfg config.LoopConfig, mainBranch string) Config {
	return Config{
		MaxIterations: cfg.MaxIterations,
		MaxRetries:    cfg.MaxRetries,
		RetryBackoff:  cfg.RetryBackoff,
		MaxBackoff:    cfg.MaxBackoff,
		PollInterval:  cfg.PollInterval,
		MainBranch:    mainBranch,
	}
}

// Deps are the collaborators a Supervisor drives. Engine, Mailbox and Store
// are required.
type Deps struct {
	Engine   IterationRunner
	Mailbox  Mailbox
	Store    ExecutionStore
	Contexts ContextSink
	Rebaser  Rebaser
	Machine  *state.Machine
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// WithSleeper overrides how the supervisor waits between iterations.
func WithSleeper(fn Sleeper) Option {
	return func(s *Supervisor) { s.sleep = fn }
}

// WithRetryPolicy overrides the backoff policy built from Config.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Supervisor) { s.policy = p }
}

// Supervisor owns every running loop.
type Supervisor struct {
	cfg     Config
	deps    Deps
	machine *state.Machine
	policy  RetryPolicy
	now     func() time.Time
	sleep   Sleeper
	logger  zerolog.Logger

	transitions metric.Int64Counter

	mu    sync.RWMutex
	loops map[string]*handle
	wg    sync.WaitGroup
}

// handle is the supervisor's view of one loop. exec is written only by the
// loop's goroutine, always under mu.
type handle struct {
	mu        sync.Mutex
	exec      *models.LoopExecution
	retries   int
	notBefore time.Time
	queries   []models.CoordinationMessage
	controls  []models.ControlAction

	// pendingRebase is the latest main target seen while Paused or Blocked.
	pendingRebase string

	wake chan struct{}
	done chan struct{}
}

// New creates a Supervisor.
func New(cfg Config, deps Deps, opts ...Option) (*Supervisor, error) {
	switch {
	case deps.Engine == nil:
		return nil, errors.New("supervisor requires an iteration runner")
	case deps.Mailbox == nil:
		return nil, errors.New("supervisor requires a mailbox")
	case deps.Store == nil:
		return nil, errors.New("supervisor requires an execution store")
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 100
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Second
	}
	if cfg.MaxBackoff < cfg.RetryBackoff {
		cfg.MaxBackoff = cfg.RetryBackoff
	}
	if cfg.MainBranch == "" {
		cfg.MainBranch = "main"
	}

	machine := deps.Machine
	if machine == nil {
		machine = state.NewMachine()
	}

	s := &Supervisor{
		cfg:     cfg,
		deps:    deps,
		machine: machine,
		policy: RetryPolicy{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.RetryBackoff,
			MaxDelay:   cfg.MaxBackoff,
			Multiplier: 2.0,
			Jitter:     true,
		},
		now:    time.Now,
		sleep:  sleep,
		logger: logging.Component("supervisor"),
		loops:  make(map[string]*handle),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.transitions, _ = telemetry.Meter("taskdaemon/supervisor").Int64Counter(
		"taskdaemon.supervisor.transitions",
		metric.WithDescription("Loop status transitions, by target status"))
	machine.OnTransition(func(ev state.TransitionEvent) {
		s.transitions.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("from", string(ev.From)),
			attribute.String("to", string(ev.To))))
		s.logger.Info().
			Str("loop_id", ev.LoopID).
			Str("from", string(ev.From)).
			Str("to", string(ev.To)).
			Int("iteration", ev.Iteration).
			Str("reason", ev.Reason).
			Msg("loop status changed")
	})

	return s, nil
}

// Start persists a new execution and runs it in the background.
func (s *Supervisor) Start(ctx context.Context, exec *models.LoopExecution) (*models.LoopExecution, error) {
	h, err := s.admit(ctx, exec, true)
	if err != nil {
		return nil, err
	}
	s.spawn(ctx, h)
	return h.snapshot(), nil
}

// Restore resumes supervision of a persisted, non-terminal execution. Loops
// paused by a shutdown are set running again.
func (s *Supervisor) Restore(ctx context.Context, exec *models.LoopExecution) (*models.LoopExecution, error) {
	h, err := s.admit(ctx, exec, false)
	if err != nil {
		return nil, err
	}
	s.spawn(ctx, h)
	return h.snapshot(), nil
}

// Run starts every execution and blocks until all of them reach a terminal
// status or ctx is cancelled. A persistence failure in any loop cancels the
// others. Executions that cannot be admitted are reported after the rest
// have finished.
func (s *Supervisor) Run(ctx context.Context, execs ...*models.LoopExecution) error {
	g, gctx := errgroup.WithContext(ctx)
	var admitErrs []error
	for _, exec := range execs {
		if exec == nil {
			continue
		}
		h, err := s.admit(ctx, exec, exec.CreatedAt.IsZero())
		if err != nil {
			s.logger.Error().Err(err).Str("name", exec.Name).Msg("loop not started")
			admitErrs = append(admitErrs, fmt.Errorf("start loop %q: %w", exec.Name, err))
			continue
		}
		s.wg.Add(1)
		g.Go(func() error {
			defer s.wg.Done()
			return s.runLoop(gctx, h)
		})
	}
	err := g.Wait()
	return errors.Join(append(admitErrs, err)...)
}

// Wait blocks until every loop goroutine has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Done returns a channel closed when the loop's goroutine returns.
func (s *Supervisor) Done(loopID string) (<-chan struct{}, error) {
	h, err := s.lookup(loopID)
	if err != nil {
		return nil, err
	}
	return h.done, nil
}

// Get returns a snapshot of a supervised loop.
func (s *Supervisor) Get(loopID string) (*models.LoopExecution, error) {
	h, err := s.lookup(loopID)
	if err != nil {
		return nil, err
	}
	return h.snapshot(), nil
}

// List returns snapshots of every supervised loop, oldest first.
func (s *Supervisor) List() []*models.LoopExecution {
	s.mu.RLock()
	out := make([]*models.LoopExecution, 0, len(s.loops))
	for _, h := range s.loops {
		out = append(out, h.snapshot())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Stop asks a loop to stop. An iteration already in progress finishes; the
// loop stops before starting the next one.
func (s *Supervisor) Stop(loopID, reason string) error {
	h, err := s.lookup(loopID)
	if err != nil {
		return err
	}
	if h.snapshot().Status.IsTerminal() {
		return ErrLoopFinished
	}
	s.deps.Mailbox.Send(models.CoordinationMessage{
		ID:      uuid.New().String(),
		Kind:    models.MessageStop,
		From:    SenderID,
		To:      loopID,
		Payload: reason,
	})
	h.nudge()
	return nil
}

// Pause asks a running loop to pause after its current iteration.
func (s *Supervisor) Pause(loopID string) error {
	return s.control(loopID, models.ControlPause, models.LoopStatusPaused)
}

// Resume asks a paused loop to continue.
func (s *Supervisor) Resume(loopID string) error {
	return s.control(loopID, models.ControlResume, models.LoopStatusRunning)
}

// Unblock clears a rebase conflict after the working tree was fixed by hand.
func (s *Supervisor) Unblock(loopID string) error {
	return s.control(loopID, models.ControlUnblock, models.LoopStatusRunning)
}

// Apply executes a persisted control action. Message actions are not handled
// here; they go through the mailbox.
func (s *Supervisor) Apply(loopID string, action models.ControlAction) error {
	switch action {
	case models.ControlPause:
		return s.Pause(loopID)
	case models.ControlResume:
		return s.Resume(loopID)
	case models.ControlUnblock:
		return s.Unblock(loopID)
	default:
		return fmt.Errorf("%w: %q", models.ErrInvalidControlAction, action)
	}
}

func (s *Supervisor) control(loopID string, action models.ControlAction, target models.LoopStatus) error {
	h, err := s.lookup(loopID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	current := h.exec.Status
	if current.IsTerminal() {
		h.mu.Unlock()
		return ErrLoopFinished
	}
	if !controlApplies(action, current) {
		h.mu.Unlock()
		return &state.TransitionError{LoopID: loopID, From: current, To: target, Reason: string(action) + " not applicable"}
	}
	h.controls = append(h.controls, action)
	h.mu.Unlock()

	h.nudge()
	return nil
}

func controlApplies(action models.ControlAction, status models.LoopStatus) bool {
	switch action {
	case models.ControlPause:
		return status == models.LoopStatusRunning
	case models.ControlResume:
		return status == models.LoopStatusPaused
	case models.ControlUnblock:
		return status == models.LoopStatusBlocked
	default:
		return false
	}
}

func (s *Supervisor) lookup(loopID string) (*handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.loops[loopID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLoopNotFound, loopID)
	}
	return h, nil
}

// admit validates and registers an execution without starting it.
func (s *Supervisor) admit(ctx context.Context, exec *models.LoopExecution, create bool) (*handle, error) {
	if exec == nil {
		return nil, errors.New("execution is nil")
	}
	exec = exec.Clone()
	if err := exec.Validate(); err != nil {
		return nil, err
	}
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.Status == "" {
		exec.Status = models.LoopStatusRunning
	}
	if exec.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrLoopFinished, exec.ID, exec.Status)
	}
	if exec.Status == models.LoopStatusRebasing {
		// The rebase was cut short; the tree needs a look before continuing.
		exec.Status = models.LoopStatusBlocked
		exec.LastError = "rebase interrupted by shutdown"
		exec.LastErrorRecoverable = false
	}
	resume := exec.Status == models.LoopStatusPaused && exec.Metadata[metaPausedBy] == pausedShutdown
	if resume {
		exec.Status = models.LoopStatusRunning
		delete(exec.Metadata, metaPausedBy)
	}
	if exec.StartedAt == nil {
		now := s.now().UTC()
		exec.StartedAt = &now
	}

	s.mu.RLock()
	_, exists := s.loops[exec.ID]
	s.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrLoopExists, exec.ID)
	}

	var err error
	if create {
		err = s.deps.Store.Create(ctx, exec)
	} else {
		err = s.deps.Store.Update(ctx, exec)
	}
	if err != nil {
		return nil, fmt.Errorf("persist loop %s: %w", exec.ID, err)
	}

	s.mu.Lock()
	if _, exists := s.loops[exec.ID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrLoopExists, exec.ID)
	}
	if err := s.machine.Track(exec.ID, exec.Status); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	h := &handle{
		exec: exec,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	s.loops[exec.ID] = h
	s.mu.Unlock()

	s.deps.Mailbox.Register(exec.ID)
	s.logger.Info().
		Str("loop_id", exec.ID).
		Str("name", exec.Name).
		Str("status", string(exec.Status)).
		Int("iteration", exec.Iteration).
		Bool("restored", !create).
		Msg("loop admitted")
	return h, nil
}

func (s *Supervisor) spawn(ctx context.Context, h *handle) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.runLoop(ctx, h); err != nil {
			s.logger.Error().Err(err).Str("loop_id", h.id()).Msg("loop aborted")
		}
	}()
}

// runLoop is the loop's goroutine. Messages and control requests are only
// looked at between iterations.
func (s *Supervisor) runLoop(ctx context.Context, h *handle) error {
	defer close(h.done)
	defer s.deps.Mailbox.Unregister(h.id())

	defer s.machine.Remove(h.id())

	for {
		if ctx.Err() != nil {
			return s.shutdown(h)
		}
		if err := s.drainMessages(ctx, h); err != nil {
			return err
		}
		if err := s.drainControls(ctx, h); err != nil {
			return err
		}

		status := h.status()
		if status.IsTerminal() {
			return nil
		}

		switch status {
		case models.LoopStatusRunning:
			if wait := h.deferredFor(s.now()); wait > 0 {
				s.sleep(ctx, h.wake, wait)
				continue
			}
			result := s.deps.Engine.RunIteration(ctx, h.snapshot())
			if err := s.apply(ctx, h, result); err != nil {
				return err
			}
		default:
			s.sleep(ctx, h.wake, s.cfg.PollInterval)
		}
	}
}

// shutdown pauses a running loop so a restart picks it up again.
func (s *Supervisor) shutdown(h *handle) error {
	if h.status() != models.LoopStatusRunning {
		return nil
	}
	return s.transition(context.Background(), h, models.LoopStatusPaused, "daemon shutting down", func(e *models.LoopExecution) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]any)
		}
		e.Metadata[metaPausedBy] = pausedShutdown
	})
}

// apply folds one iteration result into the loop's state.
func (s *Supervisor) apply(ctx context.Context, h *handle, result models.IterationResult) error {
	exec := h.snapshot()
	log := s.logger.With().Str("loop_id", exec.ID).Int("iteration", exec.Iteration+1).Logger()

	switch result.Outcome {
	case models.OutcomeComplete:
		h.retries = 0
		s.answerQueries(h, result.Summary)
		return s.transition(ctx, h, models.LoopStatusComplete, "validation passed", func(e *models.LoopExecution) {
			e.Iteration++
			recordValidation(e, result)
		})

	case models.OutcomeContinue:
		h.retries = 0
		if !result.TurnCapHit {
			s.answerQueries(h, result.Summary)
		}
		next := exec.Iteration + 1
		update := func(e *models.LoopExecution) {
			e.Iteration = next
			if !result.TurnCapHit {
				recordValidation(e, result)
			}
		}
		if limit := s.maxIterations(exec); next >= limit {
			reason := fmt.Sprintf("max iterations exceeded (%d)", limit)
			return s.transition(ctx, h, models.LoopStatusFailed, reason, func(e *models.LoopExecution) {
				update(e)
				e.LastError = reason
				e.LastErrorRecoverable = false
			})
		}
		h.update(update)
		log.Debug().Int("exit_code", result.ExitCode).Bool("turn_cap_hit", result.TurnCapHit).Msg("iteration did not pass validation")
		return s.persist(ctx, h)

	case models.OutcomeRateLimited:
		wait := result.RetryAfter
		if wait <= 0 {
			wait = s.cfg.RetryBackoff
		}
		h.deferUntil(s.now().Add(wait))
		log.Info().Dur("retry_after", wait).Msg("rate limited; deferring iteration")
		return nil

	case models.OutcomeInterrupted:
		if ctx.Err() != nil {
			return s.shutdown(h)
		}
		return s.transition(ctx, h, models.LoopStatusPaused, "interrupted: "+result.InterruptReason, nil)

	case models.OutcomeError:
		if !result.Recoverable {
			return s.fail(ctx, h, result.Err, false)
		}
		h.retries++
		if h.retries > s.cfg.MaxRetries {
			return s.fail(ctx, h, fmt.Sprintf("retries exhausted (%d): %s", s.cfg.MaxRetries, result.Err), true)
		}
		delay := s.policy.Delay(h.retries - 1)
		h.deferUntil(s.now().Add(delay))
		h.update(func(e *models.LoopExecution) {
			e.LastError = result.Err
			e.LastErrorRecoverable = true
		})
		log.Warn().Str("error", result.Err).Int("retry", h.retries).Dur("backoff", delay).Msg("recoverable error; retrying")
		return s.persist(ctx, h)

	default:
		return s.fail(ctx, h, fmt.Sprintf("unknown iteration outcome %q", result.Outcome), false)
	}
}

func (s *Supervisor) fail(ctx context.Context, h *handle, msg string, recoverable bool) error {
	return s.transition(ctx, h, models.LoopStatusFailed, msg, func(e *models.LoopExecution) {
		e.LastError = msg
		e.LastErrorRecoverable = recoverable
	})
}

func recordValidation(e *models.LoopExecution, result models.IterationResult) {
	code := result.ExitCode
	e.LastExitCode = &code
	e.LastOutput = result.Output
}

func (s *Supervisor) maxIterations(exec *models.LoopExecution) int {
	if exec.MaxIterations > 0 {
		return exec.MaxIterations
	}
	return s.cfg.MaxIterations
}

// drainMessages consumes every pending message. A stop message ends the loop
// and leaves the rest unread.
func (s *Supervisor) drainMessages(ctx context.Context, h *handle) error {
	id := h.id()
	for !h.status().IsTerminal() {
		msg, ok := s.deps.Mailbox.TryRecv(id)
		if !ok {
			return nil
		}
		if msg.From == id {
			continue
		}

		switch msg.Kind {
		case models.MessageStop:
			reason := "stop requested"
			if msg.Payload != "" {
				reason = "stop requested: " + msg.Payload
			}
			return s.transition(ctx, h, models.LoopStatusStopped, reason, nil)

		case models.MessageMainUpdated:
			target := strings.TrimSpace(msg.Payload)
			if target == "" {
				target = s.cfg.MainBranch
			}
			if status := h.status(); status != models.LoopStatusRunning {
				h.mu.Lock()
				h.pendingRebase = target
				h.mu.Unlock()
				s.logger.Info().
					Str("loop_id", id).
					Str("status", string(status)).
					Str("target", target).
					Msg("main updated; rebase deferred")
				continue
			}
			if err := s.rebase(ctx, h, target); err != nil {
				return err
			}

		case models.MessageQuery:
			h.mu.Lock()
			h.queries = append(h.queries, msg)
			h.mu.Unlock()
			s.appendContext(ctx, id, msg, fmt.Sprintf("%s (reply with your next iteration summary)", msg.Payload))

		default:
			s.appendContext(ctx, id, msg, msg.Payload)
		}
	}
	return nil
}

func (s *Supervisor) appendContext(ctx context.Context, loopID string, msg models.CoordinationMessage, text string) {
	if s.deps.Contexts == nil {
		return
	}
	if err := s.deps.Contexts.AppendContext(ctx, loopID, msg.Kind, msg.From, text); err != nil {
		s.logger.Error().Err(err).
			Str("loop_id", loopID).
			Str("message_id", msg.ID).
			Msg("failed to record message for next prompt")
	}
}

// rebase moves a Running loop through Rebasing. A clean rebase returns the
// loop to Running; any failure blocks it until an operator unblocks it.
func (s *Supervisor) rebase(ctx context.Context, h *handle, target string) error {
	if err := s.transition(ctx, h, models.LoopStatusRebasing, "main updated: "+target, nil); err != nil {
		return err
	}

	var err error
	if s.deps.Rebaser != nil {
		err = s.deps.Rebaser.Rebase(ctx, h.snapshot().RepoPath, target)
	}
	if err != nil {
		reason := fmt.Sprintf("rebase onto %s failed: %v", target, err)
		return s.transition(ctx, h, models.LoopStatusBlocked, reason, func(e *models.LoopExecution) {
			e.LastError = reason
			e.LastErrorRecoverable = false
		})
	}
	return s.transition(ctx, h, models.LoopStatusRunning, "rebased onto "+target, nil)
}

// rebasePending applies a target deferred while the loop was Paused or Blocked.
func (s *Supervisor) rebasePending(ctx context.Context, h *handle) error {
	h.mu.Lock()
	target := h.pendingRebase
	h.pendingRebase = ""
	h.mu.Unlock()
	if target == "" || h.status() != models.LoopStatusRunning {
		return nil
	}
	return s.rebase(ctx, h, target)
}

func (s *Supervisor) drainControls(ctx context.Context, h *handle) error {
	h.mu.Lock()
	actions := h.controls
	h.controls = nil
	h.mu.Unlock()

	for _, action := range actions {
		if h.status().IsTerminal() {
			return nil
		}
		var err error
		switch action {
		case models.ControlPause:
			if h.status() == models.LoopStatusRunning {
				err = s.transition(ctx, h, models.LoopStatusPaused, "paused by operator", nil)
			}
		case models.ControlResume:
			if h.status() == models.LoopStatusPaused {
				h.retries = 0
				err = s.transition(ctx, h, models.LoopStatusRunning, "resumed by operator", nil)
				if err == nil {
					err = s.rebasePending(ctx, h)
				}
			}
		case models.ControlUnblock:
			if h.status() == models.LoopStatusBlocked {
				err = s.transition(ctx, h, models.LoopStatusRunning, "unblocked by operator", func(e *models.LoopExecution) {
					e.LastError = ""
					e.LastErrorRecoverable = false
				})
				if err == nil {
					err = s.rebasePending(ctx, h)
				}
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// answerQueries replies to every pending query with the summary of the
// iteration that just finished.
func (s *Supervisor) answerQueries(h *handle, summary string) {
	h.mu.Lock()
	queries := h.queries
	h.queries = nil
	id := h.exec.ID
	h.mu.Unlock()

	if summary == "" {
		summary = "(no summary)"
	}
	for _, q := range queries {
		if q.From == "" || q.From == id {
			continue
		}
		s.deps.Mailbox.Send(models.CoordinationMessage{
			ID:      uuid.New().String(),
			Kind:    models.MessageShare,
			From:    id,
			To:      q.From,
			ReplyTo: q.ID,
			Payload: summary,
		})
	}
}

// transition changes status, applies mutate and persists the result.
func (s *Supervisor) transition(ctx context.Context, h *handle, to models.LoopStatus, reason string, mutate func(*models.LoopExecution)) error {
	exec := h.snapshot()
	if err := s.machine.Transition(exec.ID, to, exec.Iteration, reason); err != nil {
		return err
	}

	now := s.now().UTC()
	h.update(func(e *models.LoopExecution) {
		if mutate != nil {
			mutate(e)
		}
		e.Status = to
		if to.IsTerminal() && e.CompletedAt == nil {
			e.CompletedAt = &now
		}
	})
	return s.persist(ctx, h)
}

func (s *Supervisor) persist(ctx context.Context, h *handle) error {
	exec := h.snapshot()
	if err := s.deps.Store.Update(context.WithoutCancel(ctx), exec); err != nil {
		s.logger.Error().Err(err).Str("loop_id", exec.ID).Str("status", string(exec.Status)).Msg("failed to persist loop")
		return fmt.Errorf("persist loop %s: %w", exec.ID, err)
	}
	h.update(func(e *models.LoopExecution) { e.UpdatedAt = exec.UpdatedAt })
	return nil
}

func (h *handle) id() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exec.ID
}

func (h *handle) status() models.LoopStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exec.Status
}

func (h *handle) snapshot() *models.LoopExecution {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exec.Clone()
}

func (h *handle) update(fn func(*models.LoopExecution)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h.exec)
}

func (h *handle) deferUntil(t time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t.After(h.notBefore) {
		h.notBefore = t
	}
}

func (h *handle) deferredFor(now time.Time) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.notBefore.Sub(now)
}

func (h *handle) nudge() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}
