// Package scheduler provides admission control for reasoning-service calls.
//
// Every call an iteration makes is bracketed by Acquire and Complete (or
// Release). The scheduler enforces a concurrency ceiling, orders waiters by
// priority class then arrival, holds requests that exceed a rolling rate
// budget, and never lets one loop hold two tickets at once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/taskdaemon/taskdaemon-sub002/internal/logging"
)

// Scheduler errors.
var (
	ErrSchedulerAlreadyRunning = errors.New("scheduler already running")
	ErrSchedulerNotRunning     = errors.New("scheduler not running")
	ErrSchedulerClosed         = errors.New("scheduler closed")
	ErrTicketNotActive         = errors.New("ticket is not active")
	ErrMissingExecutionID      = errors.New("execution id is required")
	ErrWaitTimeout             = errors.New("timed out waiting for admission")
)

// Config contains scheduler configuration.
type Config struct {
	// MaxConcurrent is the number of tickets that may be active at once.
	// Default: 4.
	MaxConcurrent int

	// RateLimit is the number of grants allowed per RateWindow. Zero disables
	// the rate budget.
	// Default: 0.
	RateLimit int

	// RateWindow is the rolling window RateLimit applies to.
	// Default: 1 minute.
	RateWindow time.Duration

	// WaitTimeout bounds how long Acquire waits.
	// Default: 2 minutes.
	WaitTimeout time.Duration

	// LeaseTimeout reclaims tickets held longer than this. Zero disables
	// reclamation.
	// Default: 15 minutes.
	LeaseTimeout time.Duration

	// ReapInterval is how often the background reaper looks for expired leases.
	// Default: 30 seconds.
	ReapInterval time.Duration

	// RetryHint is the delay suggested on a wait timeout when the rate budget
	// is not the bottleneck.
	// Default: 5 seconds.
	RetryHint time.Duration
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 4,
		RateWindow:    time.Minute,
		WaitTimeout:   2 * time.Minute,
		LeaseTimeout:  15 * time.Minute,
		ReapInterval:  30 * time.Second,
		RetryHint:     5 * time.Second,
	}
}

// Ticket is a single-use grant to make one reasoning-service call.
type Ticket struct {
	ID             string
	ExecutionID    string
	Priority       int
	Seq            uint64
	IssuedAt       time.Time
	LeaseExpiresAt time.Time
}

// WaitTimeoutError is returned when Acquire gives up waiting.
type WaitTimeoutError struct {
	ExecutionID string
	Waited      time.Duration
	RetryAfter  time.Duration
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("admission wait for %s timed out after %s (retry after %s)",
		e.ExecutionID, e.Waited.Round(time.Millisecond), e.RetryAfter.Round(time.Millisecond))
}

// Is lets errors.Is match ErrWaitTimeout.
func (e *WaitTimeoutError) Is(target error) bool {
	return target == ErrWaitTimeout
}

// Stats contains scheduler statistics.
type Stats struct {
	MaxConcurrent  int
	Active         int
	Waiting        int
	Granted        int64
	Completed      int64
	Released       int64
	Reclaimed      int64
	TimedOut       int64
	Cancelled      int64
	DoubleReleases int64
}

type waiter struct {
	execID     string
	priority   int
	seq        uint64
	enqueuedAt time.Time
	ready      chan *Ticket
}

// Scheduler is the admission scheduler. All state is guarded by mu.
type Scheduler struct {
	config Config
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	seq      uint64
	active   map[string]*Ticket // ticket id -> ticket
	byExec   map[string]string  // execution id -> ticket id
	waiters  []*waiter          // priority desc, then seq asc
	grants   []time.Time        // grant times inside the rate window
	wake     *time.Timer
	wakeAt   time.Time
	closed   bool
	stats    Stats
	observer Observer

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Observer receives scheduler events. Used for metrics.
type Observer interface {
	Granted(t *Ticket, waited time.Duration)
	Finished(t *Ticket, outcome string)
	TimedOut(execID string)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithObserver installs an event observer.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		s.observer = o
	}
}

// WithMetrics records OpenTelemetry metrics through the global meter provider.
func WithMetrics() Option {
	return func(s *Scheduler) {
		s.observer = NewMetricsObserver(s)
	}
}

// New creates a new Scheduler.
func New(config Config, opts ...Option) *Scheduler {
	defaults := DefaultConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}
	if config.RateLimit < 0 {
		config.RateLimit = 0
	}
	if config.RateWindow <= 0 {
		config.RateWindow = defaults.RateWindow
	}
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = defaults.WaitTimeout
	}
	if config.LeaseTimeout < 0 {
		config.LeaseTimeout = 0
	}
	if config.ReapInterval <= 0 {
		config.ReapInterval = defaults.ReapInterval
	}
	if config.RetryHint <= 0 {
		config.RetryHint = defaults.RetryHint
	}

	s := &Scheduler{
		config: config,
		logger: logging.Component("scheduler"),
		now:    time.Now,
		active: make(map[string]*Ticket),
		byExec: make(map[string]string),
	}
	s.stats.MaxConcurrent = config.MaxConcurrent

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Acquire waits for a ticket for the given execution. Higher priorities are
// served first; equal priorities are served in arrival order. It returns a
// *WaitTimeoutError when WaitTimeout elapses first.
func (s *Scheduler) Acquire(ctx context.Context, execID string, priority int) (*Ticket, error) {
	if execID == "" {
		return nil, ErrMissingExecutionID
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSchedulerClosed
	}
	s.seq++
	w := &waiter{
		execID:     execID,
		priority:   priority,
		seq:        s.seq,
		enqueuedAt: s.now(),
		ready:      make(chan *Ticket, 1),
	}
	s.insertWaiterLocked(w)
	s.dispatchLocked()
	s.mu.Unlock()

	timer := time.NewTimer(s.config.WaitTimeout)
	defer timer.Stop()

	select {
	case t := <-w.ready:
		if t == nil {
			return nil, ErrSchedulerClosed
		}
		return t, nil
	case <-ctx.Done():
		if t := s.abandon(w, "cancelled"); t != nil {
			_ = s.finish(t, "released")
		}
		return nil, ctx.Err()
	case <-timer.C:
		if t := s.abandon(w, "timed_out"); t != nil {
			// Granted while the timer fired; the caller may still use it.
			return t, nil
		}
		s.mu.Lock()
		retry := s.suggestRetryLocked(s.now())
		s.mu.Unlock()
		if s.observer != nil {
			s.observer.TimedOut(execID)
		}
		s.logger.Debug().
			Str("loop_id", execID).
			Int("priority", priority).
			Dur("retry_after", retry).
			Msg("admission wait timed out")
		return nil, &WaitTimeoutError{
			ExecutionID: execID,
			Waited:      s.config.WaitTimeout,
			RetryAfter:  retry,
		}
	}
}

// abandon removes a waiter that stopped waiting. If the waiter was granted in
// the meantime the ticket is returned instead.
func (s *Scheduler) abandon(w *waiter, reason string) *Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removeWaiterLocked(w) {
		switch reason {
		case "timed_out":
			s.stats.TimedOut++
		default:
			s.stats.Cancelled++
		}
		return nil
	}
	select {
	case t := <-w.ready:
		return t
	default:
		return nil
	}
}

// Complete returns a ticket after a successful call.
func (s *Scheduler) Complete(t *Ticket) error {
	return s.finish(t, "completed")
}

// Release returns a ticket after a failed or abandoned call. Releasing a
// ticket that is no longer active is a no-op that logs a diagnostic and
// returns ErrTicketNotActive.
func (s *Scheduler) Release(t *Ticket) error {
	return s.finish(t, "released")
}

func (s *Scheduler) finish(t *Ticket, outcome string) error {
	if t == nil {
		return ErrTicketNotActive
	}

	s.mu.Lock()
	if _, ok := s.active[t.ID]; !ok {
		s.stats.DoubleReleases++
		s.mu.Unlock()
		s.logger.Warn().
			Str("ticket_id", t.ID).
			Str("loop_id", t.ExecutionID).
			Str("outcome", outcome).
			Msg("ticket already returned; ignoring")
		return ErrTicketNotActive
	}

	s.removeActiveLocked(t)
	switch outcome {
	case "completed":
		s.stats.Completed++
	default:
		s.stats.Released++
	}
	s.dispatchLocked()
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.Finished(t, outcome)
	}
	return nil
}

// Reap reclaims tickets whose lease expired before now and returns how many
// were reclaimed.
func (s *Scheduler) Reap(now time.Time) int {
	if s.config.LeaseTimeout <= 0 {
		return 0
	}

	s.mu.Lock()
	var expired []*Ticket
	for _, t := range s.active {
		if !now.Before(t.LeaseExpiresAt) {
			expired = append(expired, t)
		}
	}
	for _, t := range expired {
		s.removeActiveLocked(t)
		s.stats.Reclaimed++
	}
	if len(expired) > 0 {
		s.dispatchLocked()
	}
	s.mu.Unlock()

	for _, t := range expired {
		s.logger.Warn().
			Str("ticket_id", t.ID).
			Str("loop_id", t.ExecutionID).
			Time("issued_at", t.IssuedAt).
			Msg("reclaimed ticket with expired lease")
		if s.observer != nil {
			s.observer.Finished(t, "reclaimed")
		}
	}
	return len(expired)
}

// Start runs the lease reaper until Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrSchedulerAlreadyRunning
	}
	if s.closed {
		return ErrSchedulerClosed
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	s.logger.Info().
		Int("max_concurrent", s.config.MaxConcurrent).
		Int("rate_limit", s.config.RateLimit).
		Dur("rate_window", s.config.RateWindow).
		Dur("lease_timeout", s.config.LeaseTimeout).
		Msg("scheduler starting")

	if s.config.LeaseTimeout > 0 {
		s.wg.Add(1)
		go s.reapLoop(ctx)
	}
	return nil
}

func (s *Scheduler) reapLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Reap(s.now())
		}
	}
}

// Stop halts the reaper.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
	return nil
}

// Close stops the reaper and fails every pending Acquire with
// ErrSchedulerClosed.
func (s *Scheduler) Close() {
	_ = s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.wake != nil {
		s.wake.Stop()
		s.wake = nil
	}
	for _, w := range s.waiters {
		w.ready <- nil
	}
	s.waiters = nil
}

// Stats returns a snapshot of scheduler statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	stats.Active = len(s.active)
	stats.Waiting = len(s.waiters)
	return stats
}

// Holding reports whether the execution currently holds a ticket.
func (s *Scheduler) Holding(execID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byExec[execID]
	return ok
}

// dispatchLocked grants tickets while slots and rate budget allow.
func (s *Scheduler) dispatchLocked() {
	if s.closed {
		return
	}
	now := s.now()
	s.pruneWindowLocked(now)

	for len(s.active) < s.config.MaxConcurrent && len(s.waiters) > 0 {
		if s.config.RateLimit > 0 && len(s.grants) >= s.config.RateLimit {
			s.scheduleWakeLocked(s.grants[0].Add(s.config.RateWindow).Sub(now))
			return
		}

		idx := -1
		for i, w := range s.waiters {
			if _, holding := s.byExec[w.execID]; !holding {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}

		w := s.waiters[idx]
		s.waiters = append(s.waiters[:idx], s.waiters[idx+1:]...)

		t := &Ticket{
			ID:          uuid.New().String(),
			ExecutionID: w.execID,
			Priority:    w.priority,
			Seq:         w.seq,
			IssuedAt:    now,
		}
		if s.config.LeaseTimeout > 0 {
			t.LeaseExpiresAt = now.Add(s.config.LeaseTimeout)
		}
		s.active[t.ID] = t
		s.byExec[t.ExecutionID] = t.ID
		s.grants = append(s.grants, now)
		s.stats.Granted++

		waited := now.Sub(w.enqueuedAt)
		s.logger.Debug().
			Str("ticket_id", t.ID).
			Str("loop_id", t.ExecutionID).
			Int("priority", t.Priority).
			Dur("waited", waited).
			Msg("ticket granted")
		if s.observer != nil {
			s.observer.Granted(t, waited)
		}
		w.ready <- t
	}
}

func (s *Scheduler) removeActiveLocked(t *Ticket) {
	delete(s.active, t.ID)
	if s.byExec[t.ExecutionID] == t.ID {
		delete(s.byExec, t.ExecutionID)
	}
}

func (s *Scheduler) pruneWindowLocked(now time.Time) {
	if s.config.RateLimit <= 0 {
		s.grants = s.grants[:0]
		return
	}
	cutoff := now.Add(-s.config.RateWindow)
	keep := 0
	for keep < len(s.grants) && !s.grants[keep].After(cutoff) {
		keep++
	}
	s.grants = s.grants[keep:]
}

// scheduleWakeLocked re-runs dispatch once the rate window admits another grant.
func (s *Scheduler) scheduleWakeLocked(d time.Duration) {
	if d <= 0 {
		d = time.Millisecond
	}
	at := s.now().Add(d)
	if s.wake != nil && !at.Before(s.wakeAt) {
		return
	}
	if s.wake != nil {
		s.wake.Stop()
	}
	s.wakeAt = at
	s.wake = time.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.wake = nil
		s.dispatchLocked()
	})
}

func (s *Scheduler) suggestRetryLocked(now time.Time) time.Duration {
	s.pruneWindowLocked(now)
	if s.config.RateLimit > 0 && len(s.grants) >= s.config.RateLimit {
		if d := s.grants[0].Add(s.config.RateWindow).Sub(now); d > 0 {
			return d
		}
	}
	return s.config.RetryHint
}

func (s *Scheduler) insertWaiterLocked(w *waiter) {
	i := len(s.waiters)
	for i > 0 && s.waiters[i-1].priority < w.priority {
		i--
	}
	s.waiters = append(s.waiters, nil)
	copy(s.waiters[i+1:], s.waiters[i:])
	s.waiters[i] = w
}

func (s *Scheduler) removeWaiterLocked(w *waiter) bool {
	for i, candidate := range s.waiters {
		if candidate == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return true
		}
	}
	return false
}
