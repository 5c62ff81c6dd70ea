// Package engine runs a single iteration of an agent loop: build a prompt
// from fresh state, drive a bounded tool-use cycle against the reasoning
// service, then run the loop's validation command.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskdaemon/taskdaemon-sub002/internal/config"
	"github.com/taskdaemon/taskdaemon-sub002/internal/logging"
	"github.com/taskdaemon/taskdaemon-sub002/internal/models"
	"github.com/taskdaemon/taskdaemon-sub002/internal/reasoning"
	"github.com/taskdaemon/taskdaemon-sub002/internal/scheduler"
	"github.com/taskdaemon/taskdaemon-sub002/internal/telemetry"
	"github.com/taskdaemon/taskdaemon-sub002/internal/validation"
	"github.com/taskdaemon/taskdaemon-sub002/internal/workspace"
)

const continueDirective = "Your previous reply was cut off. Continue exactly where you stopped."

// Admission grants tickets for reasoning calls.
type Admission interface {
	Acquire(ctx context.Context, execID string, priority int) (*scheduler.Ticket, error)
	Complete(t *scheduler.Ticket) error
	Release(t *scheduler.Ticket) error
}

// ToolExecutor runs tool calls requested by the model.
type ToolExecutor interface {
	Definitions() []reasoning.ToolDefinition
	Execute(ctx context.Context, call reasoning.ToolCall, workDir string) (reasoning.ToolResult, error)
}

// ProgressStore supplies prior progress and records what an iteration did.
type ProgressStore interface {
	Progress(ctx context.Context, exec *models.LoopExecution) (string, error)
	Record(ctx context.Context, exec *models.LoopExecution, summary *models.IterationSummary, output string) error
}

// ValidationRunner runs the loop's validation command.
type ValidationRunner interface {
	Run(ctx context.Context, command, dir string, timeout time.Duration) (validation.Result, error)
}

// WorkspaceInspector reads the working tree.
type WorkspaceInspector interface {
	Snapshot(ctx context.Context, dir string) (*workspace.Snapshot, error)
}

// Config bounds an iteration.
type Config struct {
	MaxIterations    int
	MaxTurns         int
	CallTimeout      time.Duration
	IterationTimeout time.Duration
	SuccessExitCode  int
	SystemPrompt     string
	MaxTokens        int
}

// ConfigFromLoop builds an engine Config from loop defaults.
func ConfigFromLoop(cfg config.LoopConfig, maxTokens int) Config {
	return Config{
		MaxIterations:    cfg.MaxIterations,
		MaxTurns:         cfg.MaxTurnsPerIteration,
		CallTimeout:      cfg.CallTimeout,
		IterationTimeout: cfg.IterationTimeout(),
		SuccessExitCode:  cfg.SuccessExitCode,
		SystemPrompt:     cfg.SystemPrompt,
		MaxTokens:        maxTokens,
	}
}

// Deps are the collaborators an Engine drives. Client, Admission and
// Validator are required.
type Deps struct {
	Client    reasoning.Client
	Admission Admission
	Tools     ToolExecutor
	Progress  ProgressStore
	Validator ValidationRunner
	Inspector WorkspaceInspector
}

// Engine runs iterations. It keeps no state between iterations and is safe
// for concurrent use by many loops.
type Engine struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger
	tracer trace.Tracer

	iterations metric.Int64Counter
	calls      metric.Int64Counter
}

// New creates an Engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	switch {
	case deps.Client == nil:
		return nil, errors.New("engine requires a reasoning client")
	case deps.Admission == nil:
		return nil, errors.New("engine requires an admission scheduler")
	case deps.Validator == nil:
		return nil, errors.New("engine requires a validation runner")
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 50
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 100
	}

	meter := telemetry.Meter("taskdaemon/engine")
	iterations, _ := meter.Int64Counter("taskdaemon.engine.iterations",
		metric.WithDescription("Iterations run, by outcome"))
	calls, _ := meter.Int64Counter("taskdaemon.engine.reasoning_calls",
		metric.WithDescription("Reasoning-service calls, by result"))

	return &Engine{
		cfg:        cfg,
		deps:       deps,
		logger:     logging.Component("engine"),
		tracer:     telemetry.Tracer("taskdaemon/engine"),
		iterations: iterations,
		calls:      calls,
	}, nil
}

// iteration carries the state of one RunIteration call.
type iteration struct {
	exec     *models.LoopExecution
	number   int
	started  time.Time
	messages []reasoning.Message
	tools    []models.ToolInvocation
	errors   []string
	response string
	turns    int
	touched  bool
}

// RunIteration runs one iteration of exec. It never mutates exec and never
// sleeps; the supervisor applies the returned result.
func (e *Engine) RunIteration(ctx context.Context, exec *models.LoopExecution) models.IterationResult {
	it := &iteration{exec: exec, number: exec.Iteration + 1, started: time.Now()}

	ctx, span := e.tracer.Start(ctx, "engine.iteration", trace.WithAttributes(
		attribute.String("loop.id", exec.ID),
		attribute.String("loop.name", exec.Name),
		attribute.Int("loop.iteration", it.number),
	))
	defer span.End()

	logger := e.logger.With().Str("loop_id", exec.ID).Int("iteration", it.number).Logger()

	result := e.run(ctx, it, logger)
	result.Turns = it.turns
	result.Summary = it.response

	span.SetAttributes(
		attribute.String("iteration.outcome", string(result.Outcome)),
		attribute.Int("iteration.turns", it.turns),
	)
	if result.Outcome == models.OutcomeError {
		span.SetStatus(codes.Error, result.Err)
	}
	e.iterations.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", string(result.Outcome))))

	logger.Debug().
		Str("outcome", string(result.Outcome)).
		Int("turns", it.turns).
		Dur("duration", time.Since(it.started)).
		Msg("iteration finished")
	return result
}

func (e *Engine) run(ctx context.Context, it *iteration, logger zerolog.Logger) models.IterationResult {
	prompt, err := e.buildPrompt(ctx, it, logger)
	if err != nil {
		if ctx.Err() != nil {
			return interrupted(ctx)
		}
		return e.finish(ctx, it, models.Failure(err, false), logger)
	}
	it.messages = []reasoning.Message{{Role: reasoning.RoleUser, Content: prompt}}

	var toolDefs []reasoning.ToolDefinition
	if e.deps.Tools != nil {
		toolDefs = e.deps.Tools.Definitions()
	}

	ended := false
cycle:
	for it.turns < e.cfg.MaxTurns {
		if ctx.Err() != nil {
			return interrupted(ctx)
		}

		resp, failure := e.call(ctx, it, toolDefs, logger)
		if failure != nil {
			// Tools from earlier turns may already have changed the tree.
			if failure.Outcome == models.OutcomeError ||
				(failure.Outcome == models.OutcomeRateLimited && len(it.tools) > 0) {
				return e.finish(ctx, it, *failure, logger)
			}
			return *failure
		}

		if resp.Text != "" {
			it.response = resp.Text
		}
		it.messages = append(it.messages, reasoning.Message{
			Role:      reasoning.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		switch {
		case resp.StopReason == reasoning.StopToolUse && len(resp.ToolCalls) > 0:
			if err := e.runTools(ctx, it, resp.ToolCalls); err != nil {
				return interrupted(ctx)
			}
		case resp.StopReason == reasoning.StopMaxTokens:
			it.messages = append(it.messages, reasoning.Message{Role: reasoning.RoleUser, Content: continueDirective})
		default:
			ended = true
			break cycle
		}
	}

	if !ended {
		logger.Info().Int("turns", it.turns).Msg("turn cap reached; skipping validation")
		result := models.Continued(-1, "")
		result.TurnCapHit = true
		return e.finish(ctx, it, result, logger)
	}

	return e.finish(ctx, it, e.validate(ctx, it, logger), logger)
}

func (e *Engine) buildPrompt(ctx context.Context, it *iteration, logger zerolog.Logger) (string, error) {
	exec := it.exec
	data := PromptData{
		Name:              exec.Name,
		Iteration:         it.number,
		MaxIterations:     e.maxIterations(exec),
		LastExitCode:      exec.LastExitCode,
		LastOutput:        exec.LastOutput,
		ValidationCommand: exec.ValidationCommand,
	}

	if e.deps.Inspector != nil {
		snap, err := e.deps.Inspector.Snapshot(ctx, exec.RepoPath)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			logger.Warn().Err(err).Msg("workspace snapshot failed")
		} else {
			data.GitStatus = snap.Status
			data.GitDiffStat = snap.DiffStat
			data.GitDiff = snap.Diff
		}
	}

	if e.deps.Progress != nil {
		progress, err := e.deps.Progress.Progress(ctx, exec)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			logger.Warn().Err(err).Msg("failed to load progress")
		} else {
			data.Progress = progress
		}
	}

	source, err := resolvePromptSource(exec)
	if err != nil {
		return "", err
	}
	return renderPrompt(source, data)
}

// call makes one admitted reasoning call. A non-nil result ends the iteration.
func (e *Engine) call(ctx context.Context, it *iteration, toolDefs []reasoning.ToolDefinition, logger zerolog.Logger) (*reasoning.Response, *models.IterationResult) {
	exec := it.exec

	ticket, err := e.deps.Admission.Acquire(ctx, exec.ID, exec.Priority)
	if err != nil {
		var waitErr *scheduler.WaitTimeoutError
		switch {
		case errors.As(err, &waitErr):
			logger.Debug().Dur("retry_after", waitErr.RetryAfter).Msg("admission wait timed out")
			r := models.RateLimitedAfter(waitErr.RetryAfter)
			return nil, &r
		case ctx.Err() != nil, errors.Is(err, scheduler.ErrSchedulerClosed):
			r := interruptedWith(ctx, err)
			return nil, &r
		default:
			r := models.Failure(fmt.Errorf("acquire admission: %w", err), true)
			return nil, &r
		}
	}

	it.turns++
	callCtx, span := e.tracer.Start(ctx, "engine.reasoning_call", trace.WithAttributes(
		attribute.String("loop.id", exec.ID),
		attribute.Int("turn", it.turns),
		attribute.String("ticket.id", ticket.ID),
	))
	if e.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, e.cfg.CallTimeout)
		defer cancel()
	}
	defer span.End()

	resp, err := e.deps.Client.Send(callCtx, reasoning.Request{
		System:    e.cfg.SystemPrompt,
		Messages:  it.messages,
		Tools:     toolDefs,
		MaxTokens: e.cfg.MaxTokens,
	})
	if err != nil {
		if relErr := e.deps.Admission.Release(ticket); relErr != nil {
			logger.Warn().Err(relErr).Str("ticket_id", ticket.ID).Msg("release after failed call")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.calls.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", "error")))

		r := e.classify(ctx, err)
		if r.Outcome == models.OutcomeError {
			it.errors = append(it.errors, err.Error())
		}
		logger.Debug().Err(err).Str("outcome", string(r.Outcome)).Msg("reasoning call failed")
		return nil, &r
	}

	if err := e.deps.Admission.Complete(ticket); err != nil {
		logger.Warn().Err(err).Str("ticket_id", ticket.ID).Msg("complete ticket")
	}
	e.calls.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", string(resp.StopReason))))
	span.SetAttributes(attribute.String("stop_reason", string(resp.StopReason)), attribute.Int("tool_calls", len(resp.ToolCalls)))
	return resp, nil
}

func (e *Engine) classify(ctx context.Context, err error) models.IterationResult {
	if ctx.Err() != nil {
		return interruptedWith(ctx, err)
	}
	switch reasoning.Classify(err) {
	case reasoning.ClassRateLimited:
		return models.RateLimitedAfter(reasoning.RetryAfterOf(err))
	case reasoning.ClassPermanent:
		return models.Failure(err, false)
	case reasoning.ClassCancelled:
		return interruptedWith(ctx, err)
	default:
		return models.Failure(err, true)
	}
}

// runTools executes every call in order. Tool failures are fed back to the
// model; only cancellation aborts.
func (e *Engine) runTools(ctx context.Context, it *iteration, calls []reasoning.ToolCall) error {
	results := make([]reasoning.ToolResult, 0, len(calls))
	for _, call := range calls {
		var result reasoning.ToolResult
		if e.deps.Tools == nil {
			result = reasoning.ToolResult{CallID: call.ID, Name: call.Name, Content: "no tools are available", IsError: true}
		} else {
			var err error
			result, err = e.deps.Tools.Execute(ctx, call, it.exec.RepoPath)
			if err != nil {
				return err
			}
		}
		it.touched = true
		results = append(results, result)
		it.tools = append(it.tools, models.ToolInvocation{
			Name:    call.Name,
			Input:   string(call.Arguments),
			Output:  truncate(result.Content, 2000),
			IsError: result.IsError,
		})
	}
	it.messages = append(it.messages, reasoning.Message{Role: reasoning.RoleTool, ToolResults: results})
	return nil
}

func (e *Engine) validate(ctx context.Context, it *iteration, logger zerolog.Logger) models.IterationResult {
	exec := it.exec
	ctx, span := e.tracer.Start(ctx, "engine.validation", trace.WithAttributes(attribute.String("command", exec.ValidationCommand)))
	defer span.End()

	res, err := e.deps.Validator.Run(ctx, exec.ValidationCommand, exec.RepoPath, e.cfg.IterationTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return interrupted(ctx)
		}
		span.RecordError(err)
		var startErr *validation.StartError
		if errors.As(err, &startErr) {
			it.errors = append(it.errors, err.Error())
			return models.Failure(err, false)
		}
		it.errors = append(it.errors, err.Error())
		return models.Failure(err, true)
	}

	span.SetAttributes(attribute.Int("exit_code", res.ExitCode), attribute.Bool("timed_out", res.TimedOut))
	if res.TimedOut {
		logger.Info().Dur("timeout", e.cfg.IterationTimeout).Msg("validation timed out")
		result := models.Continued(res.ExitCode, res.Output)
		result.ValidationTimedOut = true
		return result
	}
	if res.ExitCode == e.cfg.SuccessExitCode {
		return models.Completed(res.ExitCode, res.Output)
	}
	return models.Continued(res.ExitCode, res.Output)
}

// finish records the iteration summary. Recording failures are logged only.
func (e *Engine) finish(ctx context.Context, it *iteration, result models.IterationResult, logger zerolog.Logger) models.IterationResult {
	if e.deps.Progress == nil || ctx.Err() != nil {
		return result
	}

	summary := &models.IterationSummary{
		ExecutionID: it.exec.ID,
		LoopName:    it.exec.Name,
		Iteration:   it.number,
		Outcome:     result.Outcome,
		Response:    it.response,
		Tools:       it.tools,
		Errors:      it.errors,
		Turns:       it.turns,
		Duration:    time.Since(it.started),
		CreatedAt:   time.Now().UTC(),
	}
	if result.Outcome == models.OutcomeComplete || (result.Outcome == models.OutcomeContinue && !result.TurnCapHit) {
		code := result.ExitCode
		summary.ExitCode = &code
	}
	if result.TurnCapHit {
		summary.Errors = append(summary.Errors, "turn cap reached")
	}
	if result.Outcome == models.OutcomeError && len(summary.Errors) == 0 {
		summary.Errors = append(summary.Errors, result.Err)
	}
	if it.touched && e.deps.Inspector != nil {
		if snap, err := e.deps.Inspector.Snapshot(ctx, it.exec.RepoPath); err == nil {
			summary.FilesChanged = snap.ChangedFiles
		}
	}

	if err := e.deps.Progress.Record(ctx, it.exec, summary, result.Output); err != nil {
		logger.Warn().Err(err).Msg("failed to record iteration progress")
	}
	return result
}

func (e *Engine) maxIterations(exec *models.LoopExecution) int {
	if exec.MaxIterations > 0 {
		return exec.MaxIterations
	}
	return e.cfg.MaxIterations
}

func interrupted(ctx context.Context) models.IterationResult {
	return interruptedWith(ctx, ctx.Err())
}

func interruptedWith(ctx context.Context, err error) models.IterationResult {
	if cause := context.Cause(ctx); cause != nil {
		return models.InterruptedBy(cause.Error())
	}
	if err != nil {
		return models.InterruptedBy(err.Error())
	}
	return models.InterruptedBy("interrupted")
}

// truncate cuts s to at most limit bytes on a rune boundary.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit] + "..."
}
