// Package daemon wires the taskdaemon runtime together: storage, admission
// scheduler, coordinator, iteration engine, loop supervisor, and the
// relays and watchers that feed it.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/taskdaemon/taskdaemon-sub002/internal/config"
	"github.com/taskdaemon/taskdaemon-sub002/internal/coordinator"
	"github.com/taskdaemon/taskdaemon-sub002/internal/db"
	"github.com/taskdaemon/taskdaemon-sub002/internal/engine"
	"github.com/taskdaemon/taskdaemon-sub002/internal/models"
	"github.com/taskdaemon/taskdaemon-sub002/internal/progress"
	"github.com/taskdaemon/taskdaemon-sub002/internal/reasoning"
	"github.com/taskdaemon/taskdaemon-sub002/internal/relay"
	"github.com/taskdaemon/taskdaemon-sub002/internal/scheduler"
	"github.com/taskdaemon/taskdaemon-sub002/internal/state"
	"github.com/taskdaemon/taskdaemon-sub002/internal/supervisor"
	"github.com/taskdaemon/taskdaemon-sub002/internal/tools"
	"github.com/taskdaemon/taskdaemon-sub002/internal/validation"
	"github.com/taskdaemon/taskdaemon-sub002/internal/watch"
	"github.com/taskdaemon/taskdaemon-sub002/internal/workspace"
)

// Options configure the daemon runtime.
type Options struct {
	Version string

	// Database overrides the configured database (for testing). The daemon
	// does not close a database it did not open.
	Database *db.DB

	// Client overrides the configured reasoning service.
	Client reasoning.Client

	// DisableWatch skips branch watchers regardless of configuration.
	DisableWatch bool

	// DisableRelays skips the control-queue and NATS relays.
	DisableRelays bool
}

// Daemon is the long-running process that supervises loops.
type Daemon struct {
	cfg    *config.Config
	logger zerolog.Logger
	opts   Options

	database   *db.DB
	ownsDB     bool
	executions *db.ExecutionRepository
	controls   *db.ControlRepository
	progress   *progress.Store

	scheduler   *scheduler.Scheduler
	coordinator *coordinator.Coordinator
	machine     *state.Machine
	engine      *engine.Engine
	supervisor  *supervisor.Supervisor
}

// New constructs a daemon with the provided configuration.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts Options) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	database := opts.Database
	ownsDB := false
	if database == nil {
		var err error
		database, err = db.Open(db.Config{
			Path:          cfg.DatabasePath(),
			MaxOpenConns:  cfg.Database.MaxConnections,
			BusyTimeoutMs: cfg.Database.BusyTimeoutMs,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		ownsDB = true
	}
	if err := database.Migrate(ctx); err != nil {
		if ownsDB {
			_ = database.Close()
		}
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	client := opts.Client
	if client == nil {
		gollmClient, err := reasoning.NewGollmClient(reasoning.GollmConfig{
			Provider:    cfg.Reasoning.Provider,
			Model:       cfg.Reasoning.Model,
			APIKey:      cfg.Reasoning.APIKey(),
			MaxTokens:   cfg.Reasoning.MaxTokens,
			Temperature: cfg.Reasoning.Temperature,
		})
		if err != nil {
			if ownsDB {
				_ = database.Close()
			}
			return nil, fmt.Errorf("failed to create reasoning client: %w", err)
		}
		client = gollmClient
	}

	d := &Daemon{
		cfg:        cfg,
		logger:     logger,
		opts:       opts,
		database:   database,
		ownsDB:     ownsDB,
		executions: db.NewExecutionRepository(database),
		controls:   db.NewControlRepository(database),
		machine:    state.NewMachine(),
	}

	d.progress = progress.NewStore(db.NewProgressRepository(database),
		progress.WithLedger(progress.NewLedger(cfg.LedgerDir(), cfg.LoopDefaults.OutputTailLines)))

	d.scheduler = scheduler.New(schedulerConfig(cfg.Scheduler), scheduler.WithMetrics())
	d.coordinator = coordinator.New(coordinator.Config{QueueCapacity: cfg.Coordinator.QueueCapacity})
	d.coordinator.RegisterMetrics()

	eng, err := engine.New(engine.ConfigFromLoop(cfg.LoopDefaults, cfg.Reasoning.MaxTokens), engine.Deps{
		Client:    client,
		Admission: d.scheduler,
		Tools:     tools.NewDefaultRegistry(tools.CommandOptions{Timeout: cfg.LoopDefaults.IterationTimeout()}),
		Progress:  d.progress,
		Validator: validation.NewRunner(cfg.LoopDefaults.OutputTailLines),
		Inspector: workspace.NewInspector(),
	})
	if err != nil {
		d.closeDatabase()
		return nil, err
	}
	d.engine = eng

	sup, err := supervisor.New(supervisor.ConfigFromLoop(cfg.LoopDefaults, cfg.Watch.Branch), supervisor.Deps{
		Engine:   eng,
		Mailbox:  d.coordinator,
		Store:    d.executions,
		Contexts: d.progress,
		Rebaser:  workspace.NewRebaser(),
		Machine:  d.machine,
	})
	if err != nil {
		d.closeDatabase()
		return nil, err
	}
	d.supervisor = sup

	return d, nil
}

func schedulerConfig(cfg config.SchedulerConfig) scheduler.Config {
	return scheduler.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		RateLimit:     cfg.RateLimitRequests,
		RateWindow:    cfg.RateLimitWindow,
		WaitTimeout:   cfg.WaitTimeout,
		LeaseTimeout:  cfg.LeaseTimeout,
		ReapInterval:  cfg.ReapInterval,
		RetryHint:     cfg.RetryHint,
	}
}

// Run supervises execs, plus every unfinished execution in the database when
// resume is set, and blocks until all of them are terminal or ctx is
// cancelled.
func (d *Daemon) Run(ctx context.Context, execs []*models.LoopExecution, resume bool) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	defer d.shutdown()

	if resume {
		restored, err := d.unfinished(ctx)
		if err != nil {
			return err
		}
		execs = append(restored, d.withoutRestored(restored, execs)...)
	}
	if len(execs) == 0 {
		return errors.New("no loops to run")
	}

	if err := d.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	auxCtx, cancelAux := context.WithCancel(ctx)
	var aux sync.WaitGroup
	d.startAuxiliary(auxCtx, &aux, execs)

	d.logger.Info().
		Int("loops", len(execs)).
		Str("version", d.opts.Version).
		Msg("taskdaemon running")

	err := d.supervisor.Run(ctx, execs...)

	cancelAux()
	aux.Wait()
	if ctx.Err() != nil {
		d.logger.Info().Msg("taskdaemon shutting down...")
	}
	return err
}

func (d *Daemon) unfinished(ctx context.Context) ([]*models.LoopExecution, error) {
	execs, err := d.executions.List(ctx,
		models.LoopStatusRunning,
		models.LoopStatusPaused,
		models.LoopStatusRebasing,
		models.LoopStatusBlocked,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished loops: %w", err)
	}
	for _, exec := range execs {
		d.logger.Info().Str("loop_id", exec.ID).Str("name", exec.Name).Str("status", string(exec.Status)).Msg("restoring loop")
	}
	return execs, nil
}

// withoutRestored drops fresh executions that would run a second copy of a
// restored loop against the same repository.
func (d *Daemon) withoutRestored(restored, fresh []*models.LoopExecution) []*models.LoopExecution {
	type loopKey struct{ name, repo string }
	seen := make(map[loopKey]string, len(restored))
	for _, exec := range restored {
		seen[loopKey{exec.Name, exec.RepoPath}] = exec.ID
	}

	kept := make([]*models.LoopExecution, 0, len(fresh))
	for _, exec := range fresh {
		if id, ok := seen[loopKey{exec.Name, exec.RepoPath}]; ok {
			d.logger.Warn().
				Str("name", exec.Name).
				Str("repo", exec.RepoPath).
				Str("restored_id", id).
				Msg("skipping loop definition; an unfinished execution was restored")
			continue
		}
		kept = append(kept, exec)
	}
	return kept
}

// startAuxiliary launches relays and branch watchers. Their failures are
// logged; loops keep running without them.
func (d *Daemon) startAuxiliary(ctx context.Context, wg *sync.WaitGroup, execs []*models.LoopExecution) {
	launch := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error().Err(err).Str("component", name).Msg("background component stopped")
			}
		}()
	}

	if !d.opts.DisableRelays {
		queueRelay := relay.NewQueueRelay(d.controls, d.coordinator, d.supervisor, d.cfg.Coordinator.RelayInterval)
		launch("control-relay", queueRelay.Run)

		if d.cfg.Coordinator.NATSURL != "" {
			natsRelay := relay.NewNATSRelay(d.cfg.Coordinator.NATSURL, d.cfg.Coordinator.NATSSubject, d.coordinator)
			launch("nats-relay", natsRelay.Run)
		}
	}

	if d.cfg.Watch.Enabled && !d.opts.DisableWatch {
		seen := make(map[string]bool)
		for _, exec := range execs {
			if seen[exec.RepoPath] {
				continue
			}
			seen[exec.RepoPath] = true
			watcher := watch.NewBranchWatcher(exec.RepoPath, d.cfg.Watch.Branch, d.coordinator, d.cfg.Watch.Debounce)
			launch("branch-watcher", watcher.Run)
		}
	}
}

// shutdown performs ordered cleanup: scheduler, then database.
func (d *Daemon) shutdown() {
	d.logger.Debug().Msg("closing scheduler...")
	d.scheduler.Close()

	stats := d.coordinator.Stats()
	d.logger.Debug().
		Int64("sent", stats.Sent).
		Int64("delivered", stats.Delivered).
		Int64("dropped", stats.Dropped).
		Msg("coordinator totals")

	d.closeDatabase()
}

func (d *Daemon) closeDatabase() {
	if !d.ownsDB || d.database == nil {
		return
	}
	if err := d.database.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("failed to close database")
	}
	d.database = nil
}

// Supervisor returns the loop supervisor.
func (d *Daemon) Supervisor() *supervisor.Supervisor {
	return d.supervisor
}

// Coordinator returns the message router.
func (d *Daemon) Coordinator() *coordinator.Coordinator {
	return d.coordinator
}

// Executions returns the execution repository.
func (d *Daemon) Executions() *db.ExecutionRepository {
	return d.executions
}

// Progress returns the progress store.
func (d *Daemon) Progress() *progress.Store {
	return d.progress
}
