package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/martin/aria/internal/config"
	"github.com/martin/aria/internal/logger"
	"github.com/martin/aria/pkg/channels"
	"github.com/martin/aria/pkg/coretools"
	"github.com/martin/aria/pkg/lane"
	"github.com/martin/aria/pkg/llm"
	"github.com/martin/aria/pkg/orchestrator"
	"github.com/martin/aria/pkg/scheduler"
	"github.com/martin/aria/pkg/session"
	"github.com/martin/aria/pkg/subagent"
	"github.com/martin/aria/pkg/tool"
)

// Daemon owns the assistant runtime: the lane queue, the orchestration
// engine, the scheduler and the channel transports. Everything is built
// in New and torn down in reverse order by Stop.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	registry  *tool.Registry
	provider  llm.Provider
	store     *session.Store
	queue     *lane.Queue
	spawner   *subagent.Spawner
	engine    *orchestrator.Engine
	scheduler *scheduler.Scheduler

	channelReg *channels.Registry
	websocket  *channels.WebSocket

	startTime time.Time
	running   bool
	mu        sync.RWMutex
}

// New creates a daemon instance and wires all collaborators
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	d := &Daemon{
		config:     cfg,
		logger:     log,
		channelReg: channels.NewRegistry(),
	}

	// Tool registry and built-in tools
	d.registry = tool.NewRegistry()
	if err := coretools.Register(d.registry, coretools.Options{
		WorkspaceRoot: cfg.WorkspacePath,
		NotesDir:      filepath.Join(cfg.DataDir, "notes"),
	}); err != nil {
		return nil, fmt.Errorf("failed to register core tools: %w", err)
	}

	// LLM provider
	provider, err := llm.NewProvider(cfg.AI.Provider, cfg.AI.APIKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}
	d.provider = provider

	// Persistent conversation store
	store, err := session.NewStore(filepath.Join(cfg.DataDir, "sessions"))
	if err != nil {
		return nil, fmt.Errorf("failed to create session store: %w", err)
	}
	d.store = store

	// Lane queue
	d.queue = lane.New(lane.Config{
		MaxDepth:       cfg.Lanes.MaxDepth,
		MaxActiveLanes: cfg.Lanes.MaxActiveLanes,
		Logger:         log.GetZerolog(),
	})

	// Agent spawner
	spawner, err := subagent.NewSpawner(subagent.Config{
		Provider:       provider,
		Registry:       d.registry,
		Logger:         log.GetZerolog(),
		Model:          cfg.Assistant.Model,
		Temperature:    cfg.Assistant.Temperature,
		MaxTokens:      cfg.Assistant.MaxTokens,
		DelegationTool: coretools.DelegationToolName,
		ToolTimeout:    cfg.Assistant.ToolTimeoutDuration(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create spawner: %w", err)
	}
	d.spawner = spawner

	// Orchestration engine
	engine, err := orchestrator.NewEngine(orchestrator.Options{
		Provider:  provider,
		Registry:  d.registry,
		Store:     store,
		Delegator: spawner,
		Logger:    log.GetZerolog(),
		Config: orchestrator.Config{
			Model:          cfg.Assistant.Model,
			Temperature:    cfg.Assistant.Temperature,
			MaxTokens:      cfg.Assistant.MaxTokens,
			SystemPrompt:   cfg.Assistant.SystemPrompt,
			MaxIterations:  cfg.Assistant.MaxIterations,
			MaxTools:       cfg.Assistant.MaxTools,
			ToolTimeout:    cfg.Assistant.ToolTimeoutDuration(),
			DelegationTool: coretools.DelegationToolName,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	d.engine = engine

	// Scheduler
	if cfg.Scheduler.Enabled {
		sched, err := scheduler.New(scheduler.Config{
			StorePath:  filepath.Join(cfg.DataDir, "jobs.json"),
			Fire:       d.fireJob,
			Logger:     log.GetZerolog(),
			WatchStore: cfg.Scheduler.WatchStore,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create scheduler: %w", err)
		}
		d.scheduler = sched
	}

	// Channels
	if cfg.Channels.WebSocket.Enabled {
		ws, err := channels.NewWebSocket(channels.WebSocketConfig{
			Addr:         cfg.Channels.WebSocket.Addr,
			SharedSecret: cfg.Channels.WebSocket.SharedSecret,
			Deliver:      d.deliverVia("websocket"),
			Logger:       log.GetZerolog(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create websocket channel: %w", err)
		}
		d.websocket = ws
		if err := d.channelReg.Register(ws); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// Start brings the transports and the scheduler up
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	if d.websocket != nil {
		if err := d.websocket.Start(); err != nil {
			return fmt.Errorf("failed to start websocket channel: %w", err)
		}
	}

	if d.scheduler != nil {
		if err := d.scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	d.logger.Info().Msg("Aria daemon started")
	return nil
}

// Stop tears the daemon down in reverse dependency order: stop admitting
// scheduled fires, drain the lanes, then close the transports.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info().Msg("Shutting down Aria daemon")

	if d.scheduler != nil {
		if err := d.scheduler.Stop(); err != nil {
			d.logger.Error().Err(err).Msg("Scheduler shutdown failed")
		}
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.queue.Close(drainCtx); err != nil {
		d.logger.Warn().Err(err).Msg("Lane queue did not drain cleanly")
	}

	if d.websocket != nil {
		if err := d.websocket.Stop(); err != nil {
			d.logger.Error().Err(err).Msg("WebSocket channel shutdown failed")
		}
	}

	d.logger.Info().Msg("Aria daemon stopped")
	return nil
}

// Run starts the daemon and blocks until SIGINT or SIGTERM
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	d.logger.Info().Str("signal", sig.String()).Msg("Signal received")
	return d.Stop()
}

// Submit enqueues a turn on the user's lane and waits for its reply.
// Lane overflow and shutdown surface as errors for the caller to report.
func (d *Daemon) Submit(ctx context.Context, userID string, turn orchestrator.Turn) (orchestrator.Reply, error) {
	resultCh, err := d.queue.Submit(ctx, userID, func(taskCtx context.Context) (interface{}, error) {
		return d.engine.ProcessTurn(taskCtx, userID, turn)
	})
	if err != nil {
		return orchestrator.Reply{}, err
	}

	select {
	case <-ctx.Done():
		return orchestrator.Reply{}, ctx.Err()
	case result := <-resultCh:
		if result.Err != nil {
			return orchestrator.Reply{}, result.Err
		}
		return result.Value.(orchestrator.Reply), nil
	}
}

// deliverVia builds the ingress callback for one channel: enqueue the
// message, then push the reply back through the same channel.
func (d *Daemon) deliverVia(channel string) channels.DeliverFunc {
	return func(ctx context.Context, userID, text string) error {
		turn := orchestrator.NewUserMessage(text)

		reply, err := d.Submit(ctx, userID, turn)
		if err != nil {
			return err
		}

		if err := d.channelReg.Send(ctx, channel, userID, reply.Text); err != nil {
			d.logger.Warn().Err(err).Str("channel", channel).Str("user", userID).Msg("Failed to deliver reply")
		}
		return nil
	}
}

// fireJob converts a due job into a synthetic turn on the target user's
// lane. It never blocks on turn completion: the scheduler loop must keep
// ticking while slow turns run.
func (d *Daemon) fireJob(job scheduler.Job) {
	turn := orchestrator.NewSystemTrigger(job.ID, job.Payload)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		reply, err := d.Submit(ctx, job.UserID, turn)
		if err != nil {
			d.logger.Warn().Err(err).Str("job", job.ID).Str("user", job.UserID).Msg("Scheduled turn failed")
			return
		}

		if d.websocket != nil {
			if err := d.websocket.Send(ctx, job.UserID, reply.Text); err != nil {
				d.logger.Warn().Err(err).Str("job", job.ID).Msg("Failed to push scheduled reply")
			}
		}
	}()
}

// Scheduler exposes the job scheduler for CLI management commands
func (d *Daemon) Scheduler() *scheduler.Scheduler {
	return d.scheduler
}

// Registry exposes the tool registry
func (d *Daemon) Registry() *tool.Registry {
	return d.registry
}

// Uptime reports how long the daemon has been running
func (d *Daemon) Uptime() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.running {
		return 0
	}
	return time.Since(d.startTime)
}
