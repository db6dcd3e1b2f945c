package daemon

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/npcagent/internal/config"
	"github.com/harun/npcagent/internal/logger"
	"github.com/harun/npcagent/internal/observability"
	"github.com/harun/npcagent/internal/tracing"
	"github.com/harun/npcagent/pkg/agent"
	"github.com/harun/npcagent/pkg/bridge"
	"github.com/harun/npcagent/pkg/gateway"
	"github.com/harun/npcagent/pkg/lanequeue"
	"github.com/harun/npcagent/pkg/llm"
	"github.com/harun/npcagent/pkg/manager"
	"github.com/harun/npcagent/pkg/memory"
	"github.com/harun/npcagent/pkg/store"
)

// drainTimeout bounds how long Stop waits for in-flight runs.
const drainTimeout = 10 * time.Second

// Daemon wires configuration into a running agent service.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	db        *store.SQLite
	players   *store.PlayerStateStore
	client    llm.Client
	queue     *lanequeue.Queue
	bridge    *bridge.Bridge
	manager   *manager.Manager
	gateway   *gateway.Server
	watcher   *manager.DefinitionWatcher
	lifecycle *LifecycleManager

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running   bool          `json:"running"`
	StartTime time.Time     `json:"start_time"`
	Uptime    time.Duration `json:"uptime"`
	Agents    int           `json:"agents"`
	Spawned   int           `json:"spawned"`
}

// Option customizes New.
type Option func(*options)

type options struct {
	pidFile string
	client  llm.Client
}

// WithPIDFile writes the process id to path while running.
func WithPIDFile(path string) Option {
	return func(o *options) { o.pidFile = path }
}

// WithModelClient replaces the provider client built from config.
func WithModelClient(c llm.Client) Option {
	return func(o *options) { o.client = c }
}

// New creates a daemon. Nothing listens or spawns until Start.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	observability.EnsureRegistered()
	d := &Daemon{
		config: cfg,
		logger: log,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Msg("Tracing initialized successfully")
		}
	}

	if err := d.initialize(o); err != nil {
		d.release()
		return nil, err
	}
	d.lifecycle = NewLifecycleManager(d, o.pidFile)
	return d, nil
}

func (d *Daemon) initialize(o options) error {
	cfg := d.config
	base := d.logger.GetZerolog()

	if cfg.Audit.File != "" {
		if err := observability.InitAuditLogger(cfg.Audit.File); err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
	}

	if cfg.Store.Path != "" {
		db, err := store.Open(cfg.Store.Path, d.logger.Component("store"))
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		d.db = db
	}
	d.players = store.NewPlayerStateStore(d.db)

	d.client = o.client
	if d.client == nil {
		client, err := llm.NewClient(llm.Config{
			Provider: cfg.LLM.Provider,
			APIKey:   cfg.LLM.APIKey,
			BaseURL:  cfg.LLM.BaseURL,
			Timeout:  cfg.LLM.Timeout(),
			Logger:   &base,
		})
		if err != nil {
			return fmt.Errorf("failed to create model client: %w", err)
		}
		d.client = client
	}

	d.queue = lanequeue.New(lanequeue.WithLogger(base))
	d.bridge = bridge.New(base)

	var rowStore memory.RowStore
	if d.db != nil {
		rowStore = d.db
	}
	mgr, err := manager.New(manager.Config{
		Queue:  d.queue,
		Bridge: d.bridge,
		Client: d.client,
		Store:  rowStore,
		Memory: memory.Options{
			MaxMessages:   cfg.Memory.MaxMessages,
			FlushInterval: cfg.Memory.FlushInterval(),
		},
		DefaultModels: agent.ModelConfig{
			Idle:         cfg.LLM.IdleModel,
			Conversation: cfg.LLM.ConversationModel,
		},
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: &cfg.LLM.Temperature,
		OnResult:    d.publishResult,
		Logger:      base,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent manager: %w", err)
	}
	d.manager = mgr

	if cfg.Gateway.Enabled {
		gw, err := gateway.NewServer(gateway.Config{
			Addr:         cfg.Gateway.Addr(),
			SharedSecret: cfg.Gateway.SharedSecret,
			Agents:       d.manager,
			Bridge:       d.bridge,
			Players:      d.players,
			Logger:       base,
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway: %w", err)
		}
		d.gateway = gw
	}
	return nil
}

func (d *Daemon) publishResult(agentID string, ev agent.Event, res agent.RunResult) {
	if d.gateway != nil {
		d.gateway.PublishResult(agentID, ev, res)
	}
}

// Start loads agent definitions and opens the host link.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	ctx := tracing.WithTraceID(context.Background(), tracing.NewTraceID())
	logger := tracing.LoggerFromContext(ctx, d.logger.GetZerolog())
	logger.Info().Msg("Starting npcagent daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	n, err := d.manager.LoadDefinitions(ctx, d.config.Agents.Dir)
	if err != nil {
		return fmt.Errorf("failed to load agent definitions: %w", err)
	}
	logger.Info().Int("agents", n).Msg("Agents registered")

	if err := d.manager.StartCheckpoints(d.config.Memory.CheckpointSchedule); err != nil {
		return err
	}

	if d.config.Agents.Watch {
		w, err := manager.WatchDefinitions(d.manager, d.config.Agents.Dir, 0)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to watch agent definitions")
		} else {
			d.watcher = w
			logger.Info().Str("dir", d.config.Agents.Dir).Msg("Watching agent definitions")
		}
	}

	if d.gateway != nil {
		if err := d.gateway.Start(); err != nil {
			return fmt.Errorf("failed to start gateway server: %w", err)
		}
		logger.Info().Str("addr", d.gateway.Addr()).Msg("Gateway server started")
	}

	logger.Info().Msg("Daemon started")
	return nil
}

// Stop closes the host link, drains runs, flushes memory and releases
// resources.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	ctx := tracing.WithTraceID(context.Background(), tracing.NewTraceID())
	logger := tracing.LoggerFromContext(ctx, d.logger.GetZerolog())
	logger.Info().Msg("Stopping npcagent daemon")

	if d.gateway != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := d.gateway.Stop(stopCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop gateway server")
		}
		cancel()
	}

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop definition watcher")
		}
	}

	d.bridge.Dispose()

	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	if err := d.queue.WaitForIdle(drainCtx); err != nil {
		logger.Warn().Err(err).Msg("Timed out waiting for agent runs")
	}
	cancel()

	d.release()

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	logger.Info().Msg("Daemon stopped")
	return nil
}

// release closes everything New created. Safe on a partly built daemon.
func (d *Daemon) release() {
	log := d.logger.GetZerolog()

	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close lane queue")
		}
	}
	if d.manager != nil {
		if err := d.manager.Dispose(); err != nil {
			log.Error().Err(err).Msg("Failed to dispose agent manager")
		}
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close store")
		}
	}
	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}
	if err := observability.GetAuditLogger().Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close audit logger")
	}
}

// Status returns the daemon status.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
		Agents:  len(d.manager.AgentIDs()),
		Spawned: d.bridge.Len(),
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, or until ctx ends, then stops the
// daemon.
func (d *Daemon) Wait(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	d.logger.Info().Msg("Shutdown requested")
	return d.Stop()
}

func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

func (d *Daemon) GetManager() *manager.Manager {
	return d.manager
}

func (d *Daemon) GetBridge() *bridge.Bridge {
	return d.bridge
}

// GetGateway returns the host link, or nil when disabled.
func (d *Daemon) GetGateway() *gateway.Server {
	return d.gateway
}
