package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/npcagent/internal/tracing"
	"github.com/harun/npcagent/pkg/agent"
	"github.com/harun/npcagent/pkg/lanequeue"
	"github.com/harun/npcagent/pkg/perception"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultIdleInterval   = 15000 * time.Millisecond
	DefaultFirstIdleDelay = 3000 * time.Millisecond

	defaultPlayerName = "Player"
)

// Player is the host's view of a player at trigger time.
type Player struct {
	ID       string              `json:"id"`
	Name     string              `json:"name"`
	Position perception.Position `json:"position"`
}

func (p Player) snapshot() *agent.PlayerSnapshot {
	name := p.Name
	if name == "" {
		name = defaultPlayerName
	}
	return &agent.PlayerSnapshot{ID: p.ID, Name: name, Position: p.Position}
}

// Runner executes one event for an agent.
type Runner interface {
	Run(ctx context.Context, ev agent.Event) agent.RunResult
}

// Channel receives host triggers for one agent.
type Channel interface {
	Start()
	OnPlayerAction(p Player) *lanequeue.Completion
	OnPlayerProximity(p Player) *lanequeue.Completion
	OnPlayerLeave(p Player) *lanequeue.Completion
	OnIdleTick() *lanequeue.Completion
	Dispose()
}

// InitState tracks an adapter's initialization.
type InitState int32

const (
	StateUninitialized InitState = iota
	StateReady
	StateFailed
)

func (s InitState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("InitState(%d)", int32(s))
	}
}

// InitFunc prepares an agent before its first event. It runs on the agent's
// lane, ahead of any trigger.
type InitFunc func(ctx context.Context) error

// AdapterConfig configures an Adapter.
type AdapterConfig struct {
	AgentID string
	Queue   *lanequeue.Queue
	Runner  Runner

	IdleInterval   time.Duration
	FirstIdleDelay time.Duration
	// Init, when set, must succeed before triggers are accepted.
	Init InitFunc
	// OnResult observes every finished run.
	OnResult func(ev agent.Event, res agent.RunResult)
	Logger   *zerolog.Logger
}

// Adapter normalizes host triggers into agent events and runs them on the
// agent's lane. It owns the idle tick timer.
type Adapter struct {
	agentID        string
	queue          *lanequeue.Queue
	runner         Runner
	idleInterval   time.Duration
	firstIdleDelay time.Duration
	init           InitFunc
	onResult       func(agent.Event, agent.RunResult)
	logger         zerolog.Logger

	mu       sync.Mutex
	state    InitState
	started  bool
	disposed bool

	stop        chan struct{}
	done        chan struct{}
	disposeOnce sync.Once
}

var _ Channel = (*Adapter)(nil)

// NewAdapter creates an adapter. Start must be called before it accepts
// triggers.
func NewAdapter(cfg AdapterConfig) *Adapter {
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultIdleInterval
	}
	if cfg.FirstIdleDelay <= 0 {
		cfg.FirstIdleDelay = DefaultFirstIdleDelay
	}
	base := log.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}
	return &Adapter{
		agentID:        cfg.AgentID,
		queue:          cfg.Queue,
		runner:         cfg.Runner,
		idleInterval:   cfg.IdleInterval,
		firstIdleDelay: cfg.FirstIdleDelay,
		init:           cfg.Init,
		onResult:       cfg.OnResult,
		logger:         base.With().Str("component", "adapter").Str("agent_id", cfg.AgentID).Logger(),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// AgentID returns the lane key this adapter feeds.
func (a *Adapter) AgentID() string {
	return a.agentID
}

// State returns the initialization state.
func (a *Adapter) State() InitState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Start runs initialization and starts the idle timer. Calls after the first,
// or after Dispose, do nothing.
func (a *Adapter) Start() {
	a.mu.Lock()
	if a.disposed || a.started {
		a.mu.Unlock()
		return
	}
	a.started = true
	if a.init == nil {
		a.state = StateReady
	} else {
		a.enqueueInitLocked()
	}
	a.mu.Unlock()

	go a.idleLoop()
	a.logger.Debug().
		Dur("first_idle", a.firstIdleDelay).
		Dur("idle_interval", a.idleInterval).
		Msg("Adapter started")
}

func (a *Adapter) enqueueInitLocked() {
	init := a.init
	ctx := tracing.NewAgentRunContext(context.Background(), a.agentID)
	a.queue.Enqueue(ctx, a.agentID, func(ctx context.Context) (interface{}, error) {
		state := StateFailed
		defer func() {
			a.mu.Lock()
			a.state = state
			a.mu.Unlock()
		}()

		if err := init(ctx); err != nil {
			a.logger.Error().Err(err).Msg("Agent initialization failed")
			return nil, err
		}
		state = StateReady
		a.logger.Debug().Msg("Agent ready")
		return nil, nil
	})
}

func (a *Adapter) idleLoop() {
	defer close(a.done)

	first := time.NewTimer(a.firstIdleDelay)
	defer first.Stop()
	ticker := time.NewTicker(a.idleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-first.C:
			a.OnIdleTick()
		case <-ticker.C:
			a.OnIdleTick()
		case <-a.stop:
			return
		}
	}
}

func (a *Adapter) OnPlayerAction(p Player) *lanequeue.Completion {
	return a.enqueue(agent.Event{Kind: agent.EventPlayerAction, Timestamp: time.Now(), Player: p.snapshot()})
}

func (a *Adapter) OnPlayerProximity(p Player) *lanequeue.Completion {
	return a.enqueue(agent.Event{Kind: agent.EventPlayerProximity, Timestamp: time.Now(), Player: p.snapshot()})
}

func (a *Adapter) OnPlayerLeave(p Player) *lanequeue.Completion {
	return a.enqueue(agent.Event{Kind: agent.EventPlayerLeave, Timestamp: time.Now(), Player: p.snapshot()})
}

func (a *Adapter) OnIdleTick() *lanequeue.Completion {
	return a.enqueue(agent.Event{Kind: agent.EventIdleTick, Timestamp: time.Now()})
}

// Dispose stops the idle timer and makes every trigger a no-op. Safe to call
// more than once.
func (a *Adapter) Dispose() {
	a.disposeOnce.Do(func() {
		a.mu.Lock()
		a.disposed = true
		started := a.started
		a.mu.Unlock()

		close(a.stop)
		if started {
			<-a.done
		}
		a.logger.Debug().Msg("Adapter disposed")
	})
}

// enqueue submits a run for ev. It returns nil when the adapter is disposed
// or not ready. The disposed check and the enqueue happen under one lock, so
// nothing is enqueued once Dispose has returned.
func (a *Adapter) enqueue(ev agent.Event) *lanequeue.Completion {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.disposed {
		return nil
	}
	if a.state != StateReady {
		a.logger.Debug().Str("event", ev.Kind.String()).Str("state", a.state.String()).Msg("Dropping event, agent not ready")
		return nil
	}

	ctx := tracing.NewAgentRunContext(context.Background(), a.agentID)
	a.logger.Debug().Str("event", ev.Kind.String()).Msg("Enqueueing run")

	return a.queue.Enqueue(ctx, a.agentID, func(ctx context.Context) (interface{}, error) {
		res := a.runner.Run(ctx, ev)
		a.report(ctx, ev, res)
		return res, nil
	})
}

func (a *Adapter) report(ctx context.Context, ev agent.Event, res agent.RunResult) {
	logger := tracing.LoggerFromContext(ctx, a.logger).With().Str("event", ev.Kind.String()).Logger()

	entry := logger.Info()
	if !res.Success {
		entry = logger.Warn().Str("error", res.Error)
	}
	entry.Bool("success", res.Success).Dur("duration", res.Duration).Str("text", res.Text).Msg("Run finished")

	for _, s := range res.Skills {
		logger.Debug().
			Str("skill", s.Name).
			Bool("success", s.Result.Success).
			Str("message", s.Result.Message).
			Msg("Skill effect")
	}

	if a.onResult != nil {
		a.onResult(ev, res)
	}
}

type noopChannel struct{}

func (noopChannel) Start()                                         {}
func (noopChannel) OnPlayerAction(Player) *lanequeue.Completion    { return nil }
func (noopChannel) OnPlayerProximity(Player) *lanequeue.Completion { return nil }
func (noopChannel) OnPlayerLeave(Player) *lanequeue.Completion     { return nil }
func (noopChannel) OnIdleTick() *lanequeue.Completion              { return nil }
func (noopChannel) Dispose()                                       {}
