package manager

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/harun/npcagent/internal/observability"
	"github.com/harun/npcagent/pkg/agent"
	"github.com/harun/npcagent/pkg/bridge"
	"github.com/harun/npcagent/pkg/lanequeue"
	"github.com/harun/npcagent/pkg/llm"
	"github.com/harun/npcagent/pkg/memory"
	"github.com/harun/npcagent/pkg/perception"
	"github.com/harun/npcagent/pkg/skills"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ConversationLimit caps the messages returned per agent by
// ConversationsForPlayer.
const ConversationLimit = 50

const laneDrainTimeout = 10 * time.Second

var (
	ErrUnknownAgent  = errors.New("unknown agent")
	ErrDuplicateID   = errors.New("agent already registered")
	ErrNotSpawned    = errors.New("agent not spawned yet")
	ErrManagerClosed = errors.New("manager disposed")
)

// Spawner places an agent's entity into the host world and returns the
// entity id plus the capabilities bound to it.
type Spawner interface {
	Spawn(ctx context.Context, cfg agent.Config, mapID string, x, y float64) (entityID string, host skills.Host, err error)
}

// Config holds manager dependencies.
type Config struct {
	Queue  *lanequeue.Queue
	Bridge *bridge.Bridge
	Client llm.Client

	// Store persists memory. Nil keeps memory in process.
	Store  memory.RowStore
	Memory memory.Options

	// DefaultModels fills in definitions without a model block.
	DefaultModels agent.ModelConfig

	Filter      *skills.ContentFilter
	Perception  *perception.Engine
	MaxTokens   int
	Temperature *float64
	Getenv      func(string) string

	FirstIdleDelay time.Duration
	OnResult       func(agentID string, ev agent.Event, res agent.RunResult)

	Logger zerolog.Logger
}

// Instance is one registered agent and its live binding, if any.
type Instance struct {
	config agent.Config
	runner *agent.Runner
	memory memory.Memory

	mu       sync.Mutex
	entityID string
	host     skills.Host
	loaded   bool
}

// Config returns the agent definition.
func (i *Instance) Config() agent.Config { return i.config }

// Runner returns the agent's runner.
func (i *Instance) Runner() *agent.Runner { return i.runner }

// Memory returns the agent's memory.
func (i *Instance) Memory() memory.Memory { return i.memory }

// EntityID returns the bound host entity, or "" when not spawned.
func (i *Instance) EntityID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.entityID
}

func (i *Instance) bound() (string, skills.Host) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.entityID, i.host
}

// ConversationSnapshot is one agent's conversation with a player.
type ConversationSnapshot struct {
	AgentID  string         `json:"agentId"`
	NPCName  string         `json:"npcName"`
	Messages []memory.Entry `json:"messages"`
}

// Manager owns agent definitions, their runners and memories, and their
// bindings into the bridge.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	mu          sync.RWMutex
	agents      map[string]*Instance
	spawnedMaps map[string]bool
	cron        *cron.Cron
	disposed    bool
}

// New creates a manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Queue == nil {
		return nil, errors.New("lane queue is required")
	}
	if cfg.Bridge == nil {
		return nil, errors.New("bridge is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("model client is required")
	}
	if cfg.Filter == nil {
		cfg.Filter = skills.DefaultContentFilter()
	}
	if cfg.Perception == nil {
		cfg.Perception = perception.NewEngine()
	}
	return &Manager{
		cfg:         cfg,
		logger:      cfg.Logger.With().Str("component", "manager").Logger(),
		agents:      make(map[string]*Instance),
		spawnedMaps: make(map[string]bool),
	}, nil
}

// LoadDefinitions registers every valid definition in dir. Invalid files and
// duplicate ids are logged and skipped.
func (m *Manager) LoadDefinitions(ctx context.Context, dir string) (int, error) {
	results, err := ReadDefinitions(dir, m.cfg.DefaultModels)
	if err != nil {
		return 0, err
	}
	if results == nil {
		m.logger.Warn().Str("dir", dir).Msg("Agent definition directory not found")
	}

	loaded := 0
	for _, r := range results {
		if r.Err != nil {
			m.logger.Warn().Err(r.Err).Str("file", r.Path).Msg("Skipping agent definition")
			continue
		}
		if _, err := m.RegisterAgent(ctx, r.Config); err != nil {
			m.logger.Warn().Err(err).Str("file", r.Path).Msg("Skipping agent definition")
			continue
		}
		loaded++
	}
	m.logger.Info().Int("count", loaded).Str("dir", dir).Msg("Agent definitions loaded")
	return loaded, nil
}

// RegisterAgent builds the memory, skill set and runner for cfg. The agent
// stays inert until it is attached to an entity.
func (m *Manager) RegisterAgent(ctx context.Context, cfg agent.Config) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed {
		return nil, ErrManagerClosed
	}
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidDefinition)
	}
	if _, exists := m.agents[cfg.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, cfg.ID)
	}

	inst, err := m.buildInstance(cfg, nil)
	if err != nil {
		return nil, err
	}
	m.agents[cfg.ID] = inst

	m.logger.Info().
		Str("agent_id", cfg.ID).
		Str("name", cfg.Name).
		Strs("skills", cfg.Skills).
		Msg("Agent registered")
	observability.RecordLifecycleAudit(ctx, "register", cfg.ID, map[string]interface{}{
		"name": cfg.Name,
		"map":  cfg.Spawn.Map,
	})
	return inst, nil
}

// buildInstance wires a runner for cfg. A nil mem creates a fresh memory.
func (m *Manager) buildInstance(cfg agent.Config, mem memory.Memory) (*Instance, error) {
	registry := skills.NewRegistry(m.cfg.Logger)
	builtins := skills.Builtins(skills.BuiltinOptions{Filter: m.cfg.Filter, Engine: m.cfg.Perception})
	known := make(map[string]skills.Skill, len(builtins))
	for _, s := range builtins {
		known[s.Name] = s
	}
	for _, name := range cfg.Skills {
		s, ok := known[name]
		if !ok {
			m.logger.Warn().Str("agent_id", cfg.ID).Str("skill", name).Msg("Unknown skill in definition")
			continue
		}
		if err := registry.Register(s); err != nil {
			m.logger.Warn().Err(err).Str("agent_id", cfg.ID).Str("skill", name).Msg("Skill registration failed")
		}
	}

	owned := mem == nil
	if owned {
		memOpts := m.cfg.Memory
		if memOpts.Logger == nil {
			memOpts.Logger = &m.cfg.Logger
		}
		mem = memory.New(cfg.ID, m.cfg.Store, memOpts)
	}

	inst := &Instance{config: cfg, memory: mem}
	runner, err := agent.NewRunner(agent.RunnerConfig{
		Agent:       cfg,
		Skills:      registry,
		Memory:      mem,
		Client:      m.cfg.Client,
		Context:     m.contextProvider(inst),
		Perception:  m.cfg.Perception,
		MaxTokens:   m.cfg.MaxTokens,
		Temperature: m.cfg.Temperature,
		Getenv:      m.cfg.Getenv,
		Logger:      m.cfg.Logger,
	})
	if err != nil {
		if owned {
			_ = mem.Close()
		}
		return nil, fmt.Errorf("build runner for %s: %w", cfg.ID, err)
	}
	inst.runner = runner
	return inst, nil
}

// contextProvider observes the host bound to inst at call time.
func (m *Manager) contextProvider(inst *Instance) agent.ContextProvider {
	return func(ctx context.Context, ev agent.Event) (agent.RunContext, error) {
		_, host := inst.bound()
		if host == nil {
			return agent.RunContext{}, fmt.Errorf("%w: %s", ErrNotSpawned, inst.config.ID)
		}
		observed, err := host.Observe(ctx)
		if err != nil {
			return agent.RunContext{}, fmt.Errorf("observe: %w", err)
		}
		return agent.BuildRunContext(inst.config.ID, ev, observed, host), nil
	}
}

// Attach binds a spawned entity to a registered agent and starts its adapter.
// A previous entity for the same agent is detached first.
func (m *Manager) Attach(entityID, agentID string, host skills.Host) error {
	m.mu.RLock()
	inst, ok := m.agents[agentID]
	disposed := m.disposed
	m.mu.RUnlock()
	if disposed {
		return ErrManagerClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	if owner, ok := m.cfg.Bridge.AgentID(entityID); ok && owner != agentID {
		m.releaseEntity(owner, entityID)
	}

	inst.mu.Lock()
	previous := inst.entityID
	inst.entityID = entityID
	inst.host = host
	inst.mu.Unlock()

	if previous != "" && previous != entityID {
		m.unregisterIfOwned(previous, agentID)
	}

	adapter := bridge.NewAdapter(bridge.AdapterConfig{
		AgentID:        agentID,
		Queue:          m.cfg.Queue,
		Runner:         inst.runner,
		IdleInterval:   inst.config.Behavior.IdleInterval,
		FirstIdleDelay: m.cfg.FirstIdleDelay,
		Init:           m.initFunc(inst),
		OnResult:       m.resultHook(agentID),
		Logger:         &m.cfg.Logger,
	})
	m.cfg.Bridge.RegisterAgent(entityID, agentID, adapter)
	return nil
}

// initFunc loads persisted memory once per instance. Load failures leave the
// agent usable with empty history.
func (m *Manager) initFunc(inst *Instance) bridge.InitFunc {
	return func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		inst.mu.Lock()
		if inst.loaded {
			inst.mu.Unlock()
			return nil
		}
		inst.loaded = true
		inst.mu.Unlock()

		if err := inst.memory.Load(ctx); err != nil {
			m.logger.Warn().Err(err).Str("agent_id", inst.config.ID).Msg("Memory load failed, starting empty")
		}
		return nil
	}
}

func (m *Manager) resultHook(agentID string) func(agent.Event, agent.RunResult) {
	if m.cfg.OnResult == nil {
		return nil
	}
	return func(ev agent.Event, res agent.RunResult) {
		m.cfg.OnResult(agentID, ev, res)
	}
}

// Detach unbinds the entity of agentID. It reports whether a binding existed.
func (m *Manager) Detach(agentID string) bool {
	m.mu.RLock()
	inst, ok := m.agents[agentID]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	inst.mu.Lock()
	entityID := inst.entityID
	inst.entityID = ""
	inst.host = nil
	inst.mu.Unlock()

	if entityID == "" {
		return false
	}
	m.unregisterIfOwned(entityID, agentID)
	return true
}

// releaseEntity clears agentID's binding when it still points at entityID.
// The bridge entry itself is replaced by the caller.
func (m *Manager) releaseEntity(agentID, entityID string) {
	inst, ok := m.Agent(agentID)
	if !ok {
		return
	}
	inst.mu.Lock()
	if inst.entityID == entityID {
		inst.entityID = ""
		inst.host = nil
	}
	inst.mu.Unlock()
	m.logger.Info().Str("agent_id", agentID).Str("entity", entityID).Msg("Entity rebound to another agent")
}

// unregisterIfOwned removes entityID from the bridge only while agentID owns it.
func (m *Manager) unregisterIfOwned(entityID, agentID string) {
	if owner, ok := m.cfg.Bridge.AgentID(entityID); ok && owner == agentID {
		m.cfg.Bridge.UnregisterAgent(entityID)
	}
}

// DetachEntity unbinds whichever agent owns entityID.
func (m *Manager) DetachEntity(entityID string) bool {
	agentID, ok := m.cfg.Bridge.AgentID(entityID)
	if !ok {
		return false
	}
	return m.Detach(agentID)
}

// SpawnAgentsOnMap spawns every unbound agent whose definition targets mapID.
// Each map is populated at most once; later calls return nil.
func (m *Manager) SpawnAgentsOnMap(ctx context.Context, mapID string, spawner Spawner) ([]string, error) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if m.spawnedMaps[mapID] {
		m.mu.Unlock()
		return nil, nil
	}
	m.spawnedMaps[mapID] = true
	var targets []*Instance
	for _, inst := range m.agents {
		if inst.config.Spawn.Map == mapID {
			targets = append(targets, inst)
		}
	}
	m.mu.Unlock()

	sort.Slice(targets, func(a, b int) bool { return targets[a].config.ID < targets[b].config.ID })

	var (
		spawned []string
		errs    []error
	)
	for _, inst := range targets {
		if inst.EntityID() != "" {
			continue
		}
		sp := inst.config.Spawn
		if err := m.spawn(ctx, inst, mapID, sp.X, sp.Y, spawner); err != nil {
			m.logger.Error().Err(err).Str("agent_id", inst.config.ID).Str("map", mapID).Msg("Agent spawn failed")
			errs = append(errs, err)
			continue
		}
		spawned = append(spawned, inst.config.ID)
	}

	m.logger.Info().Str("map", mapID).Int("count", len(spawned)).Msg("Agents spawned on map")
	return spawned, errors.Join(errs...)
}

// SpawnAgentAt spawns agentID at an explicit position, replacing any current
// binding.
func (m *Manager) SpawnAgentAt(ctx context.Context, agentID, mapID string, x, y float64, spawner Spawner) error {
	inst, ok := m.Agent(agentID)
	if !ok {
		m.logger.Warn().Str("agent_id", agentID).Msg("Spawn requested for unknown agent")
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return m.spawn(ctx, inst, mapID, x, y, spawner)
}

func (m *Manager) spawn(ctx context.Context, inst *Instance, mapID string, x, y float64, spawner Spawner) error {
	if spawner == nil {
		return errors.New("spawner is required")
	}
	entityID, host, err := spawner.Spawn(ctx, inst.config, mapID, x, y)
	if err != nil {
		return fmt.Errorf("spawn %s: %w", inst.config.ID, err)
	}
	if err := m.Attach(entityID, inst.config.ID, host); err != nil {
		return err
	}
	m.logger.Info().
		Str("agent_id", inst.config.ID).
		Str("entity", entityID).
		Str("map", mapID).
		Float64("x", x).
		Float64("y", y).
		Msg("Agent spawned")
	observability.RecordLifecycleAudit(ctx, "spawn", inst.config.ID, map[string]interface{}{
		"entity": entityID,
		"map":    mapID,
	})
	return nil
}

// RemoveAgent detaches the agent, flushes and closes its memory, and forgets
// it.
func (m *Manager) RemoveAgent(agentID string) error {
	m.Detach(agentID)
	m.drainLane(agentID)

	m.mu.Lock()
	inst, ok := m.agents[agentID]
	delete(m.agents, agentID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	if err := inst.memory.Close(); err != nil {
		m.logger.Warn().Err(err).Str("agent_id", agentID).Msg("Memory close failed")
		return err
	}
	m.logger.Info().Str("agent_id", agentID).Msg("Agent removed")
	observability.RecordLifecycleAudit(context.Background(), "remove", agentID, nil)
	return nil
}

// drainLane waits for runs already queued for agentID. The adapter is gone
// by now, so a marker task enqueued last settles after all of them.
func (m *Manager) drainLane(agentID string) {
	if !m.cfg.Queue.IsBusy(agentID) && m.cfg.Queue.QueueDepth(agentID) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), laneDrainTimeout)
	defer cancel()
	marker := m.cfg.Queue.Enqueue(ctx, agentID, func(context.Context) (interface{}, error) { return nil, nil })
	if _, err := marker.Wait(ctx); err != nil {
		m.logger.Warn().Err(err).Str("agent_id", agentID).Msg("Agent lane did not drain before removal")
	}
}

// Agent returns the instance registered under agentID.
func (m *Manager) Agent(agentID string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.agents[agentID]
	return inst, ok
}

// AgentIDs returns registered ids in sorted order.
func (m *Manager) AgentIDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// ConversationsForPlayer returns, per agent, the user messages tagged with
// playerID plus every assistant message, capped to the newest
// ConversationLimit. Agents with nothing relevant are omitted.
func (m *Manager) ConversationsForPlayer(playerID string) []ConversationSnapshot {
	var out []ConversationSnapshot
	for _, id := range m.AgentIDs() {
		inst, ok := m.Agent(id)
		if !ok {
			continue
		}
		var relevant []memory.Entry
		for _, e := range inst.memory.All() {
			if (e.Role == memory.RoleUser && e.PlayerID() == playerID) || e.Role == memory.RoleAssistant {
				relevant = append(relevant, e)
			}
		}
		if len(relevant) == 0 {
			continue
		}
		if len(relevant) > ConversationLimit {
			relevant = relevant[len(relevant)-ConversationLimit:]
		}
		out = append(out, ConversationSnapshot{
			AgentID:  id,
			NPCName:  inst.config.Name,
			Messages: relevant,
		})
	}
	return out
}

// Checkpoint flushes every agent's memory concurrently.
func (m *Manager) Checkpoint(ctx context.Context) error {
	m.mu.RLock()
	mems := make([]memory.Memory, 0, len(m.agents))
	for _, inst := range m.agents {
		mems = append(mems, inst.memory)
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, mem := range mems {
		mem := mem
		g.Go(func() error {
			return mem.Save(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// StartCheckpoints runs Checkpoint on a cron schedule until Dispose. An
// empty schedule does nothing.
func (m *Manager) StartCheckpoints(schedule string) error {
	if schedule == "" {
		return nil
	}
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if _, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.Checkpoint(ctx); err != nil {
			m.logger.Error().Err(err).Msg("Scheduled checkpoint failed")
			return
		}
		m.logger.Debug().Msg("Scheduled checkpoint completed")
	}); err != nil {
		return fmt.Errorf("invalid checkpoint schedule %q: %w", schedule, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return ErrManagerClosed
	}
	if m.cron != nil {
		m.cron.Stop()
	}
	m.cron = c
	c.Start()
	m.logger.Info().Str("schedule", schedule).Msg("Memory checkpoints scheduled")
	return nil
}

// ApplyDefinition registers a new agent, or rebuilds an existing one whose
// definition changed. A rebuilt agent keeps its memory and its entity.
func (m *Manager) ApplyDefinition(ctx context.Context, cfg agent.Config) error {
	old, exists := m.Agent(cfg.ID)
	if !exists {
		_, err := m.RegisterAgent(ctx, cfg)
		return err
	}
	if reflect.DeepEqual(old.config, cfg) {
		return nil
	}

	entityID, host := old.bound()
	m.Detach(cfg.ID)

	inst, err := m.buildInstance(cfg, old.memory)
	if err != nil {
		return err
	}
	old.mu.Lock()
	inst.loaded = old.loaded
	old.mu.Unlock()

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	m.agents[cfg.ID] = inst
	m.mu.Unlock()

	m.logger.Info().Str("agent_id", cfg.ID).Msg("Agent definition reloaded")
	if entityID != "" {
		return m.Attach(entityID, cfg.ID, host)
	}
	return nil
}

// Reload re-reads dir and applies every valid definition.
func (m *Manager) Reload(ctx context.Context, dir string) error {
	results, err := ReadDefinitions(dir, m.cfg.DefaultModels)
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.Err != nil {
			m.logger.Warn().Err(r.Err).Str("file", r.Path).Msg("Skipping agent definition")
			continue
		}
		if err := m.ApplyDefinition(ctx, r.Config); err != nil {
			m.logger.Warn().Err(err).Str("agent_id", r.Config.ID).Msg("Agent reload failed")
		}
	}
	return nil
}

// Dispose stops checkpoints, detaches every agent and closes every memory.
// Later calls do nothing.
func (m *Manager) Dispose() error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil
	}
	m.disposed = true
	c := m.cron
	m.cron = nil
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}

	var errs []error
	for _, id := range ids {
		if err := m.RemoveAgent(id); err != nil && !errors.Is(err, ErrUnknownAgent) {
			errs = append(errs, err)
		}
	}
	m.logger.Info().Int("agents", len(ids)).Msg("Manager disposed")
	return errors.Join(errs...)
}
