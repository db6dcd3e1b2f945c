package bridge

import (
	"sync"

	"github.com/harun/npcagent/internal/observability"
	"github.com/harun/npcagent/pkg/agent"
	"github.com/harun/npcagent/pkg/lanequeue"
	"github.com/rs/zerolog"
)

type registration struct {
	agentID string
	channel Channel
}

// Bridge maps live host entities to their agent channel.
type Bridge struct {
	mu      sync.RWMutex
	entries map[string]registration
	logger  zerolog.Logger
}

// New creates an empty bridge.
func New(logger zerolog.Logger) *Bridge {
	observability.EnsureRegistered()
	return &Bridge{
		entries: make(map[string]registration),
		logger:  logger.With().Str("component", "bridge").Logger(),
	}
}

// RegisterAgent binds entityID to agentID and starts ch. An existing binding
// for the entity is disposed first. A nil ch installs a no-op channel.
func (b *Bridge) RegisterAgent(entityID, agentID string, ch Channel) {
	if ch == nil {
		b.logger.Warn().Str("entity", entityID).Str("agent_id", agentID).Msg("Registering agent without adapter")
		ch = noopChannel{}
	}

	b.mu.Lock()
	old, exists := b.entries[entityID]
	b.entries[entityID] = registration{agentID: agentID, channel: ch}
	count := len(b.entries)
	b.mu.Unlock()

	if exists {
		b.logger.Warn().Str("entity", entityID).Str("previous_agent_id", old.agentID).Msg("Entity already registered, replacing")
		old.channel.Dispose()
	}
	ch.Start()

	observability.SetAgentsRegistered(count)
	b.logger.Info().Str("entity", entityID).Str("agent_id", agentID).Msg("Agent registered")
}

// UnregisterAgent disposes and removes the binding. Unknown entities are
// ignored.
func (b *Bridge) UnregisterAgent(entityID string) {
	b.mu.Lock()
	reg, ok := b.entries[entityID]
	delete(b.entries, entityID)
	count := len(b.entries)
	b.mu.Unlock()

	if !ok {
		return
	}
	reg.channel.Dispose()
	observability.SetAgentsRegistered(count)
	b.logger.Info().Str("entity", entityID).Str("agent_id", reg.agentID).Msg("Agent unregistered")
}

// AgentID returns the agent bound to entityID.
func (b *Bridge) AgentID(entityID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	reg, ok := b.entries[entityID]
	return reg.agentID, ok
}

// EntityFor returns the entity bound to agentID.
func (b *Bridge) EntityFor(agentID string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for entity, reg := range b.entries {
		if reg.agentID == agentID {
			return entity, true
		}
	}
	return "", false
}

// Len returns the number of bound entities.
func (b *Bridge) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

func (b *Bridge) lookup(entityID, route string) (registration, bool) {
	b.mu.RLock()
	reg, ok := b.entries[entityID]
	b.mu.RUnlock()
	if !ok {
		b.logger.Warn().Str("entity", entityID).Str("route", route).Msg("No agent registered for entity")
	}
	return reg, ok
}

func (b *Bridge) HandlePlayerAction(entityID string, p Player) *lanequeue.Completion {
	reg, ok := b.lookup(entityID, "action")
	if !ok {
		return nil
	}
	return reg.channel.OnPlayerAction(p)
}

func (b *Bridge) HandlePlayerProximity(entityID string, p Player) *lanequeue.Completion {
	reg, ok := b.lookup(entityID, "proximity")
	if !ok {
		return nil
	}
	return reg.channel.OnPlayerProximity(p)
}

func (b *Bridge) HandlePlayerLeave(entityID string, p Player) *lanequeue.Completion {
	reg, ok := b.lookup(entityID, "leave")
	if !ok {
		return nil
	}
	return reg.channel.OnPlayerLeave(p)
}

// HandleEvent routes an already normalized event. Player events without a
// player are dropped.
func (b *Bridge) HandleEvent(entityID string, ev agent.Event) *lanequeue.Completion {
	reg, ok := b.lookup(entityID, ev.Kind.String())
	if !ok {
		return nil
	}

	var p Player
	if ev.Player != nil {
		p = Player{ID: ev.Player.ID, Name: ev.Player.Name, Position: ev.Player.Position}
	}

	switch ev.Kind {
	case agent.EventIdleTick:
		return reg.channel.OnIdleTick()
	case agent.EventPlayerAction, agent.EventPlayerProximity, agent.EventPlayerLeave:
		if ev.Player == nil {
			b.logger.Warn().Str("entity", entityID).Str("event", ev.Kind.String()).Msg("Player event without player")
			return nil
		}
		switch ev.Kind {
		case agent.EventPlayerAction:
			return reg.channel.OnPlayerAction(p)
		case agent.EventPlayerProximity:
			return reg.channel.OnPlayerProximity(p)
		default:
			return reg.channel.OnPlayerLeave(p)
		}
	default:
		b.logger.Warn().Str("entity", entityID).Str("event", ev.Kind.String()).Msg("Unhandled event kind")
		return nil
	}
}

// Dispose tears down every binding. Safe to call more than once.
func (b *Bridge) Dispose() {
	b.mu.Lock()
	entries := b.entries
	b.entries = make(map[string]registration)
	b.mu.Unlock()

	if len(entries) > 0 {
		b.logger.Info().Int("agents", len(entries)).Msg("Disposing all agents")
	}
	for _, reg := range entries {
		reg.channel.Dispose()
	}
	observability.SetAgentsRegistered(0)
}
