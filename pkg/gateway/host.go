package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/npcagent/pkg/agent"
	"github.com/harun/npcagent/pkg/perception"
	"github.com/harun/npcagent/pkg/skills"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const DefaultAckTimeout = 2 * time.Second

var ErrNoState = errors.New("no state reported for entity")

type ackResult struct {
	ok  bool
	err string
}

// commandHub sends commands and matches acks to them.
type commandHub struct {
	broadcaster *Broadcaster
	ackTimeout  time.Duration

	mu      sync.Mutex
	pending map[string]chan ackResult
	states  map[string]EntityState
}

func newCommandHub(b *Broadcaster, ackTimeout time.Duration) *commandHub {
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	return &commandHub{
		broadcaster: b,
		ackTimeout:  ackTimeout,
		pending:     make(map[string]chan ackResult),
		states:      make(map[string]EntityState),
	}
}

func (h *commandHub) send(entityID, skill string, params map[string]interface{}) error {
	id, err := gonanoid.New()
	if err != nil {
		return err
	}
	return h.broadcaster.SendCommand(CommandFrame{ID: id, Entity: entityID, Skill: skill, Params: params})
}

// request sends a command and waits for its ack.
func (h *commandHub) request(ctx context.Context, entityID, skill string, params map[string]interface{}) (bool, error) {
	id, err := gonanoid.New()
	if err != nil {
		return false, err
	}
	ch := make(chan ackResult, 1)
	h.mu.Lock()
	h.pending[id] = ch
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
	}()

	if err := h.broadcaster.SendCommand(CommandFrame{ID: id, Entity: entityID, Skill: skill, Params: params}); err != nil {
		return false, err
	}

	timer := time.NewTimer(h.ackTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != "" {
			return false, errors.New(res.err)
		}
		return res.ok, nil
	case <-timer.C:
		return false, fmt.Errorf("%s on %s: no ack within %s", skill, entityID, h.ackTimeout)
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// ack resolves a pending request. Unknown ids are ignored.
func (h *commandHub) ack(id string, ok bool, errMsg string) bool {
	h.mu.Lock()
	ch, exists := h.pending[id]
	h.mu.Unlock()
	if !exists {
		return false
	}
	select {
	case ch <- ackResult{ok: ok, err: errMsg}:
	default:
	}
	return true
}

func (h *commandHub) setState(entityID string, st EntityState) {
	h.mu.Lock()
	h.states[entityID] = st
	h.mu.Unlock()
}

func (h *commandHub) dropState(entityID string) {
	h.mu.Lock()
	delete(h.states, entityID)
	h.mu.Unlock()
}

func (h *commandHub) state(entityID string) (EntityState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.states[entityID]
	return st, ok
}

// EntityHost drives one agent entity through the connected host.
type EntityHost struct {
	entityID string
	hub      *commandHub
}

var _ skills.Host = (*EntityHost)(nil)

// EntityID returns the host entity this handle drives.
func (e *EntityHost) EntityID() string {
	return e.entityID
}

// Move asks the host to step one tile and waits for the outcome.
func (e *EntityHost) Move(ctx context.Context, dir skills.MoveDirection) (bool, error) {
	return e.hub.request(ctx, e.entityID, "move", map[string]interface{}{"direction": string(dir)})
}

func (e *EntityHost) Speak(ctx context.Context, req skills.SpeechRequest) error {
	params := map[string]interface{}{
		"message": req.Message,
		"mode":    string(req.Mode),
	}
	if req.TargetID != "" {
		params["target_id"] = req.TargetID
		params["target_name"] = req.TargetName
	}
	return e.hub.send(e.entityID, "say", params)
}

func (e *EntityHost) Emote(ctx context.Context, action string) error {
	return e.hub.send(e.entityID, "emote", map[string]interface{}{"action": action})
}

// Observe returns the latest state the host reported for the entity.
func (e *EntityHost) Observe(ctx context.Context) (perception.Context, error) {
	st, ok := e.hub.state(e.entityID)
	if !ok {
		return perception.Context{}, fmt.Errorf("%w: %s", ErrNoState, e.entityID)
	}
	pc := perception.Context{
		Position: st.Position,
		Map:      st.Map,
	}
	// Hosts may list the NPC itself under its entity id.
	for _, ent := range st.Entities {
		if ent.ID == e.entityID {
			continue
		}
		pc.Entities = append(pc.Entities, ent)
	}
	return pc, nil
}

// Spawn asks the host to create an entity for cfg. The entity id is chosen
// here so the agent can be attached before the host confirms.
func (s *Server) Spawn(ctx context.Context, cfg agent.Config, mapID string, x, y float64) (string, skills.Host, error) {
	entityID, err := gonanoid.New()
	if err != nil {
		return "", nil, err
	}
	entityID = "npc-" + entityID

	err = s.hub.send(entityID, "spawn", map[string]interface{}{
		"agent_id": cfg.ID,
		"name":     cfg.Name,
		"graphic":  cfg.Graphic,
		"map":      mapID,
		"x":        x,
		"y":        y,
	})
	if err != nil {
		return "", nil, fmt.Errorf("spawn %s: %w", cfg.ID, err)
	}
	s.hub.setState(entityID, EntityState{
		Map:      perception.MapInfo{ID: mapID},
		Position: perception.Position{X: x, Y: y},
	})
	return entityID, s.HostFor(entityID), nil
}

// HostFor returns the Host handle for entityID.
func (s *Server) HostFor(entityID string) *EntityHost {
	return &EntityHost{entityID: entityID, hub: s.hub}
}
