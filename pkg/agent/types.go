package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/npcagent/pkg/llm"
	"github.com/harun/npcagent/pkg/perception"
	"github.com/harun/npcagent/pkg/skills"
)

// EventKind is the closed set of triggers an agent reacts to.
type EventKind int

const (
	EventPlayerAction EventKind = iota + 1
	EventPlayerProximity
	EventPlayerLeave
	EventIdleTick
)

func (k EventKind) String() string {
	switch k {
	case EventPlayerAction:
		return "player_action"
	case EventPlayerProximity:
		return "player_proximity"
	case EventPlayerLeave:
		return "player_leave"
	case EventIdleTick:
		return "idle_tick"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// ParseEventKind is the inverse of EventKind.String.
func ParseEventKind(s string) (EventKind, error) {
	switch s {
	case "player_action":
		return EventPlayerAction, nil
	case "player_proximity":
		return EventPlayerProximity, nil
	case "player_leave":
		return EventPlayerLeave, nil
	case "idle_tick":
		return EventIdleTick, nil
	default:
		return 0, fmt.Errorf("unknown event kind: %q", s)
	}
}

// PlayerSnapshot is a plain copy of the player that caused an event.
type PlayerSnapshot struct {
	ID       string              `json:"id"`
	Name     string              `json:"name"`
	Position perception.Position `json:"position"`
}

// Event is one normalized trigger.
type Event struct {
	Kind      EventKind       `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Player    *PlayerSnapshot `json:"player,omitempty"`
}

// ModelConfig names the model used per event tier.
type ModelConfig struct {
	Idle         string `json:"idle" yaml:"idle"`
	Conversation string `json:"conversation" yaml:"conversation"`
}

type SpawnConfig struct {
	Map string  `json:"map" yaml:"map"`
	X   float64 `json:"x" yaml:"x"`
	Y   float64 `json:"y" yaml:"y"`
}

type BehaviorConfig struct {
	IdleInterval     time.Duration `json:"idle_interval"`
	PatrolRadius     int           `json:"patrol_radius"`
	GreetOnProximity bool          `json:"greet_on_proximity"`
}

// Config is an agent definition. It is never mutated after loading.
type Config struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Graphic     string         `json:"graphic"`
	Personality string         `json:"personality"`
	Model       ModelConfig    `json:"model"`
	Skills      []string       `json:"skills"`
	Spawn       SpawnConfig    `json:"spawn"`
	Behavior    BehaviorConfig `json:"behavior"`
}

// HasSkill reports whether name is in the allowed skill list.
func (c Config) HasSkill(name string) bool {
	for _, s := range c.Skills {
		if s == name {
			return true
		}
	}
	return false
}

// RunContext is the live state one run works against.
type RunContext struct {
	Perception perception.Context
	Game       skills.GameContext
}

// ContextProvider builds a fresh RunContext for ev.
type ContextProvider func(ctx context.Context, ev Event) (RunContext, error)

// SkillInvocation records one skill executed during a run.
type SkillInvocation struct {
	Name   string                 `json:"name"`
	Params map[string]interface{} `json:"params"`
	Result skills.Result          `json:"result"`
}

// RunResult is the outcome of one run.
type RunResult struct {
	Text      string            `json:"text"`
	Skills    []SkillInvocation `json:"skills"`
	Duration  time.Duration     `json:"duration"`
	Usage     llm.Usage         `json:"usage"`
	ToolTurns int               `json:"tool_turns"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
}
