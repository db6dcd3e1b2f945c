package skills

import (
	"context"

	"github.com/harun/npcagent/pkg/perception"
)

// Machine-readable result codes.
const (
	CodeSkillNotFound  = "skill_not_found"
	CodeInvalidParams  = "invalid_params"
	CodeExecutionError = "execution_error"
	CodeContentPolicy  = "content_policy"
	CodeNoTarget       = "no_target"
	CodeBlocked        = "blocked"
)

// Parameter describes one skill argument. Parameters are required unless
// Optional is set.
type Parameter struct {
	Type        string        `json:"type" yaml:"type"` // string, number, integer, boolean
	Description string        `json:"description,omitempty" yaml:"description"`
	Enum        []interface{} `json:"enum,omitempty" yaml:"enum"`
	Optional    bool          `json:"-" yaml:"optional"`
	Default     interface{}   `json:"default,omitempty" yaml:"default"`
}

// ExecuteFunc performs a skill. Implementations report failures through the
// returned Result rather than panicking.
type ExecuteFunc func(ctx context.Context, params map[string]interface{}, gc *GameContext) Result

// Skill is a named command the model may request.
type Skill struct {
	Name        string
	Description string
	Parameters  map[string]Parameter
	Execute     ExecuteFunc
}

// Result is the outcome of one skill invocation. Message is fed back to the
// model; Data stays internal.
type Result struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message"`
	Error   string                 `json:"error,omitempty"`
	Data    map[string]interface{} `json:"-"`
}

func ok(message string) Result {
	return Result{Success: true, Message: message}
}

func fail(code, message string) Result {
	return Result{Success: false, Message: message, Error: code}
}

type SpeechMode string

const (
	SpeechModal  SpeechMode = "modal"
	SpeechBubble SpeechMode = "bubble"
)

// SpeechRequest asks the host to show speech from the agent. Bubble speech
// has no target.
type SpeechRequest struct {
	Message    string     `json:"message"`
	Mode       SpeechMode `json:"mode"`
	TargetID   string     `json:"target_id,omitempty"`
	TargetName string     `json:"target_name,omitempty"`
}

type MoveDirection string

const (
	MoveUp    MoveDirection = "up"
	MoveDown  MoveDirection = "down"
	MoveLeft  MoveDirection = "left"
	MoveRight MoveDirection = "right"
)

// Host is the set of capabilities the host simulation exposes for one agent
// entity.
type Host interface {
	// Move steps one tile. It reports false when the tile is blocked.
	Move(ctx context.Context, dir MoveDirection) (bool, error)
	Speak(ctx context.Context, req SpeechRequest) error
	Emote(ctx context.Context, action string) error
	// Observe reads live surroundings for a fresh perception pass.
	Observe(ctx context.Context) (perception.Context, error)
}

// NearbyPlayer is a player near the agent, closest first.
type NearbyPlayer struct {
	ID       string
	Name     string
	Distance int
}

// GameContext is the live host state a skill runs against.
type GameContext struct {
	AgentID           string
	Host              Host
	Position          perception.Position
	Map               perception.MapInfo
	NearbyPlayers     []NearbyPlayer
	DefaultSpeechMode SpeechMode
	// Perception is the context the current run was built from.
	Perception perception.Context
}
