package skills

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/npcagent/pkg/perception"
)

// DefaultSkillNames is the skill set an agent gets when its definition lists none.
var DefaultSkillNames = []string{"move", "say", "look", "emote", "wait"}

const (
	DefaultWaitDuration = 2000 * time.Millisecond
	MaxWaitDuration     = 10000 * time.Millisecond
)

// BuiltinOptions configures the built-in skill set.
type BuiltinOptions struct {
	// Filter screens speech. Nil uses DefaultContentFilter.
	Filter *ContentFilter
	// Engine renders look results. Nil uses a default engine.
	Engine *perception.Engine
}

// Builtins returns move, say, look, emote and wait.
func Builtins(opts BuiltinOptions) []Skill {
	if opts.Filter == nil {
		opts.Filter = DefaultContentFilter()
	}
	if opts.Engine == nil {
		opts.Engine = perception.NewEngine()
	}
	return []Skill{
		Move(),
		Say(opts.Filter),
		Look(opts.Engine),
		Emote(),
		Wait(),
	}
}

// RegisterBuiltins registers Builtins(opts) on r.
func RegisterBuiltins(r *Registry, opts BuiltinOptions) error {
	for _, s := range Builtins(opts) {
		if err := r.Register(s); err != nil {
			return err
		}
	}
	return nil
}

var compass = map[MoveDirection]string{
	MoveUp:    "north",
	MoveDown:  "south",
	MoveLeft:  "west",
	MoveRight: "east",
}

func Move() Skill {
	return Skill{
		Name:        "move",
		Description: "Move one tile in a direction (up, down, left, right)",
		Parameters: map[string]Parameter{
			"direction": {
				Type:        "string",
				Description: "Direction to move",
				Enum:        []interface{}{"up", "down", "left", "right"},
			},
		},
		Execute: func(ctx context.Context, params map[string]interface{}, gc *GameContext) Result {
			dir := MoveDirection(fmt.Sprint(params["direction"]))
			if gc.Host == nil {
				return fail(CodeExecutionError, "Move failed: no host entity")
			}
			moved, err := gc.Host.Move(ctx, dir)
			if err != nil {
				return fail(CodeExecutionError, "Move failed: "+err.Error())
			}
			if !moved {
				return fail(CodeBlocked, "Could not move (tile blocked or occupied)")
			}
			return ok("Moved one tile " + compass[dir])
		},
	}
}

func Say(filter *ContentFilter) Skill {
	return Skill{
		Name:        "say",
		Description: "Speak to a nearby player",
		Parameters: map[string]Parameter{
			"message": {
				Type:        "string",
				Description: "What to say to the player",
			},
			"target": {
				Type:        "string",
				Description: "Name of the player to speak to (optional, defaults to closest player)",
				Optional:    true,
			},
			"mode": {
				Type:        "string",
				Description: `Speech mode: "modal" for full dialogue, "bubble" for floating text above NPC`,
				Enum:        []interface{}{"modal", "bubble"},
				Optional:    true,
			},
		},
		Execute: func(ctx context.Context, params map[string]interface{}, gc *GameContext) Result {
			message := fmt.Sprint(params["message"])
			if err := filter.Check(message); err != nil {
				return fail(CodeContentPolicy, "Message blocked by content policy")
			}
			if gc.Host == nil {
				return fail(CodeExecutionError, "Say failed: no host entity")
			}

			mode := SpeechModal
			if m, ok := params["mode"].(string); ok && m != "" {
				mode = SpeechMode(m)
			} else if gc.DefaultSpeechMode != "" {
				mode = gc.DefaultSpeechMode
			}

			if mode == SpeechBubble {
				if err := gc.Host.Speak(ctx, SpeechRequest{Message: message, Mode: SpeechBubble}); err != nil {
					return fail(CodeExecutionError, "Bubble emit failed: "+err.Error())
				}
				return ok(fmt.Sprintf("Said (bubble): \"%s\"", message))
			}

			target, found := pickTarget(gc.NearbyPlayers, params["target"])
			if !found {
				return fail(CodeNoTarget, "No player nearby to speak to")
			}
			err := gc.Host.Speak(ctx, SpeechRequest{
				Message:    message,
				Mode:       SpeechModal,
				TargetID:   target.ID,
				TargetName: target.Name,
			})
			if err != nil {
				return fail(CodeExecutionError, "Say failed: "+err.Error())
			}

			res := ok(fmt.Sprintf("Said: \"%s\"", message))
			if target.Name != "" {
				res.Message += " to " + target.Name
			}
			res.Data = map[string]interface{}{"target_id": target.ID}
			return res
		},
	}
}

// pickTarget prefers a player with the requested name and otherwise falls
// back to the closest one.
func pickTarget(players []NearbyPlayer, requested interface{}) (NearbyPlayer, bool) {
	if len(players) == 0 {
		return NearbyPlayer{}, false
	}
	if name, ok := requested.(string); ok && name != "" {
		for _, p := range players {
			if p.Name == name {
				return p, true
			}
		}
	}
	return players[0], true
}

func Look(engine *perception.Engine) Skill {
	return Skill{
		Name:        "look",
		Description: "Observe your surroundings and nearby entities",
		Parameters:  map[string]Parameter{},
		Execute: func(ctx context.Context, params map[string]interface{}, gc *GameContext) Result {
			pc := gc.Perception
			if gc.Host != nil {
				live, err := gc.Host.Observe(ctx)
				if err != nil {
					return fail(CodeExecutionError, "Look failed: "+err.Error())
				}
				pc = live
			}
			snap := engine.Snapshot(pc)
			return Result{
				Success: true,
				Message: snap.Summary,
				Data:    map[string]interface{}{"entities": snap.Entities},
			}
		},
	}
}

var emotes = []interface{}{"wave", "nod", "shake_head", "laugh", "think"}

func Emote() Skill {
	return Skill{
		Name:        "emote",
		Description: "Express an emotion or perform a gesture (wave, nod, shake head, laugh, think)",
		Parameters: map[string]Parameter{
			"action": {
				Type:        "string",
				Description: "The emotion or action to express",
				Enum:        emotes,
			},
		},
		Execute: func(ctx context.Context, params map[string]interface{}, gc *GameContext) Result {
			action := fmt.Sprint(params["action"])
			if gc.Host == nil {
				return fail(CodeExecutionError, "Emote failed: no host entity")
			}
			if err := gc.Host.Emote(ctx, action); err != nil {
				return fail(CodeExecutionError, "Emote failed: "+err.Error())
			}
			return ok(fmt.Sprintf("Showed '%s' emotion", action))
		},
	}
}

func Wait() Skill {
	return Skill{
		Name:        "wait",
		Description: "Wait for a moment (idle/thinking). Default 2 seconds, max 10 seconds.",
		Parameters: map[string]Parameter{
			"durationMs": {
				Type:        "number",
				Description: "Duration to wait in milliseconds (default: 2000, max: 10000)",
				Optional:    true,
				Default:     int(DefaultWaitDuration / time.Millisecond),
			},
		},
		Execute: func(ctx context.Context, params map[string]interface{}, gc *GameContext) Result {
			ms := float64(DefaultWaitDuration / time.Millisecond)
			if v, present := params["durationMs"]; present {
				n, isNum := toFloat(v)
				if !isNum || n < 0 {
					return fail(CodeInvalidParams, fmt.Sprintf("Invalid duration: %v. Must be a positive number", v))
				}
				ms = n
			}
			if ms > float64(MaxWaitDuration/time.Millisecond) {
				return fail(CodeInvalidParams, fmt.Sprintf("Duration too long: %gms. Maximum is %dms", ms, MaxWaitDuration/time.Millisecond))
			}

			timer := time.NewTimer(time.Duration(ms * float64(time.Millisecond)))
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return fail(CodeExecutionError, "Wait failed: "+ctx.Err().Error())
			}
			return ok(fmt.Sprintf("Waited for %.1f seconds", ms/1000))
		},
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
