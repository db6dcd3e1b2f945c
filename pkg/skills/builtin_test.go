package skills

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harun/npcagent/pkg/perception"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHost struct {
	blocked  bool
	err      error
	moves    []MoveDirection
	speech   []SpeechRequest
	emotes   []string
	observed perception.Context
}

func (h *fakeHost) Move(ctx context.Context, dir MoveDirection) (bool, error) {
	if h.err != nil {
		return false, h.err
	}
	h.moves = append(h.moves, dir)
	return !h.blocked, nil
}

func (h *fakeHost) Speak(ctx context.Context, req SpeechRequest) error {
	if h.err != nil {
		return h.err
	}
	h.speech = append(h.speech, req)
	return nil
}

func (h *fakeHost) Emote(ctx context.Context, action string) error {
	if h.err != nil {
		return h.err
	}
	h.emotes = append(h.emotes, action)
	return nil
}

func (h *fakeHost) Observe(ctx context.Context) (perception.Context, error) {
	return h.observed, h.err
}

func builtinRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, BuiltinOptions{}))
	return r
}

func TestBuiltinNames(t *testing.T) {
	assert.Equal(t, DefaultSkillNames, builtinRegistry(t).Names())
}

func TestMoveSkill(t *testing.T) {
	r := builtinRegistry(t)
	host := &fakeHost{}
	gc := &GameContext{AgentID: "elder", Host: host}

	res := r.Execute(context.Background(), "move", map[string]interface{}{"direction": "up"}, gc)
	assert.Equal(t, Result{Success: true, Message: "Moved one tile north"}, res)
	assert.Equal(t, []MoveDirection{MoveUp}, host.moves)

	host.blocked = true
	res = r.Execute(context.Background(), "move", map[string]interface{}{"direction": "left"}, gc)
	assert.Equal(t, CodeBlocked, res.Error)
	assert.Equal(t, "Could not move (tile blocked or occupied)", res.Message)

	res = r.Execute(context.Background(), "move", map[string]interface{}{"direction": "sideways"}, gc)
	assert.Equal(t, CodeInvalidParams, res.Error)
	assert.Equal(t, "Invalid value for direction: sideways. Must be one of: up, down, left, right", res.Message)

	host.err = errors.New("entity despawned")
	res = r.Execute(context.Background(), "move", map[string]interface{}{"direction": "down"}, gc)
	assert.Equal(t, CodeExecutionError, res.Error)
	assert.Equal(t, "Move failed: entity despawned", res.Message)
}

func TestSaySkill(t *testing.T) {
	r := builtinRegistry(t)
	players := []NearbyPlayer{{ID: "p1", Name: "Ash", Distance: 1}, {ID: "p2", Name: "Misty", Distance: 3}}

	t.Run("modal to closest", func(t *testing.T) {
		host := &fakeHost{}
		res := r.Execute(context.Background(), "say", map[string]interface{}{"message": "Welcome!"},
			&GameContext{Host: host, NearbyPlayers: players, DefaultSpeechMode: SpeechModal})
		assert.True(t, res.Success)
		assert.Equal(t, `Said: "Welcome!" to Ash`, res.Message)
		require.Len(t, host.speech, 1)
		assert.Equal(t, SpeechRequest{Message: "Welcome!", Mode: SpeechModal, TargetID: "p1", TargetName: "Ash"}, host.speech[0])
	})

	t.Run("modal to named target", func(t *testing.T) {
		host := &fakeHost{}
		res := r.Execute(context.Background(), "say", map[string]interface{}{"message": "Hi", "target": "Misty"},
			&GameContext{Host: host, NearbyPlayers: players})
		assert.Equal(t, `Said: "Hi" to Misty`, res.Message)
	})

	t.Run("unknown name falls back to closest", func(t *testing.T) {
		host := &fakeHost{}
		res := r.Execute(context.Background(), "say", map[string]interface{}{"message": "Hi", "target": "Brock"},
			&GameContext{Host: host, NearbyPlayers: players})
		assert.Equal(t, `Said: "Hi" to Ash`, res.Message)
	})

	t.Run("bubble from context default", func(t *testing.T) {
		host := &fakeHost{}
		res := r.Execute(context.Background(), "say", map[string]interface{}{"message": "Lovely day."},
			&GameContext{Host: host, DefaultSpeechMode: SpeechBubble})
		assert.True(t, res.Success)
		assert.Equal(t, `Said (bubble): "Lovely day."`, res.Message)
		assert.Equal(t, SpeechBubble, host.speech[0].Mode)
	})

	t.Run("explicit mode wins", func(t *testing.T) {
		host := &fakeHost{}
		res := r.Execute(context.Background(), "say", map[string]interface{}{"message": "Psst", "mode": "bubble"},
			&GameContext{Host: host, NearbyPlayers: players, DefaultSpeechMode: SpeechModal})
		assert.Equal(t, `Said (bubble): "Psst"`, res.Message)
	})

	t.Run("no target", func(t *testing.T) {
		res := r.Execute(context.Background(), "say", map[string]interface{}{"message": "Anyone?"},
			&GameContext{Host: &fakeHost{}})
		assert.Equal(t, CodeNoTarget, res.Error)
		assert.Equal(t, "No player nearby to speak to", res.Message)
	})

	t.Run("content policy", func(t *testing.T) {
		host := &fakeHost{}
		res := r.Execute(context.Background(), "say", map[string]interface{}{"message": "something explicit"},
			&GameContext{Host: host, NearbyPlayers: players})
		assert.Equal(t, CodeContentPolicy, res.Error)
		assert.Equal(t, "Message blocked by content policy", res.Message)
		assert.Empty(t, host.speech)
	})
}

func TestLookSkill(t *testing.T) {
	r := builtinRegistry(t)
	host := &fakeHost{observed: perception.Context{
		Map: perception.MapInfo{ID: "town", Name: "Town Square"},
		Entities: []perception.RawEntity{
			{ID: "p1", Name: "Ash", Type: perception.EntityPlayer, Position: perception.Position{X: 0, Y: -64}},
		},
	}}

	res := r.Execute(context.Background(), "look", nil, &GameContext{Host: host})
	assert.True(t, res.Success)
	assert.Equal(t, "You are in Town Square. A player named Ash is north of you.", res.Message)

	res = r.Execute(context.Background(), "look", nil, &GameContext{
		Perception: perception.Context{Map: perception.MapInfo{ID: "cave"}},
	})
	assert.Equal(t, "You are in cave. It is quiet.", res.Message)
}

func TestEmoteSkill(t *testing.T) {
	r := builtinRegistry(t)
	host := &fakeHost{}

	res := r.Execute(context.Background(), "emote", map[string]interface{}{"action": "wave"}, &GameContext{Host: host})
	assert.Equal(t, "Showed 'wave' emotion", res.Message)
	assert.Equal(t, []string{"wave"}, host.emotes)

	res = r.Execute(context.Background(), "emote", map[string]interface{}{"action": "dance"}, &GameContext{Host: host})
	assert.Equal(t, CodeInvalidParams, res.Error)
}

func TestWaitSkill(t *testing.T) {
	r := builtinRegistry(t)

	start := time.Now()
	res := r.Execute(context.Background(), "wait", map[string]interface{}{"durationMs": float64(20)}, &GameContext{})
	assert.True(t, res.Success)
	assert.Equal(t, "Waited for 0.0 seconds", res.Message)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	res = r.Execute(context.Background(), "wait", map[string]interface{}{"durationMs": float64(15000)}, &GameContext{})
	assert.Equal(t, CodeInvalidParams, res.Error)
	assert.Equal(t, "Duration too long: 15000ms. Maximum is 10000ms", res.Message)

	res = r.Execute(context.Background(), "wait", map[string]interface{}{"durationMs": float64(-5)}, &GameContext{})
	assert.Equal(t, CodeInvalidParams, res.Error)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res = r.Execute(ctx, "wait", nil, &GameContext{})
	assert.Equal(t, CodeExecutionError, res.Error)
}
