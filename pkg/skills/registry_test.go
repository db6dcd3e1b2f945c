package skills

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoSkill(name string, calls *int) Skill {
	return Skill{
		Name:        name,
		Description: "Echo the message",
		Parameters: map[string]Parameter{
			"message": {Type: "string", Description: "Text"},
			"tone":    {Type: "string", Enum: []interface{}{"calm", "loud"}, Optional: true},
			"times":   {Type: "integer", Optional: true},
		},
		Execute: func(ctx context.Context, params map[string]interface{}, gc *GameContext) Result {
			*calls++
			return ok("echo: " + params["message"].(string))
		},
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	var calls int

	require.NoError(t, r.Register(echoSkill("echo", &calls)))
	err := r.Register(echoSkill("echo", &calls))
	assert.ErrorIs(t, err, ErrDuplicateSkill)

	assert.Error(t, r.Register(Skill{Name: "", Execute: echoSkill("x", &calls).Execute}))
	assert.Error(t, r.Register(Skill{Name: "noop"}))
}

func TestExecuteUnknownSkill(t *testing.T) {
	r := NewRegistry()

	res := r.Execute(context.Background(), "fly", nil, &GameContext{})
	assert.False(t, res.Success)
	assert.Equal(t, CodeSkillNotFound, res.Error)
	assert.Equal(t, `Skill "fly" not found`, res.Message)
}

func TestExecuteValidation(t *testing.T) {
	var calls int
	r := NewRegistry()
	require.NoError(t, r.Register(echoSkill("echo", &calls)))

	tests := []struct {
		name    string
		params  map[string]interface{}
		message string
	}{
		{"missing required", map[string]interface{}{}, "Missing required parameter: message"},
		{"null counts as missing", map[string]interface{}{"message": nil}, "Missing required parameter: message"},
		{"out of enum", map[string]interface{}{"message": "hi", "tone": "angry"}, "Invalid value for tone: angry. Must be one of: calm, loud"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Execute(context.Background(), "echo", tt.params, nil)
			assert.False(t, res.Success)
			assert.Equal(t, CodeInvalidParams, res.Error)
			assert.Equal(t, tt.message, res.Message)
		})
	}

	t.Run("wrong type", func(t *testing.T) {
		res := r.Execute(context.Background(), "echo", map[string]interface{}{"message": "hi", "times": "twice"}, nil)
		assert.False(t, res.Success)
		assert.Equal(t, CodeInvalidParams, res.Error)
		assert.Contains(t, res.Message, "Invalid parameters")
	})

	assert.Equal(t, 0, calls, "invalid params must not reach the skill")

	res := r.Execute(context.Background(), "echo", map[string]interface{}{"message": "hi", "tone": "calm", "times": float64(2)}, nil)
	assert.True(t, res.Success)
	assert.Equal(t, "echo: hi", res.Message)
	assert.Equal(t, 1, calls)
}

func TestExecuteRecoversPanics(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Skill{
		Name:       "explode",
		Parameters: map[string]Parameter{},
		Execute: func(ctx context.Context, params map[string]interface{}, gc *GameContext) Result {
			panic("bad skill")
		},
	}))

	res := r.Execute(context.Background(), "explode", nil, nil)
	assert.False(t, res.Success)
	assert.Equal(t, CodeExecutionError, res.Error)
	assert.Contains(t, res.Message, "bad skill")
}

func TestToolDefinitions(t *testing.T) {
	var calls int
	r := NewRegistry()
	require.NoError(t, r.Register(echoSkill("echo", &calls)))
	require.NoError(t, r.Register(Skill{
		Name:        "ping",
		Description: "No arguments",
		Parameters:  map[string]Parameter{},
		Execute:     echoSkill("ping", &calls).Execute,
	}))

	defs := r.ToolDefinitions()
	require.Len(t, defs, 2)

	want := ToolDefinition{
		Type: "function",
		Function: FunctionDefinition{
			Name:        "echo",
			Description: "Echo the message",
			Parameters: ObjectSchema{
				Type: "object",
				Properties: map[string]PropertySchema{
					"message": {Type: "string", Description: "Text"},
					"tone":    {Type: "string", Enum: []interface{}{"calm", "loud"}},
					"times":   {Type: "integer"},
				},
				Required: []string{"message"},
			},
		},
	}
	if diff := cmp.Diff(want, defs[0]); diff != "" {
		t.Fatalf("tool definition mismatch (-want +got):\n%s", diff)
	}

	// No required parameters means no "required" key at all.
	raw, err := json.Marshal(defs[1])
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"function","function":{"name":"ping","description":"No arguments","parameters":{"type":"object","properties":{}}}}`, string(raw))

	assert.Len(t, r.ToolDefinitionsFor([]string{"ping", "unknown"}), 1)
	assert.Empty(t, r.ToolDefinitionsFor(nil))
	assert.Equal(t, []string{"echo", "ping"}, r.Names())
}

func TestContentFilter(t *testing.T) {
	f := DefaultContentFilter()
	assert.Error(t, f.Check("that was EXPLICIT"))
	assert.NoError(t, f.Check("Good morning, traveler"))

	custom, err := NewContentFilter(FilterConfig{Keywords: []string{"Dragon"}, Patterns: []string{`\bspoiler\b`}})
	require.NoError(t, err)
	assert.Error(t, custom.Check("the dragon sleeps"))
	assert.Error(t, custom.Check("no spoiler please"))
	assert.NoError(t, custom.Check("profanity is fine here"))

	_, err = NewContentFilter(FilterConfig{Patterns: []string{"("}})
	assert.Error(t, err)

	var nilFilter *ContentFilter
	assert.NoError(t, nilFilter.Check("anything"))
}
