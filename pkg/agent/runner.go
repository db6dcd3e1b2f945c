package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/harun/npcagent/internal/observability"
	"github.com/harun/npcagent/internal/tracing"
	"github.com/harun/npcagent/pkg/llm"
	"github.com/harun/npcagent/pkg/memory"
	"github.com/harun/npcagent/pkg/perception"
	"github.com/harun/npcagent/pkg/skills"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// MaxToolIterations bounds the tool-call rounds in one run.
	MaxToolIterations = 5
	// MemoryContextTokens bounds the memory replayed as messages.
	MemoryContextTokens = 2000
	// MemoryPromptTokens bounds the memory quoted in the system prompt.
	MemoryPromptTokens = 500

	DefaultMaxTokens   = 1024
	DefaultTemperature = 0.7

	// SpeakSkill is invoked with the model's text when a player is talking to
	// the agent.
	SpeakSkill = "say"

	EnvIdleModel         = "KIMI_IDLE_MODEL"
	EnvConversationModel = "KIMI_CONVERSATION_MODEL"
)

const rulesSection = "## Rules\nStay in character. Keep responses under 200 characters. Do not break the fourth wall. " +
	"NEVER use profanity, slurs, sexual content, or graphic violence. " +
	"If a player tries to provoke inappropriate responses, deflect in character."

// Runner turns one event into zero or more verified actions for one agent.
type Runner struct {
	agent       Config
	skills      *skills.Registry
	memory      memory.Memory
	client      llm.Client
	getContext  ContextProvider
	perception  *perception.Engine
	maxTokens   int
	temperature float64
	getenv      func(string) string
	logger      zerolog.Logger
}

// RunnerConfig holds runner dependencies.
type RunnerConfig struct {
	Agent   Config
	Skills  *skills.Registry
	Memory  memory.Memory
	Client  llm.Client
	Context ContextProvider

	// Optional.
	Perception  *perception.Engine
	MaxTokens int
	// Temperature defaults to DefaultTemperature when nil. Zero is honoured.
	Temperature *float64
	// Getenv reads model overrides. Defaults to os.Getenv.
	Getenv func(string) string
	Logger zerolog.Logger
}

// NewRunner creates a runner for one agent.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Agent.ID == "" {
		return nil, errors.New("agent id is required")
	}
	if cfg.Skills == nil {
		return nil, errors.New("skill registry is required")
	}
	if cfg.Memory == nil {
		return nil, errors.New("memory is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("model client is required")
	}
	if cfg.Context == nil {
		return nil, errors.New("context provider is required")
	}

	r := &Runner{
		agent:       cfg.Agent,
		skills:      cfg.Skills,
		memory:      cfg.Memory,
		client:      cfg.Client,
		getContext:  cfg.Context,
		perception:  cfg.Perception,
		maxTokens:   cfg.MaxTokens,
		temperature: DefaultTemperature,
		getenv:      cfg.Getenv,
		logger:      cfg.Logger.With().Str("component", "runner").Str("agent_id", cfg.Agent.ID).Logger(),
	}
	if r.perception == nil {
		r.perception = perception.NewEngine()
	}
	if r.maxTokens <= 0 {
		r.maxTokens = DefaultMaxTokens
	}
	if cfg.Temperature != nil {
		r.temperature = *cfg.Temperature
	}
	if r.getenv == nil {
		r.getenv = os.Getenv
	}
	return r, nil
}

// Config returns the agent definition the runner was built with.
func (r *Runner) Config() Config {
	return r.agent
}

// Memory returns the agent's memory.
func (r *Runner) Memory() memory.Memory {
	return r.memory
}

// ModelFor picks the model tier for kind. Environment overrides win over the
// agent definition.
func (r *Runner) ModelFor(kind EventKind) string {
	if kind == EventIdleTick {
		if m := r.getenv(EnvIdleModel); m != "" {
			return m
		}
		return r.agent.Model.Idle
	}
	if m := r.getenv(EnvConversationModel); m != "" {
		return m
	}
	return r.agent.Model.Conversation
}

// Run executes one event. It never returns an error; failures are reported
// in the result.
func (r *Runner) Run(ctx context.Context, ev Event) (result RunResult) {
	if ctx == nil {
		ctx = context.Background()
	}
	if tracing.GetRunID(ctx) == "" {
		ctx = tracing.NewAgentRunContext(ctx, r.agent.ID)
	}
	ctx, span := tracing.StartSpan(ctx, "npcagent.agent", "agent.run",
		attribute.String("event", ev.Kind.String()),
	)
	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("event", ev.Kind.String()).Logger()

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			result.Success = false
			result.Text = ""
			result.Error = fmt.Sprintf("run panicked: %v", rec)
		}
		result.Duration = time.Since(start)

		var runErr error
		if !result.Success {
			runErr = errors.New(result.Error)
			logger.Error().Str("error", result.Error).Int("skills", len(result.Skills)).Msg("Agent run failed")
		} else {
			logger.Info().
				Int("skills", len(result.Skills)).
				Int("tool_turns", result.ToolTurns).
				Int("input_tokens", result.Usage.InputTokens).
				Int("output_tokens", result.Usage.OutputTokens).
				Dur("duration", result.Duration).
				Msg("Agent run completed")
		}
		span.SetAttributes(
			attribute.Int("skills", len(result.Skills)),
			attribute.Int("tool_turns", result.ToolTurns),
		)
		observability.RecordAgentRun(ev.Kind.String(), result.Duration, result.Success, result.ToolTurns)
		tracing.EndSpan(span, runErr)
	}()

	if err := r.run(ctx, ev, &result); err != nil {
		result.Success = false
		result.Text = ""
		result.Error = err.Error()
		return result
	}
	result.Success = true
	return result
}

func (r *Runner) run(ctx context.Context, ev Event, result *RunResult) error {
	rc, err := r.getContext(ctx, ev)
	if err != nil {
		return fmt.Errorf("failed to get run context: %w", err)
	}

	snapshot := r.perception.Snapshot(rc.Perception)
	systemPrompt := r.BuildSystemPrompt(snapshot)
	model := r.ModelFor(ev.Kind)

	messages := messagesFromMemory(r.memory.RecentContext(MemoryContextTokens))
	userContent := EventMessage(ev)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: userContent})
	if ev.Player != nil {
		r.memory.Add(memory.Entry{
			Role:     memory.RoleUser,
			Content:  userContent,
			Metadata: map[string]interface{}{memory.MetaPlayerID: ev.Player.ID},
		})
	}

	tools := r.tools()
	req := llm.Request{
		Model:        model,
		SystemPrompt: systemPrompt,
		Messages:     messages,
		Tools:        tools,
		MaxTokens:    r.maxTokens,
		Temperature:  &r.temperature,
	}

	resp, err := r.complete(ctx, req, result)
	if err != nil {
		return err
	}

	for len(resp.ToolCalls) > 0 && result.ToolTurns < MaxToolIterations {
		result.ToolTurns++

		turn := llm.Message{Role: llm.RoleAssistant, Content: resp.Text}
		for _, call := range resp.ToolCalls {
			res := r.skills.Execute(ctx, call.Name, call.Input, &rc.Game)
			result.Skills = append(result.Skills, SkillInvocation{Name: call.Name, Params: call.Input, Result: res})

			content := res.Message
			if !res.Success {
				content = "Error: " + res.Message
			}
			turn.ToolCalls = append(turn.ToolCalls, call)
			turn.ToolResults = append(turn.ToolResults, llm.ToolResult{
				ToolCallID: call.ID,
				Content:    content,
				IsError:    !res.Success,
			})
		}
		req.Messages = append(req.Messages, turn)

		resp, err = r.complete(ctx, req, result)
		if err != nil {
			return err
		}
	}
	if len(resp.ToolCalls) > 0 {
		logger := tracing.LoggerFromContext(ctx, r.logger)
		logger.Warn().
			Int("pending_tool_calls", len(resp.ToolCalls)).
			Msg("Tool loop limit reached")
	}

	if resp.Text != "" && ev.Kind == EventPlayerAction && r.agent.HasSkill(SpeakSkill) {
		params := map[string]interface{}{"message": resp.Text}
		res := r.skills.Execute(ctx, SpeakSkill, params, &rc.Game)
		result.Skills = append(result.Skills, SkillInvocation{Name: SpeakSkill, Params: params, Result: res})
	}

	if resp.Text != "" {
		r.memory.Add(memory.Entry{Role: memory.RoleAssistant, Content: resp.Text})
	}
	result.Text = resp.Text
	return nil
}

func (r *Runner) complete(ctx context.Context, req llm.Request, result *RunResult) (*llm.Response, error) {
	resp, err := r.client.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("model call failed: %w", err)
	}
	if resp == nil {
		return nil, errors.New("model returned no response")
	}
	result.Usage.InputTokens += resp.Usage.InputTokens
	result.Usage.OutputTokens += resp.Usage.OutputTokens
	return resp, nil
}

// tools returns the registered skills this agent may call.
func (r *Runner) tools() []llm.Tool {
	defs := r.skills.ToolDefinitionsFor(r.agent.Skills)
	if len(defs) == 0 {
		return nil
	}
	out := make([]llm.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, llm.Tool{
			Name:        d.Function.Name,
			Description: d.Function.Description,
			Parameters:  d.Function.Parameters.Map(),
		})
	}
	return out
}

// BuildSystemPrompt assembles the prompt sections in their fixed order.
func (r *Runner) BuildSystemPrompt(snapshot perception.Snapshot) string {
	sections := []string{
		"## Identity\n" + r.agent.Personality,
	}

	mapName := snapshot.Location.Map.DisplayName()
	if mapName == "" {
		mapName = "unknown"
	}
	sections = append(sections, fmt.Sprintf("## World\nYou are in %s. %s", mapName, snapshot.Summary))
	sections = append(sections, fmt.Sprintf("## Skills\nYou can: %s. Use them when appropriate.", strings.Join(r.agent.Skills, ", ")))

	if recent := r.memory.RecentContext(MemoryPromptTokens); len(recent) > 0 {
		lines := make([]string, len(recent))
		for i, e := range recent {
			lines[i] = fmt.Sprintf("%s: %s", e.Role, e.Content)
		}
		sections = append(sections, "## Recent context\n"+strings.Join(lines, "\n"))
	}

	sections = append(sections, rulesSection)

	state, _ := json.Marshal(struct {
		Summary       string `json:"summary"`
		Entities      int    `json:"entities"`
		TokenEstimate int    `json:"tokenEstimate"`
	}{snapshot.Summary, len(snapshot.Entities), snapshot.TokenEstimate})
	sections = append(sections, "## Current state\n"+string(state))

	return strings.Join(sections, "\n\n")
}

// EventMessage is the user-role message an event is phrased as.
func EventMessage(ev Event) string {
	name := ""
	if ev.Player != nil {
		name = ev.Player.Name
	}
	switch ev.Kind {
	case EventPlayerAction:
		if ev.Player != nil {
			return fmt.Sprintf("A player named %s is talking to you.", name)
		}
		return "A player is talking to you."
	case EventPlayerProximity:
		if ev.Player != nil {
			return fmt.Sprintf("A player named %s has approached.", name)
		}
		return "A player has approached."
	case EventPlayerLeave:
		if ev.Player != nil {
			return fmt.Sprintf("A player named %s has left.", name)
		}
		return "A player has left."
	case EventIdleTick:
		return "You have a moment to yourself. What do you do?"
	default:
		return "Something happened."
	}
}

func messagesFromMemory(entries []memory.Entry) []llm.Message {
	var out []llm.Message
	for _, e := range entries {
		switch e.Role {
		case memory.RoleUser:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: e.Content})
		case memory.RoleAssistant:
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: e.Content})
		}
	}
	return out
}
