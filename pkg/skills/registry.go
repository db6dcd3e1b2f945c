package skills

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/npcagent/internal/observability"
	"github.com/harun/npcagent/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

// ErrDuplicateSkill is returned when a skill name is registered twice.
var ErrDuplicateSkill = errors.New("skill already registered")

type entry struct {
	skill    Skill
	schema   *gojsonschema.Schema
	required []string
}

// Registry holds the skills available to agents. Registration happens at
// startup; execution is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]*entry
	order  []string
	logger zerolog.Logger
}

// NewRegistry creates an empty registry. It logs through the global logger
// unless one is passed.
func NewRegistry(logger ...zerolog.Logger) *Registry {
	l := log.Logger
	if len(logger) > 0 {
		l = logger[0]
	}
	return &Registry{
		skills: make(map[string]*entry),
		logger: l.With().Str("component", "skills").Logger(),
	}
}

// Register adds skill. Duplicate names are a configuration error.
func (r *Registry) Register(skill Skill) error {
	if skill.Name == "" {
		return fmt.Errorf("skill name cannot be empty")
	}
	if skill.Execute == nil {
		return fmt.Errorf("skill %q has no execute function", skill.Name)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(skill.ToolDefinition().Function.Parameters.Map()))
	if err != nil {
		return fmt.Errorf("invalid parameter schema for skill %q: %w", skill.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.skills[skill.Name]; exists {
		return fmt.Errorf("skill %q: %w", skill.Name, ErrDuplicateSkill)
	}
	r.skills[skill.Name] = &entry{
		skill:    skill,
		schema:   schema,
		required: requiredParams(skill.Parameters),
	}
	r.order = append(r.order, skill.Name)

	r.logger.Debug().Str("skill", skill.Name).Msg("Skill registered")
	return nil
}

// MustRegister registers every skill and panics on the first error.
func (r *Registry) MustRegister(skills ...Skill) {
	for _, s := range skills {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) Get(name string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.skills[name]
	if !ok {
		return Skill{}, false
	}
	return e.skill, true
}

// All returns the skills in registration order.
func (r *Registry) All() []Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Skill, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.skills[name].skill)
	}
	return out
}

// Names returns registered skill names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// ToolDefinitions converts every registered skill into a tool definition.
func (r *Registry) ToolDefinitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.skills[name].skill.ToolDefinition())
	}
	return out
}

// ToolDefinitionsFor returns definitions for the registered skills named in
// allowed, in registration order. An empty allow list yields no tools.
func (r *Registry) ToolDefinitionsFor(allowed []string) []ToolDefinition {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		set[name] = true
	}

	var out []ToolDefinition
	for _, def := range r.ToolDefinitions() {
		if set[def.Function.Name] {
			out = append(out, def)
		}
	}
	return out
}

// Execute validates params and runs the named skill. It never panics and
// never returns a nil-ish result: every failure becomes a coded Result.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]interface{}, gc *GameContext) (result Result) {
	ctx, span := tracing.StartSpan(ctx, "npcagent.skills", "skills.execute", attribute.String("skill", name))
	start := time.Now()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Str("skill", name).Interface("panic", rec).Msg("Skill panicked")
			result = fail(CodeExecutionError, fmt.Sprintf("Skill %q failed: %v", name, rec))
		}

		var err error
		if !result.Success {
			err = errors.New(result.Message)
		}
		tracing.EndSpan(span, err)
		observability.RecordSkillExecution(name, result.Error, time.Since(start))

		agentID := ""
		if gc != nil {
			agentID = gc.AgentID
		}
		observability.RecordSkillAudit(ctx, name, agentID, auditStatus(result), map[string]interface{}{
			"params":  params,
			"message": result.Message,
		})

		logger.Debug().
			Str("skill", name).
			Bool("success", result.Success).
			Str("code", result.Error).
			Dur("duration", time.Since(start)).
			Msg("Skill executed")
	}()

	r.mu.RLock()
	e, found := r.skills[name]
	r.mu.RUnlock()
	if !found {
		return fail(CodeSkillNotFound, fmt.Sprintf("Skill %q not found", name))
	}

	params = withoutNulls(params)
	if msg := validate(e, params); msg != "" {
		return fail(CodeInvalidParams, msg)
	}

	if gc == nil {
		gc = &GameContext{}
	}
	return e.skill.Execute(ctx, params, gc)
}

func auditStatus(r Result) string {
	if r.Success {
		return "success"
	}
	return r.Error
}

// withoutNulls treats explicit nulls the way absent keys are treated.
func withoutNulls(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		if v != nil {
			out[k] = v
		}
	}
	return out
}

// validate returns a model-facing message describing the first problem with
// params, or "" when they are acceptable.
func validate(e *entry, params map[string]interface{}) string {
	for _, name := range e.required {
		if _, ok := params[name]; !ok {
			return "Missing required parameter: " + name
		}
	}

	for _, name := range sortedKeys(e.skill.Parameters) {
		p := e.skill.Parameters[name]
		value, present := params[name]
		if !present || len(p.Enum) == 0 {
			continue
		}
		if !inEnum(value, p.Enum) {
			options := make([]string, len(p.Enum))
			for i, opt := range p.Enum {
				options[i] = fmt.Sprint(opt)
			}
			return fmt.Sprintf("Invalid value for %s: %v. Must be one of: %s", name, value, strings.Join(options, ", "))
		}
	}

	res, err := e.schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return "Invalid parameters: " + err.Error()
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, desc := range res.Errors() {
			msgs = append(msgs, desc.String())
		}
		return "Invalid parameters: " + strings.Join(msgs, "; ")
	}
	return ""
}

func inEnum(value interface{}, enum []interface{}) bool {
	v := fmt.Sprint(value)
	for _, opt := range enum {
		if fmt.Sprint(opt) == v {
			return true
		}
	}
	return false
}
