package manager

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/harun/npcagent/pkg/agent"
	"github.com/harun/npcagent/pkg/llm"
	"github.com/harun/npcagent/pkg/skills"
	"gopkg.in/yaml.v3"
)

const (
	DefaultIdleInterval = 15000 * time.Millisecond
	DefaultPatrolRadius = 3
)

// ErrInvalidDefinition marks a definition that cannot become an agent.
var ErrInvalidDefinition = errors.New("invalid agent definition")

type definitionFile struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Graphic     string         `yaml:"graphic"`
	Personality string         `yaml:"personality"`
	Model       *modelBlock    `yaml:"model"`
	Skills      interface{}    `yaml:"skills"`
	Spawn       *spawnBlock    `yaml:"spawn"`
	Behavior    *behaviorBlock `yaml:"behavior"`
}

type modelBlock struct {
	Idle         string `yaml:"idle"`
	Conversation string `yaml:"conversation"`
}

type spawnBlock struct {
	Map string      `yaml:"map"`
	X   interface{} `yaml:"x"`
	Y   interface{} `yaml:"y"`
}

type behaviorBlock struct {
	IdleInterval     interface{} `yaml:"idleInterval"`
	PatrolRadius     interface{} `yaml:"patrolRadius"`
	GreetOnProximity interface{} `yaml:"greetOnProximity"`
}

// ParseDefinition decodes one YAML agent definition and applies defaults.
// defaults, when given, supplies the model tiers for a definition without a
// model block.
func ParseDefinition(data []byte, defaults ...agent.ModelConfig) (agent.Config, error) {
	var def definitionFile
	if err := yaml.Unmarshal(data, &def); err != nil {
		return agent.Config{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	var missing []string
	for _, f := range []struct{ name, value string }{
		{"id", def.ID}, {"name", def.Name}, {"graphic", def.Graphic}, {"personality", def.Personality},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return agent.Config{}, fmt.Errorf("%w: missing %s", ErrInvalidDefinition, strings.Join(missing, ", "))
	}

	if def.Spawn == nil || def.Spawn.Map == "" {
		return agent.Config{}, fmt.Errorf("%w: spawn must have map, x, y", ErrInvalidDefinition)
	}
	x, okX := number(def.Spawn.X)
	y, okY := number(def.Spawn.Y)
	if !okX || !okY {
		return agent.Config{}, fmt.Errorf("%w: spawn must have map, x, y", ErrInvalidDefinition)
	}

	cfg := agent.Config{
		ID:          def.ID,
		Name:        def.Name,
		Graphic:     def.Graphic,
		Personality: def.Personality,
		Model:       agent.ModelConfig{Idle: llm.DefaultModel},
		Spawn:       agent.SpawnConfig{Map: def.Spawn.Map, X: x, Y: y},
		Behavior: agent.BehaviorConfig{
			IdleInterval:     DefaultIdleInterval,
			PatrolRadius:     DefaultPatrolRadius,
			GreetOnProximity: true,
		},
	}

	switch {
	case def.Model != nil && def.Model.Idle != "":
		cfg.Model.Idle = def.Model.Idle
		cfg.Model.Conversation = def.Model.Idle
	case len(defaults) > 0:
		if defaults[0].Idle != "" {
			cfg.Model.Idle = defaults[0].Idle
		}
		cfg.Model.Conversation = defaults[0].Conversation
		if cfg.Model.Conversation == "" {
			cfg.Model.Conversation = cfg.Model.Idle
		}
	default:
		cfg.Model.Conversation = cfg.Model.Idle
	}
	if def.Model != nil && def.Model.Conversation != "" {
		cfg.Model.Conversation = def.Model.Conversation
	}

	if list, ok := def.Skills.([]interface{}); ok {
		cfg.Skills = []string{}
		for _, s := range list {
			if name, ok := s.(string); ok {
				cfg.Skills = append(cfg.Skills, name)
			}
		}
	} else {
		cfg.Skills = append([]string(nil), skills.DefaultSkillNames...)
	}

	if b := def.Behavior; b != nil {
		if ms, ok := number(b.IdleInterval); ok && ms > 0 {
			cfg.Behavior.IdleInterval = time.Duration(ms) * time.Millisecond
		}
		if r, ok := number(b.PatrolRadius); ok {
			cfg.Behavior.PatrolRadius = int(r)
		}
		if g, ok := b.GreetOnProximity.(bool); ok {
			cfg.Behavior.GreetOnProximity = g
		}
	}

	return cfg, nil
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// isDefinitionFile reports whether path has a YAML extension.
func isDefinitionFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// DefinitionResult is the outcome of reading one definition file.
type DefinitionResult struct {
	Path   string
	Config agent.Config
	Err    error
}

// ReadDefinitions parses every YAML file in dir, in name order. A missing
// directory yields no results and no error.
func ReadDefinitions(dir string, defaults ...agent.ModelConfig) ([]DefinitionResult, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read agent dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && isDefinitionFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	results := make([]DefinitionResult, 0, len(names))
	for _, name := range names {
		results = append(results, readDefinition(filepath.Join(dir, name), defaults))
	}
	return results, nil
}

func readDefinition(path string, defaults []agent.ModelConfig) DefinitionResult {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefinitionResult{Path: path, Err: err}
	}
	cfg, err := ParseDefinition(data, defaults...)
	return DefinitionResult{Path: path, Config: cfg, Err: err}
}
