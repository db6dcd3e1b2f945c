package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "NPCAGENT"

// Loader handles configuration loading
type Loader struct {
	configPath string
	getenv     func(string) string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		getenv:     os.Getenv,
	}
}

// Load reads the config file, overlays NPCAGENT_* environment variables and
// resolves provider credentials. A missing file yields defaults.
func (l *Loader) Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	path := l.GetConfigPath()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType(configType(path))
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	l.resolveCredentials(cfg)

	if cfg.Agents.Dir != "" && !filepath.IsAbs(cfg.Agents.Dir) && path != "" {
		cfg.Agents.Dir = filepath.Join(filepath.Dir(path), cfg.Agents.Dir)
	}

	return cfg, nil
}

func (l *Loader) resolveCredentials(cfg *Config) {
	if cfg.LLM.APIKey != "" {
		return
	}
	candidates := []string{"MOONSHOT_API_KEY", "KIMI_API_KEY"}
	if cfg.LLM.Provider == "anthropic" {
		candidates = []string{"ANTHROPIC_API_KEY"}
	}
	for _, name := range candidates {
		if key := l.getenv(name); key != "" {
			cfg.LLM.APIKey = key
			return
		}
	}
}

// Save writes cfg to the loader's path in the format its extension implies.
func (l *Loader) Save(cfg *Config) error {
	path := l.GetConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType(configType(path))

	// Round-trip through JSON so keys match the mapstructure names Load uses.
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	var values map[string]interface{}
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := v.MergeConfigMap(values); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path, defaulting to
// ~/.npcagent/npcagent.yaml.
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".npcagent", "npcagent.yaml")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// setDefaults registers every leaf key so AutomaticEnv can override nested
// values during Unmarshal.
func setDefaults(v *viper.Viper, cfg *Config) {
	defaults := map[string]interface{}{
		"logging.level":     cfg.Logging.Level,
		"logging.file":      cfg.Logging.File,
		"logging.console":   cfg.Logging.Console,
		"logging.pretty":    cfg.Logging.Pretty,
		"logging.redaction": cfg.Logging.Redaction,
		"logging.max_size":  cfg.Logging.MaxSize,
		"logging.max_age":   cfg.Logging.MaxAge,
		"logging.compress":  cfg.Logging.Compress,

		"audit.file": cfg.Audit.File,

		"agents.dir":   cfg.Agents.Dir,
		"agents.watch": cfg.Agents.Watch,

		"llm.provider":           cfg.LLM.Provider,
		"llm.base_url":           cfg.LLM.BaseURL,
		"llm.api_key":            cfg.LLM.APIKey,
		"llm.idle_model":         cfg.LLM.IdleModel,
		"llm.conversation_model": cfg.LLM.ConversationModel,
		"llm.timeout_seconds":    cfg.LLM.TimeoutSeconds,
		"llm.max_tokens":         cfg.LLM.MaxTokens,
		"llm.temperature":        cfg.LLM.Temperature,

		"store.path": cfg.Store.Path,

		"memory.max_messages":        cfg.Memory.MaxMessages,
		"memory.flush_interval_ms":   cfg.Memory.FlushIntervalMs,
		"memory.checkpoint_schedule": cfg.Memory.CheckpointSchedule,

		"gateway.enabled":       cfg.Gateway.Enabled,
		"gateway.host":          cfg.Gateway.Host,
		"gateway.port":          cfg.Gateway.Port,
		"gateway.shared_secret": cfg.Gateway.SharedSecret,

		"metrics.enabled": cfg.Metrics.Enabled,

		"tracing.enabled":      cfg.Tracing.Enabled,
		"tracing.service_name": cfg.Tracing.ServiceName,
		"tracing.sample_ratio": cfg.Tracing.SampleRatio,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}
