package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/npcagent/internal/logger"
)

// Config is the top-level npcagent configuration.
type Config struct {
	Logging logger.Config `json:"logging" mapstructure:"logging"`
	Audit   AuditConfig   `json:"audit" mapstructure:"audit"`
	Agents  AgentsConfig  `json:"agents" mapstructure:"agents"`
	LLM     LLMConfig     `json:"llm" mapstructure:"llm"`
	Store   StoreConfig   `json:"store" mapstructure:"store"`
	Memory  MemoryConfig  `json:"memory" mapstructure:"memory"`
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// AgentsConfig points at the directory of agent definition files.
type AgentsConfig struct {
	Dir   string `json:"dir" mapstructure:"dir"`
	Watch bool   `json:"watch" mapstructure:"watch"`
}

// LLMConfig selects and configures the language model provider.
type LLMConfig struct {
	Provider          string  `json:"provider" mapstructure:"provider"` // openai, anthropic
	BaseURL           string  `json:"base_url" mapstructure:"base_url"`
	APIKey            string  `json:"api_key" mapstructure:"api_key"`
	IdleModel         string  `json:"idle_model" mapstructure:"idle_model"`
	ConversationModel string  `json:"conversation_model" mapstructure:"conversation_model"`
	TimeoutSeconds    int     `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	MaxTokens         int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature       float64 `json:"temperature" mapstructure:"temperature"`
}

// Timeout returns the per-request timeout.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// StoreConfig configures SQLite persistence. An empty path keeps memory in
// process only.
type StoreConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// MemoryConfig tunes agent conversation memory.
type MemoryConfig struct {
	MaxMessages        int    `json:"max_messages" mapstructure:"max_messages"`
	FlushIntervalMs    int    `json:"flush_interval_ms" mapstructure:"flush_interval_ms"`
	CheckpointSchedule string `json:"checkpoint_schedule" mapstructure:"checkpoint_schedule"`
}

// FlushInterval returns the write-behind interval.
func (c MemoryConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// GatewayConfig configures the websocket link to the host simulation.
type GatewayConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// Addr returns host:port.
func (c GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type MetricsConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// AuditConfig enables the skill action journal.
type AuditConfig struct {
	File string `json:"file" mapstructure:"file"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Logging: logger.DefaultConfig(),
		Agents: AgentsConfig{
			Dir: "agents",
		},
		LLM: LLMConfig{
			Provider:          "openai",
			BaseURL:           "https://api.moonshot.ai/v1",
			IdleModel:         "kimi-k2-0711-preview",
			ConversationModel: "kimi-k2-0711-preview",
			TimeoutSeconds:    30,
			MaxTokens:         1024,
			Temperature:       0.7,
		},
		Memory: MemoryConfig{
			MaxMessages:     50,
			FlushIntervalMs: 5000,
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    7420,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Tracing: TracingConfig{
			ServiceName: "npcagent",
			SampleRatio: 1.0,
		},
	}
}

// String renders cfg as indented JSON with secrets masked.
func (c *Config) String() string {
	masked := *c
	if masked.LLM.APIKey != "" {
		masked.LLM.APIKey = "***"
	}
	if masked.Gateway.SharedSecret != "" {
		masked.Gateway.SharedSecret = "***"
	}
	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}
