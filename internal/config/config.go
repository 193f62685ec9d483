// Package config handles triage agent configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/triage/config.yaml, /etc/triage/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "triage", "config.yaml"))
	}

	paths = append(paths, "/etc/triage/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all triage agent configuration.
type Config struct {
	Listen      ListenConfig      `yaml:"listen"`
	DataDir     string            `yaml:"data_dir"`
	LogLevel    string            `yaml:"log_level"`
	LogFormat   string            `yaml:"log_format"` // text or json
	AzureOpenAI AzureOpenAIConfig `yaml:"azure_openai"`
	OpenAI      OpenAIConfig      `yaml:"openai"`
	Qdrant      QdrantConfig      `yaml:"qdrant"`
	Store       StoreConfig       `yaml:"store"`
	Agent       AgentConfig       `yaml:"agent"`
	Stream      StreamConfig      `yaml:"stream"`
	API         APIConfig         `yaml:"api"`
	Usage       UsageConfig       `yaml:"usage"`
}

// ListenConfig defines the API server bind settings.
type ListenConfig struct {
	Address string `yaml:"address"` // "" = all interfaces
	Port    int    `yaml:"port"`
}

// AzureOpenAIConfig selects an Azure OpenAI deployment as the reasoning
// engine. It takes precedence over [OpenAIConfig] when Endpoint is set.
type AzureOpenAIConfig struct {
	Endpoint            string `yaml:"endpoint"`
	APIKey              string `yaml:"api_key"`
	APIVersion          string `yaml:"api_version"`
	Deployment          string `yaml:"deployment"`
	EmbeddingDeployment string `yaml:"embedding_deployment"`
}

// Configured reports whether an Azure endpoint has been provided.
func (c AzureOpenAIConfig) Configured() bool {
	return c.Endpoint != ""
}

// OpenAIConfig targets any OpenAI-compatible endpoint (api.openai.com,
// a local Ollama /v1, vLLM, ...).
type OpenAIConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	EmbeddingModel string `yaml:"embedding_model"`
}

// QdrantConfig locates the knowledge-base vector index. Port is the gRPC
// port.
type QdrantConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	APIKey     string `yaml:"api_key"`
	UseTLS     bool   `yaml:"use_tls"`
	Collection string `yaml:"collection"`
	VectorSize uint64 `yaml:"vector_size"`
}

// Store backends.
const (
	StoreSQLite = "sqlite"
	StorePebble = "pebble"
	StoreMemory = "memory"
)

// StoreConfig selects the conversation store backend. The memory backend
// loses every thread on restart and is meant for development only.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"` // file (sqlite) or directory (pebble); defaults under data_dir
}

// AgentConfig bounds the agent loop. A zero Temperature selects the
// default of 0.1.
type AgentConfig struct {
	MaxIterations       int     `yaml:"max_iterations"`
	ReasoningTimeoutSec int     `yaml:"reasoning_timeout_sec"`
	ToolTimeoutSec      int     `yaml:"tool_timeout_sec"`
	MaxParallelTools    int     `yaml:"max_parallel_tools"`
	Temperature         float64 `yaml:"temperature"`
	MaxTokens           int     `yaml:"max_tokens"`
}

// ReasoningTimeout returns the per-call reasoning timeout.
func (c AgentConfig) ReasoningTimeout() time.Duration {
	return time.Duration(c.ReasoningTimeoutSec) * time.Second
}

// ToolTimeout returns the per-call tool timeout.
func (c AgentConfig) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutSec) * time.Second
}

// Stream backends.
const (
	StreamLocal = "local"
	StreamMQTT  = "mqtt"
)

// StreamConfig selects the fan-out backend for streaming events.
type StreamConfig struct {
	Backend      string     `yaml:"backend"`
	BufferSize   int        `yaml:"buffer_size"`   // per-subscriber queue depth
	KeepAliveSec int        `yaml:"keepalive_sec"` // SSE comment interval
	MQTT         MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig configures the broker used by the mqtt stream backend.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// UsageConfig configures the token usage ledger.
type UsageConfig struct {
	Disabled bool   `yaml:"disabled"`
	Path     string `yaml:"path"` // defaults to data_dir/usage.db
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Prefix         string   `yaml:"prefix"`
	CORSOrigins    []string `yaml:"cors_origins"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"` // per client; 0 disables
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

// Load reads configuration from a YAML file. A .env file next to the
// config (and one in the working directory) is loaded first so that
// ${VAR} references can be satisfied from it; variables already present
// in the environment are never overridden.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env"); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadDotEnv(paths ...string) error {
	seen := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		if err := godotenv.Load(abs); err != nil {
			return fmt.Errorf("load %s: %w", abs, err)
		}
	}
	return nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 3001
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	if c.AzureOpenAI.APIVersion == "" {
		c.AzureOpenAI.APIVersion = "2024-08-01-preview"
	}
	if c.AzureOpenAI.Deployment == "" {
		c.AzureOpenAI.Deployment = "gpt-4o"
	}
	if c.AzureOpenAI.EmbeddingDeployment == "" {
		c.AzureOpenAI.EmbeddingDeployment = "text-embedding-ada-002"
	}
	if c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = "gpt-4o"
	}
	if c.OpenAI.EmbeddingModel == "" {
		c.OpenAI.EmbeddingModel = "text-embedding-ada-002"
	}

	if c.Qdrant.Host == "" {
		c.Qdrant.Host = "localhost"
	}
	if c.Qdrant.Port == 0 {
		c.Qdrant.Port = 6334
	}
	if c.Qdrant.Collection == "" {
		c.Qdrant.Collection = "knowledge_base"
	}
	if c.Qdrant.VectorSize == 0 {
		c.Qdrant.VectorSize = 1536
	}

	if c.Store.Backend == "" {
		c.Store.Backend = StoreSQLite
	}
	if c.Store.Path == "" {
		switch c.Store.Backend {
		case StoreSQLite:
			c.Store.Path = filepath.Join(c.DataDir, "triage.db")
		case StorePebble:
			c.Store.Path = filepath.Join(c.DataDir, "threads")
		}
	}

	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 8
	}
	if c.Agent.ReasoningTimeoutSec == 0 {
		c.Agent.ReasoningTimeoutSec = 120
	}
	if c.Agent.ToolTimeoutSec == 0 {
		c.Agent.ToolTimeoutSec = 60
	}
	if c.Agent.MaxParallelTools == 0 {
		c.Agent.MaxParallelTools = 4
	}
	if c.Agent.Temperature == 0 {
		c.Agent.Temperature = 0.1
	}
	if c.Agent.MaxTokens == 0 {
		c.Agent.MaxTokens = 4000
	}

	if c.Stream.Backend == "" {
		c.Stream.Backend = StreamLocal
	}
	if c.Stream.BufferSize == 0 {
		c.Stream.BufferSize = 64
	}
	if c.Stream.KeepAliveSec == 0 {
		c.Stream.KeepAliveSec = 15
	}
	if c.Stream.MQTT.ClientID == "" {
		c.Stream.MQTT.ClientID = "triage"
	}
	if c.Stream.MQTT.TopicPrefix == "" {
		c.Stream.MQTT.TopicPrefix = "triage/stream"
	}

	if c.API.Prefix == "" {
		c.API.Prefix = "/api"
	}
	if c.API.CORSOrigins == nil {
		c.API.CORSOrigins = []string{"http://localhost:3000", "http://localhost:3001"}
	}
	if c.API.RateLimitBurst == 0 {
		c.API.RateLimitBurst = 10
	}

	if c.Usage.Path == "" {
		c.Usage.Path = filepath.Join(c.DataDir, "usage.db")
	}
}

// Validate checks the configuration for values that would fail at
// runtime. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q: must be text or json", c.LogFormat))
	}
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d: out of range", c.Listen.Port))
	}

	switch c.Store.Backend {
	case StoreSQLite, StorePebble, StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("store.backend %q: must be sqlite, pebble, or memory", c.Store.Backend))
	}

	if c.Agent.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("agent.max_iterations must be at least 1"))
	}
	if c.Agent.ReasoningTimeoutSec < 0 || c.Agent.ToolTimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("agent timeouts must not be negative"))
	}
	if c.Agent.MaxParallelTools < 1 {
		errs = append(errs, fmt.Errorf("agent.max_parallel_tools must be at least 1"))
	}

	switch c.Stream.Backend {
	case StreamLocal:
	case StreamMQTT:
		if c.Stream.MQTT.Broker == "" {
			errs = append(errs, fmt.Errorf("stream.mqtt.broker is required for the mqtt backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("stream.backend %q: must be local or mqtt", c.Stream.Backend))
	}

	if !strings.HasPrefix(c.API.Prefix, "/") || strings.HasSuffix(c.API.Prefix, "/") {
		errs = append(errs, fmt.Errorf("api.prefix %q: must start and not end with /", c.API.Prefix))
	}
	if c.API.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("api.rate_limit_rps must not be negative"))
	}

	return errors.Join(errs...)
}
