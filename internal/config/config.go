package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/conduit/internal/pathutil"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Models       ModelsConfig       `koanf:"models"`
	Capability   CapabilityConfig   `koanf:"capability"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Session      SessionConfig      `koanf:"session"`
	Prompts      PromptsConfig      `koanf:"prompts"`
	Daemon       DaemonConfig       `koanf:"daemon"`
}

type ServerConfig struct {
	Port            int    `koanf:"port"`
	LogLevel        string `koanf:"log_level"`
	ReadTimeout     string `koanf:"read_timeout"`
	WriteTimeout    string `koanf:"write_timeout"`
	IdleTimeout     string `koanf:"idle_timeout"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
	MaxFrameBytes   int64  `koanf:"max_frame_bytes"`
}

type ModelsConfig struct {
	Default        string          `koanf:"default"`
	RequestTimeout string          `koanf:"request_timeout"`
	Registry       []ModelRegistry `koanf:"registry"`
}

// ModelRegistry describes one selectable backend. Name is what an interactive
// client puts in llm_provider ("cloud", "local", ...).
type ModelRegistry struct {
	Name      string `koanf:"name"`
	Provider  string `koanf:"provider"`
	Model     string `koanf:"model"`
	BaseURL   string `koanf:"base_url"`
	APIKey    string `koanf:"api_key"`
	MaxTokens int    `koanf:"max_tokens"`
}

type CapabilityConfig struct {
	URL                     string   `koanf:"url"`
	DialTimeout             string   `koanf:"dial_timeout"`
	DiscoveryTimeout        string   `koanf:"discovery_timeout"`
	InvokeTimeout           string   `koanf:"invoke_timeout"`
	ReconnectInitialBackoff string   `koanf:"reconnect_initial_backoff"`
	ReconnectMaxBackoff     string   `koanf:"reconnect_max_backoff"`
	HealthSchedule          string   `koanf:"health_schedule"`
	DataSourceTool          string   `koanf:"data_source_tool"`
	DataSourceArg           string   `koanf:"data_source_arg"`
	DataSourceTools         []string `koanf:"data_source_tools"`
}

type OrchestratorConfig struct {
	MaxIterations     int  `koanf:"max_iterations"`
	MaxParallelTools  int  `koanf:"max_parallel_tools"`
	AnnounceToolCalls bool `koanf:"announce_tool_calls"`
}

type SessionConfig struct {
	InboxSize    int    `koanf:"inbox_size"`
	CloseTimeout string `koanf:"close_timeout"`
}

type PromptsConfig struct {
	System string `koanf:"system"`
}

type DaemonConfig struct {
	ShutdownTimeout     string `koanf:"shutdown_timeout"`
	HealthCheckInterval string `koanf:"health_check_interval"`
	LockPath            string `koanf:"lock_path"`
	LockTimeout         string `koanf:"lock_timeout"`
	LockRetry           string `koanf:"lock_retry"`
}

const (
	DefaultServerPort                   = 8000
	DefaultServerLogLevel               = "info"
	DefaultServerReadTimeout            = "10s"
	DefaultServerWriteTimeout           = "10s"
	DefaultServerIdleTimeout            = "60s"
	DefaultServerShutdownTimeout        = "5s"
	DefaultServerMaxFrameBytes          = 1 << 20
	DefaultModelDefault                 = "cloud"
	DefaultModelRequestTimeout          = "120s"
	DefaultCloudModel                   = "gpt-4-turbo"
	DefaultLocalModel                   = "llama3.1:latest"
	DefaultOpenAIBaseURL                = "https://api.openai.com/v1"
	DefaultOllamaBaseURL                = "http://localhost:11434/v1"
	DefaultOllamaAPIKey                 = "ollama"
	DefaultAnthropicModel               = "claude-3-7-sonnet-latest"
	DefaultAnthropicMaxTokens           = 1024
	DefaultCapabilityURL                = "ws://127.0.0.1:8001/ws"
	DefaultCapabilityDialTimeout        = "10s"
	DefaultCapabilityDiscoveryTimeout   = "15s"
	DefaultCapabilityInvokeTimeout      = "30s"
	DefaultCapabilityReconnectInitial   = "500ms"
	DefaultCapabilityReconnectMax       = "30s"
	DefaultCapabilityHealthSchedule     = "@every 30s"
	DefaultCapabilityDataSourceTool     = "list_database_connections"
	DefaultCapabilityDataSourceArg      = "db_connection_name"
	DefaultOrchestratorMaxIterations    = 5
	DefaultOrchestratorMaxParallelTools = 4
	DefaultOrchestratorAnnounceTools    = true
	DefaultSessionInboxSize             = 16
	DefaultSessionCloseTimeout          = "5s"
	DefaultDaemonShutdownTimeout        = "30s"
	DefaultDaemonHealthCheckInterval    = "30s"
	DefaultDaemonLockTimeout            = "2s"
	DefaultDaemonLockRetry              = "100ms"
	DefaultSystemPrompt                 = `You are an expert data analyst assistant. Answer questions by using the tools you are given.

When a question needs data:
1. Discover structure first: call list_tables, then get_table_schema for each relevant table or collection.
2. Query relational sources with run_sql_query and document sources with find_documents using a valid JSON filter.
3. Never guess column or field names; build the query from the schema you retrieved.
4. Use the returned data to write a complete natural-language answer.

For questions that need no tools, answer directly.`
)

// DefaultDataSourceTools are the capability tools that receive the session's selected data source.
var DefaultDataSourceTools = []string{"list_tables", "get_table_schema", "run_sql_query", "find_documents"}

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	// Hardcoded Defaults
	defaults := map[string]interface{}{
		"server.port":             DefaultServerPort,
		"server.log_level":        DefaultServerLogLevel,
		"server.read_timeout":     DefaultServerReadTimeout,
		"server.write_timeout":    DefaultServerWriteTimeout,
		"server.idle_timeout":     DefaultServerIdleTimeout,
		"server.shutdown_timeout": DefaultServerShutdownTimeout,
		"server.max_frame_bytes":  DefaultServerMaxFrameBytes,
		"models.default":          DefaultModelDefault,
		"models.request_timeout":  DefaultModelRequestTimeout,
		"models.registry": []ModelRegistry{
			{Name: "cloud", Provider: "openai", Model: DefaultCloudModel},
			{Name: "local", Provider: "ollama", Model: DefaultLocalModel, BaseURL: DefaultOllamaBaseURL},
		},
		"capability.url":                       DefaultCapabilityURL,
		"capability.dial_timeout":              DefaultCapabilityDialTimeout,
		"capability.discovery_timeout":         DefaultCapabilityDiscoveryTimeout,
		"capability.invoke_timeout":            DefaultCapabilityInvokeTimeout,
		"capability.reconnect_initial_backoff": DefaultCapabilityReconnectInitial,
		"capability.reconnect_max_backoff":     DefaultCapabilityReconnectMax,
		"capability.health_schedule":           DefaultCapabilityHealthSchedule,
		"capability.data_source_tool":          DefaultCapabilityDataSourceTool,
		"capability.data_source_arg":           DefaultCapabilityDataSourceArg,
		"capability.data_source_tools":         DefaultDataSourceTools,
		"orchestrator.max_iterations":          DefaultOrchestratorMaxIterations,
		"orchestrator.max_parallel_tools":      DefaultOrchestratorMaxParallelTools,
		"orchestrator.announce_tool_calls":     DefaultOrchestratorAnnounceTools,
		"session.inbox_size":                   DefaultSessionInboxSize,
		"session.close_timeout":                DefaultSessionCloseTimeout,
		"prompts.system":                       DefaultSystemPrompt,
		"daemon.shutdown_timeout":              DefaultDaemonShutdownTimeout,
		"daemon.health_check_interval":         DefaultDaemonHealthCheckInterval,
		"daemon.lock_timeout":                  DefaultDaemonLockTimeout,
		"daemon.lock_retry":                    DefaultDaemonLockRetry,
		"daemon.lock_path":                     filepath.Join(os.Getenv("HOME"), ".conduit", "conduit.lock"),
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	// Config file loading
	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".conduit", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	// Environment Variables
	k.Load(env.Provider("CONDUIT_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "CONDUIT_")), "_", ".", -1)
	}), nil)

	// CLI Flags
	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	normalizeRegistry(&cfg)

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}

	// Post-Process: Inject standard Env Vars if missing
	injectAPIKey(&cfg, "openai", os.Getenv("OPENAI_API_KEY"))
	injectAPIKey(&cfg, "anthropic", os.Getenv("ANTHROPIC_API_KEY"))
	injectAPIKey(&cfg, "gemini", os.Getenv("GEMINI_API_KEY"))

	return &cfg, nil
}

// FindModel returns the registry entry registered under name.
func (c ModelsConfig) FindModel(name string) (ModelRegistry, bool) {
	for _, entry := range c.Registry {
		if entry.Name == name {
			return entry, true
		}
	}
	return ModelRegistry{}, false
}

func normalizeRegistry(cfg *Config) {
	for i, m := range cfg.Models.Registry {
		if m.Provider == "" {
			cfg.Models.Registry[i].Provider = "openai"
		}
		if m.Name == "" {
			cfg.Models.Registry[i].Name = cfg.Models.Registry[i].Provider
		}
		if cfg.Models.Registry[i].Provider == "ollama" {
			if m.BaseURL == "" {
				cfg.Models.Registry[i].BaseURL = DefaultOllamaBaseURL
			}
			if m.APIKey == "" {
				cfg.Models.Registry[i].APIKey = DefaultOllamaAPIKey
			}
		}
	}
}

func injectAPIKey(cfg *Config, provider, key string) {
	if key == "" {
		return
	}
	for i, m := range cfg.Models.Registry {
		if m.Provider == provider && m.APIKey == "" {
			cfg.Models.Registry[i].APIKey = key
		}
	}
}

func normalizePathFields(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	lockPath, err := expandConfiguredPath(cfg.Daemon.LockPath)
	if err != nil {
		return err
	}
	if lockPath != "" {
		cfg.Daemon.LockPath = lockPath
	}

	return nil
}

func expandConfiguredPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	expanded, err := pathutil.Expand(trimmed)
	if err != nil {
		return "", err
	}
	return expanded, nil
}
