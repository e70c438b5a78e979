package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for Jumith.
type Config struct {
	General  GeneralConfig  `json:"general" yaml:"general"`
	LLM      LLMConfig      `json:"llm" yaml:"llm"`
	Registry RegistryConfig `json:"registry" yaml:"registry"`
	Tools    ToolsConfig    `json:"tools" yaml:"tools"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Security SecurityConfig `json:"security" yaml:"security"`
	Channels ChannelsConfig `json:"channels" yaml:"channels"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
	Tracing  TracingConfig  `json:"tracing" yaml:"tracing"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel"`
	LogFile  string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // optional log file path
	MaxSteps int    `json:"maxSteps" yaml:"maxSteps"`                   // agent actions per turn
	History  int    `json:"history" yaml:"history"`                     // messages replayed into the prompt
}

// LLMConfig points at an OpenAI-compatible chat completions endpoint.
type LLMConfig struct {
	APIKey         string  `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	BaseURL        string  `json:"baseUrl" yaml:"baseUrl"`
	Model          string  `json:"model" yaml:"model"`
	TimeoutSeconds int     `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	Temperature    float64 `json:"temperature" yaml:"temperature"`
}

// RegistryConfig configures the remote tool registry. An empty BaseURL
// leaves the registry unconfigured.
type RegistryConfig struct {
	BaseURL        string `json:"baseUrl" yaml:"baseUrl"`
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
}

type ToolsConfig struct {
	Root  string `json:"root" yaml:"root"`
	Watch bool   `json:"watch" yaml:"watch"` // reload the catalog when the install tree changes
}

type StorageConfig struct {
	DBPath string `json:"dbPath" yaml:"dbPath"`
}

type SecurityConfig struct {
	BlockedTools          []string `json:"blockedTools" yaml:"blockedTools"`
	ConfirmTools          []string `json:"confirmTools" yaml:"confirmTools"`
	ConfirmTimeoutSeconds int      `json:"confirmTimeoutSeconds" yaml:"confirmTimeoutSeconds"`
	AuditLog              bool     `json:"auditLog" yaml:"auditLog"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
}

// TelegramConfig enables approval prompts over Telegram. Only ChatID may answer.
type TelegramConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token" yaml:"token"`
	ChatID  int64  `json:"chatId" yaml:"chatId"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Listen  string `json:"listen" yaml:"listen"`
	Path    string `json:"path" yaml:"path"`
}

// TracingConfig configures OTLP/HTTP trace export.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Endpoint    string `json:"endpoint" yaml:"endpoint"`
	Insecure    bool   `json:"insecure" yaml:"insecure"`
	ServiceName string `json:"serviceName" yaml:"serviceName"`
}

// DefaultConfigDir returns the default config directory (~/.jumith).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".jumith"
	}
	return filepath.Join(home, ".jumith")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads the config at path, applies environment overrides and validates
// the result. A .yaml or .yml file is parsed as YAML, anything else as JSON.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	ApplyEnv(cfg)
	cfg.expandPaths()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to the defaults,
// with environment overrides applied, when it does not.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(ExpandPath(path)); os.IsNotExist(err) {
		cfg := Defaults()
		ApplyEnv(cfg)
		cfg.expandPaths()
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("config validation: %w", err)
		}
		return cfg, nil
	}
	return Load(path)
}

// ApplyEnv applies the environment variable overrides. Set variables win
// over file values.
func ApplyEnv(cfg *Config) {
	overrides := []struct {
		env    string
		target *string
	}{
		{"LLM_API_KEY", &cfg.LLM.APIKey},
		{"LLM_BASE_URL", &cfg.LLM.BaseURL},
		{"LLM_MODEL", &cfg.LLM.Model},
		{"REGISTRY_BASE_URL", &cfg.Registry.BaseURL},
		{"TOOL_CACHE_DIR", &cfg.Tools.Root},
		{"JUMITH_DB", &cfg.Storage.DBPath},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.env); ok && strings.TrimSpace(v) != "" {
			*o.target = strings.TrimSpace(v)
		}
	}
}

func (c *Config) expandPaths() {
	c.Tools.Root = ExpandPath(c.Tools.Root)
	c.Storage.DBPath = ExpandPath(c.Storage.DBPath)
	c.General.LogFile = ExpandPath(c.General.LogFile)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// Save writes cfg to path in the format its extension selects.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// The file may carry API keys.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.MaxSteps < 1 || cfg.General.MaxSteps > 50 {
		errs = append(errs, "general.maxSteps must be between 1 and 50")
	}
	if cfg.General.History < 0 {
		errs = append(errs, "general.history must be >= 0")
	}

	if err := checkURL(cfg.LLM.BaseURL); err != nil {
		errs = append(errs, "llm.baseUrl: "+err.Error())
	}
	if strings.TrimSpace(cfg.LLM.Model) == "" {
		errs = append(errs, "llm.model is required")
	}
	if cfg.LLM.TimeoutSeconds < 1 {
		errs = append(errs, "llm.timeoutSeconds must be >= 1")
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, "llm.temperature must be between 0 and 2")
	}

	if cfg.Registry.BaseURL != "" {
		if err := checkURL(cfg.Registry.BaseURL); err != nil {
			errs = append(errs, "registry.baseUrl: "+err.Error())
		}
	}
	if cfg.Registry.TimeoutSeconds < 1 {
		errs = append(errs, "registry.timeoutSeconds must be >= 1")
	}

	if strings.TrimSpace(cfg.Tools.Root) == "" {
		errs = append(errs, "tools.root is required")
	}
	if strings.TrimSpace(cfg.Storage.DBPath) == "" {
		errs = append(errs, "storage.dbPath is required")
	}

	if cfg.Security.ConfirmTimeoutSeconds < 1 {
		errs = append(errs, "security.confirmTimeoutSeconds must be >= 1")
	}
	for _, p := range append(append([]string(nil), cfg.Security.BlockedTools...), cfg.Security.ConfirmTools...) {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, "security patterns must not be blank")
			break
		}
	}

	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			errs = append(errs, "channels.telegram.token is required when telegram is enabled")
		}
		if cfg.Channels.Telegram.ChatID == 0 {
			errs = append(errs, "channels.telegram.chatId is required when telegram is enabled")
		}
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Listen == "" {
			errs = append(errs, "metrics.listen is required when metrics are enabled")
		}
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			errs = append(errs, "metrics.path must start with /")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func checkURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("expected an http(s) URL, got %q", raw)
	}
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
