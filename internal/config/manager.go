package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ChamsBouzaiene/wpchat/internal/protocol"
)

// Duration is a time.Duration that reads and writes as "60s" in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\" or nanoseconds")
	}
	*d = Duration(n)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the user's persistent preferences.
type Config struct {
	ServerURL  string `json:"server_url"`            // websocket backend root, e.g. ws://localhost:8000
	HistoryURL string `json:"history_url,omitempty"` // history REST root, e.g. http://localhost:8000/api
	AuthToken  string `json:"auth_token,omitempty"`

	DefaultMode         string   `json:"default_mode"` // default or agent
	VectorSearchDefault bool     `json:"vector_search_default"`
	WebSearchDefault    bool     `json:"web_search_default"`
	ProviderName        string   `json:"provider_name,omitempty"`
	ModelName           string   `json:"model_name,omitempty"`
	Temperature         *float64 `json:"temperature,omitempty"`
	MaxTokens           *int     `json:"max_tokens,omitempty"`

	QueueDepth           int      `json:"queue_depth"`
	MaxReconnectAttempts int      `json:"max_reconnect_attempts"`
	StallThreshold       Duration `json:"stall_threshold"`
	HeartbeatInterval    Duration `json:"heartbeat_interval"`

	CachePath string `json:"cache_path,omitempty"` // sqlite transcript cache; empty disables
	IndexPath string `json:"index_path,omitempty"` // bleve transcript index; empty disables
	RedisAddr string `json:"redis_addr,omitempty"` // session metadata store; empty uses files in the config dir

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ServerURL:            "ws://localhost:8000",
		HistoryURL:           "http://localhost:8000/api",
		DefaultMode:          "default",
		VectorSearchDefault:  protocol.DefaultDoVectorSearch,
		WebSearchDefault:     protocol.DefaultDoWebSearch,
		QueueDepth:           16,
		MaxReconnectAttempts: 10,
		StallThreshold:       Duration(60 * time.Second),
		HeartbeatInterval:    Duration(25 * time.Second),
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	switch c.DefaultMode {
	case "default", "agent":
	default:
		return fmt.Errorf("%w: default_mode must be default or agent, got %q", protocol.ErrValidation, c.DefaultMode)
	}
	if c.QueueDepth < 1 {
		return fmt.Errorf("%w: queue_depth must be positive", protocol.ErrValidation)
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("%w: max_reconnect_attempts must not be negative", protocol.ErrValidation)
	}
	if c.StallThreshold <= 0 {
		return fmt.Errorf("%w: stall_threshold must be positive", protocol.ErrValidation)
	}
	return c.GenerationDefaults().Validate()
}

// GenerationDefaults converts the generation preferences into send options.
func (c Config) GenerationDefaults() protocol.Options {
	return protocol.Options{
		DoWebSearch:    protocol.Bool(c.WebSearchDefault),
		DoVectorSearch: protocol.Bool(c.VectorSearchDefault),
		ProviderName:   c.ProviderName,
		ModelName:      c.ModelName,
		Temperature:    c.Temperature,
		MaxTokens:      c.MaxTokens,
	}
}

// Set assigns one field by its JSON key, as used by `wpchat config set`.
func (c *Config) Set(key, value string) error {
	parseBool := func() (bool, error) { return strconv.ParseBool(value) }
	var err error
	switch key {
	case "server_url":
		c.ServerURL = value
	case "history_url":
		c.HistoryURL = value
	case "auth_token":
		c.AuthToken = value
	case "default_mode":
		c.DefaultMode = value
	case "vector_search_default":
		c.VectorSearchDefault, err = parseBool()
	case "web_search_default":
		c.WebSearchDefault, err = parseBool()
	case "provider_name":
		c.ProviderName = value
	case "model_name":
		c.ModelName = value
	case "temperature":
		var f float64
		if f, err = strconv.ParseFloat(value, 64); err == nil {
			c.Temperature = &f
		}
	case "max_tokens":
		var n int
		if n, err = strconv.Atoi(value); err == nil {
			c.MaxTokens = &n
		}
	case "queue_depth":
		c.QueueDepth, err = strconv.Atoi(value)
	case "max_reconnect_attempts":
		c.MaxReconnectAttempts, err = strconv.Atoi(value)
	case "stall_threshold":
		var d time.Duration
		if d, err = time.ParseDuration(value); err == nil {
			c.StallThreshold = Duration(d)
		}
	case "heartbeat_interval":
		var d time.Duration
		if d, err = time.ParseDuration(value); err == nil {
			c.HeartbeatInterval = Duration(d)
		}
	case "cache_path":
		c.CachePath = value
	case "index_path":
		c.IndexPath = value
	case "redis_addr":
		c.RedisAddr = value
	case "log_level":
		c.LogLevel = value
	case "log_format":
		c.LogFormat = value
	default:
		return fmt.Errorf("%w: unknown config key %q", protocol.ErrValidation, key)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", protocol.ErrValidation, key, err)
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.AuthToken != "" {
		n := len(c.AuthToken)
		if n > 4 {
			n = 4
		}
		c.AuthToken = strings.Repeat("*", 8) + c.AuthToken[len(c.AuthToken)-n:]
	}
	return c
}

// Manager handles loading and saving the configuration.
type Manager struct {
	configDir string
}

// NewManager creates a manager rooted at the user config dir.
func NewManager() (*Manager, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user config dir: %w", err)
	}
	return &Manager{configDir: filepath.Join(configDir, "wpchat")}, nil
}

// NewManagerAt creates a manager rooted at dir.
func NewManagerAt(dir string) *Manager {
	return &Manager{configDir: dir}
}

// Dir returns the directory holding config.json and local data.
func (m *Manager) Dir() string {
	return m.configDir
}

// GetConfigPath returns the absolute path to the config.json file.
func (m *Manager) GetConfigPath() string {
	return filepath.Join(m.configDir, "config.json")
}

// Load reads the configuration from disk on top of Default.
// If the file does not exist, it returns the defaults and no error.
func (m *Manager) Load() (*Config, error) {
	cfg := Default()
	path := m.GetConfigPath()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config json: %w", err)
	}
	return &cfg, nil
}

// Save writes the configuration to disk with restricted permissions (0600).
func (m *Manager) Save(cfg *Config) error {
	if err := os.MkdirAll(m.configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write to a temp file and rename so watchers never see a half-written file.
	tmp := m.GetConfigPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmp, m.GetConfigPath()); err != nil {
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}

// Exists checks if the configuration file has been created.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.GetConfigPath())
	return !os.IsNotExist(err)
}
