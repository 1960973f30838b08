package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WPCHAT_"

// ApplyEnv overrides cfg fields from WPCHAT_* environment variables. getenv
// defaults to os.Getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	get := func(key string) string { return strings.TrimSpace(getenv(EnvPrefix + key)) }

	setString := func(key string, dst *string) {
		if v := get(key); v != "" {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) {
		if v, err := strconv.ParseBool(get(key)); err == nil {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, err := strconv.Atoi(get(key)); err == nil {
			*dst = v
		}
	}
	setDuration := func(key string, dst *Duration) {
		if v, err := time.ParseDuration(get(key)); err == nil {
			*dst = Duration(v)
		}
	}

	setString("SERVER_URL", &cfg.ServerURL)
	setString("HISTORY_URL", &cfg.HistoryURL)
	setString("AUTH_TOKEN", &cfg.AuthToken)
	setString("DEFAULT_MODE", &cfg.DefaultMode)
	setBool("VECTOR_SEARCH_DEFAULT", &cfg.VectorSearchDefault)
	setBool("WEB_SEARCH_DEFAULT", &cfg.WebSearchDefault)
	setString("PROVIDER_NAME", &cfg.ProviderName)
	setString("MODEL_NAME", &cfg.ModelName)
	if v, err := strconv.ParseFloat(get("TEMPERATURE"), 64); err == nil {
		cfg.Temperature = &v
	}
	if v, err := strconv.Atoi(get("MAX_TOKENS")); err == nil {
		cfg.MaxTokens = &v
	}
	setInt("QUEUE_DEPTH", &cfg.QueueDepth)
	setInt("MAX_RECONNECT_ATTEMPTS", &cfg.MaxReconnectAttempts)
	setDuration("STALL_THRESHOLD", &cfg.StallThreshold)
	setDuration("HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval)
	setString("CACHE_PATH", &cfg.CachePath)
	setString("INDEX_PATH", &cfg.IndexPath)
	setString("REDIS_ADDR", &cfg.RedisAddr)
	setString("LOG_LEVEL", &cfg.LogLevel)
	setString("LOG_FORMAT", &cfg.LogFormat)
}

// LoadEffective loads the file and applies environment overrides.
func (m *Manager) LoadEffective() (*Config, error) {
	cfg, err := m.Load()
	if err != nil {
		return nil, err
	}
	ApplyEnv(cfg, nil)
	return cfg, nil
}
