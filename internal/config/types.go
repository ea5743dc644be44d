package config

import "time"

// Config represents the complete taskrelay configuration.
type Config struct {
	Service      ServiceConfig      `yaml:"service"`
	State        StateConfig        `yaml:"state"`
	API          APIConfig          `yaml:"api,omitempty"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	SelectionLog SelectionLogConfig `yaml:"selection_log"`
	LogStreaming LogStreamingConfig `yaml:"log_streaming,omitempty"`
	NATS         NATSConfig         `yaml:"nats,omitempty"`
	Reaper       ReaperConfig       `yaml:"reaper"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig selects and configures the task store backend.
type StateConfig struct {
	// Driver is one of sqlite, postgres, memory.
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	PostgresDSN string `yaml:"postgres_dsn,omitempty"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the single bearer token with full access.
	// Prefer Tokens for scoped access (agents should only hold "agent").
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes. AgentID pins an agent
// token to that delegate's own poll, heartbeat and result routes.
type APIToken struct {
	Token   string   `yaml:"token"`
	Scopes  []string `yaml:"scopes"`
	AgentID string   `yaml:"agent_id,omitempty"`
}

// DispatchConfig holds eligibility and heartbeat windows.
type DispatchConfig struct {
	WhitelistTTL         time.Duration `yaml:"whitelist_ttl"`
	BlacklistTTL         time.Duration `yaml:"blacklist_ttl"`
	MaxHeartbeatAge      time.Duration `yaml:"max_heartbeat_age"`
	EligibilityCacheSize int           `yaml:"eligibility_cache_size"`
	EligibilityCacheTTL  time.Duration `yaml:"eligibility_cache_ttl"`
	AgentCacheSize       int           `yaml:"agent_cache_size"`
}

// SelectionLogConfig controls assignment audit batching.
type SelectionLogConfig struct {
	Enabled          bool          `yaml:"enabled"`
	InactivityWindow time.Duration `yaml:"inactivity_window"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	MaxBatch         int           `yaml:"max_batch"`
	MaxAge           time.Duration `yaml:"max_age"`
	Retention        time.Duration `yaml:"retention"`
}

// LogStreamingConfig points at the log service that issues per-tenant tokens.
type LogStreamingConfig struct {
	URL          string        `yaml:"url"`
	ServiceToken string        `yaml:"service_token"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
	Timeout      time.Duration `yaml:"timeout"`
}

// NATSConfig configures the secondary selection-log sink. Empty URL disables it.
type NATSConfig struct {
	URL           string `yaml:"url"`
	Stream        string `yaml:"stream"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// ReaperConfig controls the expiry sweep.
type ReaperConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "taskrelay",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Driver: "sqlite",
			Path:   "./data/taskrelay.db",
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8080",
		},
		Dispatch: DispatchConfig{
			WhitelistTTL:         6 * time.Hour,
			BlacklistTTL:         5 * time.Minute,
			MaxHeartbeatAge:      5*time.Minute + 15*time.Second,
			EligibilityCacheSize: 10000,
			EligibilityCacheTTL:  2 * time.Minute,
			AgentCacheSize:       1000,
		},
		SelectionLog: SelectionLogConfig{
			Enabled:          true,
			InactivityWindow: time.Second,
			SweepInterval:    time.Second,
			MaxBatch:         500,
			MaxAge:           10 * time.Second,
			Retention:        30 * 24 * time.Hour,
		},
		LogStreaming: LogStreamingConfig{
			TokenTTL: 24 * time.Hour,
			Timeout:  10 * time.Second,
		},
		NATS: NATSConfig{
			Stream:        "SELECTION_LOGS",
			SubjectPrefix: "taskrelay.selection",
		},
		Reaper: ReaperConfig{
			Interval: 30 * time.Second,
		},
	}
}
