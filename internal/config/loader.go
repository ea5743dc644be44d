package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/taskrelay/internal/auth"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file or a directory containing config.yaml.
// When a .checksums manifest sits next to the file, the file must match it.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return cfg, nil
}

// Parse interpolates ${VAR} references, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyConfigDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func resolveConfigPath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// DiscoverConfigPath finds the config by checking standard locations.
// Priority order: $TASKRELAY_CONFIG, ~/.config/taskrelay, /etc/taskrelay, ./config.yaml
func DiscoverConfigPath() (string, error) {
	if p := os.Getenv("TASKRELAY_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "taskrelay")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}

	systemConfigDir := "/etc/taskrelay"
	if _, err := os.Stat(systemConfigDir); err == nil {
		return systemConfigDir, nil
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $TASKRELAY_CONFIG, ~/.config/taskrelay, /etc/taskrelay, ./config.yaml)")
}

func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	m, err := ReadManifest(dir)
	if errors.Is(err, ErrNoManifest) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := m.Verify(path); err != nil {
		return fmt.Errorf("config verification failed: %w\n"+
			"If the edit was intentional, run: taskrelay config lock --config %s", err, dir)
	}
	return nil
}

// applyConfigDefaults fills zero values from Defaults().
func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.State.Driver == "" {
		cfg.State.Driver = defaults.State.Driver
	}
	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}

	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = defaults.API
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	d := &cfg.Dispatch
	if d.WhitelistTTL == 0 {
		d.WhitelistTTL = defaults.Dispatch.WhitelistTTL
	}
	if d.BlacklistTTL == 0 {
		d.BlacklistTTL = defaults.Dispatch.BlacklistTTL
	}
	if d.MaxHeartbeatAge == 0 {
		d.MaxHeartbeatAge = defaults.Dispatch.MaxHeartbeatAge
	}
	if d.EligibilityCacheSize == 0 {
		d.EligibilityCacheSize = defaults.Dispatch.EligibilityCacheSize
	}
	if d.EligibilityCacheTTL == 0 {
		d.EligibilityCacheTTL = defaults.Dispatch.EligibilityCacheTTL
	}
	if d.AgentCacheSize == 0 {
		d.AgentCacheSize = defaults.Dispatch.AgentCacheSize
	}

	// selection_log.enabled defaults to true only when the section is absent.
	sl := &cfg.SelectionLog
	if *sl == (SelectionLogConfig{}) {
		*sl = defaults.SelectionLog
	}
	if sl.InactivityWindow == 0 {
		sl.InactivityWindow = defaults.SelectionLog.InactivityWindow
	}
	if sl.SweepInterval == 0 {
		sl.SweepInterval = defaults.SelectionLog.SweepInterval
	}
	if sl.MaxBatch == 0 {
		sl.MaxBatch = defaults.SelectionLog.MaxBatch
	}
	if sl.MaxAge == 0 {
		sl.MaxAge = defaults.SelectionLog.MaxAge
	}
	if sl.Retention == 0 {
		sl.Retention = defaults.SelectionLog.Retention
	}

	if cfg.LogStreaming.TokenTTL == 0 {
		cfg.LogStreaming.TokenTTL = defaults.LogStreaming.TokenTTL
	}
	if cfg.LogStreaming.Timeout == 0 {
		cfg.LogStreaming.Timeout = defaults.LogStreaming.Timeout
	}

	if cfg.NATS.Stream == "" {
		cfg.NATS.Stream = defaults.NATS.Stream
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = defaults.NATS.SubjectPrefix
	}

	if cfg.Reaper.Interval == 0 {
		cfg.Reaper.Interval = defaults.Reaper.Interval
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	switch cfg.State.Driver {
	case "sqlite":
		if cfg.State.Path == "" {
			return fmt.Errorf("state.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.State.PostgresDSN == "" {
			return fmt.Errorf("state.postgres_dsn is required for the postgres driver")
		}
		if err := checkUnresolved("state.postgres_dsn", cfg.State.PostgresDSN); err != nil {
			return err
		}
	case "memory":
	default:
		return fmt.Errorf("state.driver must be one of: sqlite, postgres, memory (got %q)", cfg.State.Driver)
	}

	if cfg.API.Enabled {
		if err := checkUnresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			field := fmt.Sprintf("api.auth.tokens[%d].token", i)
			if tok.Token == "" {
				return fmt.Errorf("%s is required", field)
			}
			if err := checkUnresolved(field, tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
			for _, scope := range tok.Scopes {
				if !auth.KnownScope(strings.TrimSpace(scope)) {
					return fmt.Errorf("api.auth.tokens[%d].scopes: unknown scope %q", i, scope)
				}
			}
		}
	}

	d := cfg.Dispatch
	if d.BlacklistTTL >= d.WhitelistTTL {
		return fmt.Errorf("dispatch.blacklist_ttl (%s) must be shorter than dispatch.whitelist_ttl (%s)", d.BlacklistTTL, d.WhitelistTTL)
	}
	if d.MaxHeartbeatAge <= 0 {
		return fmt.Errorf("dispatch.max_heartbeat_age must be positive")
	}
	if d.EligibilityCacheSize < 0 || d.AgentCacheSize < 0 {
		return fmt.Errorf("dispatch cache sizes must not be negative")
	}

	if cfg.SelectionLog.MaxBatch < 0 {
		return fmt.Errorf("selection_log.max_batch must not be negative")
	}

	if cfg.LogStreaming.URL != "" {
		if err := checkUnresolved("log_streaming.service_token", cfg.LogStreaming.ServiceToken); err != nil {
			return err
		}
	}

	if cfg.Reaper.Interval < 0 {
		return fmt.Errorf("reaper.interval must not be negative")
	}
	return nil
}

// checkUnresolved rejects values that still contain ${VAR} placeholders.
func checkUnresolved(field, value string) error {
	if !envVarPattern.MatchString(value) {
		return nil
	}
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return fmt.Errorf("%s: unresolved environment variable", field)
}
