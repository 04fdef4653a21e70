package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults and validates the configuration file at
// configPath.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes YAML configuration. Unknown keys are errors.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolateEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover finds the config file by checking standard locations.
// Priority order: $RMIAGENT_CONFIG, ~/.config/rmiagent/config.yaml,
// /etc/rmiagent/config.yaml, ./config.yaml.
func Discover() (string, error) {
	var candidates []string
	if p := os.Getenv("RMIAGENT_CONFIG"); p != "" {
		candidates = append(candidates, p)
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "rmiagent", "config.yaml"))
	}
	candidates = append(candidates, "/etc/rmiagent/config.yaml", "./config.yaml")

	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $RMIAGENT_CONFIG, ~/.config/rmiagent, /etc/rmiagent, ./config.yaml)")
}

func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.StateDir == "" {
		cfg.Service.StateDir = defaults.Service.StateDir
	}

	if cfg.Consumer.Queue == "" {
		cfg.Consumer.Queue = defaults.Consumer.Queue
	}
	if cfg.Consumer.Wait == 0 {
		cfg.Consumer.Wait = defaults.Consumer.Wait
	}
	if cfg.Consumer.ReopenDelay == 0 {
		cfg.Consumer.ReopenDelay = defaults.Consumer.ReopenDelay
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = defaults.Redis.Prefix
	}

	if cfg.Ledger.Driver == "" {
		cfg.Ledger.Driver = defaults.Ledger.Driver
	}

	if cfg.Isolated.PollInterval == 0 {
		cfg.Isolated.PollInterval = defaults.Isolated.PollInterval
	}
	if cfg.Isolated.Grace == 0 {
		cfg.Isolated.Grace = defaults.Isolated.Grace
	}
	if cfg.Isolated.PingInterval == 0 {
		cfg.Isolated.PingInterval = defaults.Isolated.PingInterval
	}

	if cfg.Progress.ReportTimeout == 0 {
		cfg.Progress.ReportTimeout = defaults.Progress.ReportTimeout
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	if cfg.Presence.Prefix == "" {
		cfg.Presence.Prefix = defaults.Presence.Prefix
	}
	if cfg.Presence.TTL == 0 {
		cfg.Presence.TTL = defaults.Presence.TTL
	}
	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place; Validate reports it where it matters.
		return match
	})
}

// Validate checks the configuration for values the agent cannot run with.
func (cfg *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.StateDir == "" {
		return fmt.Errorf("service.state_dir is required")
	}

	if cfg.Consumer.Queue == "" {
		return fmt.Errorf("consumer.queue is required")
	}
	if cfg.Consumer.Wait <= 0 {
		return fmt.Errorf("consumer.wait must be positive")
	}
	if cfg.Consumer.ReopenDelay <= 0 {
		return fmt.Errorf("consumer.reopen_delay must be positive")
	}
	if cfg.Consumer.RateLimit < 0 {
		return fmt.Errorf("consumer.rate_limit must not be negative")
	}

	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if err := checkResolved("redis.password", cfg.Redis.Password); err != nil {
		return err
	}

	switch cfg.Ledger.Driver {
	case "file", "sqlite":
	default:
		return fmt.Errorf("ledger.driver must be one of: file, sqlite (got %q)", cfg.Ledger.Driver)
	}

	if cfg.Isolated.PollInterval <= 0 || cfg.Isolated.Grace <= 0 || cfg.Isolated.PingInterval <= 0 {
		return fmt.Errorf("isolated.poll_interval, isolated.grace and isolated.ping_interval must be positive")
	}
	if cfg.Progress.ReportTimeout <= 0 {
		return fmt.Errorf("progress.report_timeout must be positive")
	}

	if cfg.API.Enabled {
		if len(cfg.API.Tokens) == 0 {
			return fmt.Errorf("api.tokens: at least one token is required when the API is enabled")
		}
		for i, tok := range cfg.API.Tokens {
			field := fmt.Sprintf("api.tokens[%d].token", i)
			if tok.Token == "" {
				return fmt.Errorf("%s is required", field)
			}
			if err := checkResolved(field, tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	if len(cfg.Presence.Endpoints) > 0 && cfg.Presence.TTL < time.Second {
		return fmt.Errorf("presence.ttl must be at least 1s (got %s)", cfg.Presence.TTL)
	}
	return nil
}

func checkResolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}
