package config

import (
	"path/filepath"
	"time"
)

// Config represents the complete rmiagent configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Consumer ConsumerConfig `yaml:"consumer"`
	Redis    RedisConfig    `yaml:"redis"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Isolated IsolatedConfig `yaml:"isolated"`
	Progress ProgressConfig `yaml:"progress"`
	API      APIConfig      `yaml:"api,omitempty"`
	Presence PresenceConfig `yaml:"presence,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	// StateDir holds the lock file, the sqlite database and the file ledger.
	StateDir string `yaml:"state_dir"`
}

// ConsumerConfig defines the request queue reader.
type ConsumerConfig struct {
	Queue       string        `yaml:"queue"`
	Wait        time.Duration `yaml:"wait"`
	ReopenDelay time.Duration `yaml:"reopen_delay"`
	RateLimit   float64       `yaml:"rate_limit,omitempty"` // requests per second, 0 = unlimited
	Burst       int           `yaml:"burst,omitempty"`
}

// RedisConfig defines the broker connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix"`
}

// LedgerConfig selects where cancellation marks are persisted.
type LedgerConfig struct {
	Driver string `yaml:"driver"` // "file" or "sqlite"
	Dir    string `yaml:"dir,omitempty"`
}

// IsolatedConfig tunes worker processes.
type IsolatedConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Grace        time.Duration `yaml:"grace"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

type ProgressConfig struct {
	ReportTimeout time.Duration `yaml:"report_timeout"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool       `yaml:"enabled"`
	Listen  string     `yaml:"listen"`
	Tokens  []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// PresenceConfig enables etcd registration when Endpoints is set.
type PresenceConfig struct {
	Endpoints []string      `yaml:"endpoints,omitempty"`
	Prefix    string        `yaml:"prefix,omitempty"`
	TTL       time.Duration `yaml:"ttl,omitempty"`
}

// DBPath is the sqlite database holding the request journal.
func (c *Config) DBPath() string { return filepath.Join(c.Service.StateDir, "agent.db") }

// LockPath is the PID lock guarding the state directory.
func (c *Config) LockPath() string { return filepath.Join(c.Service.StateDir, "agent.lock") }

// LedgerDir is the file ledger directory.
func (c *Config) LedgerDir() string {
	if c.Ledger.Dir != "" {
		return c.Ledger.Dir
	}
	return filepath.Join(c.Service.StateDir, "cancelled")
}

// Defaults returns a Config with the defaults for every section.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "rmiagent",
			LogLevel: "info",
			StateDir: "./data",
		},
		Consumer: ConsumerConfig{
			Queue:       "agent",
			Wait:        3 * time.Second,
			ReopenDelay: 10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:   "127.0.0.1:6379",
			Prefix: "rmi:",
		},
		Ledger: LedgerConfig{
			Driver: "file",
		},
		Isolated: IsolatedConfig{
			PollInterval: 100 * time.Millisecond,
			Grace:        5 * time.Second,
			PingInterval: time.Second,
		},
		Progress: ProgressConfig{
			ReportTimeout: 10 * time.Second,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Presence: PresenceConfig{
			Prefix: "/rmiagent/agents",
			TTL:    15 * time.Second,
		},
	}
}
