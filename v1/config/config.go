// Package config loads the strafkatalog server configuration from YAML.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Lock    LockConfig    `yaml:"lock"`
	Store   StoreConfig   `yaml:"store"`
	Bus     BusConfig     `yaml:"bus"`
	Cache   CacheConfig   `yaml:"cache"`
	Log     LogConfig     `yaml:"log"`
	Tracing TracingConfig `yaml:"tracing"`
	Seed    SeedConfig    `yaml:"seed"`
	Users   []UserConfig  `yaml:"users"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LockConfig struct {
	Lease           time.Duration `yaml:"lease"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	TickInterval    time.Duration `yaml:"tick_interval"`
	// StrictAcquire runs the acquire sequence atomically in the backend.
	StrictAcquire bool `yaml:"strict_acquire"`
}

// StoreConfig selects the backend of the lock and catalog collections.
// Backend is one of memory, sqlite or redis. The redis backend keeps the
// lock in Redis and the catalog in memory.
type StoreConfig struct {
	Backend   string        `yaml:"backend"`
	SQLiteDSN string        `yaml:"sqlite_dsn"`
	RedisAddr string        `yaml:"redis_addr"`
	Timeout   time.Duration `yaml:"timeout"`
}

// BusConfig selects the change notification transport: memory, redis, nats
// or kafka.
type BusConfig struct {
	Backend        string   `yaml:"backend"`
	RedisAddr      string   `yaml:"redis_addr"`
	NATSURL        string   `yaml:"nats_url"`
	KafkaBrokers   []string `yaml:"kafka_brokers"`
	CircuitBreaker bool     `yaml:"circuit_breaker"`
}

type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

type SeedConfig struct {
	// Enabled inserts the bundled catalog into an empty store on startup.
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"`
}

// UserConfig is an account created at startup. PasswordHash is a bcrypt
// hash as printed by the hash-password command. ID is optional; without it
// the ID is derived from the e-mail.
type UserConfig struct {
	ID           string `yaml:"id,omitempty"`
	Email        string `yaml:"email"`
	DisplayName  string `yaml:"display_name"`
	PasswordHash string `yaml:"password_hash"`
	Role         string `yaml:"role"`
}

// Default returns a single-node configuration backed by memory.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 5 * time.Second,
		},
		Lock: LockConfig{
			Lease:           120 * time.Second,
			RefreshInterval: 60 * time.Second,
			TickInterval:    time.Second,
		},
		Store: StoreConfig{
			Backend:   "memory",
			SQLiteDSN: "strafkatalog.db",
			RedisAddr: "localhost:6379",
			Timeout:   5 * time.Second,
		},
		Bus: BusConfig{
			Backend:   "memory",
			RedisAddr: "localhost:6379",
			NATSURL:   "nats://localhost:4222",
		},
		Cache: CacheConfig{
			Enabled: true,
			TTL:     5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Seed: SeedConfig{Enabled: true},
	}
}

// Load reads path on top of Default. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Lock.Lease <= 0 {
		return fmt.Errorf("lock.lease must be positive")
	}
	if c.Lock.RefreshInterval <= 0 || c.Lock.RefreshInterval >= c.Lock.Lease {
		return fmt.Errorf("lock.refresh_interval must be positive and shorter than lock.lease")
	}
	if c.Lock.TickInterval <= 0 {
		return fmt.Errorf("lock.tick_interval must be positive")
	}
	switch c.Store.Backend {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	switch c.Bus.Backend {
	case "memory", "redis", "nats":
	case "kafka":
		if len(c.Bus.KafkaBrokers) == 0 {
			return fmt.Errorf("bus.kafka_brokers is required for the kafka bus")
		}
	default:
		return fmt.Errorf("unknown bus.backend %q", c.Bus.Backend)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	for i, u := range c.Users {
		if u.Email == "" || u.PasswordHash == "" {
			return fmt.Errorf("users[%d]: email and password_hash are required", i)
		}
		if u.Role != "" && u.Role != "admin" && u.Role != "user" {
			return fmt.Errorf("users[%d]: unknown role %q", i, u.Role)
		}
	}
	return nil
}
