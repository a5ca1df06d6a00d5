// Package config loads service configuration from struct defaults, an
// optional YAML file, and BT__ environment variables (double underscore
// nesting: BT__SERVER__PORT -> server.port).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	koanfyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "BT__"

// Config is the full service configuration.
type Config struct {
	Service  ServiceConfig  `koanf:"service"`
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	NATS     NATSConfig     `koanf:"nats"`
	Engine   EngineConfig   `koanf:"engine"`
}

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name        string `koanf:"name"`
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL pool settings.
type DatabaseConfig struct {
	Host        string        `koanf:"host"`
	Port        int           `koanf:"port"`
	User        string        `koanf:"user"`
	Password    string        `koanf:"password"`
	Database    string        `koanf:"database"`
	SSLMode     string        `koanf:"ssl_mode"`
	MaxConns    int32         `koanf:"max_conns"`
	MinConns    int32         `koanf:"min_conns"`
	MaxConnTime time.Duration `koanf:"max_conn_time"`
	MaxIdleTime time.Duration `koanf:"max_idle_time"`
}

// NATSConfig holds event bus settings.
type NATSConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
	Enabled       bool   `koanf:"enabled"`
}

// EngineConfig holds workflow engine constants.
type EngineConfig struct {
	// ArchivedThreshold is the stage order index at and above which stage
	// templates are archived: kept for audit, never activated.
	ArchivedThreshold int `koanf:"archived_threshold"`
	// TransactionPrefixLen is the number of leading transfer-code
	// characters used to select workflow assignments.
	TransactionPrefixLen int `koanf:"transaction_prefix_len"`
	// OperationAbilities maps boundary operations to the ability tag a
	// caller must hold.
	OperationAbilities map[string]string `koanf:"operation_abilities"`
	// SLAPollInterval is how often the SLA monitor scans active stages.
	SLAPollInterval time.Duration `koanf:"sla_poll_interval"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Service: ServiceConfig{
			Name:        "be-budget-transfers",
			Version:     "dev",
			Environment: "development",
			LogLevel:    "info",
		},
		Server: ServerConfig{
			Port:            8086,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Host:        "localhost",
			Port:        5432,
			User:        "postgres",
			Password:    "postgres",
			Database:    "budget_transfers",
			SSLMode:     "disable",
			MaxConns:    10,
			MinConns:    2,
			MaxConnTime: time.Hour,
			MaxIdleTime: 30 * time.Minute,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "approvals.budget",
			Enabled:       true,
		},
		Engine: EngineConfig{
			ArchivedThreshold:    9999,
			TransactionPrefixLen: 3,
			OperationAbilities: map[string]string{
				"list_pending": "approve",
				"list_history": "approve",
				"act":          "approve",
			},
			SLAPollInterval: 5 * time.Minute,
		},
	}
}

// Load reads configuration with priority env > file > defaults. configPath
// may be empty; when set the file must exist.
func Load(configPath string) (Config, error) {
	k := koanf.New(".")

	defaults := Defaults()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return Config{}, fmt.Errorf("config file not found: %s", configPath)
		}
		if err := k.Load(file.Provider(configPath), koanfyaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file: %w", err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		return strings.ReplaceAll(key, "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Engine.ArchivedThreshold <= 0 {
		return fmt.Errorf("engine.archived_threshold must be positive")
	}
	if c.Engine.TransactionPrefixLen <= 0 {
		return fmt.Errorf("engine.transaction_prefix_len must be positive")
	}
	return nil
}
