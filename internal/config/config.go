package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	BaseDir         string                `toml:"base_dir"`
	Staging         StagingConfig         `toml:"staging"`
	NATS            NATSConfig            `toml:"nats"`
	Database        DatabaseConfig        `toml:"database"`
	HTTP            HTTPConfig            `toml:"http"`
	GRPC            GRPCConfig            `toml:"grpc"`
	Logging         LoggingConfig         `toml:"logging"`
	DirectoryServer DirectoryServerConfig `toml:"directory_server"`
}

// StagingConfig gates the staging responder. A missing [staging] section
// leaves Enabled false.
type StagingConfig struct {
	Enabled bool `toml:"enabled"`
	Workers int  `toml:"workers"`
	Queue   int  `toml:"queue_size"`
}

type NATSConfig struct {
	URL            string        `toml:"url"`
	Name           string        `toml:"name"`
	ConnectTimeout time.Duration `toml:"connect_timeout"`
	ConnectRetries int           `toml:"connect_retries"`
}

// DatabaseConfig selects the task store. An empty URL keeps task records in
// memory.
type DatabaseConfig struct {
	URL           string `toml:"url"`
	MigrateOnBoot bool   `toml:"migrate_on_boot"`
	MaxOpenConns  int    `toml:"max_open_conns"`
}

type HTTPConfig struct {
	Addr string `toml:"addr"`
}

type GRPCConfig struct {
	Addr string `toml:"addr"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

type DirectoryServerConfig struct {
	// BaseURL is the externally reachable address of the HTTP API, used to
	// build streaming log URLs.
	BaseURL string `toml:"base_url"`
}

// Default returns a configuration with staging disabled and local addresses.
func Default() Config {
	return Config{
		BaseDir: "/tmp/dea_ng",
		Staging: StagingConfig{
			Workers: 3,
			Queue:   64,
		},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			Name:           "dea-ng",
			ConnectTimeout: 5 * time.Second,
			ConnectRetries: 5,
		},
		Database: DatabaseConfig{
			MigrateOnBoot: true,
			MaxOpenConns:  10,
		},
		HTTP:    HTTPConfig{Addr: ":8080"},
		GRPC:    GRPCConfig{Addr: ":8081"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the TOML file at path (skipped when path is empty), applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadToml(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if _, err := toml.Decode(string(data), out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("NATS_URL"); ok && v != "" {
		cfg.NATS.URL = v
	}
	if v, ok := os.LookupEnv("DATABASE_URL"); ok {
		cfg.Database.URL = v
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok && v != "" {
		cfg.Logging.Level = v
	}
	if v, ok := os.LookupEnv("STAGING_ENABLED"); ok {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Staging.Enabled = enabled
		}
	}
	if v, ok := os.LookupEnv("HTTP_ADDR"); ok && v != "" {
		cfg.HTTP.Addr = v
	}
	if v, ok := os.LookupEnv("GRPC_ADDR"); ok && v != "" {
		cfg.GRPC.Addr = v
	}
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Staging.Workers <= 0 {
		cfg.Staging.Workers = def.Staging.Workers
	}
	if cfg.Staging.Queue <= 0 {
		cfg.Staging.Queue = def.Staging.Queue
	}
	if cfg.NATS.ConnectTimeout <= 0 {
		cfg.NATS.ConnectTimeout = def.NATS.ConnectTimeout
	}
	if cfg.DirectoryServer.BaseURL == "" {
		cfg.DirectoryServer.BaseURL = "http://localhost" + portSuffix(cfg.HTTP.Addr)
	}
	cfg.DirectoryServer.BaseURL = strings.TrimRight(cfg.DirectoryServer.BaseURL, "/")
}

func portSuffix(addr string) string {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[i:]
	}
	return ""
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return fmt.Errorf("config missing base_dir")
	}
	if strings.TrimSpace(cfg.NATS.URL) == "" {
		return fmt.Errorf("config missing nats.url")
	}
	if strings.TrimSpace(cfg.HTTP.Addr) == "" {
		return fmt.Errorf("config missing http.addr")
	}
	if cfg.NATS.ConnectRetries < 0 {
		return fmt.Errorf("nats.connect_retries must not be negative")
	}
	return nil
}
