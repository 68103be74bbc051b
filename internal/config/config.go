// Package config loads the server/agent configuration, grounded on
// zkoranges-go-claw's internal/config/config.go: built-in defaults come
// first, a YAML file (when given) overrides them, and environment variables
// override individual fields of both.
//
// Allowed sections mirror spec.md §9's enumerated option list exactly:
// db.*, server.*, scheduler.*, jwe.*, log.*.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type DBConfig struct {
	URL      string `yaml:"url"`
	PoolSize int    `yaml:"pool_size"`
}

type ServerConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	AgentOverdueTTL   time.Duration `yaml:"agent_overdue_ttl"`
	BindAddr          string        `yaml:"bind_addr"`
}

type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	Lookahead    time.Duration `yaml:"lookahead"`
}

type JWEConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
}

type LogConfig struct {
	Dir           string `yaml:"dir"`
	MaxFileBytes  int64  `yaml:"max_file_bytes"`
	RetentionDays int    `yaml:"retention_days"`
	Level         string `yaml:"level"`
}

type Config struct {
	DB        DBConfig        `yaml:"db"`
	Server    ServerConfig    `yaml:"server"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	JWE       JWEConfig       `yaml:"jwe"`
	Log       LogConfig       `yaml:"log"`
}

func defaultConfig() Config {
	return Config{
		DB: DBConfig{
			URL:      "postgres://localhost:5432/hetuflow",
			PoolSize: 10,
		},
		Server: ServerConfig{
			HeartbeatInterval: 10 * time.Second,
			AgentOverdueTTL:   30 * time.Second,
			BindAddr:          ":8080",
		},
		Scheduler: SchedulerConfig{
			TickInterval: 5 * time.Second,
			Lookahead:    30 * time.Second,
		},
		JWE: JWEConfig{
			TTLSeconds: 3600,
		},
		Log: LogConfig{
			Dir:           "./log",
			MaxFileBytes:  100 * 1024 * 1024,
			RetentionDays: 30,
			Level:         "info",
		},
	}
}

// Load reads path (if it exists) over the defaults, then applies env
// overrides. A missing file is not an error — an all-defaults Config with
// env overrides is a valid bootstrap (spec.md §4.10 step 1).
func Load(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HETUFLOW_DB_URL"); v != "" {
		cfg.DB.URL = v
	}
	if v := os.Getenv("HETUFLOW_DB_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DB.PoolSize = n
		}
	}
	if v := os.Getenv("HETUFLOW_SERVER_BIND_ADDR"); v != "" {
		cfg.Server.BindAddr = v
	}
	if v := os.Getenv("HETUFLOW_SERVER_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("HETUFLOW_SERVER_AGENT_OVERDUE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.AgentOverdueTTL = d
		}
	}
	if v := os.Getenv("HETUFLOW_SCHEDULER_TICK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.TickInterval = d
		}
	}
	if v := os.Getenv("HETUFLOW_SCHEDULER_LOOKAHEAD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.Lookahead = d
		}
	}
	if v := os.Getenv("HETUFLOW_JWE_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.JWE.TTLSeconds = n
		}
	}
	if v := os.Getenv("HETUFLOW_LOG_DIR"); v != "" {
		cfg.Log.Dir = v
	}
	if v := os.Getenv("HETUFLOW_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("HETUFLOW_LOG_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Log.RetentionDays = n
		}
	}
}
