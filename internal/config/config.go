// Package config loads runtime configuration for the control plane,
// layering defaults, environment variables (MAINTHREAD_-prefixed, plus
// unprefixed CORS_ORIGINS and CACHE_*), and command-line flags, in that
// order of increasing precedence.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds the control plane's runtime configuration.
type Config struct {
	Addr     string
	DataDir  string
	LogLevel string

	MaxAgents        int
	AgentTimeout     time.Duration
	MaxRetries       int
	RetryDelay       time.Duration
	RetentionWindow  time.Duration
	WatchdogInterval time.Duration
	HousekeepInterval time.Duration

	CORSOrigins []string

	CacheEnabled     bool
	CacheMaxClients  int
	CacheTTLSeconds  int
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "mainthread")
	}
	return filepath.Join(home, ".config", "mainthread")
}

var defaults = map[string]any{
	"addr":               ":4417",
	"data_dir":           defaultDataDir(),
	"log_level":          "info",
	"max_agents":         10,
	"agent_timeout":      "1800s",
	"max_retries":        2,
	"retry_delay":        "3s",
	"retention_window":   "24h",
	"watchdog_interval":  "15s",
	"housekeep_interval": "3600s",
	"cors_origins":       "",
	"cache_enabled":      false,
	"cache_max_clients":  10,
	"cache_ttl_seconds":  300,
}

// Load builds a Config from defaults, MAINTHREAD_-prefixed environment
// variables, and the flag set parsed from args (excluding argv[0]).
func Load(args []string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	// CORS_ORIGINS and the CACHE_* settings are also read without the
	// MAINTHREAD_ prefix; a prefixed variable of the same name wins.
	for _, name := range []string{"CORS_ORIGINS", "CACHE_ENABLED", "CACHE_MAX_CLIENTS", "CACHE_TTL_SECONDS"} {
		if v, ok := os.LookupEnv(name); ok {
			if err := k.Set(strings.ToLower(name), v); err != nil {
				return nil, fmt.Errorf("load env %s: %w", name, err)
			}
		}
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix: "MAINTHREAD_",
		TransformFunc: func(k, v string) (string, any) {
			key := strings.ToLower(strings.TrimPrefix(k, "MAINTHREAD_"))
			return key, v
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	fs := flag.NewFlagSet("mainthread", flag.ContinueOnError)
	addr := fs.String("addr", k.String("addr"), "listen address")
	dataDir := fs.String("data-dir", k.String("data_dir"), "data directory")
	logLevel := fs.String("log-level", k.String("log_level"), "log level (debug|info|warn|error)")
	maxAgents := fs.Int("max-agents", k.Int("max_agents"), "maximum concurrent agent turns")
	maxRetries := fs.Int("max-retries", k.Int("max_retries"), "maximum retry attempts per turn")
	corsOrigins := fs.String("cors-origins", k.String("cors_origins"), "comma-separated CORS origins")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	agentTimeoutStr := k.String("agent_timeout")
	if _, err := strconv.Atoi(agentTimeoutStr); err == nil {
		agentTimeoutStr += "s" // a bare number is a count of seconds
	}
	agentTimeout, err := time.ParseDuration(agentTimeoutStr)
	if err != nil {
		return nil, fmt.Errorf("parse agent_timeout: %w", err)
	}
	retryDelay, err := time.ParseDuration(k.String("retry_delay"))
	if err != nil {
		return nil, fmt.Errorf("parse retry_delay: %w", err)
	}
	retention, err := time.ParseDuration(k.String("retention_window"))
	if err != nil {
		return nil, fmt.Errorf("parse retention_window: %w", err)
	}
	watchdogInterval, err := time.ParseDuration(k.String("watchdog_interval"))
	if err != nil {
		return nil, fmt.Errorf("parse watchdog_interval: %w", err)
	}
	housekeepInterval, err := time.ParseDuration(k.String("housekeep_interval"))
	if err != nil {
		return nil, fmt.Errorf("parse housekeep_interval: %w", err)
	}

	var origins []string
	if *corsOrigins != "" {
		for _, o := range strings.Split(*corsOrigins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
	}

	cfg := &Config{
		Addr:              *addr,
		DataDir:           *dataDir,
		LogLevel:          *logLevel,
		MaxAgents:         *maxAgents,
		AgentTimeout:      agentTimeout,
		MaxRetries:        *maxRetries,
		RetryDelay:        retryDelay,
		RetentionWindow:   retention,
		WatchdogInterval:  watchdogInterval,
		HousekeepInterval: housekeepInterval,
		CORSOrigins:       origins,
		CacheEnabled:      k.Bool("cache_enabled"),
		CacheMaxClients:   k.Int("cache_max_clients"),
		CacheTTLSeconds:   k.Int("cache_ttl_seconds"),
	}
	return cfg, cfg.Validate()
}

// Validate checks configuration values and ensures the data directory exists.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.MaxAgents <= 0 {
		return fmt.Errorf("max-agents must be positive")
	}
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

// DBPath returns the path to the SQLite database file.
func (c *Config) DBPath() string {
	if override := os.Getenv("DATABASE_PATH"); override != "" {
		return override
	}
	return filepath.Join(c.DataDir, "mainthread.db")
}
