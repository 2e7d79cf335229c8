package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Built-in defaults applied by ApplyDefaults when the file/env leave a
// field unset.
const (
	DefaultMaxAttempts      = 3
	DefaultQueueExpiry      = 24 * time.Hour
	DefaultSweepInterval    = 30 * time.Second
	DefaultSweepBatch       = 100
	DefaultRetentionDays    = 90
	DefaultGracePeriodDays  = 30
	DefaultQueueCleanupDays = 7
	DefaultRetentionCron    = "0 3 * * *"
	DefaultMaxContentBytes  = 64 * 1024
)

// DefaultBackoff is the retry schedule for queued deliveries; later retries
// reuse the last delay.
var DefaultBackoff = []time.Duration{5 * time.Second, 15 * time.Second, 60 * time.Second}

// Load reads the YAML config at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields with the built-in defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.DBPath == "" {
		cfg.Server.DBPath = "./.database"
	}
	if cfg.Limits.MaxContentBytes == 0 {
		cfg.Limits.MaxContentBytes = DefaultMaxContentBytes
	}
	if cfg.Limits.CleanupInterval == 0 {
		cfg.Limits.CleanupInterval = Duration(time.Minute)
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Queue.Expiry == 0 {
		cfg.Queue.Expiry = Duration(DefaultQueueExpiry)
	}
	if len(cfg.Queue.Backoff) == 0 {
		for _, d := range DefaultBackoff {
			cfg.Queue.Backoff = append(cfg.Queue.Backoff, Duration(d))
		}
	}
	if cfg.Queue.SweepInterval == 0 {
		cfg.Queue.SweepInterval = Duration(DefaultSweepInterval)
	}
	if cfg.Queue.SweepBatch == 0 {
		cfg.Queue.SweepBatch = DefaultSweepBatch
	}
	if cfg.Retention.Cron == "" {
		cfg.Retention.Cron = DefaultRetentionCron
	}
	if cfg.Retention.RetentionDays == 0 {
		cfg.Retention.RetentionDays = DefaultRetentionDays
	}
	if cfg.Retention.GracePeriodDays == 0 {
		cfg.Retention.GracePeriodDays = DefaultGracePeriodDays
	}
	if cfg.Retention.QueueCleanupDays == 0 {
		cfg.Retention.QueueCleanupDays = DefaultQueueCleanupDays
	}
}

// BackoffDurations converts the configured backoff schedule.
func (q QueueConfig) BackoffDurations() []time.Duration {
	out := make([]time.Duration, 0, len(q.Backoff))
	for _, d := range q.Backoff {
		out = append(out, d.Duration())
	}
	return out
}

// LoadEnvOverrides applies environment overrides onto cfg and reports
// whether any env vars were used.
func LoadEnvOverrides(cfg *Config) bool {
	envUsed := false
	parseList := func(v string) []string {
		parts := []string{}
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				parts = append(parts, s)
			}
		}
		return parts
	}

	if host := os.Getenv("TWINCHAT_ADDRESS"); host != "" {
		envUsed = true
		cfg.Server.Address = host
	}
	if port := os.Getenv("TWINCHAT_PORT"); port != "" {
		if pi, err := strconv.Atoi(port); err == nil {
			envUsed = true
			cfg.Server.Port = pi
		}
	}
	if v := os.Getenv("TWINCHAT_DB_PATH"); v != "" {
		envUsed = true
		cfg.Server.DBPath = v
	}
	if v := os.Getenv("TWINCHAT_CORS_ORIGINS"); v != "" {
		envUsed = true
		cfg.Security.CORS.AllowedOrigins = parseList(v)
	}
	if v := os.Getenv("TWINCHAT_INGRESS_RPS"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			envUsed = true
			cfg.Security.Ingress.RPS = f
		}
	}
	if v := os.Getenv("TWINCHAT_INGRESS_BURST"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Security.Ingress.Burst = n
		}
	}
	if v := os.Getenv("TWINCHAT_API_BACKEND_KEYS"); v != "" {
		envUsed = true
		cfg.Security.APIKeys.Backend = parseList(v)
	}
	if v := os.Getenv("TWINCHAT_API_FRONTEND_KEYS"); v != "" {
		envUsed = true
		cfg.Security.APIKeys.Frontend = parseList(v)
	}
	if v := os.Getenv("TWINCHAT_API_ADMIN_KEYS"); v != "" {
		envUsed = true
		cfg.Security.APIKeys.Admin = parseList(v)
	}
	if v := os.Getenv("TWINCHAT_SIGNING_KEYS"); v != "" {
		envUsed = true
		cfg.Security.SigningKeys = parseList(v)
	}
	if c := os.Getenv("TWINCHAT_TLS_CERT"); c != "" {
		envUsed = true
		cfg.Server.TLS.CertFile = c
	}
	if k := os.Getenv("TWINCHAT_TLS_KEY"); k != "" {
		envUsed = true
		cfg.Server.TLS.KeyFile = k
	}
	return envUsed
}

// LoadEffective loads config from the given path and applies environment
// overrides and defaults. A missing file is not fatal; env and defaults
// still apply.
func LoadEffective(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err != nil {
		cfg = &Config{}
	}
	envUsed := LoadEnvOverrides(cfg)
	ApplyDefaults(cfg)
	if cfg.Security.SigningKeys == nil {
		// signing keys default to the backend API keys
		cfg.Security.SigningKeys = append(cfg.Security.SigningKeys, cfg.Security.APIKeys.Backend...)
	}
	return cfg, envUsed, nil
}

// ParseCommandFlags defines and parses command-line flags and returns their
// values along with a map indicating which flags were explicitly set.
func ParseCommandFlags() (addr string, dbPath string, cfgPath string, setFlags map[string]bool) {
	addrPtr := flag.String("addr", ":8080", "HTTP listen address")
	dbPtr := flag.String("db", "./.database", "Pebble DB path")
	cfgPtr := flag.String("config", "./config.yaml", "Path to config file")
	flag.Parse()
	setFlags = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return *addrPtr, *dbPtr, *cfgPtr, setFlags
}

// ResolveConfigPath decides the config file path using the flag-provided
// value and the TWINCHAT_CONFIG env var when the flag was not set.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("TWINCHAT_CONFIG"); p != "" {
		return p
	}
	return flagPath
}
