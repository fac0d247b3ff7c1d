// Package config loads the meet service configuration.
//
// Values are resolved in order, later sources overriding earlier ones:
//   - built-in defaults (Default)
//   - an optional YAML file (--config)
//   - a .env file in the working directory, if present
//   - environment variables
//   - command-line flags, applied by the caller
//
// Validate must pass before the configuration is used.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/coffeemeet/meet-app/internal/matching"
)

// Config is the complete service configuration.
type Config struct {
	// ListenAddr is the HTTP listen address, e.g. ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel is a zerolog level name. LogPretty switches to console output.
	LogLevel  string `yaml:"log_level"`
	LogPretty bool   `yaml:"log_pretty"`

	Redis    RedisConfig    `yaml:"redis"`
	NATS     NATSConfig     `yaml:"nats"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Match    MatchConfig    `yaml:"match"`
	Socket   SocketConfig   `yaml:"socket"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// RedisConfig configures the Redis client used for codes, revocation and
// rate limits.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NATSConfig configures event fan-out. An empty URL runs without NATS and
// delivers events to local sockets only.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// DatabaseConfig configures the history archive. An empty URL disables it.
type DatabaseConfig struct {
	URL string `yaml:"url"`

	// SeedWindow bounds how far back history is loaded on startup.
	SeedWindow time.Duration `yaml:"seed_window"`
}

// AuthConfig configures tokens and one-time codes.
type AuthConfig struct {
	Secret          string        `yaml:"secret"`
	Issuer          string        `yaml:"issuer"`
	TokenTTL        time.Duration `yaml:"token_ttl"`
	CodeTTL         time.Duration `yaml:"code_ttl"`
	CodeMaxAttempts int           `yaml:"code_max_attempts"`
}

// MatchConfig is the matching policy.
type MatchConfig struct {
	MaxWait           time.Duration `yaml:"max_wait"`
	MinOverlap        time.Duration `yaml:"min_overlap"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	FinishedRetention time.Duration `yaml:"finished_retention"`
	TagWeight         float64       `yaml:"tag_weight"`
	SameBuildingBonus float64       `yaml:"same_building_bonus"`
}

// SocketConfig tunes the WebSocket heartbeat.
type SocketConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`
}

// TracingConfig configures the OTLP/HTTP span exporter.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
	Insecure    bool    `yaml:"insecure"` // plain HTTP to the collector
}

// Default returns the built-in configuration.
func Default() *Config {
	m := matching.DefaultConfig()
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Redis:      RedisConfig{Addr: "localhost:6379"},
		Database:   DatabaseConfig{SeedWindow: 30 * 24 * time.Hour},
		Auth: AuthConfig{
			Issuer:          "meet-app",
			TokenTTL:        24 * time.Hour,
			CodeTTL:         5 * time.Minute,
			CodeMaxAttempts: 5,
		},
		Match: MatchConfig{
			MaxWait:           m.MaxWait,
			MinOverlap:        m.Matcher.MinOverlap,
			SweepInterval:     m.SweepInterval,
			FinishedRetention: m.FinishedRetention,
			TagWeight:         m.Matcher.TagWeight,
			SameBuildingBonus: m.Matcher.SameBuildingBonus,
		},
		Socket: SocketConfig{
			PingInterval: 30 * time.Second,
			PongTimeout:  10 * time.Second,
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4318",
			ServiceName: "meetd",
			SampleRatio: 1,
			Insecure:    true,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty), a .env file and the environment. It does not validate.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	// godotenv never overrides variables already set in the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from environment variables found by lookup.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	e.str("LISTEN_ADDR", &c.ListenAddr)
	e.str("LOG_LEVEL", &c.LogLevel)
	e.boolean("LOG_PRETTY", &c.LogPretty)

	e.str("REDIS_ADDR", &c.Redis.Addr)
	e.str("REDIS_PASSWORD", &c.Redis.Password)
	e.integer("REDIS_DB", &c.Redis.DB)

	e.str("NATS_URL", &c.NATS.URL)

	e.str("DATABASE_URL", &c.Database.URL)
	e.duration("HISTORY_SEED_WINDOW", &c.Database.SeedWindow)

	e.str("JWT_SECRET", &c.Auth.Secret)
	e.str("JWT_ISSUER", &c.Auth.Issuer)
	e.duration("JWT_TTL", &c.Auth.TokenTTL)
	e.duration("CODE_TTL", &c.Auth.CodeTTL)
	e.integer("CODE_MAX_ATTEMPTS", &c.Auth.CodeMaxAttempts)

	e.duration("MATCH_MAX_WAIT", &c.Match.MaxWait)
	e.duration("MATCH_MIN_OVERLAP", &c.Match.MinOverlap)
	e.duration("SWEEP_INTERVAL", &c.Match.SweepInterval)
	e.duration("FINISHED_RETENTION", &c.Match.FinishedRetention)
	e.float("MATCH_TAG_WEIGHT", &c.Match.TagWeight)
	e.float("MATCH_SAME_BUILDING_BONUS", &c.Match.SameBuildingBonus)

	e.duration("WS_PING_INTERVAL", &c.Socket.PingInterval)
	e.duration("WS_PONG_TIMEOUT", &c.Socket.PongTimeout)

	e.boolean("TRACING_ENABLED", &c.Tracing.Enabled)
	e.str("OTLP_ENDPOINT", &c.Tracing.Endpoint)
	e.str("OTEL_SERVICE_NAME", &c.Tracing.ServiceName)
	e.float("TRACING_SAMPLE_RATIO", &c.Tracing.SampleRatio)

	return e.err()
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if len(c.Auth.Secret) < 16 {
		errs = append(errs, errors.New("auth.secret (JWT_SECRET) must be at least 16 bytes"))
	}
	positive := map[string]time.Duration{
		"auth.token_ttl":           c.Auth.TokenTTL,
		"auth.code_ttl":            c.Auth.CodeTTL,
		"match.max_wait":           c.Match.MaxWait,
		"match.min_overlap":        c.Match.MinOverlap,
		"match.sweep_interval":     c.Match.SweepInterval,
		"match.finished_retention": c.Match.FinishedRetention,
		"socket.ping_interval":     c.Socket.PingInterval,
		"socket.pong_timeout":      c.Socket.PongTimeout,
	}
	for _, name := range sortedKeys(positive) {
		if positive[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Auth.CodeMaxAttempts <= 0 {
		errs = append(errs, errors.New("auth.code_max_attempts must be positive"))
	}
	if c.Match.TagWeight < 0 || c.Match.SameBuildingBonus < 0 {
		errs = append(errs, errors.New("match weights must not be negative"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sample_ratio must be within [0, 1]"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Coordinator returns the matching configuration.
func (c *Config) Coordinator() matching.Config {
	return matching.Config{
		MaxWait:           c.Match.MaxWait,
		SweepInterval:     c.Match.SweepInterval,
		FinishedRetention: c.Match.FinishedRetention,
		HistoryWindow:     c.Database.SeedWindow,
		Matcher: matching.Matcher{
			MinOverlap:        c.Match.MinOverlap,
			TagWeight:         c.Match.TagWeight,
			SameBuildingBonus: c.Match.SameBuildingBonus,
		},
	}
}

// envReader parses typed environment variables, remembering the first
// malformed value of each.
type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
}

func (e *envReader) err() error {
	if len(e.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: environment: %w", errors.Join(e.errs...))
}

func sortedKeys(m map[string]time.Duration) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
