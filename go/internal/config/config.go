package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/mcdev12/quizslot/go/internal/retryqueue"
)

type Config struct {
	LogLevel string        `yaml:"log_level"`
	Agent    AgentConfig   `yaml:"agent"`
	Backend  BackendConfig `yaml:"backend"`
	Queue    QueueConfig   `yaml:"queue"`
	NATS     NATSConfig    `yaml:"nats"`
	Redis    RedisConfig   `yaml:"redis"`
	Server   ServerConfig  `yaml:"server"`
}

// AgentConfig configures the quiz agent that runs next to one user.
type AgentConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	UserID          string        `yaml:"user_id"`
	Categories      []string      `yaml:"categories"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type BackendConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type QueueConfig struct {
	MaxEntries    int           `yaml:"max_entries"`
	BaseBackoff   time.Duration `yaml:"base_backoff"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
	DrainInterval time.Duration `yaml:"drain_interval"`
	// DropRejected drops answers the backend rejects as invalid instead of
	// retrying them. Off by default: every failure is retried.
	DropRejected bool `yaml:"drop_rejected"`
}

type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Stream        string `yaml:"stream"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	RoundsTTL time.Duration `yaml:"rounds_ttl"`
	LockTTL   time.Duration `yaml:"lock_ttl"`
}

// ServerConfig configures the round service.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// Store is "postgres" or "memory".
	Store string `yaml:"store"`
}

func Default() Config {
	q := retryqueue.DefaultConfig()
	return Config{
		LogLevel: "info",
		Agent: AgentConfig{
			ListenAddr:      ":8090",
			UserID:          "anonymous",
			Categories:      []string{"daily"},
			PollInterval:    time.Second,
			RefreshInterval: 15 * time.Second,
			AllowedOrigins:  []string{"http://localhost:3000"},
		},
		Backend: BackendConfig{
			URL:     "http://localhost:8080",
			Timeout: 10 * time.Second,
		},
		Queue: QueueConfig{
			MaxEntries:    q.MaxEntries,
			BaseBackoff:   q.BaseBackoff,
			MaxBackoff:    q.MaxBackoff,
			DrainInterval: q.DrainInterval,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Stream:        "QUIZ_ROUNDS",
			SubjectPrefix: "quizslot.rounds",
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			RoundsTTL: 2 * time.Second,
			LockTTL:   10 * time.Second,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
			Store:      "postgres",
		},
	}
}

// Load reads .env if present, then the optional YAML file over the
// defaults, then environment overrides.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.Agent.ListenAddr = getEnv("QUIZ_LISTEN_ADDR", c.Agent.ListenAddr)
	c.Agent.UserID = getEnv("QUIZ_USER_ID", c.Agent.UserID)
	c.Agent.Categories = getEnvAsList("QUIZ_CATEGORIES", c.Agent.Categories)
	c.Agent.PollInterval = getEnvAsDuration("QUIZ_POLL_INTERVAL", c.Agent.PollInterval)
	c.Agent.RefreshInterval = getEnvAsDuration("QUIZ_REFRESH_INTERVAL", c.Agent.RefreshInterval)
	c.Agent.AllowedOrigins = getEnvAsList("QUIZ_ALLOWED_ORIGINS", c.Agent.AllowedOrigins)

	c.Backend.URL = getEnv("BACKEND_URL", c.Backend.URL)
	c.Backend.Timeout = getEnvAsDuration("BACKEND_TIMEOUT", c.Backend.Timeout)

	c.Queue.MaxEntries = getEnvAsInt("QUEUE_MAX_ENTRIES", c.Queue.MaxEntries)
	c.Queue.BaseBackoff = getEnvAsDuration("QUEUE_BASE_BACKOFF", c.Queue.BaseBackoff)
	c.Queue.MaxBackoff = getEnvAsDuration("QUEUE_MAX_BACKOFF", c.Queue.MaxBackoff)
	c.Queue.DrainInterval = getEnvAsDuration("QUEUE_DRAIN_INTERVAL", c.Queue.DrainInterval)
	c.Queue.DropRejected = getEnvAsBool("QUEUE_DROP_REJECTED", c.Queue.DropRejected)

	c.NATS.Enabled = getEnvAsBool("NATS_ENABLED", c.NATS.Enabled)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.Stream = getEnv("NATS_STREAM", c.NATS.Stream)
	c.NATS.SubjectPrefix = getEnv("NATS_SUBJECT_PREFIX", c.NATS.SubjectPrefix)

	c.Redis.Enabled = getEnvAsBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvAsInt("REDIS_DB", c.Redis.DB)
	c.Redis.RoundsTTL = getEnvAsDuration("REDIS_ROUNDS_TTL", c.Redis.RoundsTTL)
	c.Redis.LockTTL = getEnvAsDuration("REDIS_LOCK_TTL", c.Redis.LockTTL)

	c.Server.ListenAddr = getEnv("SERVER_LISTEN_ADDR", c.Server.ListenAddr)
	c.Server.Store = getEnv("SERVER_STORE", c.Server.Store)
}

func (c *Config) Validate() error {
	var errs []error
	if c.Agent.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("agent.poll_interval must be positive"))
	}
	if c.Agent.RefreshInterval <= 0 {
		errs = append(errs, fmt.Errorf("agent.refresh_interval must be positive"))
	}
	if len(c.Agent.Categories) == 0 {
		errs = append(errs, fmt.Errorf("agent.categories must not be empty"))
	}
	if c.Backend.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("backend.timeout must be positive"))
	}
	if c.Queue.MaxEntries <= 0 {
		errs = append(errs, fmt.Errorf("queue.max_entries must be positive"))
	}
	if c.Queue.BaseBackoff <= 0 || c.Queue.MaxBackoff < c.Queue.BaseBackoff {
		errs = append(errs, fmt.Errorf("queue backoff needs 0 < base_backoff <= max_backoff"))
	}
	if c.Queue.DrainInterval <= 0 {
		errs = append(errs, fmt.Errorf("queue.drain_interval must be positive"))
	}
	switch c.Server.Store {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("server.store must be postgres or memory, got %q", c.Server.Store))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// RetryQueue converts the queue section.
func (c *Config) RetryQueue() retryqueue.Config {
	return retryqueue.Config{
		MaxEntries:    c.Queue.MaxEntries,
		BaseBackoff:   c.Queue.BaseBackoff,
		MaxBackoff:    c.Queue.MaxBackoff,
		DrainInterval: c.Queue.DrainInterval,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		log.Warn().Str("key", key).Str("value", value).Msg("ignoring non-integer environment value")
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
		log.Warn().Str("key", key).Str("value", value).Msg("ignoring non-boolean environment value")
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Warn().Str("key", key).Str("value", value).Msg("ignoring invalid duration environment value")
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
