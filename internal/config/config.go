package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"

	SinkDiscord = "discord"
	SinkNATS    = "nats"
)

type Config struct {
	HTTPAddr     string   `env:"HTTP_ADDR" env-default:":8080"`
	CORSOrigins  []string `env:"CORS_ALLOWED_ORIGINS" env-separator:"," env-default:"*"`
	LogLevel     string   `env:"LOG_LEVEL" env-default:"info"`
	ServiceName  string   `env:"SERVICE_NAME" env-default:"txwatch"`
	OTLPEndpoint string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	RegistryBackend string `env:"REGISTRY_BACKEND" env-default:"memory"`
	RedisAddr       string `env:"REDIS_ADDR"`
	RedisPrefix     string `env:"REDIS_PREFIX" env-default:"txwatch:"`
	DatabaseURL     string `env:"DATABASE_URL"`

	UpstreamURL         string `env:"UPSTREAM_URL" env-default:"wss://api.tensor.so/graphql"`
	UpstreamSubprotocol string `env:"UPSTREAM_SUBPROTOCOL" env-default:"graphql-transport-ws"`
	APIKey              string `env:"TENSOR_API_KEY"`

	EnrichURL        string        `env:"ENRICH_URL" env-default:"https://api.tensor.so/graphql"`
	EnrichTimeout    time.Duration `env:"ENRICH_TIMEOUT" env-default:"10s"`
	EnrichCacheTTL   time.Duration `env:"ENRICH_CACHE_TTL" env-default:"0s"`
	BreakerThreshold int           `env:"BREAKER_THRESHOLD" env-default:"5"`
	BreakerCooldown  time.Duration `env:"BREAKER_COOLDOWN" env-default:"30s"`

	DeliverySinks     []string `env:"DELIVERY_SINKS" env-separator:"," env-default:"discord"`
	DiscordToken      string   `env:"DISCORD_TOKEN"`
	DiscordAPIURL     string   `env:"DISCORD_API_URL" env-default:"https://discord.com/api/v10"`
	NATSURL           string   `env:"NATS_URL" env-default:"nats://127.0.0.1:4222"`
	NATSSubjectPrefix string   `env:"NATS_SUBJECT_PREFIX" env-default:"txwatch.notify"`

	PipelineTimeout time.Duration `env:"PIPELINE_TIMEOUT" env-default:"15s"`
	MaxInFlight     int64         `env:"MAX_IN_FLIGHT" env-default:"64"`
	WatchBackoffMin time.Duration `env:"WATCH_BACKOFF_MIN" env-default:"1s"`
	WatchBackoffMax time.Duration `env:"WATCH_BACKOFF_MAX" env-default:"1m"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" env-default:"20s"`
}

// Load reads an optional .env file (ENV_FILE, default ".env") and then the
// process environment.
func Load() (*Config, error) {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config error: load %s: %w", envFile, err)
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	for i, s := range cfg.DeliverySinks {
		cfg.DeliverySinks[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return &cfg, nil
}

// Validate checks the settings needed by the selected backends.
func (c *Config) Validate() error {
	var errs []error
	switch c.RegistryBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis registry"))
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres registry"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown REGISTRY_BACKEND %q", c.RegistryBackend))
	}

	if len(c.DeliverySinks) == 0 {
		errs = append(errs, errors.New("DELIVERY_SINKS must name at least one sink"))
	}
	for _, s := range c.DeliverySinks {
		switch s {
		case SinkDiscord:
			if c.DiscordToken == "" {
				errs = append(errs, errors.New("DISCORD_TOKEN is required for the discord sink"))
			}
		case SinkNATS:
			if c.NATSURL == "" {
				errs = append(errs, errors.New("NATS_URL is required for the nats sink"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown delivery sink %q", s))
		}
	}

	if c.PipelineTimeout <= 0 {
		errs = append(errs, errors.New("PIPELINE_TIMEOUT must be positive"))
	}
	if c.MaxInFlight <= 0 {
		errs = append(errs, errors.New("MAX_IN_FLIGHT must be positive"))
	}
	if c.WatchBackoffMin <= 0 || c.WatchBackoffMax < c.WatchBackoffMin {
		errs = append(errs, errors.New("WATCH_BACKOFF_MIN must be positive and not exceed WATCH_BACKOFF_MAX"))
	}
	return errors.Join(errs...)
}

// UsesSink reports whether name is among the configured delivery sinks.
func (c *Config) UsesSink(name string) bool {
	for _, s := range c.DeliverySinks {
		if s == name {
			return true
		}
	}
	return false
}
