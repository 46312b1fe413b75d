package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// StorageConfig describes the object store behind the upload endpoint.
type StorageConfig struct {
	Endpoint        string `env:"S3_ENDPOINT" envDefault:"localhost:9000"`
	AccessKeyID     string `env:"S3_ACCESS_KEY" envDefault:"minioadmin"`
	SecretAccessKey string `env:"S3_SECRET_KEY" envDefault:"minioadmin"`
	UseSSL          bool   `env:"S3_USE_SSL" envDefault:"false"`
	PublicBaseURL   string `env:"S3_PUBLIC_BASE_URL" envDefault:"http://localhost:9000"`
}

// ServerConfig configures the development upload endpoint.
type ServerConfig struct {
	Addr           string        `env:"PAGEKIT_SERVER_ADDR" envDefault:":8080"`
	Categories     string        `env:"UPLOAD_CATEGORIES" envDefault:"avatar:avatars,task:tasks,proof:proofs"`
	MaxUploadBytes int64         `env:"UPLOAD_MAX_BYTES" envDefault:"10485760"`
	RatePerSecond  float64       `env:"UPLOAD_RATE_PER_SECOND" envDefault:"20"`
	RateBurst      int           `env:"UPLOAD_RATE_BURST" envDefault:"40"`
	ReadTimeout    time.Duration `env:"PAGEKIT_SERVER_READ_TIMEOUT" envDefault:"30s"`
}

// ClientConfig holds request cache defaults.
type ClientConfig struct {
	TTL           time.Duration `env:"PAGEKIT_CACHE_TTL" envDefault:"5m"`
	DebounceDelay time.Duration `env:"PAGEKIT_DEBOUNCE" envDefault:"300ms"`
	RetryCount    int           `env:"PAGEKIT_RETRY_COUNT" envDefault:"3"`
	RetryDelay    time.Duration `env:"PAGEKIT_RETRY_DELAY" envDefault:"1s"`
	Timeout       time.Duration `env:"PAGEKIT_HTTP_TIMEOUT" envDefault:"30s"`
	// RatePerSecond paces outbound dispatches; 0 leaves them unpaced.
	RatePerSecond float64 `env:"PAGEKIT_CLIENT_RATE" envDefault:"0"`
	RateBurst     int     `env:"PAGEKIT_CLIENT_RATE_BURST" envDefault:"1"`
}

// PageConfig holds page-state cache settings.
type PageConfig struct {
	DBPath     string        `env:"PAGEKIT_PAGE_DB" envDefault:"pagekit.db"`
	TTL        time.Duration `env:"PAGEKIT_PAGE_TTL" envDefault:"30m"`
	MaxRecords int           `env:"PAGEKIT_PAGE_MAX_RECORDS" envDefault:"50"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `env:"PAGEKIT_LOG_LEVEL" envDefault:"info"`
	Format string `env:"PAGEKIT_LOG_FORMAT" envDefault:"text"`
}

// Config is the full environment-derived configuration.
type Config struct {
	Storage      StorageConfig
	Server       ServerConfig
	Client       ClientConfig
	Page         PageConfig
	Log          LogConfig
	OTelEndpoint string `env:"PAGEKIT_OTEL_ENDPOINT"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses the whole configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UploadCategories maps each upload category to its bucket.
func (c ServerConfig) UploadCategories() (map[string]string, error) {
	return parseUploadCategories(c.Categories)
}

func parseUploadCategories(policy string) (map[string]string, error) {
	categories := make(map[string]string)
	pairs := strings.Split(policy, ",")
	for _, pair := range pairs {
		parts := strings.Split(pair, ":")
		if len(parts) != 2 {
			return nil, errors.New("invalid upload category format")
		}
		category := strings.TrimSpace(parts[0])
		bucket := strings.TrimSpace(parts[1])
		if category == "" || bucket == "" {
			return nil, errors.New("category or bucket name cannot be empty")
		}
		categories[category] = bucket
	}
	return categories, nil
}
