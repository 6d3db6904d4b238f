package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (COUPON_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (COUPON_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Kafka       KafkaConfig
	Welcome     WelcomeConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Graceful    GracefulConfig
}

// KafkaConfig locates the event bus carrying the welcome-coupon messages.
type KafkaConfig struct {
	Brokers       []string `default:"localhost:9092" usage:"Kafka broker addresses"`
	RequestTopic  string   `default:"coupon.welcome.request"  usage:"Inbound welcome coupon request topic" flag:"request-topic"`
	ResponseTopic string   `default:"coupon.welcome.response" usage:"Outbound welcome coupon response topic" flag:"response-topic"`
	DLQTopic      string   `default:"coupon.welcome.dlq"      usage:"Dead letter topic for failed requests" flag:"dlq-topic"`
	GroupID       string   `default:"coupon-service"          usage:"Consumer group id" flag:"group-id"`
}

// WelcomeConfig tunes the welcome-coupon consumer.
type WelcomeConfig struct {
	Workers      int           `default:"4"   usage:"Concurrent welcome request handlers"`
	RetryBackoff time.Duration `default:"1s"  usage:"Initial retry backoff for transient failures" flag:"retry-backoff"`
	MaxBackoff   time.Duration `default:"30s" usage:"Maximum retry backoff" flag:"max-backoff"`
	// HintCapacity sizes the in-process issued-coupon bloom filter.
	HintCapacity uint `default:"1000000" usage:"Expected welcome issuances for the dedup hint" flag:"hint-capacity"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config
// files, and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "COUPON",
		Files:     []string{"config.yaml", "/etc/coupon-service/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set COUPON_DATABASE_URL or DATABASE_URL")
	}

	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables that use
// standard names like DATABASE_URL and PORT to the application's COUPON_-
// prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
