package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	RedisURL string `mapstructure:"REDIS_URL"`

	// Queue names. Research and OMOP exports run on isolated queues so a
	// slow de-identification run on one cannot block the other.
	ResearchQueue string `mapstructure:"RESEARCH_QUEUE"`
	OMOPQueue     string `mapstructure:"OMOP_QUEUE"`

	// WorkerConcurrency is the number of jobs a worker process handles at
	// once. The transform/serialize step is CPU-bound, so this defaults to 1.
	WorkerConcurrency int `mapstructure:"WORKER_CONCURRENCY"`
	MaxAttempts       int `mapstructure:"MAX_ATTEMPTS"`

	// PseudonymKey is the hex-encoded HMAC key used to derive stable patient
	// pseudonyms. Required in production; a throwaway key is generated in
	// development so de-identified output is never keyed predictably.
	PseudonymKey string `mapstructure:"PSEUDONYM_KEY"`

	ArtifactBucket   string        `mapstructure:"ARTIFACT_BUCKET"`
	S3Region         string        `mapstructure:"S3_REGION"`
	S3Endpoint       string        `mapstructure:"S3_ENDPOINT"`
	S3AccessKeyID    string        `mapstructure:"S3_ACCESS_KEY_ID"`
	S3SecretKey      string        `mapstructure:"S3_SECRET_ACCESS_KEY"`
	SignedURLTTL     time.Duration `mapstructure:"SIGNED_URL_TTL"`
	ExportPeriodDays int           `mapstructure:"EXPORT_PERIOD_DAYS"`

	AuthIssuer   string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL  string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience string `mapstructure:"AUTH_AUDIENCE"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("RESEARCH_QUEUE", "exports:research")
	v.SetDefault("OMOP_QUEUE", "exports:omop")
	v.SetDefault("WORKER_CONCURRENCY", 1)
	v.SetDefault("MAX_ATTEMPTS", 2)
	v.SetDefault("ARTIFACT_BUCKET", "deidentified-exports")
	v.SetDefault("SIGNED_URL_TTL", "48h")
	v.SetDefault("EXPORT_PERIOD_DAYS", 365)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("REDIS_URL")
	v.BindEnv("RESEARCH_QUEUE")
	v.BindEnv("OMOP_QUEUE")
	v.BindEnv("WORKER_CONCURRENCY")
	v.BindEnv("MAX_ATTEMPTS")
	v.BindEnv("PSEUDONYM_KEY")
	v.BindEnv("ARTIFACT_BUCKET")
	v.BindEnv("S3_REGION")
	v.BindEnv("S3_ENDPOINT")
	v.BindEnv("S3_ACCESS_KEY_ID")
	v.BindEnv("S3_SECRET_ACCESS_KEY")
	v.BindEnv("SIGNED_URL_TTL")
	v.BindEnv("EXPORT_PERIOD_DAYS")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_JWKS_URL")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("CORS_ORIGINS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active; all requests get admin access.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. In production the
// pseudonymisation key must be set: without it, pseudonyms would be derived
// from a process-local key and exports would not be comparable across runs,
// and the HMAC would not be reproducible for re-identification audits.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.PseudonymKey == "" {
			return fmt.Errorf("PSEUDONYM_KEY is required in production")
		}
		if c.AuthIssuer == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_ISSUER or AUTH_JWKS_URL must be set in production")
		}
	}
	if c.PseudonymKey != "" {
		key, err := hex.DecodeString(c.PseudonymKey)
		if err != nil {
			return fmt.Errorf("PSEUDONYM_KEY is not valid hex: %w", err)
		}
		if len(key) < 16 {
			return fmt.Errorf("PSEUDONYM_KEY must be at least 16 bytes (32 hex chars), got %d bytes", len(key))
		}
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.WorkerConcurrency)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts)
	}
	if c.SignedURLTTL <= 0 {
		return fmt.Errorf("SIGNED_URL_TTL must be positive")
	}
	if c.ExportPeriodDays <= 0 {
		return fmt.Errorf("EXPORT_PERIOD_DAYS must be positive, got %d", c.ExportPeriodDays)
	}
	return nil
}

// PseudonymKeyBytes decodes the configured HMAC key. Callers must have
// validated the config first.
func (c *Config) PseudonymKeyBytes() []byte {
	key, _ := hex.DecodeString(c.PseudonymKey)
	return key
}
