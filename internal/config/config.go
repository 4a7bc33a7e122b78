package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StorageModePostgres = "postgres"
	StorageModeDemo     = "demo"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	StorageMode    string        `mapstructure:"STORAGE_MODE"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	DemoStateFile  string        `mapstructure:"DEMO_STATE_FILE"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	UploadDir      string        `mapstructure:"UPLOAD_DIR"`
	MaxUploadBytes int64         `mapstructure:"MAX_UPLOAD_BYTES"`
	JWTSigningKey  string        `mapstructure:"JWT_SIGNING_KEY"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	TokenTTL       time.Duration `mapstructure:"TOKEN_TTL"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`

	PHIEncryptionKey string `mapstructure:"PHI_ENCRYPTION_KEY"`

	PaymentGatewayURL    string        `mapstructure:"PAYMENT_GATEWAY_URL"`
	PaymentGatewayKey    string        `mapstructure:"PAYMENT_GATEWAY_KEY"`
	PaymentWebhookSecret string        `mapstructure:"PAYMENT_WEBHOOK_SECRET"`
	UnlockPriceCents     int64         `mapstructure:"UNLOCK_PRICE_CENTS"`
	UnlockCredits        int64         `mapstructure:"UNLOCK_CREDITS"`
	ProcessingFeePercent float64       `mapstructure:"PROCESSING_FEE_PERCENT"`
	Currency             string        `mapstructure:"CURRENCY"`
	PaymentSessionTTL    time.Duration `mapstructure:"PAYMENT_SESSION_TTL"`

	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string   `mapstructure:"KAFKA_TOPIC"`

	OTelEnabled    bool    `mapstructure:"OTEL_ENABLED"`
	OTelEndpoint   string  `mapstructure:"OTEL_ENDPOINT"`
	OTelSampleRate float64 `mapstructure:"OTEL_SAMPLE_RATE"`
}

var envKeys = []string{
	"PORT", "ENV", "STORAGE_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"DEMO_STATE_FILE", "REDIS_URL", "UPLOAD_DIR", "MAX_UPLOAD_BYTES", "JWT_SIGNING_KEY", "AUTH_ISSUER", "TOKEN_TTL",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "PHI_ENCRYPTION_KEY",
	"PAYMENT_GATEWAY_URL", "PAYMENT_GATEWAY_KEY", "PAYMENT_WEBHOOK_SECRET",
	"UNLOCK_PRICE_CENTS", "UNLOCK_CREDITS", "PROCESSING_FEE_PERCENT", "CURRENCY",
	"PAYMENT_SESSION_TTL", "KAFKA_BROKERS", "KAFKA_TOPIC",
	"OTEL_ENABLED", "OTEL_ENDPOINT", "OTEL_SAMPLE_RATE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORAGE_MODE", StorageModePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DEMO_STATE_FILE", "rcn-demo-state.json")
	v.SetDefault("UPLOAD_DIR", "uploads")
	v.SetDefault("MAX_UPLOAD_BYTES", 25<<20)
	v.SetDefault("AUTH_ISSUER", "rcn")
	v.SetDefault("TOKEN_TTL", "12h")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("UNLOCK_PRICE_CENTS", 1000)
	v.SetDefault("UNLOCK_CREDITS", 1)
	v.SetDefault("PROCESSING_FEE_PERCENT", 3)
	v.SetDefault("CURRENCY", "usd")
	v.SetDefault("PAYMENT_SESSION_TTL", "30m")
	v.SetDefault("KAFKA_TOPIC", "referral-events")
	v.SetDefault("OTEL_SAMPLE_RATE", 1.0)

	for _, key := range envKeys {
		v.BindEnv(key)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma-separated lists are re-split so surrounding whitespace is dropped.
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))

	if cfg.StorageMode == StorageModePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORAGE_MODE is %q", StorageModePostgres)
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in development mode; requests without a token get a dev identity")
	}

	return cfg, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development a
// JWT signing key is mandatory, and in production so is the PHI key and the
// webhook secret when a real gateway is configured.
func (c *Config) Validate() error {
	if c.StorageMode != StorageModePostgres && c.StorageMode != StorageModeDemo {
		return fmt.Errorf("STORAGE_MODE must be %q or %q, got %q", StorageModePostgres, StorageModeDemo, c.StorageMode)
	}
	if !c.IsDev() && c.JWTSigningKey == "" {
		return fmt.Errorf("JWT_SIGNING_KEY is required outside development (current ENV=%q)", c.Env)
	}

	if c.IsProduction() && c.PHIEncryptionKey == "" {
		return fmt.Errorf("PHI_ENCRYPTION_KEY is required in production")
	}
	if c.PHIEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.PHIEncryptionKey)
		if err != nil {
			return fmt.Errorf("PHI_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("PHI_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	if c.PaymentGatewayURL != "" && c.IsProduction() && c.PaymentWebhookSecret == "" {
		return fmt.Errorf("PAYMENT_WEBHOOK_SECRET is required when PAYMENT_GATEWAY_URL is set in production")
	}
	if c.UnlockPriceCents < 0 {
		return fmt.Errorf("UNLOCK_PRICE_CENTS must not be negative, got %d", c.UnlockPriceCents)
	}
	if c.UnlockCredits < 0 {
		return fmt.Errorf("UNLOCK_CREDITS must not be negative, got %d", c.UnlockCredits)
	}
	if c.ProcessingFeePercent < 0 || c.ProcessingFeePercent > 100 {
		return fmt.Errorf("PROCESSING_FEE_PERCENT must be between 0 and 100, got %v", c.ProcessingFeePercent)
	}

	return nil
}
