package config

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port                  string   `mapstructure:"PORT"`
	Env                   string   `mapstructure:"ENV"`
	DatabaseURL           string   `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL              string   `mapstructure:"REDIS_URL"`
	CORSOrigins           []string `mapstructure:"CORS_ORIGINS"`
	PHIEncryptionKey      string   `mapstructure:"PHI_ENCRYPTION_KEY"`
	PHIPreviousKeys       string   `mapstructure:"PHI_PREVIOUS_KEYS"`
	AuthSigningKey        string   `mapstructure:"AUTH_SIGNING_KEY"`
	StripeWebhookSecret   string   `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	RateLimitRPS          float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst        int      `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit             string   `mapstructure:"BODY_LIMIT"`
	RequestTimeoutSecs    int      `mapstructure:"REQUEST_TIMEOUT_SECONDS"`
	AuditMemoryCapacity   int      `mapstructure:"AUDIT_MEMORY_CAPACITY"`
	AuditDurableCapacity  int      `mapstructure:"AUDIT_DURABLE_CAPACITY"`
	PrivateRateMultiplier float64  `mapstructure:"PRIVATE_RATE_MULTIPLIER"`
	LogLevel              string   `mapstructure:"LOG_LEVEL"`
	LogFile               string   `mapstructure:"LOG_FILE"`
	LogFormat             string   `mapstructure:"LOG_FORMAT"`
	SendGridAPIKey        string   `mapstructure:"SENDGRID_API_KEY"`
	NotifyFromEmail       string   `mapstructure:"NOTIFY_FROM_EMAIL"`
	BillingAlertEmail     string   `mapstructure:"BILLING_ALERT_EMAIL"`
	EmergencyDialNumber   string   `mapstructure:"EMERGENCY_DIAL_NUMBER"`
	ReminderIntervalSecs  int      `mapstructure:"REMINDER_INTERVAL_SECONDS"`
	BackupsConfigured     bool     `mapstructure:"BACKUPS_CONFIGURED"`
	BAAOnFile             bool     `mapstructure:"BAA_ON_FILE"`
}

var keys = []string{
	"PORT",
	"ENV",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"REDIS_URL",
	"CORS_ORIGINS",
	"PHI_ENCRYPTION_KEY",
	"PHI_PREVIOUS_KEYS",
	"AUTH_SIGNING_KEY",
	"STRIPE_WEBHOOK_SECRET",
	"RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST",
	"BODY_LIMIT",
	"REQUEST_TIMEOUT_SECONDS",
	"AUDIT_MEMORY_CAPACITY",
	"AUDIT_DURABLE_CAPACITY",
	"PRIVATE_RATE_MULTIPLIER",
	"LOG_LEVEL",
	"LOG_FILE",
	"LOG_FORMAT",
	"SENDGRID_API_KEY",
	"NOTIFY_FROM_EMAIL",
	"BILLING_ALERT_EMAIL",
	"EMERGENCY_DIAL_NUMBER",
	"REMINDER_INTERVAL_SECONDS",
	"BACKUPS_CONFIGURED",
	"BAA_ON_FILE",
}

// Load reads configuration from the environment and an optional .env file.
// It does not validate; callers that need a database or keys call Validate.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", 30)
	v.SetDefault("AUDIT_MEMORY_CAPACITY", 10000)
	v.SetDefault("AUDIT_DURABLE_CAPACITY", 1000)
	v.SetDefault("PRIVATE_RATE_MULTIPLIER", 1.20)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("NOTIFY_FROM_EMAIL", "no-reply@speakbridge.app")
	v.SetDefault("EMERGENCY_DIAL_NUMBER", "911")
	v.SetDefault("REMINDER_INTERVAL_SECONDS", 60)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
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

// Validate checks that the configuration is safe to run the server with.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if !c.IsDev() && c.PHIEncryptionKey == "" {
		return fmt.Errorf("PHI_ENCRYPTION_KEY is required outside development")
	}
	if c.PHIEncryptionKey != "" {
		if _, err := decodeKey(c.PHIEncryptionKey); err != nil {
			return fmt.Errorf("PHI_ENCRYPTION_KEY: %w", err)
		}
	}
	if _, err := c.PreviousKeys(); err != nil {
		return err
	}

	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required outside development")
	}
	if !c.IsDev() && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required outside development")
	}

	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive, got %v", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be positive, got %d", c.RateLimitBurst)
	}
	if c.AuditMemoryCapacity <= 0 || c.AuditDurableCapacity <= 0 {
		return fmt.Errorf("audit capacities must be positive")
	}
	if c.PrivateRateMultiplier <= 0 {
		return fmt.Errorf("PRIVATE_RATE_MULTIPLIER must be positive, got %v", c.PrivateRateMultiplier)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("LOG_FORMAT must be \"json\" or \"console\", got %q", c.LogFormat)
	}

	return nil
}

// PrimaryKey returns the decoded PHI key, or nil when none is configured.
func (c *Config) PrimaryKey() ([]byte, error) {
	if c.PHIEncryptionKey == "" {
		return nil, nil
	}
	return decodeKey(c.PHIEncryptionKey)
}

// PreviousKeys parses PHI_PREVIOUS_KEYS ("1:hex,2:hex") into version -> key.
func (c *Config) PreviousKeys() (map[int][]byte, error) {
	out := make(map[int][]byte)
	if strings.TrimSpace(c.PHIPreviousKeys) == "" {
		return out, nil
	}
	for _, part := range strings.Split(c.PHIPreviousKeys, ",") {
		version, hexKey, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("PHI_PREVIOUS_KEYS entry %q must be version:hexkey", part)
		}
		n, err := strconv.Atoi(version)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("PHI_PREVIOUS_KEYS entry %q has invalid version", part)
		}
		key, err := decodeKey(hexKey)
		if err != nil {
			return nil, fmt.Errorf("PHI_PREVIOUS_KEYS version %d: %w", n, err)
		}
		out[n] = key
	}
	return out, nil
}

func decodeKey(s string) ([]byte, error) {
	keyBytes, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("not valid hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
	}
	return keyBytes, nil
}
