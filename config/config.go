package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"clinicmail/utils"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address" validate:"required_if=Enabled true"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type SMTPConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port" validate:"gte=0,lte=65535"`
	Username  string `json:"username"`
	Password  string `json:"-"`
	FromEmail string `json:"from_email" validate:"omitempty,email"`
	FromName  string `json:"from_name"`
}

type AutomationConfig struct {
	// Interval of the built-in worker; zero leaves scheduling to an external cron
	Interval         time.Duration `json:"interval" validate:"gte=0"`
	SendTimeout      time.Duration `json:"send_timeout" validate:"gt=0"`
	// RetryFailed reclaims refused sends only; a timed-out send may have
	// been delivered, so it is never retried
	RetryFailed      bool          `json:"retry_failed"`
	MaxAttempts      int           `json:"max_attempts" validate:"gte=1"`
	BreakerThreshold int           `json:"breaker_threshold" validate:"gte=1"`
	BreakerCooldown  time.Duration `json:"breaker_cooldown" validate:"gt=0"`
}

type Config struct {
	Environment string `json:"environment" validate:"oneof=development staging production test"`
	LogLevel    string `json:"log_level"`
	ServerPort  string `json:"server_port" validate:"required"`

	DBHost         string `json:"db_host" validate:"required"`
	DBPort         string `json:"db_port" validate:"required"`
	DBUser         string `json:"db_user" validate:"required"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name" validate:"required"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	SMTP SMTPConfig `json:"smtp"`

	SiteURL         string   `json:"site_url" validate:"required,url"`
	TrackingBaseURL string   `json:"tracking_base_url" validate:"required,url"`
	TrackingSecret  string   `json:"-" validate:"required,min=16"`
	CORSOrigins     []string `json:"cors_origins"`

	Automation AutomationConfig `json:"automation"`

	StripeSecretKey     string `json:"-"`
	StripeWebhookSecret string `json:"-"`

	Redis RedisConfig `json:"redis"`

	// Required by serve and token; run works without it
	JWTSecret string `json:"-" validate:"omitempty,min=16"`
	SentryDSN string `json:"-"`

	TrackingRateLimit int `json:"tracking_rate_limit" validate:"gte=0"`
}

// Load reads configuration from the environment, with .env as an optional source
func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	siteURL := strings.TrimRight(getEnv("SITE_URL", "http://localhost:3000"), "/")
	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		ServerPort:  getEnv("SERVER_PORT", "5000"),

		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "clinicmail"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),

		SMTP: SMTPConfig{
			Host:      getEnv("SMTP_HOST", ""),
			Port:      getEnvAsInt("SMTP_PORT", 587),
			Username:  getEnv("SMTP_USERNAME", ""),
			Password:  getEnv("SMTP_PASSWORD", ""),
			FromEmail: getEnv("FROM_EMAIL", ""),
			FromName:  getEnv("FROM_NAME", ""),
		},

		SiteURL:         siteURL,
		TrackingBaseURL: strings.TrimRight(getEnv("TRACKING_BASE_URL", siteURL), "/"),
		TrackingSecret:  getEnv("TRACKING_SECRET", ""),
		CORSOrigins:     getEnvAsList("CORS_ORIGINS", []string{siteURL}),

		Automation: AutomationConfig{
			Interval:         getEnvAsDuration("AUTOMATION_INTERVAL", 0),
			SendTimeout:      getEnvAsDuration("AUTOMATION_SEND_TIMEOUT", 30*time.Second),
			RetryFailed:      getEnvAsBool("AUTOMATION_RETRY_FAILED", false),
			MaxAttempts:      getEnvAsInt("AUTOMATION_MAX_ATTEMPTS", 3),
			BreakerThreshold: getEnvAsInt("AUTOMATION_BREAKER_THRESHOLD", 5),
			BreakerCooldown:  getEnvAsDuration("AUTOMATION_BREAKER_COOLDOWN", 2*time.Minute),
		},

		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),

		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},

		JWTSecret: getEnv("JWT_SECRET", ""),
		SentryDSN: getEnv("SENTRY_DSN", ""),

		TrackingRateLimit: getEnvAsInt("TRACKING_RATE_LIMIT", 120),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct rules plus the cross-field requirements
func (c *Config) Validate() error {
	if err := utils.ValidateStruct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.DBPassword == "" && c.Environment == "production" {
		return fmt.Errorf("DB_PASSWORD is required in production")
	}
	if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
	}
	return nil
}

// SMTPConfigured reports whether enough is set to build a transport
func (c *Config) SMTPConfigured() bool {
	return c.SMTP.Host != "" && c.SMTP.FromEmail != ""
}

// DSN builds the postgres connection string
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost,
		c.DBPort,
		c.DBUser,
		c.DBPassword,
		c.DBName,
		c.DBSSLMode,
	)
}

// LogSummary prints the non-secret settings at startup
func (c *Config) LogSummary() {
	logrus.WithFields(logrus.Fields{
		"environment":     c.Environment,
		"server_port":     c.ServerPort,
		"database":        fmt.Sprintf("%s@%s:%s/%s", c.DBUser, c.DBHost, c.DBPort, c.DBName),
		"smtp_configured": c.SMTPConfigured(),
		"interval":        c.Automation.Interval.String(),
		"retry_failed":    c.Automation.RetryFailed,
		"redis":           c.Redis.Enabled,
		"stripe":          c.StripeSecretKey != "",
	}).Info("Loaded configuration")
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(valueStr))
	if err != nil {
		logrus.Warnf("Ignoring non-integer %s=%q", key, valueStr)
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseBool(strings.TrimSpace(valueStr))
	if err != nil {
		logrus.Warnf("Ignoring non-boolean %s=%q", key, valueStr)
		return fallback
	}
	return value
}

// getEnvAsDuration accepts Go durations ("15m") or bare seconds ("900")
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := strings.TrimSpace(getEnv(key, ""))
	if valueStr == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		logrus.Warnf("Ignoring invalid duration %s=%q", key, valueStr)
		return fallback
	}
	return value
}

func getEnvAsList(key string, fallback []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}
