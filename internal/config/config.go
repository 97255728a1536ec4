package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the RevBack core.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Security  SecurityConfig
	Scans     ScanConfig
	Providers ProviderConfig
	Alerts    AlertConfig
	LogLevel  string
}

// AlertConfig holds the email alert channel settings; the per-destination
// routing itself lives in the database.
type AlertConfig struct {
	SendGridAPIKey string
	EmailFrom      string
	EmailFromName  string
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds the queue/cache store configuration.
type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

// SecurityConfig holds secrets and encryption configuration.
type SecurityConfig struct {
	JWTSecret                   string
	APIKeySalt                  string
	CredentialEncryptionKey     string
	CredentialEncryptionKeyPrev string
}

// ScanConfig controls the scheduled-scan fan-out.
type ScanConfig struct {
	Enabled bool
}

// ProviderConfig holds optional per-provider webhook credentials.
type ProviderConfig struct {
	StripeWebhookSecret  string
	AppleSharedSecret    string
	GoogleServiceAccount string
	RecurlySharedSecret  string
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", "30s"),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", "120s"),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Security: SecurityConfig{
			JWTSecret:                   getEnv("JWT_SECRET", ""),
			APIKeySalt:                  getEnv("API_KEY_SALT", ""),
			CredentialEncryptionKey:     getEnv("CREDENTIAL_ENCRYPTION_KEY", ""),
			CredentialEncryptionKeyPrev: getEnv("CREDENTIAL_ENCRYPTION_KEY_PREVIOUS", ""),
		},
		Scans: ScanConfig{
			Enabled: getEnvAsBool("ENABLE_SCHEDULED_SCANS", true),
		},
		Providers: ProviderConfig{
			StripeWebhookSecret:  getEnv("STRIPE_WEBHOOK_SECRET", ""),
			AppleSharedSecret:    getEnv("APPLE_SHARED_SECRET", ""),
			GoogleServiceAccount: getEnv("GOOGLE_SERVICE_ACCOUNT", ""),
			RecurlySharedSecret:  getEnv("RECURLY_SHARED_SECRET", ""),
		},
		Alerts: AlertConfig{
			SendGridAPIKey: getEnv("SENDGRID_API_KEY", ""),
			EmailFrom:      getEnv("ALERT_EMAIL_FROM", "alerts@revback.io"),
			EmailFromName:  getEnv("ALERT_EMAIL_FROM_NAME", "RevBack Alerts"),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if len(cfg.Security.JWTSecret) < 16 {
		return nil, fmt.Errorf("JWT_SECRET is required and must be at least 16 characters")
	}

	if len(cfg.Security.APIKeySalt) < 16 {
		return nil, fmt.Errorf("API_KEY_SALT is required and must be at least 16 characters")
	}

	if err := validateKey(cfg.Security.CredentialEncryptionKey, "CREDENTIAL_ENCRYPTION_KEY"); err != nil {
		return nil, err
	}
	if cfg.Security.CredentialEncryptionKeyPrev != "" {
		if err := validateKey(cfg.Security.CredentialEncryptionKeyPrev, "CREDENTIAL_ENCRYPTION_KEY_PREVIOUS"); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// validateKey requires the value to be present. A 64-character value must be
// valid hex decoding to 32 bytes; anything else is accepted as a passphrase
// that the encryption service derives a key from via PBKDF2.
func validateKey(value, name string) error {
	if value == "" {
		return fmt.Errorf("%s is required", name)
	}
	if len(value) == 64 {
		if decoded, err := hex.DecodeString(value); err != nil || len(decoded) != 32 {
			return fmt.Errorf("%s looks like hex but does not decode to 32 bytes", name)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}
