package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the connector service configuration
type Config struct {
	ServiceName string
	Server      ServerConfig
	Database    DatabaseConfig
	Upstream    UpstreamConfig
	AWS         AWSConfig
	JWT         JWTConfig
	Log         LogConfig
	Metrics     MetricsConfig
	Tenants     TenantsConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port string
	Env  string
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	LogLevel        string
}

// UpstreamConfig holds upstream partner API configuration
type UpstreamConfig struct {
	PartnerCentralURL string
	MarketplaceURL    string
	APIKey            string
	CallTimeout       time.Duration
	MaxSyncAttempts   int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	PageSize          int
}

// AWSConfig holds configuration for the AWS-backed collaborators
// (raw payload archive bucket, change-event bus)
type AWSConfig struct {
	Region       string
	RawBucket    string
	EventBusName string
	EventSource  string
}

// JWTConfig holds token signing configuration for the internal API
// and for approval tokens
type JWTConfig struct {
	SigningKey       string
	ApprovalKey      string
	ApprovalTokenTTL time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string
}

// MetricsConfig holds metrics-related configuration
type MetricsConfig struct {
	Prefix string
}

// TenantsConfig locates the per-tenant connector definitions
type TenantsConfig struct {
	Dir string
}

// Load loads configuration from .env file and environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		// Not returning error as .env file is optional
		fmt.Printf("Warning: .env file not found, using environment variables\n")
	}

	config := &Config{
		ServiceName: getEnv("SERVICE_NAME", "connector-service"),
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Env:  getEnv("APP_ENV", "development"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "password"),
			Name:            getEnv("DB_NAME", "connectors"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 1*time.Hour),
			LogLevel:        getEnv("DB_LOG_LEVEL", ""),
		},
		Upstream: UpstreamConfig{
			PartnerCentralURL: getEnv("PARTNER_CENTRAL_URL", "https://partnercentral-selling.us-east-1.api.aws"),
			MarketplaceURL:    getEnv("MARKETPLACE_URL", "https://catalog.marketplace.us-east-1.amazonaws.com"),
			APIKey:            getEnv("UPSTREAM_API_KEY", ""),
			CallTimeout:       getEnvAsDuration("UPSTREAM_CALL_TIMEOUT", 30*time.Second),
			MaxSyncAttempts:   getEnvAsInt("UPSTREAM_MAX_SYNC_ATTEMPTS", 5),
			BaseBackoff:       getEnvAsDuration("UPSTREAM_BASE_BACKOFF", 500*time.Millisecond),
			MaxBackoff:        getEnvAsDuration("UPSTREAM_MAX_BACKOFF", 30*time.Second),
			PageSize:          getEnvAsInt("UPSTREAM_PAGE_SIZE", 100),
		},
		AWS: AWSConfig{
			Region:       getEnv("AWS_REGION", "us-east-1"),
			RawBucket:    getEnv("RAW_PAYLOAD_BUCKET", ""),
			EventBusName: getEnv("EVENT_BUS_NAME", "default"),
			EventSource:  getEnv("EVENT_SOURCE", "partner-connectors"),
		},
		JWT: JWTConfig{
			SigningKey:       getEnv("JWT_SIGNING_KEY", "defaultsecretkey"),
			ApprovalKey:      getEnv("APPROVAL_SIGNING_KEY", "defaultapprovalkey"),
			ApprovalTokenTTL: getEnvAsDuration("APPROVAL_TOKEN_TTL", 24*time.Hour),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Metrics: MetricsConfig{
			Prefix: getEnv("METRICS_PREFIX", "connector"),
		},
		Tenants: TenantsConfig{
			Dir: getEnv("TENANT_CONFIG_DIR", "./tenants"),
		},
	}

	return config, nil
}

// Helper function to get environment variables with defaults
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// Helper function to get environment variables as integers
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// Helper function to get environment variables as durations
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
