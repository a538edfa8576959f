package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Policy sources
const (
	PolicySourceBuiltin  = "builtin"
	PolicySourceFile     = "file"
	PolicySourcePostgres = "postgres"
)

// Rate limit backends
const (
	RateLimitMemory = "memory"
	RateLimitRedis  = "redis"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Policy        PolicyConfig
	Database      DatabaseConfig
	RateLimit     RateLimitConfig
	Audit         AuditConfig
	Gateway       GatewayConfig
	Bedrock       BedrockConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// PolicyConfig selects where agent policies and screening data come from
type PolicyConfig struct {
	Source         string
	File           string
	SignaturesFile string
	PricingFile    string
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// RateLimitConfig selects the window store and the window widths
type RateLimitConfig struct {
	Backend       string
	RedisURL      string
	RedisPrefix   string
	RequestWindow time.Duration
	TokenWindow   time.Duration
}

// AuditConfig holds the audit trail location
type AuditConfig struct {
	Dir string
}

// GatewayConfig describes how the upstream gateway asserts agent identity.
// With an empty JWTSecret the AgentIDHeader is trusted as is.
type GatewayConfig struct {
	JWTSecret     string
	AgentIDHeader string
}

// BedrockConfig holds AWS Bedrock backend configuration
type BedrockConfig struct {
	Enabled          bool
	Region           string
	Profile          string
	Timeout          time.Duration
	MaxRetries       int
	CallsPerSecond   float64
	Burst            int
	FailureThreshold int
	OpenTimeout      time.Duration
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or console
	MetricsEnabled bool
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 90*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			CORSOrigins:     getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:*"}),
		},
		Policy: PolicyConfig{
			Source:         strings.ToLower(getEnv("POLICY_SOURCE", PolicySourceBuiltin)),
			File:           getEnv("POLICY_FILE", ""),
			SignaturesFile: getEnv("SIGNATURES_FILE", ""),
			PricingFile:    getEnv("PRICING_FILE", ""),
		},
		Database: loadDatabaseConfig(),
		RateLimit: RateLimitConfig{
			Backend:       strings.ToLower(getEnv("RATE_LIMIT_BACKEND", RateLimitMemory)),
			RedisURL:      getEnv("REDIS_URL", ""),
			RedisPrefix:   getEnv("REDIS_PREFIX", "guard:rl:"),
			RequestWindow: getEnvAsDuration("RATE_LIMIT_REQUEST_WINDOW", time.Minute),
			TokenWindow:   getEnvAsDuration("RATE_LIMIT_TOKEN_WINDOW", time.Hour),
		},
		Audit: AuditConfig{
			Dir: getEnv("AUDIT_DIR", "audit"),
		},
		Gateway: GatewayConfig{
			JWTSecret:     getEnv("GATEWAY_JWT_SECRET", ""),
			AgentIDHeader: getEnv("AGENT_ID_HEADER", "X-Agent-ID"),
		},
		Bedrock: BedrockConfig{
			Enabled:          getEnvAsBool("BEDROCK_ENABLED", true),
			Region:           getEnv("BEDROCK_REGION", "us-east-1"),
			Profile:          getEnv("BEDROCK_PROFILE", ""),
			Timeout:          getEnvAsDuration("BEDROCK_TIMEOUT", 60*time.Second),
			MaxRetries:       getEnvAsInt("BEDROCK_MAX_RETRIES", 3),
			CallsPerSecond:   getEnvAsFloat("BEDROCK_CALLS_PER_SECOND", 20),
			Burst:            getEnvAsInt("BEDROCK_BURST", 5),
			FailureThreshold: getEnvAsInt("BEDROCK_FAILURE_THRESHOLD", 5),
			OpenTimeout:      getEnvAsDuration("BEDROCK_OPEN_TIMEOUT", 30*time.Second),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}

	cfg.Server.TLS.Enabled = getEnvAsBool("TLS_ENABLED", false)
	cfg.Server.TLS.CertFile = getEnv("TLS_CERT_FILE", "certs/cert.pem")
	cfg.Server.TLS.KeyFile = getEnv("TLS_KEY_FILE", "certs/key.pem")

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is consistent
func (c *Config) Validate() error {
	switch c.Policy.Source {
	case PolicySourceBuiltin:
	case PolicySourceFile:
		if c.Policy.File == "" {
			return fmt.Errorf("POLICY_FILE is required when POLICY_SOURCE=file")
		}
	case PolicySourcePostgres:
		if c.Database.ConnectionString == "" && c.Database.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Database.ConnectionString == "" {
			if c.Database.User == "" {
				return fmt.Errorf("database user is required")
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	default:
		return fmt.Errorf("unknown policy source %q", c.Policy.Source)
	}

	switch c.RateLimit.Backend {
	case RateLimitMemory:
	case RateLimitRedis:
		if c.RateLimit.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when RATE_LIMIT_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unknown rate limit backend %q", c.RateLimit.Backend)
	}
	if c.RateLimit.RequestWindow <= 0 || c.RateLimit.TokenWindow <= 0 {
		return fmt.Errorf("rate limit windows must be positive")
	}

	if c.Audit.Dir == "" {
		return fmt.Errorf("audit directory is required")
	}

	if c.Gateway.AgentIDHeader == "" && c.Gateway.JWTSecret == "" {
		return fmt.Errorf("either GATEWAY_JWT_SECRET or AGENT_ID_HEADER must be set")
	}
	if c.IsProduction() && c.Gateway.JWTSecret == "" {
		return fmt.Errorf("GATEWAY_JWT_SECRET is required in production")
	}

	if c.Bedrock.Enabled {
		if c.Bedrock.Region == "" {
			return fmt.Errorf("bedrock region is required")
		}
		if c.Bedrock.MaxRetries < 0 || c.Bedrock.FailureThreshold < 1 || c.Bedrock.CallsPerSecond <= 0 {
			return fmt.Errorf("invalid bedrock reliability settings")
		}
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "guard"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "agent_guard"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 2),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated value, dropping empty entries
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
