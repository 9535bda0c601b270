package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Auth           AuthConfig
	RateLimit      RateLimitConfig
	CORS           CORSConfig
	AdminBootstrap AdminBootstrapConfig
	Jobs           JobsConfig
	Email          EmailConfig
	Redis          RedisConfig
	Tracing        TracingConfig
	Logging        LoggingConfig
	MCP            MCPConfig
	Environment    string
}

type ServerConfig struct {
	Host    string
	Port    int
	BaseURL string
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
	MaxIdle        int
}

type AuthConfig struct {
	JWTSecret     string
	JWTExpiry     time.Duration
	RefreshExpiry time.Duration
	Issuer        string
	BcryptCost    int
}

type RateLimitConfig struct {
	PublicPerMinute        int
	AuthenticatedPerMinute int
	LoginPerMinute         int
	TrustedProxyCIDRs      []string
}

// CORSConfig controls which browser origins may call the API.
type CORSConfig struct {
	AllowAllOrigins bool
	AllowedOrigins  []string
}

type AdminBootstrapConfig struct {
	Email    string
	Password string
	FullName string
}

type JobsConfig struct {
	Enabled             bool
	BookPurgeRetention  time.Duration
	RetryWelcomeEmail   int
	RefreshTokenGrace   time.Duration
	PeriodicJobsEnabled bool
}

type EmailConfig struct {
	Enabled      bool
	From         string
	ResendAPIKey string
}

// RedisConfig is optional; an empty URL selects the in-process revocation list.
type RedisConfig struct {
	URL string
}

type TracingConfig struct {
	Enabled      bool
	Exporter     string
	ServiceName  string
	OTLPEndpoint string
	SampleRate   float64
}

type LoggingConfig struct {
	Level        string
	Format       string
	AuditLogFile string
}

type MCPConfig struct {
	Enabled bool
}

// lookup returns the raw value for a key, or "" when unset.
type lookup func(key string) string

// Load reads configuration from the environment.
func Load() (Config, error) {
	return load(os.Getenv)
}

// LoadWithFile reads configuration from the environment, falling back to
// values in the given file (any format viper understands) for unset keys.
func LoadWithFile(path string) (Config, error) {
	if path == "" {
		return Load()
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", path, err)
	}
	return load(func(key string) string {
		if value := os.Getenv(key); value != "" {
			return value
		}
		if v.IsSet(key) {
			return v.GetString(key)
		}
		return ""
	})
}

func load(get lookup) (Config, error) {
	env := envReader{get: get}

	port := env.int("PORT", 0)
	if port == 0 {
		port = env.int("SERVER_PORT", 3000)
	}

	jwtExpiry, err := env.duration("JWT_EXPIRES_IN", 24*time.Hour)
	if err != nil {
		return Config{}, err
	}
	refreshExpiry, err := env.duration("JWT_REFRESH_EXPIRES_IN", 7*24*time.Hour)
	if err != nil {
		return Config{}, err
	}
	purgeRetention, err := env.duration("BOOK_PURGE_RETENTION", 90*24*time.Hour)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Host:    env.str("SERVER_HOST", "0.0.0.0"),
			Port:    port,
			BaseURL: env.str("SERVER_BASE_URL", fmt.Sprintf("http://localhost:%d", port)),
		},
		Database: DatabaseConfig{
			URL:            env.str("DATABASE_URL", ""),
			MaxConnections: env.int("DB_MAX_CONNS", 10),
			MaxIdle:        env.int("DB_MAX_IDLE_CONNS", 2),
		},
		Auth: AuthConfig{
			JWTSecret:     env.str("JWT_SECRET", ""),
			JWTExpiry:     jwtExpiry,
			RefreshExpiry: refreshExpiry,
			Issuer:        env.str("JWT_ISSUER", "cmpc-libros"),
			BcryptCost:    env.int("BCRYPT_COST", 10),
		},
		RateLimit: RateLimitConfig{
			PublicPerMinute:        env.int("RATE_LIMIT_PUBLIC", 60),
			AuthenticatedPerMinute: env.int("RATE_LIMIT_AUTHENTICATED", 300),
			LoginPerMinute:         env.int("RATE_LIMIT_LOGIN", 10),
			TrustedProxyCIDRs:      env.list("TRUSTED_PROXY_CIDRS"),
		},
		AdminBootstrap: AdminBootstrapConfig{
			Email:    env.str("ADMIN_EMAIL", ""),
			Password: env.str("ADMIN_PASSWORD", ""),
			FullName: env.str("ADMIN_FULL_NAME", "Administrator"),
		},
		Jobs: JobsConfig{
			Enabled:             env.bool("JOBS_ENABLED", true),
			BookPurgeRetention:  purgeRetention,
			RetryWelcomeEmail:   env.int("JOB_RETRY_WELCOME_EMAIL", 5),
			RefreshTokenGrace:   24 * time.Hour,
			PeriodicJobsEnabled: env.bool("JOBS_PERIODIC_ENABLED", true),
		},
		Email: EmailConfig{
			Enabled:      env.bool("EMAIL_ENABLED", false),
			From:         env.str("EMAIL_FROM", "no-reply@cmpc-libros.local"),
			ResendAPIKey: env.str("RESEND_API_KEY", ""),
		},
		Redis: RedisConfig{
			URL: env.str("REDIS_URL", ""),
		},
		Tracing: TracingConfig{
			Enabled:      env.bool("TRACING_ENABLED", false),
			Exporter:     env.str("TRACING_EXPORTER", "stdout"),
			ServiceName:  env.str("TRACING_SERVICE_NAME", "cmpc-libros"),
			OTLPEndpoint: env.str("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			SampleRate:   env.float("TRACING_SAMPLE_RATE", 1.0),
		},
		Logging: LoggingConfig{
			Level:        env.str("LOG_LEVEL", "info"),
			Format:       env.str("LOG_FORMAT", "json"),
			AuditLogFile: env.str("AUDIT_LOG_FILE", ""),
		},
		MCP: MCPConfig{
			Enabled: env.bool("MCP_ENABLED", true),
		},
		Environment: env.str("ENVIRONMENT", "development"),
	}

	if cfg.Database.URL == "" {
		cfg.Database.URL = databaseURLFromParts(env)
	}

	origins := env.list("CORS_ALLOWED_ORIGINS")
	switch {
	case len(origins) == 1 && origins[0] == "*":
		cfg.CORS.AllowAllOrigins = true
	case len(origins) > 0:
		cfg.CORS.AllowedOrigins = origins
	case cfg.isLocal():
		cfg.CORS.AllowAllOrigins = true
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) isLocal() bool {
	return c.Environment == "development" || c.Environment == "test"
}

// IsProduction reports whether the server runs with production safeguards.
func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if !c.isLocal() && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters outside development")
	}
	if c.IsProduction() && !c.CORS.AllowAllOrigins && len(c.CORS.AllowedOrigins) == 0 {
		return fmt.Errorf("CORS_ALLOWED_ORIGINS is required in production")
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		return fmt.Errorf("BCRYPT_COST must be between 4 and 31")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}
	if c.Email.Enabled && c.Email.ResendAPIKey == "" {
		return fmt.Errorf("RESEND_API_KEY is required when EMAIL_ENABLED is true")
	}
	return nil
}

func databaseURLFromParts(env envReader) string {
	host := env.str("DB_HOST", "")
	if host == "" {
		return ""
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(env.str("DB_USERNAME", "postgres"), env.str("DB_PASSWORD", "")),
		Host:   fmt.Sprintf("%s:%d", host, env.int("DB_PORT", 5432)),
		Path:   "/" + env.str("DB_NAME", "cmpc_libros"),
	}
	q := u.Query()
	q.Set("sslmode", env.str("DB_SSLMODE", "disable"))
	u.RawQuery = q.Encode()
	return u.String()
}

type envReader struct {
	get lookup
}

func (e envReader) str(key, fallback string) string {
	if value := strings.TrimSpace(e.get(key)); value != "" {
		return value
	}
	return fallback
}

func (e envReader) int(key string, fallback int) int {
	value := e.get(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func (e envReader) float(key string, fallback float64) float64 {
	value := e.get(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func (e envReader) bool(key string, fallback bool) bool {
	value := e.get(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func (e envReader) list(key string) []string {
	value := e.get(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (e envReader) duration(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(e.get(key))
	if value == "" {
		return fallback, nil
	}
	d, err := ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// ParseDuration accepts Go durations plus day suffixes ("1d", "7d") and bare
// seconds ("3600").
func ParseDuration(value string) (time.Duration, error) {
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	if days, ok := strings.CutSuffix(value, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration %q", value)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	return d, nil
}
