package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port       string
	AuthMode   string // "session" (server-side sessions) or "cookie" (stateless)
	StateMode  string // "stored" (single-use DB rows) or "signed" (self-contained)
	DBAdapter  string
	SQLiteFile string
	LogLevel   string

	// Upstream OAuth application
	UpstreamClientID       string
	UpstreamClientSecret   string
	UpstreamRedirectURI    string
	UpstreamProjectName    string
	UpstreamAuthBase       string
	UpstreamAPIBase        string
	UpstreamHasReplaceTask bool

	// Security
	SecretKey          string
	TokenEncryptionKey string // optional base64 AES-256 key; derived from SecretKey when empty

	// Application
	Environment    string
	AllowedOrigins []string
	FrontendURL    string

	SessionTTL    time.Duration
	StateTTL      time.Duration
	RefreshMargin time.Duration

	// Bulk mutation engine
	BulkConcurrency     int
	ReplacePollInterval time.Duration
	ReplaceMaxWait      time.Duration
	RateLimitPerMinute  int

	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getdur(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}

func getint(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	// If DSN is provided directly, use it
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	// Build DSN from individual components
	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}

	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable" // Default to disable for local development
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)

	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}

	return dsn, nil
}

func New() (*Config, error) {
	c := &Config{
		Port:       getenv("PORT", "8080"),
		AuthMode:   getenv("AUTH_MODE", "session"),
		DBAdapter:  getenv("DB_ADAPTER", "postgres"),
		SQLiteFile: getenv("SQLITE_FILE", "./data/tablebridge.db"),
		LogLevel:   getenv("LOG_LEVEL", "info"),

		UpstreamClientID:     os.Getenv("UPSTREAM_CLIENT_ID"),
		UpstreamClientSecret: os.Getenv("UPSTREAM_CLIENT_SECRET"),
		UpstreamRedirectURI:  os.Getenv("UPSTREAM_REDIRECT_URI"),
		UpstreamProjectName:  getenv("UPSTREAM_PROJECT_NAME", "Global"),
		UpstreamAuthBase:     getenv("UPSTREAM_AUTH_BASE", "https://signin.laserfiche.com/oauth"),
		UpstreamAPIBase:      getenv("UPSTREAM_API_BASE", "https://api.laserfiche.com/odata4"),

		SecretKey:          getenv("SECRET_KEY", "change-me"),
		TokenEncryptionKey: os.Getenv("TOKEN_ENCRYPTION_KEY"),

		Environment: strings.ToLower(getenv("ENVIRONMENT", "development")),
		FrontendURL: getenv("FRONTEND_URL", "http://localhost:3000"),

		// PostgreSQL settings
		PostgresDSN:      getenv("POSTGRES_DSN", ""),
		PostgresHost:     getenv("POSTGRES_HOST", getenv("DB_HOST", "localhost")),
		PostgresPort:     getenv("POSTGRES_PORT", getenv("DB_PORT", "5432")),
		PostgresUser:     getenv("POSTGRES_USER", getenv("DB_USER", "tablebridge")),
		PostgresPassword: getenv("POSTGRES_PASSWORD", getenv("DB_PASSWORD", "")),
		PostgresDB:       getenv("POSTGRES_DB", getenv("DB_NAME", "tablebridge")),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", getenv("DB_SSLMODE", "disable")),
	}

	if c.UpstreamClientID == "" || c.UpstreamClientSecret == "" || c.UpstreamRedirectURI == "" {
		return nil, errors.New("UPSTREAM_CLIENT_ID, UPSTREAM_CLIENT_SECRET, and UPSTREAM_REDIRECT_URI are required")
	}

	switch c.AuthMode {
	case "session", "cookie":
	default:
		return nil, fmt.Errorf("unsupported AUTH_MODE: %s (supported: session, cookie)", c.AuthMode)
	}

	// Stored states need a database row per attempt; the stateless deployment
	// defaults to self-contained signed states instead.
	defaultStateMode := "stored"
	if c.AuthMode == "cookie" {
		defaultStateMode = "signed"
	}
	c.StateMode = getenv("STATE_MODE", defaultStateMode)
	switch c.StateMode {
	case "stored", "signed":
	default:
		return nil, fmt.Errorf("unsupported STATE_MODE: %s (supported: stored, signed)", c.StateMode)
	}

	origins := getenv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			c.AllowedOrigins = append(c.AllowedOrigins, o)
		}
	}

	var err error
	if c.SessionTTL, err = getdur("SESSION_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if c.StateTTL, err = getdur("STATE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	if c.RefreshMargin, err = getdur("REFRESH_MARGIN", 5*time.Minute); err != nil {
		return nil, err
	}
	if c.ReplacePollInterval, err = getdur("REPLACE_POLL_INTERVAL", 2*time.Second); err != nil {
		return nil, err
	}
	if c.ReplaceMaxWait, err = getdur("REPLACE_MAX_WAIT", 300*time.Second); err != nil {
		return nil, err
	}
	if c.BulkConcurrency, err = getint("BULK_CONCURRENCY", 5); err != nil {
		return nil, err
	}
	if c.RateLimitPerMinute, err = getint("RATE_LIMIT_PER_MINUTE", 120); err != nil {
		return nil, err
	}

	replaceTask := getenv("UPSTREAM_HAS_REPLACE_TASK", "true")
	c.UpstreamHasReplaceTask, err = strconv.ParseBool(replaceTask)
	if err != nil {
		return nil, fmt.Errorf("invalid UPSTREAM_HAS_REPLACE_TASK: %q", replaceTask)
	}

	// An explicit encryption key must be a well-formed base64 AES-256 key; a
	// bad key is a startup error, never a per-request one.
	if c.TokenEncryptionKey != "" {
		raw, err := base64.StdEncoding.DecodeString(c.TokenEncryptionKey)
		if err != nil || len(raw) != 32 {
			return nil, errors.New("TOKEN_ENCRYPTION_KEY must be a base64-encoded 32-byte key")
		}
	}

	if c.Environment == "production" || c.Environment == "prod" {
		if c.SecretKey == "" || c.SecretKey == "change-me" {
			return nil, errors.New("SECRET_KEY must be set in production")
		}
	}

	if c.DBAdapter == "sqlite" && c.SQLiteFile == "" {
		return nil, errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
	}

	// Validate PostgreSQL configuration if using postgres
	if c.DBAdapter == "postgres" {
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	}

	// normalize port
	if _, err := strconv.Atoi(c.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT: %s", c.Port)
	}

	return c, nil
}
