package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Port       string
	DBAdapter  string
	SQLiteFile string
	JwtSecret  string
	JwtIssuer  string
	LogLevel   string
	LogFormat  string
	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Token lifetimes and rotation
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration
	RotationPolicy   string
	TokenStore       string
	RefreshRetention time.Duration

	// Redis refresh token store, used when TokenStore is "redis"
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	AuthRatePerMinute  int
	CORSAllowedOrigins []string
}

// source resolves a key from the environment first, then the optional YAML
// file (keys are the lower-cased variable names), then the default.
type source struct {
	k *koanf.Koanf
}

func (s source) getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if s.k != nil {
		if fk := strings.ToLower(key); s.k.Exists(fk) {
			return s.k.String(fk)
		}
	}
	return def
}

func (s source) list(key string) []string {
	if v := os.Getenv(key); v != "" {
		return splitList(v)
	}
	if s.k != nil {
		if fk := strings.ToLower(key); s.k.Exists(fk) {
			if l := s.k.Strings(fk); len(l) > 0 {
				return l
			}
			return splitList(s.k.String(fk))
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

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
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)

	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}

	return dsn, nil
}

// New loads configuration from the environment and, when CONFIG_FILE is set,
// from that YAML file.
func New() (*Config, error) {
	return Load(os.Getenv("CONFIG_FILE"))
}

// Load is New with an explicit config file path; an empty path skips the file.
func Load(path string) (*Config, error) {
	var src source
	if path != "" {
		k := koanf.New(".")
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
		src.k = k
	}
	getenv := src.getenv

	c := &Config{
		Port:       getenv("PORT", "8080"),
		DBAdapter:  getenv("DB_ADAPTER", "postgres"),
		SQLiteFile: getenv("SQLITE_FILE", "./data/tokenauth.db"),
		JwtSecret:  getenv("JWT_SECRET", "change-me"),
		JwtIssuer:  getenv("JWT_ISSUER", ""),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogFormat:  getenv("LOG_FORMAT", "json"),

		PostgresDSN:      getenv("POSTGRES_DSN", ""),
		PostgresHost:     getenv("POSTGRES_HOST", getenv("DB_HOST", "localhost")),
		PostgresPort:     getenv("POSTGRES_PORT", getenv("DB_PORT", "5432")),
		PostgresUser:     getenv("POSTGRES_USER", getenv("DB_USER", "tokenauth")),
		PostgresPassword: getenv("POSTGRES_PASSWORD", getenv("DB_PASSWORD", "tokenauth")),
		PostgresDB:       getenv("POSTGRES_DB", getenv("DB_NAME", "tokenauth")),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", getenv("DB_SSLMODE", "disable")),

		RotationPolicy: getenv("ROTATION_POLICY", "revoke"),
		TokenStore:     getenv("TOKEN_STORE", "db"),

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisPrefix:   getenv("REDIS_PREFIX", "tokenauth:"),

		CORSAllowedOrigins: src.list("CORS_ALLOWED_ORIGINS"),
	}

	var err error
	durations := []struct {
		key, def string
		dst      *time.Duration
	}{
		{"ACCESS_TOKEN_TTL", "2h", &c.AccessTokenTTL},
		{"REFRESH_TOKEN_TTL", "168h", &c.RefreshTokenTTL},
		{"REFRESH_TOKEN_RETENTION", "24h", &c.RefreshRetention},
	}
	for _, d := range durations {
		if *d.dst, err = time.ParseDuration(getenv(d.key, d.def)); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		if *d.dst < 0 {
			return nil, fmt.Errorf("invalid %s: must not be negative", d.key)
		}
	}
	if c.AccessTokenTTL == 0 || c.RefreshTokenTTL == 0 {
		return nil, errors.New("ACCESS_TOKEN_TTL and REFRESH_TOKEN_TTL must be positive")
	}

	if c.RedisDB, err = strconv.Atoi(getenv("REDIS_DB", "0")); err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	if c.AuthRatePerMinute, err = strconv.Atoi(getenv("AUTH_RATE_PER_MINUTE", "60")); err != nil || c.AuthRatePerMinute < 0 {
		return nil, fmt.Errorf("invalid AUTH_RATE_PER_MINUTE: %s", getenv("AUTH_RATE_PER_MINUTE", "60"))
	}

	switch c.RotationPolicy {
	case "revoke", "retain":
	default:
		return nil, fmt.Errorf("unsupported ROTATION_POLICY: %s (supported: revoke, retain)", c.RotationPolicy)
	}
	switch c.TokenStore {
	case "db", "redis":
	default:
		return nil, fmt.Errorf("unsupported TOKEN_STORE: %s (supported: db, redis)", c.TokenStore)
	}

	switch c.DBAdapter {
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	case "sqlite":
		if c.SQLiteFile == "" {
			return nil, errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}

	env := strings.ToLower(getenv("APP_ENV", getenv("ENV", "")))
	if env == "production" || env == "prod" {
		if c.JwtSecret == "" || c.JwtSecret == "change-me" {
			return nil, errors.New("JWT_SECRET must be set in production")
		}
		if c.DBAdapter == "memory" {
			return nil, errors.New("DB_ADAPTER=memory is not allowed in production")
		}
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT: %s", c.Port)
	}

	return c, nil
}
