package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port          string
	Env           string
	DBAdapter     string
	SQLiteFile    string
	MigrationsDir string
	JwtSecret     string
	LogLevel      string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// RevocationBackend selects where revoked refresh tokens are recorded: "db" or "redis".
	RevocationBackend string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int

	CORSAllowedOrigins    []string
	ThrottleAnonPerMinute int
	MaxUploadBytes        int64

	ModelURL     string
	ModelName    string
	ModelTimeout time.Duration

	MediaBackend string
	MediaDir     string
	S3Bucket     string
	S3Region     string
	S3Endpoint   string
	S3AccessKey  string
	S3SecretKey  string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
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

// BuildPostgresDSN returns POSTGRES_DSN when set, otherwise a DSN assembled from the individual settings.
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

// IsProduction reports whether ENV names a production deployment.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// Load reads an optional dotenv file into the process environment and then builds the Config.
// Variables already present in the environment win over the file.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return New()
}

func New() (*Config, error) {
	c := &Config{
		Port:          getenv("PORT", "8000"),
		Env:           strings.ToLower(getenv("ENV", "")),
		DBAdapter:     getenv("DB_ADAPTER", "sqlite"),
		SQLiteFile:    getenv("SQLITE_FILE", "./data/dermaid.db"),
		MigrationsDir: getenv("MIGRATIONS_DIR", "./migrations"),
		JwtSecret:     getenv("JWT_SECRET", "change-me"),
		LogLevel:      getenv("LOG_LEVEL", "info"),

		PostgresDSN:      getenv("POSTGRES_DSN", ""),
		PostgresHost:     getenv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getenv("POSTGRES_PORT", "5432"),
		PostgresUser:     getenv("POSTGRES_USER", "dermaid"),
		PostgresPassword: getenv("POSTGRES_PASSWORD", ""),
		PostgresDB:       getenv("POSTGRES_DB", "dermaid"),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", "disable"),

		RevocationBackend: getenv("REVOCATION_BACKEND", "db"),
		RedisAddr:         getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),

		CORSAllowedOrigins: splitList(getenv("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),

		ModelURL:  getenv("MODEL_URL", ""),
		ModelName: getenv("MODEL_NAME", "skin_disease"),

		MediaBackend: getenv("MEDIA_BACKEND", "local"),
		MediaDir:     getenv("MEDIA_DIR", "./media"),
		S3Bucket:     getenv("S3_BUCKET", ""),
		S3Region:     getenv("S3_REGION", "us-east-1"),
		S3Endpoint:   getenv("S3_ENDPOINT", ""),
		S3AccessKey:  getenv("S3_ACCESS_KEY", ""),
		S3SecretKey:  getenv("S3_SECRET_KEY", ""),
	}

	var err error
	if c.AccessTokenTTL, err = getenvDuration("ACCESS_TOKEN_TTL", 15*time.Minute); err != nil {
		return nil, err
	}
	if c.RefreshTokenTTL, err = getenvDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour); err != nil {
		return nil, err
	}
	if c.ModelTimeout, err = getenvDuration("MODEL_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if c.RedisDB, err = getenvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if c.ThrottleAnonPerMinute, err = getenvInt("THROTTLE_ANON_PER_MINUTE", 5); err != nil {
		return nil, err
	}
	maxUpload, err := getenvInt("MAX_UPLOAD_BYTES", 10<<20)
	if err != nil {
		return nil, err
	}
	c.MaxUploadBytes = int64(maxUpload)

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	switch c.DBAdapter {
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	case "sqlite":
		if c.SQLiteFile == "" {
			return errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}

	switch c.RevocationBackend {
	case "db":
	case "redis":
		if c.RedisAddr == "" {
			return errors.New("REDIS_ADDR must be set when REVOCATION_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unsupported REVOCATION_BACKEND: %s (supported: db, redis)", c.RevocationBackend)
	}

	switch c.MediaBackend {
	case "local":
		if c.MediaDir == "" {
			return errors.New("MEDIA_DIR must be set when MEDIA_BACKEND=local")
		}
	case "s3":
		if c.S3Bucket == "" {
			return errors.New("S3_BUCKET must be set when MEDIA_BACKEND=s3")
		}
	default:
		return fmt.Errorf("unsupported MEDIA_BACKEND: %s (supported: local, s3)", c.MediaBackend)
	}

	if c.IsProduction() && (c.JwtSecret == "" || c.JwtSecret == "change-me") {
		return errors.New("JWT_SECRET must be set in production")
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return errors.New("token lifetimes must be positive")
	}
	if c.ThrottleAnonPerMinute < 0 {
		return fmt.Errorf("invalid THROTTLE_ANON_PER_MINUTE: %d", c.ThrottleAnonPerMinute)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("invalid MAX_UPLOAD_BYTES: %d", c.MaxUploadBytes)
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("invalid PORT: %s", c.Port)
	}
	return nil
}
