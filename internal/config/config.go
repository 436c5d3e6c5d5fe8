package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ServerPort  string
	DatabaseURL string
	DBMaxConns  int32
	RedisURL    string
	JWTSecret   string
	JWTExpiry   time.Duration

	// Optional password login. Without PASSWORD_HASH clients sign their own
	// tokens with the shared secret.
	UserID       string
	PasswordHash string

	// RedisChannel carries committed events between server instances.
	RedisChannel string
	KafkaBrokers []string
	KafkaTopic   string
	// MaxReplay bounds how far behind a subscriber may resume before it is
	// told to resync from a snapshot. Zero means unbounded.
	MaxReplay int64
}

type ClientConfig struct {
	ServerURL string
	ClientID  string
	UserID    string
	// One of Password, JWTSecret or Token authenticates the client.
	Password  string
	JWTSecret string
	Token     string

	QueueBackend string
	SQLitePath   string
	RedisURL     string
	Namespace    string

	MaxAttempts      int
	RequestTimeout   time.Duration
	BackoffMin       time.Duration
	BackoffMax       time.Duration
	SnapshotInterval time.Duration
}

// newViper reads ledgersync.yaml when present; environment variables win
// over the file.
func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName("ledgersync")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return v, nil
}

func LoadConfig() (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("JWT_EXPIRY", "24h")
	v.SetDefault("USER_ID", "owner")
	v.SetDefault("REDIS_CHANNEL", "ledgersync:events")
	v.SetDefault("KAFKA_TOPIC", "ledgersync.events")
	v.SetDefault("MAX_REPLAY", 0)
	v.SetDefault("DB_MAX_CONNS", 10)

	expiry, err := time.ParseDuration(v.GetString("JWT_EXPIRY"))
	if err != nil {
		return nil, errors.New("invalid JWT_EXPIRY format")
	}

	cfg := &Config{
		ServerPort:   v.GetString("SERVER_PORT"),
		DatabaseURL:  v.GetString("DATABASE_URL"),
		DBMaxConns:   v.GetInt32("DB_MAX_CONNS"),
		RedisURL:     v.GetString("REDIS_URL"),
		JWTSecret:    v.GetString("JWT_SECRET"),
		JWTExpiry:    expiry,
		UserID:       v.GetString("USER_ID"),
		PasswordHash: v.GetString("PASSWORD_HASH"),
		RedisChannel: v.GetString("REDIS_CHANNEL"),
		KafkaBrokers: splitList(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:   v.GetString("KAFKA_TOPIC"),
		MaxReplay:    v.GetInt64("MAX_REPLAY"),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.MaxReplay < 0 {
		return nil, errors.New("MAX_REPLAY must not be negative")
	}

	return cfg, nil
}

func LoadClientConfig() (*ClientConfig, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	v.SetDefault("SERVER_URL", "http://localhost:8080")
	v.SetDefault("USER_ID", "owner")
	v.SetDefault("QUEUE_BACKEND", "sqlite")
	v.SetDefault("SQLITE_PATH", "ledgersync.db")
	v.SetDefault("NAMESPACE", "ledgersync")
	v.SetDefault("MAX_ATTEMPTS", 0)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BACKOFF_MIN", "500ms")
	v.SetDefault("BACKOFF_MAX", "30s")
	v.SetDefault("SNAPSHOT_INTERVAL", "1m")

	cfg := &ClientConfig{
		ServerURL:    v.GetString("SERVER_URL"),
		ClientID:     v.GetString("CLIENT_ID"),
		UserID:       v.GetString("USER_ID"),
		Password:     v.GetString("PASSWORD"),
		JWTSecret:    v.GetString("JWT_SECRET"),
		Token:        v.GetString("TOKEN"),
		QueueBackend: strings.ToLower(v.GetString("QUEUE_BACKEND")),
		SQLitePath:   v.GetString("SQLITE_PATH"),
		RedisURL:     v.GetString("REDIS_URL"),
		Namespace:    v.GetString("NAMESPACE"),
		MaxAttempts:  v.GetInt("MAX_ATTEMPTS"),
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"REQUEST_TIMEOUT", &cfg.RequestTimeout},
		{"BACKOFF_MIN", &cfg.BackoffMin},
		{"BACKOFF_MAX", &cfg.BackoffMax},
		{"SNAPSHOT_INTERVAL", &cfg.SnapshotInterval},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s format", d.key)
		}
		*d.dst = parsed
	}

	if cfg.Password == "" && cfg.JWTSecret == "" && cfg.Token == "" {
		return nil, errors.New("one of PASSWORD, JWT_SECRET or TOKEN is required")
	}
	// The snapshot always lives in sqlite; the queue may live in redis.
	if cfg.SQLitePath == "" {
		return nil, errors.New("SQLITE_PATH is required")
	}
	switch cfg.QueueBackend {
	case "sqlite":
	case "redis":
		if cfg.RedisURL == "" {
			return nil, errors.New("REDIS_URL is required for the redis queue backend")
		}
	default:
		return nil, fmt.Errorf("unknown QUEUE_BACKEND %q", cfg.QueueBackend)
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		return nil, errors.New("BACKOFF_MAX must not be below BACKOFF_MIN")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
