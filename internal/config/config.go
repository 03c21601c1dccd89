package config

import (
	"errors"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const defaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port                  string
	DatabaseDSN           string
	JWTSecret             string
	// RefreshHashKey keys the BLAKE3 hash of stored refresh secrets.
	RefreshHashKey        string
	Env                   string
	LogLevel              string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int

	// BrokerBackend selects the shared counter/flag store: "memory" or "redis".
	BrokerBackend string
	RedisURL      string
	// BusBackend selects the fan-out transport: "broker" reuses the broker, "nats" uses NATS.
	BusBackend string
	NATSURL    string

	HeartbeatIntervalSeconds int
	HeartbeatTimeoutSeconds  int
	MaxQueueDepth            int
	MaxCiphertextBytes       int
	RateLimitMaxMessages     int
	RateLimitWindowSeconds   int
	ReplayWindowSeconds      int
}

var defaults = map[string]any{
	"APP_PORT":                   "8080",
	"DATABASE_DSN":               "host=localhost user=postgres password=postgres dbname=chatcore port=5432 sslmode=disable TimeZone=UTC",
	"JWT_SECRET":                 defaultJWTSecret,
	"APP_ENV":                    "dev",
	"LOG_LEVEL":                  "info",
	"ACCESS_TOKEN_TTL_MINUTES":   15,
	"REFRESH_TOKEN_TTL_DAYS":     7,
	"BROKER_BACKEND":             "memory",
	"REDIS_URL":                  "redis://localhost:6379/0",
	"BUS_BACKEND":                "broker",
	"NATS_URL":                   "nats://localhost:4222",
	"HEARTBEAT_INTERVAL_SECONDS": 25,
	"HEARTBEAT_TIMEOUT_SECONDS":  60,
	"MAX_QUEUE_DEPTH":            256,
	"MAX_CIPHERTEXT_BYTES":       64 * 1024,
	"RATE_LIMIT_MAX_MESSAGES":    30,
	"RATE_LIMIT_WINDOW_SECONDS":  10,
	"REPLAY_WINDOW_SECONDS":      300,
}

// Load reads an optional env file and then the process environment.
// Invalid or non-positive numeric values fall back to their defaults.
func Load(envFiles ...string) Config {
	_ = godotenv.Load(envFiles...)

	v := viper.New()
	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}

	hashKey := v.GetString("REFRESH_HASH_KEY")
	if hashKey == "" {
		hashKey = v.GetString("JWT_SECRET")
	}
	return Config{
		Port:                     v.GetString("APP_PORT"),
		DatabaseDSN:              v.GetString("DATABASE_DSN"),
		JWTSecret:                v.GetString("JWT_SECRET"),
		RefreshHashKey:           hashKey,
		Env:                      v.GetString("APP_ENV"),
		LogLevel:                 v.GetString("LOG_LEVEL"),
		AccessTokenTTLMinutes:    positiveInt(v, "ACCESS_TOKEN_TTL_MINUTES"),
		RefreshTokenTTLDays:      positiveInt(v, "REFRESH_TOKEN_TTL_DAYS"),
		BrokerBackend:            v.GetString("BROKER_BACKEND"),
		RedisURL:                 v.GetString("REDIS_URL"),
		BusBackend:               v.GetString("BUS_BACKEND"),
		NATSURL:                  v.GetString("NATS_URL"),
		HeartbeatIntervalSeconds: positiveInt(v, "HEARTBEAT_INTERVAL_SECONDS"),
		HeartbeatTimeoutSeconds:  positiveInt(v, "HEARTBEAT_TIMEOUT_SECONDS"),
		MaxQueueDepth:            positiveInt(v, "MAX_QUEUE_DEPTH"),
		MaxCiphertextBytes:       positiveInt(v, "MAX_CIPHERTEXT_BYTES"),
		RateLimitMaxMessages:     positiveInt(v, "RATE_LIMIT_MAX_MESSAGES"),
		RateLimitWindowSeconds:   positiveInt(v, "RATE_LIMIT_WINDOW_SECONDS"),
		ReplayWindowSeconds:      positiveInt(v, "REPLAY_WINDOW_SECONDS"),
	}
}

func positiveInt(v *viper.Viper, key string) int {
	n := v.GetInt(key)
	if n <= 0 {
		return defaults[key].(int)
	}
	return n
}

// Validate rejects configurations that cannot run safely.
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT must not be empty")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN must not be empty")
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET must not be empty")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("JWT_SECRET must be changed outside dev")
	}
	switch cfg.BrokerBackend {
	case "", "memory", "redis":
	default:
		return errors.New("BROKER_BACKEND must be memory or redis")
	}
	switch cfg.BusBackend {
	case "", "broker", "nats":
	default:
		return errors.New("BUS_BACKEND must be broker or nats")
	}
	if cfg.HeartbeatTimeoutSeconds > 0 && cfg.HeartbeatTimeoutSeconds < cfg.HeartbeatIntervalSeconds {
		return errors.New("HEARTBEAT_TIMEOUT_SECONDS must not be shorter than the interval")
	}
	return nil
}

func (c Config) AccessTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) RefreshTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTLDays) * 24 * time.Hour
}

func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func (c Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}

func (c Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}

func (c Config) ReplayWindow() time.Duration {
	return time.Duration(c.ReplayWindowSeconds) * time.Second
}
