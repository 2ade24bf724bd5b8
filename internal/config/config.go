package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"

	PacerMemory = "memory"
	PacerRedis  = "redis"
)

var (
	ErrMissingBotToken    = errors.New("BOT_TOKEN is required")
	ErrMissingOwnerUserID = errors.New("OWNER_USER_ID is required and must be > 0")
	ErrMissingDatabaseDSN = errors.New("DB_DSN is required")
	ErrInvalidDriver      = errors.New("STORAGE_DRIVER must be one of memory, sqlite, postgres, redis")
	ErrInvalidPacer       = errors.New("PACER_BACKEND must be 'memory' or 'redis'")
)

type Config struct {
	Storage   StorageConfig
	Redis     RedisConfig
	Gemini    GeminiConfig
	OpenAI    OpenAIConfig
	Dispatch  DispatchConfig
	HTTP      HTTPConfig
	Telegram  TelegramConfig
	Server    ServerConfig
	Crypto    CryptoConfig
	Log       LogConfig
	Catalog   string
	PacerKind string
}

type StorageConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Prefix    string
	UpdateTTL time.Duration
}

type GeminiConfig struct {
	BaseURL string
}

type OpenAIConfig struct {
	BaseURL string
}

type DispatchConfig struct {
	MaxPasses   int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

type HTTPConfig struct {
	ClientTimeout time.Duration
}

type TelegramConfig struct {
	BotToken    string
	OwnerUserID int64
}

type ServerConfig struct {
	ListenAddr  string
	HealthPath  string
	MetricsPath string
}

// CryptoConfig is empty when no master key is configured; credentials are
// then stored in plaintext.
type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

func (c CryptoConfig) Enabled() bool { return len(c.Keys) > 0 }

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		Storage: StorageConfig{
			Driver:      strings.ToLower(mustEnv("STORAGE_DRIVER", DriverSQLite)),
			DSN:         mustEnv("DB_DSN", "mandachat.db"),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:      mustEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:  mustEnv("REDIS_PASSWORD", ""),
			DB:        mustInt("REDIS_DB", 0),
			Prefix:    mustEnv("REDIS_PREFIX", "mandachat:"),
			UpdateTTL: mustDuration("UPDATE_DEDUPE_TTL", 6*time.Hour),
		},
		Gemini: GeminiConfig{
			BaseURL: mustEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		},
		OpenAI: OpenAIConfig{
			BaseURL: mustEnv("OPENAI_COMPAT_BASE_URL", ""),
		},
		Dispatch: DispatchConfig{
			MaxPasses:   mustInt("DISPATCH_MAX_PASSES", 0),
			BackoffBase: mustDuration("BACKOFF_BASE", time.Second),
			BackoffMax:  mustDuration("BACKOFF_MAX", 60*time.Second),
		},
		HTTP: HTTPConfig{
			ClientTimeout: mustDuration("HTTP_TIMEOUT", 60*time.Second),
		},
		Telegram: TelegramConfig{
			BotToken:    mustEnv("BOT_TOKEN", ""),
			OwnerUserID: mustInt64("OWNER_USER_ID", 0),
		},
		Server: ServerConfig{
			ListenAddr:  mustEnv("LISTEN_ADDR", ":8080"),
			HealthPath:  mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath: mustEnv("METRICS_PATH", "/metrics"),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
		Catalog:   mustEnv("MODEL_CATALOG_PATH", ""),
		PacerKind: strings.ToLower(mustEnv("PACER_BACKEND", PacerMemory)),
	}

	switch cfg.Storage.Driver {
	case DriverMemory, DriverRedis:
	case DriverSQLite, DriverPostgres:
		if cfg.Storage.DSN == "" {
			return nil, ErrMissingDatabaseDSN
		}
	default:
		return nil, fmt.Errorf("%w: got %q", ErrInvalidDriver, cfg.Storage.Driver)
	}
	if cfg.PacerKind != PacerMemory && cfg.PacerKind != PacerRedis {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidPacer, cfg.PacerKind)
	}
	if cfg.Dispatch.MaxPasses < 0 {
		cfg.Dispatch.MaxPasses = 0
	}

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	return cfg, nil
}

// NeedsRedis reports whether any configured backend talks to redis.
func (c *Config) NeedsRedis() bool {
	return c.Storage.Driver == DriverRedis || c.PacerKind == PacerRedis
}

// ValidateTelegram checks the settings only the bot front end needs.
func (c *Config) ValidateTelegram() error {
	if c.Telegram.BotToken == "" {
		return ErrMissingBotToken
	}
	if c.Telegram.OwnerUserID <= 0 {
		return ErrMissingOwnerUserID
	}
	return nil
}

func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}

	if raw := mustEnv("MASTER_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	for _, e := range os.Environ() {
		k, v, ok := strings.Cut(e, "=")
		if !ok {
			continue
		}
		if !strings.HasPrefix(k, "MASTER_KEY_") || !strings.HasSuffix(k, "_B64") {
			continue
		}
		if k == "MASTER_KEY_B64" {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(k, "MASTER_KEY_"), "_B64")
		if id == "" || v == "" {
			continue
		}
		keysB64[id] = v
	}

	current := mustEnv("MASTER_KEY_CURRENT_ID", "")
	if singleton := mustEnv("MASTER_KEY_B64", ""); singleton != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = singleton
	}

	if len(keysB64) == 0 {
		if current != "" {
			return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q set but no master keys provided", current)
		}
		return CryptoConfig{}, nil
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("master key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		if len(keys) > 1 {
			return CryptoConfig{}, errors.New("MASTER_KEY_CURRENT_ID is required when several master keys are set")
		}
		for id := range keys {
			current = id
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return CryptoConfig{
		CurrentKeyID: current,
		Keys:         keys,
	}, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustInt64(key string, def int64) int64 {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
