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

	"github.com/joho/godotenv"
)

var (
	ErrMissingJWTSecret   = errors.New("JWT_SECRET is required")
	ErrMissingDatabaseDSN = errors.New("DB_DSN is required")
	ErrMissingMasterKey   = errors.New("at least one master key is required")
)

type Config struct {
	HTTP        HTTPConfig
	Auth        AuthConfig
	Redis       RedisConfig
	DB          DBConfig
	Chat        ChatConfig
	Attachments AttachmentsConfig
	Credentials CredentialsConfig
	Providers   ProvidersConfig
	Rate        RateConfig
	Crypto      CryptoConfig
	Log         LogConfig
}

type HTTPConfig struct {
	ListenAddr        string
	HealthPath        string
	MetricsPath       string
	ReadHeaderTimeout time.Duration
	AllowedOrigins    []string
}

type AuthConfig struct {
	JWTSecret string
}

type RedisConfig struct {
	Addr           string
	Password       string
	DB             int
	IdempotencyTTL time.Duration
}

func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type ChatConfig struct {
	MaxMessageChars int
	HistoryLimit    int
	DefaultProvider string
}

type AttachmentsConfig struct {
	MaxCount          int
	MaxBytes          int
	UploadConcurrency int
}

type CredentialsConfig struct {
	CacheTTL      time.Duration
	SweepInterval time.Duration
	RotateOnStart bool
}

type ProvidersConfig struct {
	Timeout          time.Duration
	OpenAIBaseURL    string
	GroqBaseURL      string
	MistralBaseURL   string
	AnthropicBaseURL string
}

type RateConfig struct {
	PerHour int64
}

type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

type LogConfig struct {
	Level string
}

// Load reads the environment, after applying an optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		HTTP: HTTPConfig{
			ListenAddr:        mustEnv("HTTP_LISTEN_ADDR", ":8080"),
			HealthPath:        mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath:       mustEnv("METRICS_PATH", "/metrics"),
			ReadHeaderTimeout: mustDuration("HTTP_READ_HEADER_TIMEOUT", 10*time.Second),
			AllowedOrigins:    mustList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Auth: AuthConfig{
			JWTSecret: mustEnv("JWT_SECRET", ""),
		},
		Redis: RedisConfig{
			Addr:           mustEnv("REDIS_ADDR", ""),
			Password:       mustEnv("REDIS_PASSWORD", ""),
			DB:             mustInt("REDIS_DB", 0),
			IdempotencyTTL: mustDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:         mustEnv("DB_DSN", "file:polychat.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Chat: ChatConfig{
			MaxMessageChars: mustInt("CHAT_MAX_MESSAGE_CHARS", 32000),
			HistoryLimit:    mustInt("CHAT_HISTORY_LIMIT", 50),
			DefaultProvider: strings.ToLower(mustEnv("CHAT_DEFAULT_PROVIDER", "openai")),
		},
		Attachments: AttachmentsConfig{
			MaxCount:          mustInt("ATTACHMENTS_MAX_COUNT", 4),
			MaxBytes:          mustInt("ATTACHMENTS_MAX_BYTES", 5<<20),
			UploadConcurrency: mustInt("ATTACHMENTS_UPLOAD_CONCURRENCY", 2),
		},
		Credentials: CredentialsConfig{
			CacheTTL:      mustDuration("CREDENTIAL_CACHE_TTL", 5*time.Minute),
			SweepInterval: mustDuration("CREDENTIAL_SWEEP_INTERVAL", 10*time.Minute),
			RotateOnStart: mustBool("CREDENTIAL_ROTATE_ON_START", false),
		},
		Providers: ProvidersConfig{
			Timeout:          mustDuration("PROVIDER_TIMEOUT", 120*time.Second),
			OpenAIBaseURL:    mustEnv("OPENAI_BASE_URL", ""),
			GroqBaseURL:      mustEnv("GROQ_BASE_URL", ""),
			MistralBaseURL:   mustEnv("MISTRAL_BASE_URL", ""),
			AnthropicBaseURL: mustEnv("ANTHROPIC_BASE_URL", ""),
		},
		Rate: RateConfig{
			PerHour: mustInt64("RATE_LIMIT_PER_HOUR", 120),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if cfg.Auth.JWTSecret == "" {
		return nil, ErrMissingJWTSecret
	}
	if cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}
	if cfg.DB.Driver != "sqlite" && cfg.DB.Driver != "postgres" {
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DB.Driver)
	}

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	return cfg, nil
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
		parts := strings.SplitN(e, "=", 2)
		if len(parts) != 2 {
			continue
		}
		k, v := parts[0], parts[1]
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
		return CryptoConfig{}, ErrMissingMasterKey
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(b64)
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
			return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID is required when several master keys are set")
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

func mustList(key string, def []string) []string {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	out := []string{}
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
