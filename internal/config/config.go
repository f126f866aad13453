package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Local KV (Badger)
	KVDir string

	// Logging
	LogLevel         string
	LogRetentionDays int

	// Page cache
	PageCacheTTL   time.Duration
	FirstPageSize  int
	RefillPageSize int
	SourceLimit    int
	ShuffleWindow  int
	RefillInterval time.Duration

	// Profile / session
	ProfileMaxAge  time.Duration
	SessionIdleTTL time.Duration

	// View ledger
	MinDwell             time.Duration
	BotScoreThreshold    float64
	ReconcileInterval    time.Duration
	ReconcileMaxAttempts int

	// Prefetch
	PrefetchAhead    int
	PrefetchBehind   int
	NetworkHint      string
	ThumbnailTimeout time.Duration
	SweepInterval    time.Duration

	// Source circuit breaker
	SourceBreakerFailures int
	SourceBreakerTimeout  time.Duration

	// Rate Limit (req/min/user)
	RateLimitGeneral    int
	RateLimitViewEvents int

	// Server
	ServerPort        string
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.KVDir = getEnvString("KV_DIR", "./data/kv")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.LogRetentionDays = getEnvInt("LOG_RETENTION_DAYS", 14)

	cfg.PageCacheTTL = getEnvDuration("PAGE_CACHE_TTL", 3*time.Minute)
	cfg.FirstPageSize = getEnvInt("FIRST_PAGE_SIZE", 5)
	cfg.RefillPageSize = getEnvInt("REFILL_PAGE_SIZE", 20)
	cfg.SourceLimit = getEnvInt("SOURCE_LIMIT", 20)
	cfg.ShuffleWindow = getEnvInt("SHUFFLE_WINDOW", 2)
	cfg.RefillInterval = getEnvDuration("REFILL_INTERVAL", time.Minute)

	cfg.ProfileMaxAge = getEnvDuration("PROFILE_MAX_AGE", 30*time.Minute)
	cfg.SessionIdleTTL = getEnvDuration("SESSION_IDLE_TTL", 30*time.Minute)

	cfg.MinDwell = getEnvDuration("MIN_DWELL", 3*time.Second)
	cfg.BotScoreThreshold = getEnvFloat("BOT_SCORE_THRESHOLD", 0.7)
	cfg.ReconcileInterval = getEnvDuration("RECONCILE_INTERVAL", 30*time.Second)
	cfg.ReconcileMaxAttempts = getEnvInt("RECONCILE_MAX_ATTEMPTS", 5)

	cfg.PrefetchAhead = getEnvInt("PREFETCH_AHEAD", 5)
	cfg.PrefetchBehind = getEnvInt("PREFETCH_BEHIND", 2)
	cfg.NetworkHint = getEnvString("NETWORK_HINT", "normal")
	cfg.ThumbnailTimeout = getEnvDuration("THUMBNAIL_TIMEOUT", 5*time.Second)
	cfg.SweepInterval = getEnvDuration("SWEEP_INTERVAL", 30*time.Second)

	cfg.SourceBreakerFailures = getEnvInt("SOURCE_BREAKER_FAILURES", 5)
	cfg.SourceBreakerTimeout = getEnvDuration("SOURCE_BREAKER_TIMEOUT", 30*time.Second)

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 240)
	cfg.RateLimitViewEvents = getEnvInt("RATE_LIMIT_VIEW_EVENTS", 120)

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
