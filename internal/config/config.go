package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/hitoshi/fasttrack/internal/timecalc"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Timer
	Units       timecalc.Units
	DefaultGoal float64

	// Local store (匿名ユーザー)
	LocalStore     string // "file" または "redis"
	LocalStorePath string
	RedisAddr      string

	// Sync
	SyncMaxRetries int
	SyncBaseDelay  time.Duration
	TickInterval   time.Duration

	// Notification
	NotifyWebhookURL string
	WebhookTimeout   time.Duration

	// Worker
	SessionCleanupInterval time.Duration

	// Rate Limit
	RateLimitGeneral int
	// MaxConnections はAPIサーバーの同時接続数の上限。イベントストリームも1接続を占有する
	MaxConnections int

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS（カンマ区切りで複数指定可）
	CORSAllowedOrigin string
}

// LoadDotEnv はpathの.envファイルを環境変数に読み込む。
// 既に設定されている環境変数は上書きしない。ファイルが存在しない場合は何もしない。
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load %s: %w", path, err)
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合や、値が不正な場合はエラーを返す。
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

	units, err := timecalc.ParseUnits(os.Getenv("FAST_UNIT"))
	if err != nil {
		return nil, err
	}
	units.Min = getEnvFloat("GOAL_MIN", units.Min)
	units.Max = getEnvFloat("GOAL_MAX", units.Max)
	if units.Min <= 0 || units.Min >= units.Max {
		return nil, fmt.Errorf("invalid goal range: GOAL_MIN=%v GOAL_MAX=%v", units.Min, units.Max)
	}
	cfg.Units = units
	cfg.DefaultGoal = units.Clamp(getEnvFloat("DEFAULT_GOAL", 16))

	cfg.LocalStore = getEnvString("LOCAL_STORE", "file")
	switch cfg.LocalStore {
	case "file", "redis":
	default:
		return nil, fmt.Errorf("unknown LOCAL_STORE: %s (allowed: file, redis)", cfg.LocalStore)
	}
	cfg.LocalStorePath = getEnvString("LOCAL_STORE_PATH", "data/local-state.json")
	cfg.RedisAddr = getEnvString("REDIS_ADDR", "localhost:6379")

	// Optional fields with defaults
	cfg.SyncMaxRetries = getEnvInt("SYNC_MAX_RETRIES", 3)
	cfg.SyncBaseDelay = getEnvDuration("SYNC_BASE_DELAY", 1*time.Second)
	cfg.TickInterval = getEnvDuration("TICK_INTERVAL", 1*time.Second)
	cfg.NotifyWebhookURL = getEnvString("NOTIFY_WEBHOOK_URL", "")
	cfg.WebhookTimeout = getEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second)
	cfg.SessionCleanupInterval = getEnvDuration("SESSION_CLEANUP_INTERVAL", 1*time.Hour)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.MaxConnections = getEnvInt("MAX_CONNECTIONS", 1024)
	if cfg.MaxConnections <= 0 {
		return nil, fmt.Errorf("invalid MAX_CONNECTIONS: %d", cfg.MaxConnections)
	}
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.BaseURL = getEnvString("BASE_URL", "http://localhost:"+cfg.ServerPort)
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
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
