package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseDriver string
	DatabaseURL    string

	// Session
	SessionSecret string
	SessionMaxAge int

	// Secret protection
	EncryptionKey string

	// Providers
	ProvidersFile                 string
	ProviderTimeout               time.Duration
	GitHubClientID                string
	GitHubClientSecret            string
	NotionClientID                string
	NotionClientSecret            string
	OAuthRedirectBaseURL          string
	ClockifyVerifyKeys            bool
	AllowPrivateProviderEndpoints bool

	// Rate Limit (req/min)
	RateLimitAuth    int
	RateLimitConnect int

	// Server
	ServerPort string
	BaseURL    string

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel string
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

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	cfg.EncryptionKey = os.Getenv("ENCRYPTION_KEY")
	if cfg.EncryptionKey == "" {
		missing = append(missing, "ENCRYPTION_KEY")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.DatabaseDriver = getEnvString("DB_DRIVER", "postgres")
	if cfg.DatabaseDriver != "postgres" && cfg.DatabaseDriver != "sqlite" {
		return nil, fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", cfg.DatabaseDriver)
	}

	// Optional fields with defaults
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.ProvidersFile = getEnvString("PROVIDERS_FILE", "")
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second)
	cfg.GitHubClientID = getEnvString("GITHUB_CLIENT_ID", "")
	cfg.GitHubClientSecret = getEnvString("GITHUB_CLIENT_SECRET", "")
	cfg.NotionClientID = getEnvString("NOTION_CLIENT_ID", "")
	cfg.NotionClientSecret = getEnvString("NOTION_CLIENT_SECRET", "")
	cfg.OAuthRedirectBaseURL = getEnvString("OAUTH_REDIRECT_BASE_URL", "http://localhost:8080")
	cfg.ClockifyVerifyKeys = getEnvBool("CLOCKIFY_VERIFY_KEYS", false)
	cfg.AllowPrivateProviderEndpoints = getEnvBool("ALLOW_PRIVATE_PROVIDER_ENDPOINTS", false)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 10)
	cfg.RateLimitConnect = getEnvInt("RATE_LIMIT_CONNECT", 30)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
}

// SessionTTL はセッショントークンの有効期間を返す。
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionMaxAge) * time.Second
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

func getEnvBool(key string, defaultVal bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
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
