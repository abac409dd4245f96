// Package config はアプリケーション設定の読み込みを提供する。
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

	// Mastodon（配信先）
	MastodonBaseURL     string
	MastodonAccessToken string
	MastodonRateLimit   float64 // 配信API呼び出しのレート（req/sec）
	MastodonRateBurst   int

	// ミラーフェッチ（Tier 1）
	MirrorBaseURL      string
	MirrorMissRetries  int // コンテンツ未検出時の再試行回数
	MirrorRetryDelays  []time.Duration
	SyndicationBaseURL string

	// Fetch
	FetchTimeout time.Duration
	FetchMaxSize int64

	// 編集検出
	SimilarityThreshold float64       // テキスト類似度の閾値（デフォルト0.80）
	EditBufferRetention time.Duration // 編集バッファの保持期間

	// スレッド
	ThreadMaxDepth int // チェーン再構築の最大深さ

	// メディア
	MediaMaxAttachments int // 1投稿あたりの最大添付数（超過分は切り捨て）

	// リトライ
	RetryMaxAttempts  int
	RetryMaxAge       time.Duration
	RetryScanInterval time.Duration

	// フィードポーリング
	FeedPollInterval      time.Duration
	FeedPollMaxConcurrent int

	// クリーンアップ
	CleanupInterval      time.Duration
	ActivityLogRetention time.Duration

	// Webhook
	WebhookAPIKey     string
	WebhookRatePerMin int

	// Server
	ServerPort string
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

	cfg.MastodonBaseURL = os.Getenv("MASTODON_BASE_URL")
	if cfg.MastodonBaseURL == "" {
		missing = append(missing, "MASTODON_BASE_URL")
	}

	cfg.MastodonAccessToken = os.Getenv("MASTODON_ACCESS_TOKEN")
	if cfg.MastodonAccessToken == "" {
		missing = append(missing, "MASTODON_ACCESS_TOKEN")
	}

	cfg.WebhookAPIKey = os.Getenv("WEBHOOK_API_KEY")
	if cfg.WebhookAPIKey == "" {
		missing = append(missing, "WEBHOOK_API_KEY")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.MastodonRateLimit = getEnvFloat("MASTODON_RATE_LIMIT", 1.0)
	cfg.MastodonRateBurst = getEnvInt("MASTODON_RATE_BURST", 5)
	cfg.MirrorBaseURL = getEnvString("MIRROR_BASE_URL", "")
	cfg.MirrorMissRetries = getEnvInt("MIRROR_MISS_RETRIES", 3)
	cfg.MirrorRetryDelays = []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second}
	cfg.SyndicationBaseURL = getEnvString("SYNDICATION_BASE_URL", "")
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.SimilarityThreshold = getEnvFloat("SIMILARITY_THRESHOLD", 0.80)
	cfg.EditBufferRetention = getEnvDuration("EDIT_BUFFER_RETENTION", 90*time.Minute)
	cfg.ThreadMaxDepth = getEnvInt("THREAD_MAX_DEPTH", 10)
	cfg.MediaMaxAttachments = getEnvInt("MEDIA_MAX_ATTACHMENTS", 4)
	cfg.RetryMaxAttempts = getEnvInt("RETRY_MAX_ATTEMPTS", 5)
	cfg.RetryMaxAge = getEnvDuration("RETRY_MAX_AGE", 24*time.Hour)
	cfg.RetryScanInterval = getEnvDuration("RETRY_SCAN_INTERVAL", 5*time.Minute)
	cfg.FeedPollInterval = getEnvDuration("FEED_POLL_INTERVAL", 5*time.Minute)
	cfg.FeedPollMaxConcurrent = getEnvInt("FEED_POLL_MAX_CONCURRENT", 10)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 30*time.Minute)
	cfg.ActivityLogRetention = getEnvDuration("ACTIVITY_LOG_RETENTION", 14*24*time.Hour)
	cfg.WebhookRatePerMin = getEnvInt("WEBHOOK_RATE_PER_MIN", 120)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

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

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
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
