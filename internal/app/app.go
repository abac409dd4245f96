// Package app はアプリケーションの初期化とエントリーポイントを提供する。
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/relayman/internal/config"
	"github.com/hitoshi/relayman/internal/database"
	"github.com/hitoshi/relayman/internal/editdetect"
	"github.com/hitoshi/relayman/internal/fetch"
	"github.com/hitoshi/relayman/internal/handler"
	"github.com/hitoshi/relayman/internal/logger"
	"github.com/hitoshi/relayman/internal/mastodon"
	"github.com/hitoshi/relayman/internal/metrics"
	"github.com/hitoshi/relayman/internal/middleware"
	"github.com/hitoshi/relayman/internal/normalize"
	"github.com/hitoshi/relayman/internal/pipeline"
	"github.com/hitoshi/relayman/internal/repository"
	"github.com/hitoshi/relayman/internal/security"
	"github.com/hitoshi/relayman/internal/thread"
	"github.com/hitoshi/relayman/internal/worker/cleanup"
	"github.com/hitoshi/relayman/internal/worker/feedpoll"
	"github.com/hitoshi/relayman/internal/worker/retryqueue"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("mastodon_base_url", cfg.MastodonBaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// pipelineDeps はパイプラインの組み立てに必要な共有依存をまとめる。
type pipelineDeps struct {
	sourceRepo    repository.SourceRepository
	publishedRepo repository.PublishedRepository
	retryRepo     repository.RetryRepository
	ssrfGuard     security.SSRFGuardService
	collector     *metrics.Collector
	registry      *prometheus.Registry
}

// buildPipeline は全コラボレータをワイヤリングしたExecutorを構築する。
// withRetryがfalseの場合はリトライキューへの投入を行わないExecutorを返す
// （リトライスキャナ自身が使用する再処理経路用）。
func buildPipeline(cfg *config.Config, db *sql.DB, deps *pipelineDeps, withRetry bool) *pipeline.Executor {
	log := slog.Default()

	bufferRepo := repository.NewPostgresEditBufferRepo(db)
	linkRepo := repository.NewPostgresThreadLinkRepo(db)
	activityRepo := repository.NewPostgresActivityRepo(db)

	// フェッチ戦略のカスケード（忠実度の高い順）
	safeClient := deps.ssrfGuard.NewSafeClient(cfg.FetchTimeout, cfg.FetchMaxSize)

	var strategies []fetch.Strategy
	var ancestors thread.AncestorLister
	if cfg.MirrorBaseURL != "" {
		mirrorClient := fetch.NewMirrorClient(safeClient, cfg.MirrorBaseURL, log)
		strategies = append(strategies,
			fetch.NewMirrorStrategy(mirrorClient, cfg.MirrorMissRetries, cfg.MirrorRetryDelays))
		ancestors = mirrorClient
	}
	if cfg.SyndicationBaseURL != "" {
		syndicationClient := fetch.NewSyndicationClient(safeClient, cfg.SyndicationBaseURL, log)
		strategies = append(strategies, fetch.NewSyndicationStrategy(syndicationClient))
	}
	strategies = append(strategies, fetch.NewNotificationStrategy())

	escalator := fetch.NewEscalator(strategies, log)

	detector := editdetect.NewDetector(
		bufferRepo, cfg.SimilarityThreshold, cfg.EditBufferRetention, log)

	resolver := thread.NewResolver(
		linkRepo, deps.publishedRepo, ancestors, cfg.ThreadMaxDepth, log)

	limiter := rate.NewLimiter(rate.Limit(cfg.MastodonRateLimit), cfg.MastodonRateBurst)
	publisher := mastodon.NewClient(
		&http.Client{Timeout: cfg.FetchTimeout},
		safeClient,
		cfg.MastodonBaseURL, cfg.MastodonAccessToken,
		limiter, log,
	)

	var retry pipeline.RetryEnqueuer
	if withRetry {
		retry = retryqueue.NewQueue(
			deps.retryRepo, cfg.RetryMaxAttempts, cfg.RetryMaxAge, deps.collector, log)
	}

	return pipeline.NewExecutor(pipeline.ExecutorParams{
		SourceRepo:     deps.sourceRepo,
		PublishedRepo:  deps.publishedRepo,
		ActivityRepo:   activityRepo,
		Fetcher:        escalator,
		Filter:         pipeline.NewFilter(),
		Detector:       detector,
		Threads:        resolver,
		Publisher:      publisher,
		Normalizer:     normalize.NewContentNormalizer(0),
		Retry:          retry,
		Collector:      deps.collector,
		MaxAttachments: cfg.MediaMaxAttachments,
		StatusLimit:    500,
		Logger:         log,
	})
}

// newPipelineDeps は共有リポジトリとメトリクスを初期化する。
func newPipelineDeps(db *sql.DB) *pipelineDeps {
	registry := prometheus.NewRegistry()
	return &pipelineDeps{
		sourceRepo:    repository.NewPostgresSourceRepo(db),
		publishedRepo: repository.NewPostgresPublishedRepo(db),
		retryRepo:     repository.NewPostgresRetryRepo(db),
		ssrfGuard:     security.NewSSRFGuard(),
		collector:     metrics.NewCollector(registry),
		registry:      registry,
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. パイプラインの組み立て
	deps := newPipelineDeps(db)
	executor := buildPipeline(cfg, db, deps, true)

	// 3. 配信先トークンの事前確認（失敗しても起動は継続する）
	verifyCtx, cancelVerify := context.WithTimeout(context.Background(), 10*time.Second)
	verifyPublisherToken(verifyCtx, cfg)
	cancelVerify()

	// 4. ルーターの構築
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	if cfg.WebhookRatePerMin > 0 {
		rateLimiterCfg.WebhookRate = rate.Limit(float64(cfg.WebhookRatePerMin) / 60.0)
		rateLimiterCfg.WebhookBurst = cfg.WebhookRatePerMin
	}
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Processor:   executor,
		SourceRepo:  deps.sourceRepo,
		Validator:   deps.ssrfGuard,
		DB:          db,
		APIKey:      cfg.WebhookAPIKey,
		RateLimiter: rateLimiter,
		Gatherer:    deps.registry,
		Logger:      slog.Default(),
	})

	// 5. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // パイプラインは同期処理のため長めに取る
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// リトライスキャナ、クリーンアップジョブ、フィードポーラーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	log := slog.Default()
	deps := newPipelineDeps(db)

	// 再処理経路はリトライキューへの再投入を行わない。
	// デッドレター化の判定はスキャナ自身が担う。
	replayExecutor := buildPipeline(cfg, db, deps, false)
	// フィードポーラーは通常経路（失敗時はリトライキューへ）
	pollExecutor := buildPipeline(cfg, db, deps, true)

	scanner := retryqueue.NewScanner(
		deps.retryRepo, replayExecutor,
		cfg.RetryMaxAttempts, cfg.RetryMaxAge, 0,
		deps.collector, log,
	)

	bufferRepo := repository.NewPostgresEditBufferRepo(db)
	activityRepo := repository.NewPostgresActivityRepo(db)
	cleanupJob := cleanup.NewCleanupJob(bufferRepo, activityRepo, log)
	cleanupJob.BufferRetention = cfg.EditBufferRetention
	cleanupJob.ActivityRetention = cfg.ActivityLogRetention

	poller := feedpoll.NewPoller(
		deps.sourceRepo, pollExecutor, deps.ssrfGuard, log,
		cfg.FeedPollMaxConcurrent, cfg.FetchTimeout, cfg.FetchMaxSize,
	)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("retry_scan_interval", cfg.RetryScanInterval),
		slog.Duration("feed_poll_interval", cfg.FeedPollInterval),
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	// リトライスキャナとクリーンアップジョブをバックグラウンドで起動
	go scanner.Start(ctx, cfg.RetryScanInterval)
	go cleanupJob.Start(ctx, cfg.CleanupInterval)

	// フィードポーラーをメインgoroutineで実行（ブロッキング）
	poller.Start(ctx, cfg.FeedPollInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// verifyPublisherToken は配信先トークンの有効性を起動時に確認する。
// 失敗してもプロセスは起動を継続し、警告ログのみ残す。
func verifyPublisherToken(ctx context.Context, cfg *config.Config) {
	limiter := rate.NewLimiter(rate.Limit(cfg.MastodonRateLimit), cfg.MastodonRateBurst)
	client := mastodon.NewClient(
		&http.Client{Timeout: 10 * time.Second},
		&http.Client{Timeout: 10 * time.Second},
		cfg.MastodonBaseURL, cfg.MastodonAccessToken,
		limiter, slog.Default(),
	)
	if err := client.VerifyCredentials(ctx); err != nil {
		slog.Warn("配信先トークンの確認に失敗しました",
			slog.String("error", err.Error()),
		)
		return
	}
	slog.Info("配信先トークンを確認しました")
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
