package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/relayman/internal/metrics"
	"github.com/hitoshi/relayman/internal/middleware"
	"github.com/hitoshi/relayman/internal/repository"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Processor  TaskProcessor
	SourceRepo repository.SourceRepository
	Validator  URLValidator
	DB         Pinger

	APIKey      string
	RateLimiter *middleware.RateLimiter
	Gatherer    prometheus.Gatherer
	Logger      *slog.Logger
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを
// 構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RecoveryMiddleware → LoggingMiddleware → (認証ルートのみ) APIKeyMiddleware → RateLimitMiddleware
//
// /healthと/metricsは認証の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	webhookHandler := NewWebhookHandler(deps.Processor)
	sourceHandler := NewSourceHandler(deps.SourceRepo, deps.Validator)
	healthHandler := NewHealthHandler(deps.DB)

	// --- 認証不要のルート ---
	r.Get("/health", healthHandler.Health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))

	// --- APIキー認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAPIKeyMiddleware(deps.APIKey))

		r.Route("/webhook", func(r chi.Router) {
			r.With(deps.RateLimiter.WebhookMiddleware()).
				Post("/{sourceID}", webhookHandler.Receive)
		})

		r.Route("/sources", func(r chi.Router) {
			r.Post("/", sourceHandler.Create)
			r.Get("/{sourceID}", sourceHandler.Get)
			r.Put("/{sourceID}", sourceHandler.Update)
		})
	})

	return r
}
