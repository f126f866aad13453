package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/reelfeed/internal/metrics"
	"github.com/hitoshi/reelfeed/internal/middleware"
)

// Engine はルーターが必要とするエンジンのインターフェース。*engine.Engine が実装する。
type Engine interface {
	FeedEngine
	ViewEngine
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Engine            Engine
	HealthChecker     HealthChecker
	MetricsHandler    http.Handler
	Metrics           metrics.MetricsCollector
	RateLimiter       *middleware.RateLimiter
	CORSAllowedOrigin string
	Logger            *slog.Logger
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → Viewer → RateLimit(General)
//
// /health と /metrics はビューア識別の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.Method(http.MethodGet, "/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	feedHandler := NewFeedHandler(deps.Engine)
	viewHandler := NewViewHandler(deps.Engine)

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewViewerMiddleware())
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/feed", func(r chi.Router) {
			r.Get("/", feedHandler.GetFeed)
			r.Post("/refresh", feedHandler.RefreshFeed)
			r.Post("/viewport", feedHandler.UpdateViewport)
			r.Put("/network", feedHandler.UpdateNetworkHint)
		})

		r.Route("/api/items/{id}", func(r chi.Router) {
			r.Get("/view", viewHandler.GetViewStatus)
			r.Get("/prefetch", feedHandler.GetPrefetchStatus)

			// 視聴イベントは専用のレート制限を追加する
			r.Group(func(r chi.Router) {
				r.Use(deps.RateLimiter.ViewEventMiddleware())
				r.Post("/playback", viewHandler.PlaybackStarted)
				r.Post("/dwell", viewHandler.DwellReached)
				r.Post("/signals", viewHandler.RecordSignal)
			})
		})
	})

	return r
}
