package app

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/hitoshi/reelfeed/internal/config"
	"github.com/hitoshi/reelfeed/internal/engine"
	"github.com/hitoshi/reelfeed/internal/handler"
	"github.com/hitoshi/reelfeed/internal/kvstore"
	"github.com/hitoshi/reelfeed/internal/ledger"
	"github.com/hitoshi/reelfeed/internal/metrics"
	"github.com/hitoshi/reelfeed/internal/middleware"
	"github.com/hitoshi/reelfeed/internal/model"
	"github.com/hitoshi/reelfeed/internal/pagecache"
	"github.com/hitoshi/reelfeed/internal/prefetch"
	"github.com/hitoshi/reelfeed/internal/ranking"
	"github.com/hitoshi/reelfeed/internal/repository"
	"github.com/hitoshi/reelfeed/internal/security"
	"github.com/hitoshi/reelfeed/internal/source"
)

// services はserveモードで組み立てる依存関係。
type services struct {
	engine      *engine.Engine
	prefetch    *prefetch.Manager
	rateLimiter *middleware.RateLimiter
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
}

// buildServices はリポジトリ、候補ソース、プリフェッチ、エンジンを組み立てる。
func buildServices(cfg *config.Config, db *sql.DB, kv *kvstore.Store, m metrics.MetricsCollector, logger *slog.Logger) *services {
	// リポジトリ
	itemRepo := repository.NewPostgresItemRepo(db)
	viewerRepo := repository.NewPostgresViewerRepo(db)
	viewRepo := repository.NewPostgresViewRecordRepo(db)
	signalRepo := repository.NewPostgresSignalRepo(db)
	logRepo := repository.NewPostgresCompositionLogRepo(db)

	// プリフェッチ（サムネイルの先読み）
	warmer := prefetch.NewItemWarmer(itemRepo, security.NewURLGuard(), cfg.ThumbnailTimeout, logger)
	pm := prefetch.New(prefetch.Config{
		Ahead:  cfg.PrefetchAhead,
		Behind: cfg.PrefetchBehind,
		Hint:   model.ParseNetworkHint(cfg.NetworkHint),
	}, warmer, logger, m)

	sources := source.NewAll(itemRepo, source.Options{
		Logger:          logger,
		Metrics:         m,
		BreakerFailures: cfg.SourceBreakerFailures,
		BreakerTimeout:  cfg.SourceBreakerTimeout,
	})

	eng := engine.New(engine.Config{
		Ledger: ledger.Config{
			MinDwell:             cfg.MinDwell,
			BotScoreThreshold:    cfg.BotScoreThreshold,
			ReconcileMaxAttempts: cfg.ReconcileMaxAttempts,
			ReconcileMinAge:      cfg.ReconcileInterval / 2,
		},
		Cache: pagecache.Config{
			TTL:            cfg.PageCacheTTL,
			FirstPageSize:  cfg.FirstPageSize,
			RefillPageSize: cfg.RefillPageSize,
		},
		SourceLimit:    cfg.SourceLimit,
		ProfileMaxAge:  cfg.ProfileMaxAge,
		SessionIdleTTL: cfg.SessionIdleTTL,
	}, engine.Deps{
		Items:     itemRepo,
		Viewers:   viewerRepo,
		Views:     viewRepo,
		Signals:   signalRepo,
		Logs:      logRepo,
		Store:     kv,
		Sources:   sources,
		Composer:  ranking.NewComposer(ranking.WithShuffleWindow(cfg.ShuffleWindow)),
		Prefetch:  pm,
		Sanitizer: security.NewCaptionSanitizer(),
		Logger:    logger,
		Metrics:   m,
	})

	return &services{
		engine:      eng,
		prefetch:    pm,
		rateLimiter: middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitViewEvents)),
		metrics:     m,
		logger:      logger,
	}
}

// router はHTTPルーターを組み立てる。
func (s *services) router(cfg *config.Config, health handler.HealthChecker, metricsHandler http.Handler) http.Handler {
	return handler.NewRouter(&handler.RouterDeps{
		Engine:            s.engine,
		HealthChecker:     health,
		MetricsHandler:    metricsHandler,
		Metrics:           s.metrics,
		RateLimiter:       s.rateLimiter,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		Logger:            s.logger,
	})
}

// close はエンジン（キャッシュ補充、プリフェッチ、合成ログ書き込み）とレート制限の後始末を行う。
func (s *services) close() {
	s.engine.Close()
	s.rateLimiter.Stop()
}
