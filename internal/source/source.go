// Package source は候補アイテムを取得する5種類のソースアダプタを提供する。
// 各アダプタは失敗を呼び出し元に伝播せず空リストを返し、1つのソースの障害がページ合成を止めない。
package source

import (
	"context"
	"errors"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/hitoshi/reelfeed/internal/metrics"
	"github.com/hitoshi/reelfeed/internal/model"
	"github.com/hitoshi/reelfeed/internal/repository"
)

// 時間窓と閾値。
const (
	followingWindow       = 7 * 24 * time.Hour
	trendingWindow        = 24 * time.Hour
	highEngagementWindow  = 30 * 24 * time.Hour
	personalizedWindow    = 7 * 24 * time.Hour
	discoveryWindow       = 72 * time.Hour
	highEngagementMinimum = 100
)

// Request はソースアダプタへの取得要求。
type Request struct {
	UserID         string
	ExcludeOwnerID string
	Limit          int
	FollowedIDs    []string
	InterestTags   []string
}

// Source は1カテゴリ分の候補取得を行う。
type Source interface {
	Category() model.Category
	// Fetch は候補を最大Limit件返す。エラー時は空リストを返す。
	Fetch(ctx context.Context, req Request) []model.Item
}

// queryFunc はリポジトリへの実際の問い合わせ。
type queryFunc func(ctx context.Context, req Request, now time.Time) ([]model.Item, error)

// Options はアダプタ共通の設定。
type Options struct {
	Logger          *slog.Logger
	Metrics         metrics.MetricsCollector
	Now             func() time.Time
	BreakerFailures int
	BreakerTimeout  time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Metrics == nil {
		out.Metrics = metrics.Nop{}
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.BreakerFailures <= 0 {
		out.BreakerFailures = 5
	}
	if out.BreakerTimeout <= 0 {
		out.BreakerTimeout = 30 * time.Second
	}
	return out
}

// Adapter はサーキットブレーカー付きのソースアダプタ。
type Adapter struct {
	category model.Category
	query    queryFunc
	breaker  *gobreaker.CircuitBreaker[[]model.Item]
	logger   *slog.Logger
	metrics  metrics.MetricsCollector
	now      func() time.Time
}

var _ Source = (*Adapter)(nil)

func newAdapter(category model.Category, query queryFunc, opts Options) *Adapter {
	opts = opts.withDefaults()
	a := &Adapter{
		category: category,
		query:    query,
		logger:   opts.Logger.With(slog.String("category", string(category))),
		metrics:  opts.Metrics,
		now:      opts.Now,
	}

	failures := uint32(opts.BreakerFailures)
	a.breaker = gobreaker.NewCircuitBreaker[[]model.Item](gobreaker.Settings{
		Name:    "source:" + string(category),
		Timeout: opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// 呼び出し元のキャンセルはソースの障害として数えない
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			a.logger.Warn("ソースのサーキットブレーカー状態が変化しました",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return a
}

// Category はアダプタのカテゴリを返す。
func (a *Adapter) Category() model.Category {
	return a.category
}

// Fetch は候補を取得する。オーナー自身のアイテムは常に除外される。
func (a *Adapter) Fetch(ctx context.Context, req Request) []model.Item {
	if req.Limit <= 0 {
		return nil
	}
	if req.ExcludeOwnerID == "" {
		req.ExcludeOwnerID = req.UserID
	}

	start := time.Now()
	items, err := a.breaker.Execute(func() ([]model.Item, error) {
		return a.query(ctx, req, a.now())
	})
	if err != nil {
		reason := "query_error"
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			reason = "circuit_open"
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			reason = "canceled"
		}
		a.metrics.RecordSourceFailure(string(a.category), reason)
		a.logger.Warn("候補ソースの取得に失敗しました。空リストで継続します",
			slog.String("user_id", req.UserID),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return nil
	}

	// リポジトリ実装に依存せずオーナー除外と件数上限を保証する
	out := make([]model.Item, 0, min(len(items), req.Limit))
	for _, item := range items {
		if item.OwnerID == req.ExcludeOwnerID {
			continue
		}
		out = append(out, item)
		if len(out) == req.Limit {
			break
		}
	}

	a.metrics.RecordSourceFetch(string(a.category), len(out), time.Since(start))
	return out
}

// NewFollowing はフォロー中オーナーの新着を返すアダプタを生成する。
// フォロワー向けの非公開アイテムも対象に含める。
func NewFollowing(items repository.ItemRepository, opts Options) *Adapter {
	return newAdapter(model.CategoryFollowing, func(ctx context.Context, req Request, now time.Time) ([]model.Item, error) {
		if len(req.FollowedIDs) == 0 {
			return nil, nil
		}
		return items.ListCandidates(ctx, repository.CandidateQuery{
			ExcludeOwnerID: req.ExcludeOwnerID,
			OwnerIDs:       req.FollowedIDs,
			Since:          now.Add(-followingWindow),
			Order:          repository.OrderRecent,
			Limit:          req.Limit,
		})
	}, opts)
}

// NewTrending は直近24時間のエンゲージメント上位を返すアダプタを生成する。
func NewTrending(items repository.ItemRepository, opts Options) *Adapter {
	return newAdapter(model.CategoryTrending, func(ctx context.Context, req Request, now time.Time) ([]model.Item, error) {
		return items.ListCandidates(ctx, repository.CandidateQuery{
			ExcludeOwnerID: req.ExcludeOwnerID,
			Since:          now.Add(-trendingWindow),
			PublicOnly:     true,
			Order:          repository.OrderEngagement,
			Limit:          req.Limit,
		})
	}, opts)
}

// NewHighEngagement は一定以上のインタラクションを集めたアイテムを返すアダプタを生成する。
func NewHighEngagement(items repository.ItemRepository, opts Options) *Adapter {
	return newAdapter(model.CategoryHighEngagement, func(ctx context.Context, req Request, now time.Time) ([]model.Item, error) {
		return items.ListCandidates(ctx, repository.CandidateQuery{
			ExcludeOwnerID:  req.ExcludeOwnerID,
			Since:           now.Add(-highEngagementWindow),
			MinInteractions: highEngagementMinimum,
			PublicOnly:      true,
			Order:           repository.OrderEngagement,
			Limit:           req.Limit,
		})
	}, opts)
}

// NewPersonalized は興味タグと重なるアイテムを返すアダプタを生成する。
// 興味タグが空の場合は問い合わせずに空リストを返す。
func NewPersonalized(items repository.ItemRepository, opts Options) *Adapter {
	return newAdapter(model.CategoryPersonalized, func(ctx context.Context, req Request, now time.Time) ([]model.Item, error) {
		if len(req.InterestTags) == 0 {
			return nil, nil
		}
		return items.ListCandidates(ctx, repository.CandidateQuery{
			ExcludeOwnerID: req.ExcludeOwnerID,
			Tags:           req.InterestTags,
			Since:          now.Add(-personalizedWindow),
			PublicOnly:     true,
			Order:          repository.OrderEngagement,
			Limit:          req.Limit,
		})
	}, opts)
}

// NewDiscovery はフォローグラフに依存しない新着を返すアダプタを生成する。
func NewDiscovery(items repository.ItemRepository, opts Options) *Adapter {
	return newAdapter(model.CategoryDiscovery, func(ctx context.Context, req Request, now time.Time) ([]model.Item, error) {
		return items.ListCandidates(ctx, repository.CandidateQuery{
			ExcludeOwnerID: req.ExcludeOwnerID,
			Since:          now.Add(-discoveryWindow),
			PublicOnly:     true,
			Order:          repository.OrderRecent,
			Limit:          req.Limit,
		})
	}, opts)
}

// NewAll は5種類のアダプタを重みの降順で生成する。
func NewAll(items repository.ItemRepository, opts Options) []Source {
	return []Source{
		NewFollowing(items, opts),
		NewTrending(items, opts),
		NewHighEngagement(items, opts),
		NewPersonalized(items, opts),
		NewDiscovery(items, opts),
	}
}
