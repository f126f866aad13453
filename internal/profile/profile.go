// Package profile はユーザーごとのパーソナライズ状態（UserFeedProfile）の構築と更新を提供する。
package profile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/reelfeed/internal/kvstore"
	"github.com/hitoshi/reelfeed/internal/model"
	"github.com/hitoshi/reelfeed/internal/repository"
)

const (
	// interestTagLimit は興味タグ集合の上限。
	interestTagLimit = 100
)

// Store はプロファイルのローカル永続化インターフェース。*kvstore.Store が実装する。
type Store interface {
	SaveProfile(ctx context.Context, p *model.UserFeedProfile) error
	LoadProfile(ctx context.Context, userID string) (*model.UserFeedProfile, error)
	DeleteProfile(ctx context.Context, userID string) error
}

var _ Store = (*kvstore.Store)(nil)

// Builder はバックエンドストアからプロファイルを再構築する。
type Builder struct {
	viewers repository.ViewerRepository
	signals repository.SignalRepository
	store   Store
	logger  *slog.Logger
	now     func() time.Time
	maxAge  time.Duration
}

// NewBuilder はBuilderを生成する。maxAgeが0以下の場合はローカルのプロファイルを常に再構築する。
func NewBuilder(
	viewers repository.ViewerRepository,
	signals repository.SignalRepository,
	store Store,
	logger *slog.Logger,
	maxAge time.Duration,
	now func() time.Time,
) *Builder {
	if now == nil {
		now = time.Now
	}
	return &Builder{
		viewers: viewers,
		signals: signals,
		store:   store,
		logger:  logger,
		now:     now,
		maxAge:  maxAge,
	}
}

// Load はローカルKVのプロファイルがmaxAge以内ならそれを返し、
// 存在しないか古い場合はバックエンドストアから再構築する。
// viewedには台帳のViewedSetを渡す。ViewedIDsは常に台帳側を正とする。
func (b *Builder) Load(ctx context.Context, userID string, viewed []string) (*model.UserFeedProfile, error) {
	if userID == "" {
		return nil, model.ErrEmptyUserID
	}

	var cached *model.UserFeedProfile
	if b.store != nil {
		p, err := b.store.LoadProfile(ctx, userID)
		if err != nil {
			b.logger.Warn("ローカルプロファイルの読み込みに失敗しました",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
		cached = p
	}

	if cached != nil && !b.Stale(cached) {
		cached.ViewedIDs = toSet(viewed)
		return cached, nil
	}
	return b.Rebuild(ctx, userID, cached, viewed), nil
}

// Stale はプロファイルが再構築の対象かを返す。
func (b *Builder) Stale(p *model.UserFeedProfile) bool {
	return b.maxAge <= 0 || b.now().Sub(p.LastRebuiltAt) >= b.maxAge
}

// Rebuild はフォローグラフ、シグナル、興味タグを再取得してプロファイルを組み立てる。
// 個々の取得に失敗した場合は、prevの値を引き継いで劣化した状態で続行する。
func (b *Builder) Rebuild(ctx context.Context, userID string, prev *model.UserFeedProfile, viewed []string) *model.UserFeedProfile {
	p := model.NewUserFeedProfile(userID)
	if prev != nil {
		p = prev.Clone()
	}

	if ids, err := b.viewers.ListFolloweeIDs(ctx, userID); err != nil {
		b.warn(userID, "フォロー一覧", err)
	} else {
		p.FollowedIDs = toSet(ids)
	}

	if tags, err := b.signals.InterestTags(ctx, userID, interestTagLimit); err != nil {
		b.warn(userID, "興味タグ", err)
	} else {
		p.InterestTags = toSet(tags)
	}

	if ids, err := b.signals.ListItemIDs(ctx, userID, model.SignalSkipped); err != nil {
		b.warn(userID, "スキップ履歴", err)
	} else {
		p.SkippedIDs = toSet(ids)
	}

	if ids, err := b.signals.ListItemIDs(ctx, userID, model.SignalLiked); err != nil {
		b.warn(userID, "いいね履歴", err)
	} else {
		p.LikedIDs = toSet(ids)
	}

	p.ViewedIDs = toSet(viewed)
	p.LastRebuiltAt = b.now()

	if b.store != nil {
		if err := b.store.SaveProfile(ctx, p); err != nil {
			b.warn(userID, "プロファイル保存", err)
		}
	}

	b.logger.Debug("プロファイルを再構築しました",
		slog.String("user_id", userID),
		slog.Int("followed", len(p.FollowedIDs)),
		slog.Int("interest_tags", len(p.InterestTags)),
		slog.Int("viewed", len(p.ViewedIDs)),
		slog.Int("skipped", len(p.SkippedIDs)),
	)
	return p
}

func (b *Builder) warn(userID, what string, err error) {
	b.logger.Warn(what+"の取得に失敗しました",
		slog.String("user_id", userID),
		slog.String("error", err.Error()),
	)
}

// Holder はユーザー1人分のプロファイルを排他的に所有し、インクリメンタルに更新する。
// 更新はローカルKVへ書き戻すが、書き込みはロック外で行う。
type Holder struct {
	store  Store
	logger *slog.Logger

	mu sync.Mutex
	p  *model.UserFeedProfile
}

// NewHolder はHolderを生成する。
func NewHolder(p *model.UserFeedProfile, store Store, logger *slog.Logger) *Holder {
	return &Holder{p: p, store: store, logger: logger}
}

// Snapshot はランキング用のコピーを返す。
func (h *Holder) Snapshot() *model.UserFeedProfile {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.p.Clone()
}

// Excluded はアイテムが視聴済みまたはスキップ済みかを返す。
func (h *Holder) Excluded(itemID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.p.Excluded(itemID)
}

// Replace は再構築したプロファイルで置き換える。
// 再構築中に反映されたインクリメンタルな視聴・スキップは引き継ぐ。
func (h *Holder) Replace(p *model.UserFeedProfile) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.p.ViewedIDs {
		p.ViewedIDs[id] = struct{}{}
	}
	for id := range h.p.SkippedIDs {
		p.SkippedIDs[id] = struct{}{}
	}
	h.p = p
}

// MarkViewed は accepted な視聴を反映し、アイテムのタグを興味タグに加える。
func (h *Holder) MarkViewed(ctx context.Context, item *model.Item) {
	h.update(ctx, func(p *model.UserFeedProfile) {
		p.ViewedIDs[item.ID] = struct{}{}
		addTags(p, item.Tags)
	})
}

// UnmarkViewed はリコンサイルで取り消された視聴をViewedIDsから外す。
// 既に加えた興味タグは取り消さない。
func (h *Holder) UnmarkViewed(ctx context.Context, itemID string) {
	h.update(ctx, func(p *model.UserFeedProfile) {
		delete(p.ViewedIDs, itemID)
	})
}

// ApplySignal はいいね・スキップ・シェアを反映する。
// liked と shared はタグを興味タグに加え、skipped は以後のページから除外する。
func (h *Holder) ApplySignal(ctx context.Context, itemID string, signal model.UserSignal, tags []string) {
	h.update(ctx, func(p *model.UserFeedProfile) {
		switch signal {
		case model.SignalLiked:
			p.LikedIDs[itemID] = struct{}{}
			addTags(p, tags)
		case model.SignalShared:
			addTags(p, tags)
		case model.SignalSkipped:
			p.SkippedIDs[itemID] = struct{}{}
		}
	})
}

func (h *Holder) update(ctx context.Context, fn func(p *model.UserFeedProfile)) {
	h.mu.Lock()
	fn(h.p)
	snapshot := h.p.Clone()
	h.mu.Unlock()

	if h.store == nil {
		return
	}
	if err := h.store.SaveProfile(ctx, snapshot); err != nil {
		h.logger.Warn("プロファイルのローカル保存に失敗しました",
			slog.String("user_id", snapshot.UserID),
			slog.String("error", err.Error()),
		)
	}
}

func addTags(p *model.UserFeedProfile, tags []string) {
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := p.InterestTags[t]; !ok && len(p.InterestTags) >= interestTagLimit {
			continue
		}
		p.InterestTags[t] = struct{}{}
	}
}

func toSet(ids []string) map[string]struct{} {
	s := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}
