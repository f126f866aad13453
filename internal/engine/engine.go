// Package engine はフィードランキング、視聴台帳、ページキャッシュ、プリフェッチを束ねるファサードを提供する。
// プレゼンテーション層（HTTPハンドラ）はこのパッケージだけを呼び出す。
package engine

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hitoshi/reelfeed/internal/ledger"
	"github.com/hitoshi/reelfeed/internal/metrics"
	"github.com/hitoshi/reelfeed/internal/model"
	"github.com/hitoshi/reelfeed/internal/pagecache"
	"github.com/hitoshi/reelfeed/internal/prefetch"
	"github.com/hitoshi/reelfeed/internal/profile"
	"github.com/hitoshi/reelfeed/internal/ranking"
	"github.com/hitoshi/reelfeed/internal/repository"
	"github.com/hitoshi/reelfeed/internal/source"
)

// MaxPageSize はgetPageで要求できる最大件数。
const MaxPageSize = 50

// logWriteTimeout は合成ログの非同期書き込みのタイムアウト。
const logWriteTimeout = 5 * time.Second

// Store はエンジンが使うローカルKV。*kvstore.Store が実装する。
type Store interface {
	ledger.LocalStore
	profile.Store
}

// Sanitizer はキャプションのサニタイザ。
type Sanitizer interface {
	Sanitize(raw string) string
}

// Config はEngineの設定。
type Config struct {
	Ledger         ledger.Config
	Cache          pagecache.Config
	SourceLimit    int
	ProfileMaxAge  time.Duration
	SessionIdleTTL time.Duration
}

// Deps はEngineの依存。
type Deps struct {
	Items     repository.ItemRepository
	Viewers   repository.ViewerRepository
	Views     repository.ViewRecordRepository
	Signals   repository.SignalRepository
	Logs      repository.CompositionLogRepository
	Store     Store
	Sources   []source.Source
	Composer  *ranking.Composer
	Prefetch  *prefetch.Manager
	Sanitizer Sanitizer
	Logger    *slog.Logger
	Metrics   metrics.MetricsCollector
	Now       func() time.Time
}

// session はユーザー1人分のエンジン状態。
type session struct {
	userID   string
	ready    chan struct{}
	profile  *profile.Holder
	lastSeen time.Time
}

// Engine はプロセス単位のフィードエンジン。ユーザー状態はセッションごとに分割される。
type Engine struct {
	cfg       Config
	items     repository.ItemRepository
	signals   repository.SignalRepository
	logs      repository.CompositionLogRepository
	store     Store
	sources   []source.Source
	composer  *ranking.Composer
	prefetch  *prefetch.Manager
	sanitizer Sanitizer
	logger    *slog.Logger
	metrics   metrics.MetricsCollector
	now       func() time.Time

	ledger   *ledger.Ledger
	profiles *profile.Builder
	cache    *pagecache.Cache

	mu       sync.Mutex
	sessions map[string]*session
	bg       sync.WaitGroup
}

// New はEngineを生成する。
func New(cfg Config, deps Deps) *Engine {
	if cfg.SourceLimit <= 0 {
		cfg.SourceLimit = 20
	}
	if cfg.SessionIdleTTL <= 0 {
		cfg.SessionIdleTTL = 30 * time.Minute
	}
	e := &Engine{
		cfg:       cfg,
		items:     deps.Items,
		signals:   deps.Signals,
		logs:      deps.Logs,
		store:     deps.Store,
		sources:   deps.Sources,
		composer:  deps.Composer,
		prefetch:  deps.Prefetch,
		sanitizer: deps.Sanitizer,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		now:       deps.Now,
		sessions:  make(map[string]*session),
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.metrics == nil {
		e.metrics = metrics.Nop{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.composer == nil {
		e.composer = ranking.NewComposer(ranking.WithClock(e.now))
	}

	var local ledger.LocalStore
	var profileStore profile.Store
	if deps.Store != nil {
		local = deps.Store
		profileStore = deps.Store
	}
	e.ledger = ledger.New(cfg.Ledger, ledger.Deps{
		Views:      deps.Views,
		Items:      deps.Items,
		Viewers:    deps.Viewers,
		Local:      local,
		Logger:     e.logger,
		Metrics:    e.metrics,
		Now:        e.now,
		OnAccepted: e.onViewAccepted,
		OnRollback: e.onViewRolledBack,
	})
	e.profiles = profile.NewBuilder(deps.Viewers, deps.Signals, profileStore, e.logger, cfg.ProfileMaxAge, e.now)
	e.cache = pagecache.New(cfg.Cache, e.compose, e.logger, e.now)
	return e
}

// session はユーザーのセッションを返す。なければ作成し、プロファイルを読み込む。
// 読み込みはロック外で行い、同時に来た呼び出しは読み込み完了を待つ。
func (e *Engine) session(ctx context.Context, userID string) (*session, error) {
	e.mu.Lock()
	s, ok := e.sessions[userID]
	if ok {
		s.lastSeen = e.now()
		e.mu.Unlock()
		select {
		case <-s.ready:
			return s, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s = &session{userID: userID, ready: make(chan struct{}), lastSeen: e.now()}
	e.sessions[userID] = s
	e.mu.Unlock()

	viewed := e.ledger.ViewedIDs(ctx, userID)
	p, err := e.profiles.Load(ctx, userID, viewed)
	if err != nil || p == nil {
		p = model.NewUserFeedProfile(userID)
	}
	var store profile.Store
	if e.store != nil {
		store = e.store
	}
	s.profile = profile.NewHolder(p, store, e.logger)
	close(s.ready)

	e.logger.Debug("セッションを開始しました",
		slog.String("user_id", userID),
		slog.Int("viewed", len(p.ViewedIDs)),
	)
	return s, nil
}

// existingSession は読み込み済みのセッションを返す。なければnil。
func (e *Engine) existingSession(userID string) *session {
	e.mu.Lock()
	s, ok := e.sessions[userID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-s.ready:
		return s
	default:
		return nil
	}
}

// GetPage はユーザーのページを返す。視聴済み・スキップ済みのアイテムは除外される。
// キャッシュMISS時は小さなページを即座に返し、大きなページは非同期に補充される。
// 候補がない場合は空ページと再試行目安を返す。
func (e *Engine) GetPage(ctx context.Context, userID string, pageSize int) (model.Page, error) {
	if userID == "" {
		return model.Page{}, model.ErrEmptyUserID
	}
	if pageSize <= 0 || pageSize > MaxPageSize {
		return model.Page{}, model.NewInvalidPageSizeError(strconv.Itoa(pageSize))
	}

	s, err := e.session(ctx, userID)
	if err != nil {
		return model.Page{}, err
	}

	for attempt := 0; ; attempt++ {
		page, err := e.cache.Get(ctx, userID)
		if err != nil {
			return model.Page{}, err
		}

		items := make([]model.Item, 0, min(pageSize, len(page.Items)))
		seen := make(map[string]struct{}, len(page.Items))
		checkLedger := true
		for _, it := range page.Items {
			if _, dup := seen[it.ID]; dup || s.profile.Excluded(it.ID) {
				continue
			}
			seen[it.ID] = struct{}{}
			if checkLedger {
				viewed, err := e.ledger.HasViewed(ctx, userID, it.ID)
				if err != nil {
					// リモート台帳が読めない間はプロファイルだけで判定する
					checkLedger = false
				} else if viewed {
					continue
				}
			}
			items = append(items, it)
			if len(items) == pageSize {
				break
			}
		}

		// キャッシュ済みのページが全て視聴済みになった場合は1度だけ作り直す
		if len(items) == 0 && len(page.Items) > 0 && attempt == 0 {
			e.cache.Invalidate(userID)
			continue
		}

		page.Items = items
		if len(items) == 0 && page.RetryAfter == 0 {
			page.RetryAfter = pagecache.CalculateRetryAfter(1)
		}
		e.metrics.RecordPageServed(page.FromCache, len(items))
		return page, nil
	}
}

// compose は候補取得、スコアリング、インターリーブを行う。pagecache.ComposeFunc として使う。
func (e *Engine) compose(ctx context.Context, userID string, size int, pass string) ([]model.Item, error) {
	start := e.now()

	s, err := e.session(ctx, userID)
	if err != nil {
		return nil, err
	}

	snap := s.profile.Snapshot()
	if pass == pagecache.PassRefill && e.profiles.Stale(snap) {
		rebuilt := e.profiles.Rebuild(ctx, userID, snap, e.ledger.ViewedIDs(ctx, userID))
		s.profile.Replace(rebuilt)
		snap = s.profile.Snapshot()
	}

	req := source.Request{
		UserID:         userID,
		ExcludeOwnerID: userID,
		Limit:          e.cfg.SourceLimit,
		FollowedIDs:    model.SetKeys(snap.FollowedIDs),
		InterestTags:   model.SetKeys(snap.InterestTags),
	}

	batches := make([]ranking.Batch, len(e.sources))
	var wg sync.WaitGroup
	for i, src := range e.sources {
		wg.Add(1)
		go func(i int, src source.Source) {
			defer wg.Done()
			batches[i] = ranking.Batch{Category: src.Category(), Items: src.Fetch(ctx, req)}
		}(i, src)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	page := e.composer.Compose(batches, snap, size)
	items := make([]model.Item, len(page))
	for i, sc := range page {
		items[i] = sc.Item
		if e.sanitizer != nil {
			items[i].Caption = e.sanitizer.Sanitize(sc.Item.Caption)
		}
	}

	elapsed := e.now().Sub(start)
	e.metrics.RecordComposition(pass, elapsed)
	e.writeLog(ctx, userID, size, page, elapsed)

	e.logger.Debug("ページを合成しました",
		slog.String("user_id", userID),
		slog.String("pass", pass),
		slog.Int("requested", size),
		slog.Int("items", len(items)),
	)
	return items, nil
}

// writeLog は合成ログを非同期に書き込む。失敗はログに残すだけでページ合成には影響しない。
func (e *Engine) writeLog(ctx context.Context, userID string, size int, page []model.ScoredCandidate, elapsed time.Duration) {
	if e.logs == nil {
		return
	}
	ids := make([]string, len(page))
	for i, sc := range page {
		ids[i] = sc.Item.ID
	}
	entry := &model.CompositionLog{
		UserID:         userID,
		RequestSize:    size,
		CategoryCounts: ranking.CategoryCounts(page),
		ItemIDs:        ids,
		LatencyMs:      elapsed.Milliseconds(),
		CreatedAt:      e.now(),
	}

	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logWriteTimeout)
		defer cancel()
		if err := e.logs.Create(ctx, entry); err != nil {
			e.logger.Warn("合成ログの書き込みに失敗しました",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Invalidate はユーザーのページを破棄する（pull-to-refresh）。
func (e *Engine) Invalidate(userID string) error {
	if userID == "" {
		return model.ErrEmptyUserID
	}
	e.cache.Invalidate(userID)
	return nil
}

// OnViewportChange はビューポート位置を受け取り、近傍アイテムのプリフェッチを調整する。
func (e *Engine) OnViewportChange(ctx context.Context, userID string, visibleIndex int, windowIDs []string) error {
	if userID == "" {
		return model.ErrEmptyUserID
	}
	if _, err := e.session(ctx, userID); err != nil {
		return err
	}
	if e.prefetch == nil {
		return nil
	}
	return e.prefetch.OnViewportChange(userID, visibleIndex, windowIDs)
}

// OnPlaybackStarted は再生開始を台帳に記録する。
func (e *Engine) OnPlaybackStarted(ctx context.Context, userID, itemID string) (model.ViewState, error) {
	if userID == "" {
		return "", model.ErrEmptyUserID
	}
	if _, err := e.session(ctx, userID); err != nil {
		return "", err
	}
	return e.ledger.OnPlaybackStarted(ctx, userID, itemID)
}

// OnDwellThresholdReached はdwell閾値到達イベントをアンチアビューズ評価に回す。
func (e *Engine) OnDwellThresholdReached(ctx context.Context, userID, deviceID, itemID string, dwellMs int64) (model.ViewOutcome, error) {
	if userID == "" {
		return model.ViewOutcome{}, model.ErrEmptyUserID
	}
	if _, err := e.session(ctx, userID); err != nil {
		return model.ViewOutcome{}, err
	}
	return e.ledger.OnDwellThresholdReached(ctx, userID, deviceID, itemID, dwellMs)
}

// ViewStatus は視聴状態を返す。
func (e *Engine) ViewStatus(ctx context.Context, userID, itemID string) (model.ViewStatus, error) {
	if userID == "" {
		return model.ViewStatus{}, model.ErrEmptyUserID
	}
	if _, err := e.session(ctx, userID); err != nil {
		return model.ViewStatus{}, err
	}
	return e.ledger.ViewStatus(ctx, userID, itemID)
}

// HasViewed は (userID, itemID) が accepted 済みかを返す。
func (e *Engine) HasViewed(ctx context.Context, userID, itemID string) (bool, error) {
	if userID == "" {
		return false, model.ErrEmptyUserID
	}
	if _, err := e.session(ctx, userID); err != nil {
		return false, err
	}
	return e.ledger.HasViewed(ctx, userID, itemID)
}

// PrefetchStatus はアイテムのプリフェッチ状態を返す。
// wait が正なら、タスクが終端状態になるまで最大 wait だけ待つ。タスクがなければfalseを返す。
func (e *Engine) PrefetchStatus(ctx context.Context, itemID string, wait time.Duration) (model.PrefetchTask, bool) {
	if e.prefetch == nil {
		return model.PrefetchTask{}, false
	}
	if wait > 0 {
		if done, ok := e.prefetch.Wait(itemID); ok {
			timer := time.NewTimer(wait)
			select {
			case <-done:
			case <-timer.C:
			case <-ctx.Done():
			}
			timer.Stop()
		}
	}
	return e.prefetch.State(itemID)
}

// OnUserSignal はいいね・スキップ・シェアをパーソナライズに反映する。視聴台帳は経由しない。
// シグナルの永続化に失敗した場合もローカルのプロファイルには反映する。
func (e *Engine) OnUserSignal(ctx context.Context, userID, itemID string, signal model.UserSignal) error {
	if userID == "" {
		return model.ErrEmptyUserID
	}
	if !signal.Valid() {
		return model.NewInvalidSignalError(string(signal))
	}

	item, err := e.items.FindByID(ctx, itemID)
	if err != nil {
		e.logger.Warn("シグナル対象アイテムの取得に失敗しました。タグなしで反映します",
			slog.String("user_id", userID),
			slog.String("item_id", itemID),
			slog.String("error", err.Error()),
		)
	} else if item == nil {
		return model.NewItemNotFoundError(itemID)
	}

	if err := e.signals.Record(ctx, userID, itemID, signal); err != nil {
		e.logger.Warn("シグナルの記録に失敗しました",
			slog.String("user_id", userID),
			slog.String("item_id", itemID),
			slog.String("signal", string(signal)),
			slog.String("error", err.Error()),
		)
	}

	s, err := e.session(ctx, userID)
	if err != nil {
		return err
	}
	var tags []string
	if item != nil {
		tags = item.Tags
	}
	s.profile.ApplySignal(ctx, itemID, signal, tags)
	return nil
}

// SetNetworkHint はプリフェッチの同時実行数を変更する。
func (e *Engine) SetNetworkHint(h model.NetworkHint) {
	if e.prefetch != nil {
		e.prefetch.SetNetworkHint(h)
	}
}

// onViewAccepted は accepted な視聴をプロファイルに反映する。
func (e *Engine) onViewAccepted(ctx context.Context, userID string, item *model.Item) {
	if s := e.existingSession(userID); s != nil {
		s.profile.MarkViewed(ctx, item)
	}
}

// onViewRolledBack はリコンサイルで取り消された視聴をプロファイルから外す。
func (e *Engine) onViewRolledBack(ctx context.Context, userID, itemID string) {
	if s := e.existingSession(userID); s != nil {
		s.profile.UnmarkViewed(ctx, itemID)
	}
}

// Reconcile は未確定の台帳書き込みを再送する。
func (e *Engine) Reconcile(ctx context.Context) (confirmed, rolledBack int, err error) {
	return e.ledger.Reconcile(ctx)
}

// RefillExpiring は期限切れが近いページの補充を開始する。
func (e *Engine) RefillExpiring() int {
	return e.cache.RefillExpiring()
}

// Sweep はアイドルセッションを破棄し、プリフェッチタスクと期限切れの速度履歴を掃除する。
// 破棄したセッション数を返す。
func (e *Engine) Sweep() int {
	cutoff := e.now().Add(-e.cfg.SessionIdleTTL)

	e.mu.Lock()
	var idle []string
	for userID, s := range e.sessions {
		if s.lastSeen.Before(cutoff) {
			idle = append(idle, userID)
			delete(e.sessions, userID)
		}
	}
	e.mu.Unlock()

	for _, userID := range idle {
		e.cache.Evict(userID)
		e.ledger.Forget(userID)
		if e.prefetch != nil {
			e.prefetch.ForgetUser(userID)
		}
	}
	if e.prefetch != nil {
		e.prefetch.Sweep()
	}
	e.ledger.Prune()

	if len(idle) > 0 {
		attrs := []any{slog.Int("evicted", len(idle))}
		if e.prefetch != nil {
			queued, inFlight := e.prefetch.Stats()
			attrs = append(attrs, slog.Int("prefetch_queued", queued), slog.Int("prefetch_in_flight", inFlight))
		}
		e.logger.Info("アイドルセッションを破棄しました", attrs...)
	}
	return len(idle)
}

// Sessions は現在のセッション数を返す。
func (e *Engine) Sessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Close はバックグラウンド処理の終了を待つ。
func (e *Engine) Close() {
	e.cache.Close()
	if e.prefetch != nil {
		e.prefetch.Close()
	}
	e.bg.Wait()
}
