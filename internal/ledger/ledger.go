// Package ledger は視聴台帳とアンチアビューズ評価を提供する。
// (userID, itemID) ごとに NotViewed → PendingDwell → {Accepted | Rejected} の状態を管理し、
// accepted な視聴はローカルKVに楽観的に記録してからリモート台帳へ書き込む。
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/reelfeed/internal/kvstore"
	"github.com/hitoshi/reelfeed/internal/metrics"
	"github.com/hitoshi/reelfeed/internal/model"
	"github.com/hitoshi/reelfeed/internal/repository"
)

// viewedSeedLimit はコールドスタート時にリモート台帳から読み込む視聴済みIDの上限。
const viewedSeedLimit = 1000

// LocalStore はViewedSetと未確定書き込みを保持するローカルストア。
// *kvstore.Store が実装する。
type LocalStore interface {
	MarkViewed(ctx context.Context, userID string, entry kvstore.ViewedEntry) error
	UnmarkViewed(ctx context.Context, userID, itemID string) error
	LoadViewed(ctx context.Context, userID string) (map[string]kvstore.ViewedEntry, error)
	PutPending(ctx context.Context, w *kvstore.PendingWrite) error
	DeletePending(ctx context.Context, userID, itemID string) error
	ListPending(ctx context.Context, limit int) ([]*kvstore.PendingWrite, error)
}

var _ LocalStore = (*kvstore.Store)(nil)

// AcceptFunc は視聴が accepted になったときに呼ばれる。パーソナライズへのフィードバックに使う。
type AcceptFunc func(ctx context.Context, userID string, item *model.Item)

// RollbackFunc はリモート書き込みが最終的に失敗し、楽観状態を取り消したときに呼ばれる。
type RollbackFunc func(ctx context.Context, userID, itemID string)

// Config はLedgerの設定。
type Config struct {
	MinDwell             time.Duration
	BotScoreThreshold    float64
	ReconcileMaxAttempts int
	// ReconcileMinAge より新しい未確定書き込みはインライン書き込みと競合しないようリコンサイル対象から外す。
	ReconcileMinAge time.Duration
}

// Deps はLedgerの依存。
type Deps struct {
	Views      repository.ViewRecordRepository
	Items      repository.ItemRepository
	Viewers    repository.ViewerRepository
	Local      LocalStore
	Logger     *slog.Logger
	Metrics    metrics.MetricsCollector
	Now        func() time.Time
	OnAccepted AcceptFunc
	OnRollback RollbackFunc
}

// itemState は (userID, itemID) ごとの評価状態。
type itemState struct {
	state        model.ViewState
	playbackAt   time.Time // サーバー側で観測した再生開始時刻。ゼロ値は未観測
	evaluating   bool
	acceptedAt   time.Time
	acceptedFrom string // accepted を記録したデバイス
}

// userLedger はユーザー1人分の台帳状態。ユーザー間でロックを共有しない。
type userLedger struct {
	mu           sync.Mutex
	items        map[string]*itemState
	viewed       map[string]kvstore.ViewedEntry // ViewedSet
	velocity     *window
	loaded       bool
	remoteLoaded bool
}

func (u *userLedger) item(itemID string) *itemState {
	st, ok := u.items[itemID]
	if !ok {
		st = &itemState{state: model.ViewStateNotViewed}
		u.items[itemID] = st
	}
	return st
}

// Ledger はプロセス単位の視聴台帳。状態はユーザーIDで分割される。
type Ledger struct {
	cfg        Config
	views      repository.ViewRecordRepository
	items      repository.ItemRepository
	viewers    repository.ViewerRepository
	local      LocalStore
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
	now        func() time.Time
	onAccepted AcceptFunc
	onRollback RollbackFunc
	devices    *deviceTracker

	mu    sync.Mutex
	users map[string]*userLedger
}

// New はLedgerを生成する。
func New(cfg Config, deps Deps) *Ledger {
	if cfg.MinDwell <= 0 {
		cfg.MinDwell = 3 * time.Second
	}
	if cfg.BotScoreThreshold <= 0 {
		cfg.BotScoreThreshold = 0.7
	}
	if cfg.ReconcileMaxAttempts <= 0 {
		cfg.ReconcileMaxAttempts = 5
	}
	l := &Ledger{
		cfg:        cfg,
		views:      deps.Views,
		items:      deps.Items,
		viewers:    deps.Viewers,
		local:      deps.Local,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		now:        deps.Now,
		onAccepted: deps.OnAccepted,
		onRollback: deps.OnRollback,
		devices:    newDeviceTracker(deviceVelocityWindow),
		users:      make(map[string]*userLedger),
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.metrics == nil {
		l.metrics = metrics.Nop{}
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// user はユーザーの台帳を返す。なければ作成する。
func (l *Ledger) user(userID string) *userLedger {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.users[userID]
	if !ok {
		u = &userLedger{
			items:    make(map[string]*itemState),
			viewed:   make(map[string]kvstore.ViewedEntry),
			velocity: newWindow(userVelocityWindow),
		}
		l.users[userID] = u
	}
	return u
}

// ensureLoaded はコールドスタート時にローカルKVとリモート台帳からViewedSetと速度履歴を読み込む。
// I/Oはロック外で行い、結果だけをロック内でマージする。
func (l *Ledger) ensureLoaded(ctx context.Context, userID string, u *userLedger) {
	u.mu.Lock()
	loaded, remoteLoaded := u.loaded, u.remoteLoaded
	u.mu.Unlock()
	if loaded && remoteLoaded {
		return
	}

	now := l.now()
	var local map[string]kvstore.ViewedEntry
	if !loaded && l.local != nil {
		var err error
		local, err = l.local.LoadViewed(ctx, userID)
		if err != nil {
			l.logger.Warn("ローカルViewedSetの読み込みに失敗しました",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}

	var remoteIDs []string
	var recent []time.Time
	remoteOK := false
	if !remoteLoaded {
		var err error
		remoteIDs, err = l.views.ListAcceptedItemIDs(ctx, userID, viewedSeedLimit)
		if err == nil {
			recent, err = l.views.AcceptedTimesByUser(ctx, userID, now.Add(-userVelocityWindow))
		}
		if err != nil {
			l.logger.Warn("リモート台帳からの視聴履歴の読み込みに失敗しました",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		} else {
			remoteOK = true
		}
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.loaded {
		for id, e := range local {
			if _, ok := u.viewed[id]; !ok {
				u.viewed[id] = e
				u.item(id).state = model.ViewStateAccepted
			}
		}
		u.loaded = true
	}
	if remoteOK && !u.remoteLoaded {
		for _, id := range remoteIDs {
			e := u.viewed[id]
			e.ItemID = id
			e.Confirmed = true
			u.viewed[id] = e
			u.item(id).state = model.ViewStateAccepted
		}
		for _, ts := range recent {
			u.velocity.add(ts)
		}
		u.remoteLoaded = true
	}
}

// HasViewed は (userID, itemID) が accepted 済みかを返す。
// 読み込み済みのViewedSetで判定し、リモート台帳を読めていない場合のみ問い合わせる。
func (l *Ledger) HasViewed(ctx context.Context, userID, itemID string) (bool, error) {
	if userID == "" {
		return false, model.ErrEmptyUserID
	}
	u := l.user(userID)
	l.ensureLoaded(ctx, userID, u)

	u.mu.Lock()
	_, ok := u.viewed[itemID]
	remoteLoaded := u.remoteLoaded
	u.mu.Unlock()
	if ok || remoteLoaded {
		return ok, nil
	}

	has, err := l.views.HasAccepted(ctx, userID, itemID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	return has, nil
}

// ViewedIDs はユーザーのViewedSetのIDを返す。
func (l *Ledger) ViewedIDs(ctx context.Context, userID string) []string {
	u := l.user(userID)
	l.ensureLoaded(ctx, userID, u)

	u.mu.Lock()
	defer u.mu.Unlock()
	ids := make([]string, 0, len(u.viewed))
	for id := range u.viewed {
		ids = append(ids, id)
	}
	return ids
}

// OnPlaybackStarted は再生開始を記録し PendingDwell に遷移させる。
// accepted 済みのアイテムでは何もしない。rejected のアイテムは再評価可能になる。
func (l *Ledger) OnPlaybackStarted(ctx context.Context, userID, itemID string) (model.ViewState, error) {
	if userID == "" {
		return "", model.ErrEmptyUserID
	}
	u := l.user(userID)
	l.ensureLoaded(ctx, userID, u)

	u.mu.Lock()
	defer u.mu.Unlock()

	st := u.item(itemID)
	if st.state == model.ViewStateAccepted {
		return st.state, nil
	}
	st.state = model.ViewStatePendingDwell
	st.playbackAt = l.now()
	return st.state, nil
}

// ViewStatus は視聴状態を楽観状態と確定状態の両方とともに返す。
func (l *Ledger) ViewStatus(ctx context.Context, userID, itemID string) (model.ViewStatus, error) {
	if userID == "" {
		return model.ViewStatus{}, model.ErrEmptyUserID
	}
	u := l.user(userID)
	l.ensureLoaded(ctx, userID, u)

	u.mu.Lock()
	defer u.mu.Unlock()

	status := model.ViewStatus{ItemID: itemID, State: model.ViewStateNotViewed}
	if e, ok := u.viewed[itemID]; ok {
		status.State = model.ViewStateAccepted
		status.Optimistic = true
		status.Confirmed = e.Confirmed
		return status, nil
	}
	if st, ok := u.items[itemID]; ok {
		status.State = st.state
	}
	return status, nil
}

// Forget はアイドル状態のユーザーの台帳をメモリから破棄する。
// ViewedSetはローカルKVとリモート台帳に残るため、次回アクセス時に再読み込みされる。
func (l *Ledger) Forget(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.users, userID)
}

// Prune は期限切れのデバイス履歴を破棄する。
func (l *Ledger) Prune() {
	l.devices.prune(l.now())
}
