package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/reelfeed/internal/kvstore"
	"github.com/hitoshi/reelfeed/internal/model"
)

// ボット確率スコアの判定条件と加点。
const (
	userVelocityWindow   = time.Minute
	userVelocityLimit    = 20
	userVelocityScore    = 0.4
	shortDwellThreshold  = time.Second
	shortDwellScore      = 0.3
	newAccountAge        = time.Hour
	newAccountScore      = 0.2
	deviceVelocityWindow = time.Hour
	deviceVelocityLimit  = 100
	deviceVelocityScore  = 0.3
	noHistoryVelocity    = 10
	noHistoryScore       = 0.2

	// scoreEpsilon は加点の丸め誤差で閾値ちょうどが棄却側に倒れないための許容差
	scoreEpsilon = 1e-9
)

// 判定理由。
const (
	ReasonUserVelocity   = "user_velocity"
	ReasonShortDwell     = "short_dwell"
	ReasonNewAccount     = "new_account"
	ReasonDeviceVelocity = "device_velocity"
	ReasonNoHistory      = "no_interaction_history"
	ReasonBelowMinDwell  = "below_min_dwell"
	ReasonInProgress     = "evaluation_in_progress"
	ReasonStoreFailure   = "ledger_unavailable"
)

// signals はボット確率スコアの入力。
type signals struct {
	userViews     int // 直近60秒の accepted 視聴数（今回分を含む）
	deviceViews   int // 直近1時間のデバイスの accepted 視聴数（今回分を含む）
	observedDwell time.Duration
	dwellObserved bool
	accountAge    time.Duration
	interactions  int64
}

// botScore は加点方式でボット確率スコアを計算する。
func botScore(s signals) (float64, []string) {
	var score float64
	var reasons []string

	if s.userViews > userVelocityLimit {
		score += userVelocityScore
		reasons = append(reasons, ReasonUserVelocity)
	}
	if s.dwellObserved && s.observedDwell < shortDwellThreshold {
		score += shortDwellScore
		reasons = append(reasons, ReasonShortDwell)
	}
	if s.accountAge < newAccountAge {
		score += newAccountScore
		reasons = append(reasons, ReasonNewAccount)
	}
	if s.deviceViews > deviceVelocityLimit {
		score += deviceVelocityScore
		reasons = append(reasons, ReasonDeviceVelocity)
	}
	if s.interactions == 0 && s.userViews > noHistoryVelocity {
		score += noHistoryScore
		reasons = append(reasons, ReasonNoHistory)
	}
	return score, reasons
}

// OnDwellThresholdReached はdwell閾値到達イベントを評価する。
// 重複や棄却はエラーではなくViewOutcomeで返す。
// エラーを返すのは入力不正とアイテム未検出の場合のみ。
func (l *Ledger) OnDwellThresholdReached(ctx context.Context, userID, deviceID, itemID string, dwellMs int64) (model.ViewOutcome, error) {
	if userID == "" {
		return model.ViewOutcome{}, model.ErrEmptyUserID
	}
	if dwellMs < 0 {
		return model.ViewOutcome{}, model.NewInvalidDwellError(dwellMs)
	}

	u := l.user(userID)
	l.ensureLoaded(ctx, userID, u)

	outcome := model.ViewOutcome{ItemID: itemID}

	// 1. 状態の確認と評価権の獲得（CAS）
	u.mu.Lock()
	if e, ok := u.viewed[itemID]; ok {
		u.mu.Unlock()
		outcome.State = model.ViewStateAccepted
		outcome.Accepted = true
		outcome.Duplicate = true
		outcome.Confirmed = e.Confirmed
		l.metrics.RecordViewOutcome("duplicate")
		return outcome, nil
	}
	st := u.item(itemID)
	if st.evaluating {
		u.mu.Unlock()
		outcome.State = model.ViewStatePendingDwell
		outcome.Duplicate = true
		outcome.Reasons = []string{ReasonInProgress}
		return outcome, nil
	}
	if time.Duration(dwellMs)*time.Millisecond < l.cfg.MinDwell {
		st.state = model.ViewStatePendingDwell
		u.mu.Unlock()
		outcome.State = model.ViewStatePendingDwell
		outcome.Reasons = []string{ReasonBelowMinDwell}
		l.metrics.RecordViewOutcome("pending")
		return outcome, nil
	}
	st.evaluating = true
	playbackAt := st.playbackAt
	u.mu.Unlock()

	release := func(state model.ViewState) {
		u.mu.Lock()
		st.evaluating = false
		st.state = state
		u.mu.Unlock()
	}

	// 2. ネットワーク越しの参照はロック外で行う
	item, err := l.items.FindByID(ctx, itemID)
	if err != nil {
		release(model.ViewStatePendingDwell)
		l.logger.Warn("アイテムの取得に失敗しました",
			slog.String("user_id", userID),
			slog.String("item_id", itemID),
			slog.String("error", err.Error()),
		)
		outcome.State = model.ViewStatePendingDwell
		outcome.Reasons = []string{ReasonStoreFailure}
		return outcome, nil
	}
	if item == nil {
		release(model.ViewStateNotViewed)
		return model.ViewOutcome{}, model.NewItemNotFoundError(itemID)
	}

	viewer, err := l.viewers.FindByID(ctx, userID)
	if err != nil {
		l.logger.Warn("ビューア属性の取得に失敗しました。新規アカウントとして評価します",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
	if deviceID != "" && !l.devices.known(deviceID) {
		times, err := l.views.AcceptedTimesByDevice(ctx, deviceID, l.now().Add(-deviceVelocityWindow))
		if err != nil {
			l.logger.Warn("デバイス視聴履歴の取得に失敗しました",
				slog.String("device_id", deviceID),
				slog.String("error", err.Error()),
			)
		} else {
			l.devices.seed(deviceID, times)
		}
	}

	// 3. 速度判定と状態遷移はロック内で原子的に行う
	now := l.now()
	sig := signals{}
	if viewer != nil {
		sig.accountAge = now.Sub(viewer.CreatedAt)
		sig.interactions = viewer.InteractionCount
	}
	if !playbackAt.IsZero() {
		sig.dwellObserved = true
		sig.observedDwell = now.Sub(playbackAt)
	}

	u.mu.Lock()
	sig.userViews = u.velocity.count(now) + 1
	if deviceID != "" {
		sig.deviceViews = l.devices.count(deviceID, now) + 1
	}
	score, reasons := botScore(sig)
	outcome.BotScore = score
	outcome.Reasons = reasons

	if score > l.cfg.BotScoreThreshold+scoreEpsilon {
		st.evaluating = false
		st.state = model.ViewStateRejected
		u.mu.Unlock()

		outcome.State = model.ViewStateRejected
		l.metrics.RecordViewOutcome("rejected")
		l.logger.Info("ボット判定により視聴を棄却しました",
			slog.String("user_id", userID),
			slog.String("device_id", deviceID),
			slog.String("item_id", itemID),
			slog.Float64("bot_score", score),
			slog.Any("reasons", reasons),
		)
		return outcome, nil
	}

	entry := kvstore.ViewedEntry{ItemID: itemID, ViewedAt: now}
	u.viewed[itemID] = entry
	u.velocity.add(now)
	if deviceID != "" {
		l.devices.add(deviceID, now)
	}
	st.evaluating = false
	st.state = model.ViewStateAccepted
	st.acceptedAt = now
	st.acceptedFrom = deviceID
	u.mu.Unlock()

	rec := model.ViewRecord{
		ItemID:      itemID,
		UserID:      userID,
		DeviceID:    deviceID,
		Timestamp:   now,
		DwellTimeMs: dwellMs,
		Accepted:    true,
	}

	// 4. ローカル→リモートの2段階書き込み
	confirmed, err := l.persist(ctx, &rec)
	if err != nil {
		l.rollbackMemory(userID, itemID)
		l.logger.Error("視聴記録をローカルにもリモートにも書き込めませんでした",
			slog.String("user_id", userID),
			slog.String("item_id", itemID),
			slog.String("error", err.Error()),
		)
		outcome.State = model.ViewStatePendingDwell
		outcome.Reasons = append(outcome.Reasons, ReasonStoreFailure)
		l.metrics.RecordViewOutcome("store_failure")
		return outcome, nil
	}

	outcome.State = model.ViewStateAccepted
	outcome.Accepted = true
	outcome.Confirmed = confirmed
	l.metrics.RecordViewOutcome("accepted")

	if l.onAccepted != nil {
		l.onAccepted(ctx, userID, item)
	}
	return outcome, nil
}

// persist はローカルKVに未確定書き込みとして保存してからリモート台帳に書き込む。
// リモート書き込みに失敗してもローカル保存が成功していればリコンサイルに委ね、確定フラグfalseで返す。
// 両方失敗した場合のみエラーを返す。
func (l *Ledger) persist(ctx context.Context, rec *model.ViewRecord) (bool, error) {
	localOK := false
	if l.local != nil {
		pending := &kvstore.PendingWrite{Record: *rec, EnqueuedAt: rec.Timestamp}
		if err := l.local.PutPending(ctx, pending); err != nil {
			l.logger.Warn("未確定書き込みのローカル保存に失敗しました",
				slog.String("user_id", rec.UserID),
				slog.String("item_id", rec.ItemID),
				slog.String("error", err.Error()),
			)
		} else if err := l.local.MarkViewed(ctx, rec.UserID, kvstore.ViewedEntry{ItemID: rec.ItemID, ViewedAt: rec.Timestamp}); err != nil {
			l.logger.Warn("ViewedSetのローカル保存に失敗しました",
				slog.String("user_id", rec.UserID),
				slog.String("item_id", rec.ItemID),
				slog.String("error", err.Error()),
			)
		} else {
			localOK = true
		}
	}

	inserted, err := l.views.RecordAccepted(ctx, rec)
	if err != nil {
		if localOK {
			l.logger.Warn("リモート台帳への書き込みに失敗しました。リコンサイルで再試行します",
				slog.String("user_id", rec.UserID),
				slog.String("item_id", rec.ItemID),
				slog.String("error", err.Error()),
			)
			return false, nil
		}
		return false, fmt.Errorf("record accepted view: %w", err)
	}
	if !inserted {
		l.logger.Debug("視聴記録は既に存在します",
			slog.String("user_id", rec.UserID),
			slog.String("item_id", rec.ItemID),
		)
	}

	l.confirm(ctx, rec.UserID, rec.ItemID, rec.Timestamp)
	return true, nil
}

// confirm はリモート書き込みの確定をメモリとローカルKVに反映する。
func (l *Ledger) confirm(ctx context.Context, userID, itemID string, viewedAt time.Time) {
	l.mu.Lock()
	u, ok := l.users[userID]
	l.mu.Unlock()
	if ok {
		u.mu.Lock()
		if e, ok := u.viewed[itemID]; ok {
			e.Confirmed = true
			u.viewed[itemID] = e
		}
		u.mu.Unlock()
	}

	if l.local == nil {
		return
	}
	if err := l.local.MarkViewed(ctx, userID, kvstore.ViewedEntry{ItemID: itemID, Confirmed: true, ViewedAt: viewedAt}); err != nil {
		l.logger.Warn("確定状態のローカル保存に失敗しました",
			slog.String("user_id", userID),
			slog.String("item_id", itemID),
			slog.String("error", err.Error()),
		)
	}
	if err := l.local.DeletePending(ctx, userID, itemID); err != nil {
		l.logger.Warn("未確定書き込みの削除に失敗しました",
			slog.String("user_id", userID),
			slog.String("item_id", itemID),
			slog.String("error", err.Error()),
		)
	}
}

// rollbackMemory は楽観的に反映した accepted 状態をメモリから取り消す。
func (l *Ledger) rollbackMemory(userID, itemID string) {
	l.mu.Lock()
	u, ok := l.users[userID]
	l.mu.Unlock()
	if !ok {
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.viewed, itemID)
	st, ok := u.items[itemID]
	if !ok {
		return
	}
	if !st.acceptedAt.IsZero() {
		u.velocity.remove(st.acceptedAt)
		if st.acceptedFrom != "" {
			l.devices.remove(st.acceptedFrom, st.acceptedAt)
		}
	}
	st.state = model.ViewStatePendingDwell
	st.acceptedAt = time.Time{}
	st.acceptedFrom = ""
}
