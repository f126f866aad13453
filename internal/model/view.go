package model

import "time"

// ViewRecord は (userID, itemID, deviceID) ごとに1件だけ作成される視聴記録。
// 同一 (userID, itemID) で Accepted=true のレコードは最大1件。
type ViewRecord struct {
	ItemID      string
	UserID      string
	DeviceID    string
	Timestamp   time.Time
	DwellTimeMs int64
	Accepted    bool
}

// ViewState は (userID, itemID) ごとの視聴状態。
type ViewState string

const (
	// ViewStateNotViewed は未視聴。
	ViewStateNotViewed ViewState = "not_viewed"
	// ViewStatePendingDwell は再生中でdwell時間を計測している状態。
	ViewStatePendingDwell ViewState = "pending_dwell"
	// ViewStateAccepted は視聴として確定した状態。終端。
	ViewStateAccepted ViewState = "accepted"
	// ViewStateRejected はボット判定で棄却された状態。再評価は可能。
	ViewStateRejected ViewState = "rejected"
)

// ViewOutcome はdwell閾値到達イベントの評価結果。
// 棄却や重複はエラーではなく、この値で呼び出し元に伝える。
type ViewOutcome struct {
	ItemID    string
	State     ViewState
	Accepted  bool
	Duplicate bool
	// Confirmed はリモートの台帳書き込みが確定済みかを示す。
	// Accepted=true かつ Confirmed=false の場合は楽観的な状態。
	Confirmed bool
	BotScore  float64
	Reasons   []string
}

// ViewStatus は視聴状態の問い合わせ結果。楽観状態と確定状態の両方を公開する。
type ViewStatus struct {
	ItemID     string
	State      ViewState
	Optimistic bool
	Confirmed  bool
}
