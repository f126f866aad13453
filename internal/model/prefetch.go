package model

// TaskState はプリフェッチタスクの状態。
type TaskState string

const (
	// TaskQueued は待機中。
	TaskQueued TaskState = "queued"
	// TaskInFlight は実行中。
	TaskInFlight TaskState = "in_flight"
	// TaskDone は完了。終端。
	TaskDone TaskState = "done"
	// TaskFailed は失敗。終端。新しいビューポート信号でのみ再スケジュールされる。
	TaskFailed TaskState = "failed"
)

// Terminal は終端状態かを返す。
func (s TaskState) Terminal() bool {
	return s == TaskDone || s == TaskFailed
}

// PrefetchTask はビューポート近傍アイテムのウォームアップタスク。
type PrefetchTask struct {
	ItemID   string
	Priority int
	State    TaskState
}

// NetworkHint はプリフェッチ並列数を決めるネットワーク状態のヒント。
type NetworkHint string

const (
	// NetworkDegraded は低速回線。
	NetworkDegraded NetworkHint = "degraded"
	// NetworkNormal は通常回線。
	NetworkNormal NetworkHint = "normal"
	// NetworkFast は高速回線。
	NetworkFast NetworkHint = "fast"
)

// Concurrency はヒントに対応するプリフェッチの最大同時実行数を返す。
func (h NetworkHint) Concurrency() int {
	switch h {
	case NetworkDegraded:
		return 1
	case NetworkFast:
		return 3
	default:
		return 2
	}
}

// ParseNetworkHint は文字列をNetworkHintに変換する。未知の値はNetworkNormal。
func ParseNetworkHint(s string) NetworkHint {
	switch NetworkHint(s) {
	case NetworkDegraded, NetworkFast:
		return NetworkHint(s)
	default:
		return NetworkNormal
	}
}
