package model

import "time"

// Viewer はアンチアビューズ判定に必要なユーザー属性。
type Viewer struct {
	ID               string
	CreatedAt        time.Time
	InteractionCount int64 // いいね・コメントの累計
}

// CompositionLog はページ合成1回分の記録。
type CompositionLog struct {
	ID             string
	UserID         string
	RequestSize    int
	CategoryCounts map[Category]int
	ItemIDs        []string
	LatencyMs      int64
	CreatedAt      time.Time
}
