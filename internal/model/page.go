package model

import "time"

// CachedPage はユーザーごとに1つだけ有効なランキング済みページ。
// 新しいページで置き換えられ、マージはしない。
type CachedPage struct {
	UserID     string
	Items      []Item
	ComposedAt time.Time
	ExpiresAt  time.Time
}

// Fresh は基準時刻でTTL内かを返す。
func (p *CachedPage) Fresh(now time.Time) bool {
	return p != nil && now.Before(p.ExpiresAt)
}

// Page は getPage の戻り値。
// 候補が1件もない場合は Items が空で RetryAfter に再試行までの目安が入る。
type Page struct {
	UserID     string
	Items      []Item
	FromCache  bool
	ComposedAt time.Time
	RetryAfter time.Duration
}
