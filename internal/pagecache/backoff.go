package pagecache

import "time"

const (
	// initialRetryAfter は空ページを返したときの再試行目安の初期値。
	initialRetryAfter = 2 * time.Second
	// maxRetryAfter は再試行目安の上限。
	maxRetryAfter = time.Minute
)

// CalculateRetryAfter は連続して空ページを返した回数に基づいて再試行目安を計算する。
// 初回2秒、2倍ずつ増加、最大1分。
func CalculateRetryAfter(consecutiveEmpty int) time.Duration {
	delay := initialRetryAfter
	for i := 1; i < consecutiveEmpty; i++ {
		delay *= 2
		if delay > maxRetryAfter {
			return maxRetryAfter
		}
	}
	return delay
}
