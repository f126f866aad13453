// Package ranking は候補のスコアリングとページ合成を提供する。
// スコアリングは純粋関数で、乱択は合成時の入れ替えに限定する。
package ranking

import (
	"math"
	"time"

	"github.com/hitoshi/reelfeed/internal/model"
)

// categoryWeights はカテゴリごとの基礎スコア。厳密に降順。
var categoryWeights = map[model.Category]float64{
	model.CategoryFollowing:      1000,
	model.CategoryTrending:       800,
	model.CategoryHighEngagement: 600,
	model.CategoryPersonalized:   400,
	model.CategoryDiscovery:      200,
}

const (
	likeWeight     = 2
	commentWeight  = 5
	viewDivisor    = 100
	viewBonusCap   = 100
	recencyHorizon = 24.0
	recencyPerHour = 5
)

// CategoryWeight はカテゴリの基礎スコアを返す。未知のカテゴリは0。
func CategoryWeight(c model.Category) float64 {
	return categoryWeights[c]
}

// Score は候補のスコアを計算する。同じ入力に対して常に同じ値を返す。
func Score(item *model.Item, category model.Category, now time.Time) float64 {
	score := CategoryWeight(category)
	score += likeWeight * float64(item.LikeCount)
	score += commentWeight * float64(item.CommentCount)
	score += math.Min(float64(item.ViewCount)/viewDivisor, viewBonusCap)

	// 未来日時は投稿直後として扱う
	age := math.Max(0, item.AgeHours(now))
	score += math.Max(0, recencyHorizon-age) * recencyPerHour
	return score
}
