// Package model はドメインモデルを定義する。
package model

import "time"

// Item はショート動画のコンテンツ単位を表す。
// カウンタ以外は不変で、カウンタは本エンジンから見て単調非減少。
type Item struct {
	ID           string
	OwnerID      string
	CreatedAt    time.Time
	LikeCount    int64
	CommentCount int64
	ViewCount    int64
	ShareCount   int64
	Tags         []string
	IsPublic     bool
	Caption      string // サニタイズ済みプレーンテキスト
	ThumbnailURL string
}

// AgeHours は基準時刻からみた投稿経過時間（時間単位）を返す。
func (i *Item) AgeHours(now time.Time) float64 {
	return now.Sub(i.CreatedAt).Hours()
}

// Category は候補の取得元カテゴリを表す。
type Category string

const (
	// CategoryFollowing はフォロー中オーナーの新着。
	CategoryFollowing Category = "following"
	// CategoryTrending は直近24時間のエンゲージメント上位。
	CategoryTrending Category = "trending"
	// CategoryHighEngagement は累計エンゲージメント上位。
	CategoryHighEngagement Category = "high_engagement"
	// CategoryPersonalized は興味タグに基づく候補。
	CategoryPersonalized Category = "personalized"
	// CategoryDiscovery はフォローグラフに依存しない新着。
	CategoryDiscovery Category = "discovery"
)

// AllCategories は全カテゴリを重みの降順で返す。
func AllCategories() []Category {
	return []Category{
		CategoryFollowing,
		CategoryTrending,
		CategoryHighEngagement,
		CategoryPersonalized,
		CategoryDiscovery,
	}
}

// ScoredCandidate はランキング1回分だけ存在するスコア付き候補。永続化しない。
type ScoredCandidate struct {
	Item     Item
	Category Category
	Score    float64
}
