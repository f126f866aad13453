package ranking

import (
	"testing"
	"time"

	"github.com/hitoshi/reelfeed/internal/model"
)

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func TestScore_Formula(t *testing.T) {
	tests := []struct {
		name     string
		item     model.Item
		category model.Category
		want     float64
	}{
		{
			name:     "古いアイテムは基礎スコアとエンゲージメントのみ",
			item:     model.Item{CreatedAt: testNow.Add(-48 * time.Hour), LikeCount: 10, CommentCount: 2, ViewCount: 500},
			category: model.CategoryTrending,
			want:     800 + 20 + 10 + 5,
		},
		{
			name:     "視聴数ボーナスは100で頭打ち",
			item:     model.Item{CreatedAt: testNow.Add(-30 * time.Hour), ViewCount: 1_000_000},
			category: model.CategoryDiscovery,
			want:     200 + 100,
		},
		{
			name:     "4時間前のアイテムは新しさボーナス100",
			item:     model.Item{CreatedAt: testNow.Add(-4 * time.Hour)},
			category: model.CategoryFollowing,
			want:     1000 + 100,
		},
		{
			name:     "未来日時は投稿直後として扱う",
			item:     model.Item{CreatedAt: testNow.Add(2 * time.Hour)},
			category: model.CategoryPersonalized,
			want:     400 + 120,
		},
		{
			name:     "ちょうど24時間は新しさボーナスなし",
			item:     model.Item{CreatedAt: testNow.Add(-24 * time.Hour)},
			category: model.CategoryHighEngagement,
			want:     600,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(&tt.item, tt.category, testNow)
			if got != tt.want {
				t.Errorf("Score() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScore_CategoryLadderMonotonic(t *testing.T) {
	item := model.Item{CreatedAt: testNow.Add(-2 * time.Hour), LikeCount: 40, CommentCount: 7, ViewCount: 3000}

	cats := model.AllCategories()
	for i := 1; i < len(cats); i++ {
		higher := Score(&item, cats[i-1], testNow)
		lower := Score(&item, cats[i], testNow)
		if higher <= lower {
			t.Errorf("Score(%s) = %v should exceed Score(%s) = %v", cats[i-1], higher, cats[i], lower)
		}
	}
}

func TestScore_Deterministic(t *testing.T) {
	item := model.Item{CreatedAt: testNow.Add(-90 * time.Minute), LikeCount: 3, CommentCount: 1, ViewCount: 250}
	first := Score(&item, model.CategoryTrending, testNow)
	for i := 0; i < 100; i++ {
		if got := Score(&item, model.CategoryTrending, testNow); got != first {
			t.Fatalf("Score changed between calls: %v != %v", got, first)
		}
	}
}
