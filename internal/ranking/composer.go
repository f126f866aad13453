package ranking

import (
	"cmp"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/hitoshi/reelfeed/internal/model"
)

// DefaultPattern はフォローを実際の比率より多めに出すインターリーブパターン。
var DefaultPattern = []model.Category{
	model.CategoryFollowing,
	model.CategoryTrending,
	model.CategoryFollowing,
	model.CategoryHighEngagement,
	model.CategoryPersonalized,
	model.CategoryFollowing,
	model.CategoryDiscovery,
}

// Batch は1ソース分の候補。
type Batch struct {
	Category model.Category
	Items    []model.Item
}

// Composer は候補の重複排除、インターリーブ、除外、件数制限、局所シャッフルを行う。
type Composer struct {
	pattern       []model.Category
	shuffleWindow int
	now           func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// ComposerOption はComposerの設定関数。
type ComposerOption func(*Composer)

// WithPattern はインターリーブパターンを差し替える。
func WithPattern(p []model.Category) ComposerOption {
	return func(c *Composer) { c.pattern = p }
}

// WithShuffleWindow は局所シャッフルの窓幅を設定する。1以下で無効。
func WithShuffleWindow(n int) ComposerOption {
	return func(c *Composer) { c.shuffleWindow = n }
}

// WithSeed はシャッフル用の乱数シードを固定する。
func WithSeed(seed uint64) ComposerOption {
	return func(c *Composer) { c.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// WithClock はスコアリングの基準時刻を差し替える。
func WithClock(now func() time.Time) ComposerOption {
	return func(c *Composer) { c.now = now }
}

// NewComposer はComposerを生成する。
func NewComposer(opts ...ComposerOption) *Composer {
	c := &Composer{
		pattern: DefaultPattern,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rng == nil {
		c.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return c
}

// Compose は候補からページを組み立てる。
// profileがnilの場合は除外を行わない。候補が足りない場合は利用可能な分だけ返す。
func (c *Composer) Compose(batches []Batch, profile *model.UserFeedProfile, pageSize int) []model.ScoredCandidate {
	if pageSize <= 0 {
		return nil
	}
	now := c.now()

	// スコアリングと重複排除。同一IDは最高スコアのカテゴリを採用する
	best := make(map[string]model.ScoredCandidate)
	for _, b := range batches {
		for _, item := range b.Items {
			sc := model.ScoredCandidate{Item: item, Category: b.Category, Score: Score(&item, b.Category, now)}
			if prev, ok := best[item.ID]; ok && prev.Score >= sc.Score {
				continue
			}
			best[item.ID] = sc
		}
	}
	if len(best) == 0 {
		return nil
	}

	buckets := make(map[model.Category][]model.ScoredCandidate)
	for _, sc := range best {
		buckets[sc.Category] = append(buckets[sc.Category], sc)
	}
	for cat := range buckets {
		slices.SortFunc(buckets[cat], func(a, b model.ScoredCandidate) int {
			if r := cmp.Compare(b.Score, a.Score); r != 0 {
				return r
			}
			return cmp.Compare(a.Item.ID, b.Item.ID)
		})
	}

	ordered := interleave(buckets, c.pattern, len(best))

	page := make([]model.ScoredCandidate, 0, min(pageSize, len(ordered)))
	for _, sc := range ordered {
		if profile != nil && profile.Excluded(sc.Item.ID) {
			continue
		}
		page = append(page, sc)
		if len(page) == pageSize {
			break
		}
	}

	c.shuffle(page)
	return page
}

// interleave はパターンを循環させながら各バケットの先頭を取り出す。
// 枯渇したバケットはスキップし、パターンに含まれないカテゴリは末尾にスコア順で追加する。
func interleave(buckets map[model.Category][]model.ScoredCandidate, pattern []model.Category, total int) []model.ScoredCandidate {
	out := make([]model.ScoredCandidate, 0, total)
	cursor := make(map[model.Category]int, len(buckets))
	inPattern := make(map[model.Category]bool, len(pattern))
	for _, cat := range pattern {
		inPattern[cat] = true
	}

	remaining := func() bool {
		for cat, items := range buckets {
			if inPattern[cat] && cursor[cat] < len(items) {
				return true
			}
		}
		return false
	}

	for len(pattern) > 0 && remaining() {
		for _, cat := range pattern {
			items := buckets[cat]
			if cursor[cat] >= len(items) {
				continue
			}
			out = append(out, items[cursor[cat]])
			cursor[cat]++
		}
	}

	var rest []model.ScoredCandidate
	for cat, items := range buckets {
		if !inPattern[cat] {
			rest = append(rest, items...)
		}
	}
	slices.SortFunc(rest, func(a, b model.ScoredCandidate) int {
		if r := cmp.Compare(b.Score, a.Score); r != 0 {
			return r
		}
		return cmp.Compare(a.Item.ID, b.Item.ID)
	})
	return append(out, rest...)
}

// shuffle は窓幅ごとの区間内でのみ順序を入れ替える。
func (c *Composer) shuffle(page []model.ScoredCandidate) {
	if c.shuffleWindow <= 1 || len(page) < 2 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for start := 0; start < len(page); start += c.shuffleWindow {
		end := min(start+c.shuffleWindow, len(page))
		window := page[start:end]
		c.rng.Shuffle(len(window), func(i, j int) {
			window[i], window[j] = window[j], window[i]
		})
	}
}

// CategoryCounts はページ内のカテゴリ別件数を返す。
func CategoryCounts(page []model.ScoredCandidate) map[model.Category]int {
	counts := make(map[model.Category]int)
	for _, sc := range page {
		counts[sc.Category]++
	}
	return counts
}
