// Package pagecache はユーザーごとに1ページだけ保持する短TTLのページキャッシュを提供する。
// MISS時は小さなページを同期的に合成して即座に返し、大きなページを非同期に補充する。
// 同一ユーザーの同時MISSは1回の合成に集約される。
package pagecache

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/reelfeed/internal/model"
)

// 合成パスの種別。
const (
	PassFirst  = "first"
	PassRefill = "refill"
)

// errSuperseded は合成中にInvalidateされ、結果が破棄されたことを表す。
var errSuperseded = errors.New("page composition superseded")

// ComposeFunc はユーザーのページを最大size件合成する。
// 候補がない場合は空スライスを返し、エラーはキャンセル等の合成不能時のみ返す。
type ComposeFunc func(ctx context.Context, userID string, size int, pass string) ([]model.Item, error)

// Config はCacheの設定。
type Config struct {
	TTL            time.Duration
	FirstPageSize  int
	RefillPageSize int
	// RefillLead は期限切れ前に定期補充の対象とする残り時間。0の場合はTTLの1/3。
	RefillLead time.Duration
}

type entry struct {
	page        *model.CachedPage
	gen         uint64
	emptyStreak int

	firstCancel  context.CancelFunc
	refilling    bool
	refillCancel context.CancelFunc
	refillDone   chan struct{}
}

// Cache はユーザー単位のページキャッシュ。
type Cache struct {
	cfg     Config
	compose ComposeFunc
	logger  *slog.Logger
	now     func() time.Time
	group   singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// New はCacheを生成する。
func New(cfg Config, compose ComposeFunc, logger *slog.Logger, now func() time.Time) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 3 * time.Minute
	}
	if cfg.FirstPageSize <= 0 {
		cfg.FirstPageSize = 5
	}
	if cfg.RefillLead <= 0 {
		cfg.RefillLead = cfg.TTL / 3
	}
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		cfg:     cfg,
		compose: compose,
		logger:  logger,
		now:     now,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
	}
}

func (c *Cache) entry(userID string) *entry {
	e, ok := c.entries[userID]
	if !ok {
		e = &entry{}
		c.entries[userID] = e
	}
	return e
}

// Get はTTL内のキャッシュがあればそれを返し、なければ最初のページを合成して返す。
// 候補が1件もない場合は空ページと再試行目安を返す。
func (c *Cache) Get(ctx context.Context, userID string) (model.Page, error) {
	if userID == "" {
		return model.Page{}, model.ErrEmptyUserID
	}

	for attempt := 0; ; attempt++ {
		c.mu.Lock()
		e := c.entry(userID)
		if e.page.Fresh(c.now()) {
			page := servedPage(e.page, true)
			c.mu.Unlock()
			return page, nil
		}
		gen := e.gen
		c.mu.Unlock()

		key := userID + "#" + strconv.FormatUint(gen, 10)
		ch := c.group.DoChan(key, func() (any, error) {
			return c.composeFirst(userID, gen)
		})

		select {
		case <-ctx.Done():
			return model.Page{}, ctx.Err()
		case res := <-ch:
			if errors.Is(res.Err, errSuperseded) && attempt == 0 {
				continue
			}
			if res.Err != nil {
				return model.Page{}, res.Err
			}
			page := res.Val.(model.Page)
			page.Items = slices.Clone(page.Items)
			return page, nil
		}
	}
}

// composeFirst は最初の小さなページを合成し、成功すれば非同期の補充を開始する。
func (c *Cache) composeFirst(userID string, gen uint64) (model.Page, error) {
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	c.mu.Lock()
	if e := c.entry(userID); e.gen == gen {
		e.firstCancel = cancel
	}
	c.mu.Unlock()

	items, err := c.compose(ctx, userID, c.cfg.FirstPageSize, PassFirst)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[userID]
	current := e != nil && e.gen == gen
	if current {
		e.firstCancel = nil
	}

	if err != nil {
		if current && e.page != nil {
			c.logger.Warn("ページ合成に失敗したため古いページを返します",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			return servedPage(e.page, true), nil
		}
		if !current && errors.Is(err, context.Canceled) {
			return model.Page{}, errSuperseded
		}
		return model.Page{}, err
	}

	if len(items) == 0 {
		streak := 1
		if current {
			e.emptyStreak++
			streak = e.emptyStreak
			if e.page != nil {
				return servedPage(e.page, true), nil
			}
		}
		retry := CalculateRetryAfter(streak)
		c.logger.Info("候補がないため空ページを返します",
			slog.String("user_id", userID),
			slog.Int("empty_streak", streak),
			slog.Duration("retry_after", retry),
		)
		return model.Page{UserID: userID, Items: []model.Item{}, ComposedAt: now, RetryAfter: retry}, nil
	}

	cp := &model.CachedPage{UserID: userID, Items: items, ComposedAt: now, ExpiresAt: now.Add(c.cfg.TTL)}
	if current {
		e.page = cp
		e.emptyStreak = 0
		c.startRefillLocked(userID, e)
	}
	return servedPage(cp, false), nil
}

// startRefillLocked は非同期の補充を開始する。c.mu を保持して呼ぶ。
// 補充中の場合は何もしない。
func (c *Cache) startRefillLocked(userID string, e *entry) bool {
	if c.closed || e.refilling || c.cfg.RefillPageSize <= 0 {
		return false
	}
	ctx, cancel := context.WithCancel(c.ctx)
	done := make(chan struct{})
	e.refilling = true
	e.refillCancel = cancel
	e.refillDone = done

	c.wg.Add(1)
	go c.refill(ctx, cancel, userID, e.gen, done)
	return true
}

func (c *Cache) refill(ctx context.Context, cancel context.CancelFunc, userID string, gen uint64, done chan struct{}) {
	defer c.wg.Done()
	defer close(done)
	defer cancel()

	start := c.now()
	items, err := c.compose(ctx, userID, c.cfg.RefillPageSize, PassRefill)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[userID]
	if e == nil || e.gen != gen {
		c.logger.Debug("無効化されたため補充結果を破棄します",
			slog.String("user_id", userID),
		)
		return
	}
	e.refilling = false
	e.refillCancel = nil

	if err != nil {
		c.logger.Warn("ページの補充に失敗しました。既存のページを保持します",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return
	}
	if len(items) == 0 {
		return
	}

	var prev []model.Item
	if e.page != nil {
		prev = e.page.Items
	}
	e.page = &model.CachedPage{
		UserID:     userID,
		Items:      mergePrefix(prev, items, c.cfg.RefillPageSize),
		ComposedAt: now,
		ExpiresAt:  now.Add(c.cfg.TTL),
	}
	e.emptyStreak = 0
	c.logger.Debug("ページを補充しました",
		slog.String("user_id", userID),
		slog.Int("items", len(e.page.Items)),
		slog.Float64("duration_ms", float64(now.Sub(start).Milliseconds())),
	)
}

// RefillExpiring は期限切れが近いページの補充を開始し、開始した件数を返す。
// 期限切れ後のページはアクセスがあるまで補充しない。
func (c *Cache) RefillExpiring() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	started := 0
	for userID, e := range c.entries {
		if e.page == nil || !e.page.Fresh(now) {
			continue
		}
		if e.page.ExpiresAt.Sub(now) > c.cfg.RefillLead {
			continue
		}
		if c.startRefillLocked(userID, e) {
			started++
		}
	}
	return started
}

// refillWait は進行中の補充が完了したときにcloseされるチャネルを返す。
// 補充中でなければclose済みのチャネルを返す。
func (c *Cache) refillWait(userID string) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[userID]; ok && e.refilling {
		return e.refillDone
	}
	done := make(chan struct{})
	close(done)
	return done
}

// Invalidate はユーザーのページを期限切れにし、進行中の合成をキャンセルする。
// 次のGetは必ず再合成する。期限切れのページは再合成が失敗または空だった場合の代替としてだけ残す。
func (c *Cache) Invalidate(userID string) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[userID]
	if !ok {
		return
	}
	e.gen++
	if e.page != nil && e.page.ExpiresAt.After(now) {
		stale := *e.page
		stale.ExpiresAt = now
		e.page = &stale
	}
	e.emptyStreak = 0
	cancelEntry(e)
}

// Evict はユーザーのエントリを破棄する。アイドルセッションの掃除に使う。
func (c *Cache) Evict(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[userID]; ok {
		e.gen++
		cancelEntry(e)
		delete(c.entries, userID)
	}
}

// Len はエントリ数を返す。
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close は進行中の合成をキャンセルし、補充ゴルーチンの終了を待つ。
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

func cancelEntry(e *entry) {
	if e.firstCancel != nil {
		e.firstCancel()
		e.firstCancel = nil
	}
	if e.refillCancel != nil {
		e.refillCancel()
		e.refillCancel = nil
	}
	e.refilling = false
}

func servedPage(cp *model.CachedPage, fromCache bool) model.Page {
	return model.Page{
		UserID:     cp.UserID,
		Items:      slices.Clone(cp.Items),
		FromCache:  fromCache,
		ComposedAt: cp.ComposedAt,
	}
}

// mergePrefix は既に返したページの並びを先頭に保ったまま、補充結果の残りを後ろに続ける。
// 補充結果に含まれなくなったアイテムは落とす。
func mergePrefix(prev, next []model.Item, size int) []model.Item {
	byID := make(map[string]model.Item, len(next))
	for _, it := range next {
		byID[it.ID] = it
	}

	out := make([]model.Item, 0, len(next))
	seen := make(map[string]struct{}, len(next))
	for _, old := range prev {
		it, ok := byID[old.ID]
		if !ok {
			continue
		}
		if _, dup := seen[it.ID]; dup {
			continue
		}
		out = append(out, it)
		seen[it.ID] = struct{}{}
	}
	for _, it := range next {
		if _, ok := seen[it.ID]; ok {
			continue
		}
		out = append(out, it)
		seen[it.ID] = struct{}{}
	}
	if size > 0 && len(out) > size {
		out = out[:size]
	}
	return out
}
