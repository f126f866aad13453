// Package prefetch はビューポート近傍のアイテムを先読みする優先度付きキューを提供する。
// 同時実行数はNetworkHintで決まり、失敗したタスクは新しいビューポート信号があるまで再試行しない。
package prefetch

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/reelfeed/internal/metrics"
	"github.com/hitoshi/reelfeed/internal/model"
)

// maxPriority は表示中アイテムの優先度。近傍のアイテムは距離に応じて下がる。
const maxPriority = 1000

// Warmer はアイテムの軽量な準備（メタデータ、サムネイル）を行う。
type Warmer interface {
	Warm(ctx context.Context, itemID string) error
}

// WarmerFunc は関数をWarmerとして使うためのアダプタ。
type WarmerFunc func(ctx context.Context, itemID string) error

// Warm はf(ctx, itemID)を呼ぶ。
func (f WarmerFunc) Warm(ctx context.Context, itemID string) error {
	return f(ctx, itemID)
}

// Config はManagerの設定。
type Config struct {
	// Ahead は表示位置より先に先読みする件数。
	Ahead int
	// Behind は表示位置より前に保持する件数。
	Behind int
	Hint   model.NetworkHint
}

// Manager はプロセス単位のプリフェッチキュー。
// タスクはアイテムIDで一意で、どのユーザーのビューポートからの要求も同じタスクに集約される。
type Manager struct {
	cfg     Config
	warmer  Warmer
	logger  *slog.Logger
	metrics metrics.MetricsCollector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	queue    taskQueue
	tasks    map[string]*task
	windows  map[string]map[string]struct{} // userID → 近傍アイテムID
	inFlight int
	limit    int
	seq      uint64
	closed   bool
}

// New はManagerを生成する。
func New(cfg Config, warmer Warmer, logger *slog.Logger, m metrics.MetricsCollector) *Manager {
	if cfg.Ahead <= 0 {
		cfg.Ahead = 5
	}
	if cfg.Behind < 0 {
		cfg.Behind = 0
	}
	if m == nil {
		m = metrics.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		warmer:  warmer,
		logger:  logger,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		tasks:   make(map[string]*task),
		windows: make(map[string]map[string]struct{}),
		limit:   cfg.Hint.Concurrency(),
	}
}

// Schedule はアイテムのプリフェッチを要求する。
// 待機中のタスクがあれば優先度を max(旧, 新) に引き上げ、重複タスクは作らない。
// 完了済みのタスクは何もしない。失敗済みのタスクは再投入する。
func (m *Manager) Schedule(itemID string, priority int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduleLocked(itemID, priority)
	m.dispatchLocked()
}

func (m *Manager) scheduleLocked(itemID string, priority int) {
	if m.closed || itemID == "" {
		return
	}

	t, ok := m.tasks[itemID]
	if ok {
		switch t.state {
		case model.TaskQueued:
			if priority > t.priority {
				t.priority = priority
				heap.Fix(&m.queue, t.index)
			}
			return
		case model.TaskInFlight, model.TaskDone:
			if priority > t.priority {
				t.priority = priority
			}
			return
		}
		// TaskFailed は新しい信号で再投入する
	}

	m.seq++
	t = &task{
		itemID:   itemID,
		priority: priority,
		seq:      m.seq,
		state:    model.TaskQueued,
		done:     make(chan struct{}),
	}
	m.tasks[itemID] = t
	heap.Push(&m.queue, t)
	m.metrics.RecordPrefetch(string(model.TaskQueued))
}

// dispatchLocked は同時実行数の上限まで優先度順にタスクを開始する。m.mu を保持して呼ぶ。
func (m *Manager) dispatchLocked() {
	for !m.closed && m.inFlight < m.limit && m.queue.Len() > 0 {
		t := heap.Pop(&m.queue).(*task)
		ctx, cancel := context.WithCancel(m.ctx)
		t.state = model.TaskInFlight
		t.cancel = cancel
		m.inFlight++

		m.wg.Add(1)
		go m.run(ctx, t)
	}
}

func (m *Manager) run(ctx context.Context, t *task) {
	defer m.wg.Done()
	defer t.cancel()

	err := m.warmer.Warm(ctx, t.itemID)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.inFlight--
	if err != nil {
		t.state = model.TaskFailed
		m.logger.Warn("プリフェッチに失敗しました",
			slog.String("item_id", t.itemID),
			slog.Int("priority", t.priority),
			slog.String("error", err.Error()),
		)
	} else {
		t.state = model.TaskDone
	}
	m.metrics.RecordPrefetch(string(t.state))
	close(t.done)
	m.dispatchLocked()
}

// OnViewportChange はビューポート位置を受け取り、近傍のアイテムを距離に応じた優先度で投入する。
// 表示位置より先のアイテムを前のアイテムより優先する。
// 近傍から外れ、どのユーザーの近傍にも含まれない待機中のタスクは開始前にキャンセルする。
func (m *Manager) OnViewportChange(userID string, visibleIndex int, windowIDs []string) error {
	if userID == "" {
		return model.ErrEmptyUserID
	}
	if len(windowIDs) == 0 {
		return model.NewInvalidViewportError("window_item_ids is empty")
	}
	if visibleIndex < 0 || visibleIndex >= len(windowIDs) {
		return model.NewInvalidViewportError(fmt.Sprintf("visible_index %d out of range [0, %d)", visibleIndex, len(windowIDs)))
	}

	near := make(map[string]int)
	add := func(idx, rank int) {
		if idx < 0 || idx >= len(windowIDs) {
			return
		}
		id := windowIDs[idx]
		p := maxPriority - rank
		if cur, ok := near[id]; !ok || p > cur {
			near[id] = p
		}
	}
	add(visibleIndex, 0)
	for d := 1; d <= m.cfg.Ahead; d++ {
		add(visibleIndex+d, d)
	}
	for d := 1; d <= m.cfg.Behind; d++ {
		add(visibleIndex-d, m.cfg.Ahead+d)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	window := make(map[string]struct{}, len(near))
	for id := range near {
		window[id] = struct{}{}
	}
	prev := m.windows[userID]
	m.windows[userID] = window

	for id := range prev {
		if _, ok := window[id]; ok {
			continue
		}
		if t, ok := m.tasks[id]; ok && t.state == model.TaskQueued && !m.inAnyWindowLocked(id) {
			m.dropLocked(t)
		}
	}

	// 優先度の高い順に投入する
	for rank := 0; rank <= m.cfg.Ahead+m.cfg.Behind; rank++ {
		for id, p := range near {
			if p == maxPriority-rank {
				m.scheduleLocked(id, p)
			}
		}
	}
	m.dispatchLocked()
	return nil
}

// Sweep はどのユーザーの近傍にも含まれないタスクを破棄し、破棄した件数を返す。
// 実行中のタスクは完了を待ってから次回のSweepで破棄する。
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for id, t := range m.tasks {
		if m.inAnyWindowLocked(id) || t.state == model.TaskInFlight {
			continue
		}
		if t.state == model.TaskQueued {
			m.dropLocked(t)
		} else {
			delete(m.tasks, id)
		}
		evicted++
	}
	if evicted > 0 {
		m.logger.Debug("プリフェッチタスクを破棄しました",
			slog.Int("evicted", evicted),
			slog.Int("remaining", len(m.tasks)),
		)
	}
	return evicted
}

// ForgetUser はユーザーのビューポート近傍を破棄する。タスク自体は次回のSweepで破棄される。
func (m *Manager) ForgetUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.windows, userID)
}

// SetNetworkHint は同時実行数の上限を変更する。
// 上限を下げた場合、実行中のタスクはそのまま完了させる。
func (m *Manager) SetNetworkHint(h model.NetworkHint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limit = h.Concurrency()
	m.logger.Info("プリフェッチの同時実行数を変更しました",
		slog.String("network_hint", string(h)),
		slog.Int("limit", m.limit),
	)
	m.dispatchLocked()
}

// Wait はタスクが終端状態になったときにcloseされるチャネルを返す。
// タスクがない場合はfalseを返す。破棄されたタスクのチャネルもcloseされる。
func (m *Manager) Wait(itemID string) (<-chan struct{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[itemID]
	if !ok {
		return nil, false
	}
	return t.done, true
}

// State はタスクの状態を返す。
func (m *Manager) State(itemID string) (model.PrefetchTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[itemID]
	if !ok {
		return model.PrefetchTask{}, false
	}
	return model.PrefetchTask{ItemID: t.itemID, Priority: t.priority, State: t.state}, true
}

// Stats は待機中と実行中のタスク数を返す。
func (m *Manager) Stats() (queued, inFlight int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Len(), m.inFlight
}

// Close は実行中のタスクをキャンセルし、終了を待つ。
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for m.queue.Len() > 0 {
		t := heap.Pop(&m.queue).(*task)
		delete(m.tasks, t.itemID)
		close(t.done)
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

func (m *Manager) inAnyWindowLocked(itemID string) bool {
	for _, w := range m.windows {
		if _, ok := w[itemID]; ok {
			return true
		}
	}
	return false
}

// dropLocked は待機中のタスクをキューから取り除く。
func (m *Manager) dropLocked(t *task) {
	if t.index >= 0 {
		heap.Remove(&m.queue, t.index)
	}
	delete(m.tasks, t.itemID)
	close(t.done)
	m.metrics.RecordPrefetch("evicted")
}
