package ledger

import (
	"sync"
	"time"
)

// window は直近の accepted 視聴時刻を保持するスライディングウィンドウ。
// 時刻は昇順に追加される前提。
type window struct {
	span  time.Duration
	times []time.Time
}

func newWindow(span time.Duration) *window {
	return &window{span: span}
}

// prune はspanより古い時刻を捨てる。
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}

// count はnow時点でウィンドウ内にある件数を返す。
func (w *window) count(now time.Time) int {
	w.prune(now)
	return len(w.times)
}

func (w *window) add(ts time.Time) {
	if n := len(w.times); n > 0 && ts.Before(w.times[n-1]) {
		// 逆順の追加は挿入位置を探す
		i := n
		for i > 0 && ts.Before(w.times[i-1]) {
			i--
		}
		w.times = append(w.times, time.Time{})
		copy(w.times[i+1:], w.times[i:])
		w.times[i] = ts
		return
	}
	w.times = append(w.times, ts)
}

// deviceTracker はデバイス単位の accepted 視聴時刻を保持する。
// デバイスは複数ユーザーで共有されうるため、ユーザー単位のロックとは独立に保護する。
type deviceTracker struct {
	mu      sync.Mutex
	span    time.Duration
	windows map[string]*window
}

func newDeviceTracker(span time.Duration) *deviceTracker {
	return &deviceTracker{span: span, windows: make(map[string]*window)}
}

// known はデバイスの履歴をすでに保持しているかを返す。
func (d *deviceTracker) known(deviceID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.windows[deviceID]
	return ok
}

// seed は永続化済みの視聴時刻でデバイスの履歴を初期化する。既に保持している場合は何もしない。
func (d *deviceTracker) seed(deviceID string, times []time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.windows[deviceID]; ok {
		return
	}
	w := newWindow(d.span)
	for _, ts := range times {
		w.add(ts)
	}
	d.windows[deviceID] = w
}

func (d *deviceTracker) count(deviceID string, now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.windows[deviceID]
	if !ok {
		return 0
	}
	return w.count(now)
}

func (d *deviceTracker) add(deviceID string, ts time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.windows[deviceID]
	if !ok {
		w = newWindow(d.span)
		d.windows[deviceID] = w
	}
	w.add(ts)
}

func (d *deviceTracker) remove(deviceID string, ts time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.windows[deviceID]; ok {
		w.remove(ts)
	}
}

// prune は空になったデバイスの履歴を破棄する。
func (d *deviceTracker) prune(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, w := range d.windows {
		if w.count(now) == 0 {
			delete(d.windows, id)
		}
	}
}

// remove は指定時刻の記録を1件取り除く。ロールバック時に使う。
func (w *window) remove(ts time.Time) {
	for i, t := range w.times {
		if t.Equal(ts) {
			w.times = append(w.times[:i], w.times[i+1:]...)
			return
		}
	}
}
