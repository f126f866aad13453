package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/hitoshi/reelfeed/internal/middleware"
	"github.com/hitoshi/reelfeed/internal/model"
)

// mockEngine はEngineのモック。未設定の関数はゼロ値を返す。
type mockEngine struct {
	getPageFn        func(ctx context.Context, userID string, pageSize int) (model.Page, error)
	invalidateFn     func(userID string) error
	viewportFn       func(ctx context.Context, userID string, visibleIndex int, windowIDs []string) error
	setNetworkHintFn func(h model.NetworkHint)
	prefetchFn       func(ctx context.Context, itemID string, wait time.Duration) (model.PrefetchTask, bool)
	playbackFn       func(ctx context.Context, userID, itemID string) (model.ViewState, error)
	dwellFn          func(ctx context.Context, userID, deviceID, itemID string, dwellMs int64) (model.ViewOutcome, error)
	viewStatusFn     func(ctx context.Context, userID, itemID string) (model.ViewStatus, error)
	userSignalFn     func(ctx context.Context, userID, itemID string, signal model.UserSignal) error
}

var _ Engine = (*mockEngine)(nil)

func (m *mockEngine) GetPage(ctx context.Context, userID string, pageSize int) (model.Page, error) {
	if m.getPageFn != nil {
		return m.getPageFn(ctx, userID, pageSize)
	}
	return model.Page{}, nil
}

func (m *mockEngine) Invalidate(userID string) error {
	if m.invalidateFn != nil {
		return m.invalidateFn(userID)
	}
	return nil
}

func (m *mockEngine) OnViewportChange(ctx context.Context, userID string, visibleIndex int, windowIDs []string) error {
	if m.viewportFn != nil {
		return m.viewportFn(ctx, userID, visibleIndex, windowIDs)
	}
	return nil
}

func (m *mockEngine) SetNetworkHint(h model.NetworkHint) {
	if m.setNetworkHintFn != nil {
		m.setNetworkHintFn(h)
	}
}

func (m *mockEngine) PrefetchStatus(ctx context.Context, itemID string, wait time.Duration) (model.PrefetchTask, bool) {
	if m.prefetchFn != nil {
		return m.prefetchFn(ctx, itemID, wait)
	}
	return model.PrefetchTask{}, false
}

func (m *mockEngine) OnPlaybackStarted(ctx context.Context, userID, itemID string) (model.ViewState, error) {
	if m.playbackFn != nil {
		return m.playbackFn(ctx, userID, itemID)
	}
	return model.ViewStatePendingDwell, nil
}

func (m *mockEngine) OnDwellThresholdReached(ctx context.Context, userID, deviceID, itemID string, dwellMs int64) (model.ViewOutcome, error) {
	if m.dwellFn != nil {
		return m.dwellFn(ctx, userID, deviceID, itemID, dwellMs)
	}
	return model.ViewOutcome{}, nil
}

func (m *mockEngine) ViewStatus(ctx context.Context, userID, itemID string) (model.ViewStatus, error) {
	if m.viewStatusFn != nil {
		return m.viewStatusFn(ctx, userID, itemID)
	}
	return model.ViewStatus{ItemID: itemID, State: model.ViewStateNotViewed}, nil
}

func (m *mockEngine) OnUserSignal(ctx context.Context, userID, itemID string, signal model.UserSignal) error {
	if m.userSignalFn != nil {
		return m.userSignalFn(ctx, userID, itemID, signal)
	}
	return nil
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error {
	return m.err
}

var errBoom = errors.New("boom")

// newTestRouter はテスト用のルーターを生成する。
func newTestRouter(engine Engine, rl *middleware.RateLimiter) http.Handler {
	if rl == nil {
		rl = middleware.NewRateLimiter(middleware.RateLimiterConfig{
			GeneralRate:     1000,
			GeneralBurst:    1000,
			ViewEventRate:   1000,
			ViewEventBurst:  1000,
			CleanupInterval: time.Minute,
		})
	}
	return NewRouter(&RouterDeps{
		Engine:            engine,
		HealthChecker:     &mockHealthChecker{},
		MetricsHandler:    http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("# metrics")) }),
		RateLimiter:       rl,
		CORSAllowedOrigin: "http://localhost:3000",
		Logger:            newTestLogger(),
	})
}

// doRequest はX-User-IDとX-Device-IDを付けてリクエストを送る。userIDが空の場合はヘッダーを付けない。
func doRequest(h http.Handler, method, path, userID, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if userID != "" {
		req.Header.Set(middleware.UserIDHeader, userID)
		req.Header.Set(middleware.DeviceIDHeader, "device-1")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}
