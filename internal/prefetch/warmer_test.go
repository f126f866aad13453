package prefetch

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/reelfeed/internal/model"
	"github.com/hitoshi/reelfeed/internal/repository"
)

type mockItemRepo struct {
	items map[string]*model.Item
	err   error
}

func (m *mockItemRepo) FindByID(ctx context.Context, id string) (*model.Item, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.items[id], nil
}

func (m *mockItemRepo) ListCandidates(ctx context.Context, q repository.CandidateQuery) ([]model.Item, error) {
	return nil, nil
}

// testGuard は httptest サーバー（ループバック）へ接続できるようにするテスト用のURLGuard。
type testGuard struct {
	client      *http.Client
	validateErr error
}

func (g testGuard) NewSafeClient(timeout time.Duration) *http.Client { return g.client }
func (g testGuard) ValidateURL(rawURL string) error                  { return g.validateErr }

func newTestWarmer(items *mockItemRepo, guard testGuard) *ItemWarmer {
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	return NewItemWarmer(items, guard, time.Second, logger)
}

func TestItemWarmer_FetchesThumbnail(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(bytes.Repeat([]byte{0xff}, 1024))
	}))
	defer ts.Close()

	items := &mockItemRepo{items: map[string]*model.Item{
		"item-1": {ID: "item-1", ThumbnailURL: ts.URL + "/thumb/1.jpg"},
	}}
	w := newTestWarmer(items, testGuard{client: ts.Client()})

	if err := w.Warm(context.Background(), "item-1"); err != nil {
		t.Fatalf("Warm returned error: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("thumbnail hits = %d, want 1", hits.Load())
	}
}

func TestItemWarmer_NoThumbnail(t *testing.T) {
	items := &mockItemRepo{items: map[string]*model.Item{"item-1": {ID: "item-1"}}}
	w := newTestWarmer(items, testGuard{client: http.DefaultClient})

	if err := w.Warm(context.Background(), "item-1"); err != nil {
		t.Errorf("Warm returned error: %v", err)
	}
}

func TestItemWarmer_Errors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	tests := []struct {
		name  string
		items *mockItemRepo
		guard testGuard
	}{
		{
			name:  "アイテムなし",
			items: &mockItemRepo{items: map[string]*model.Item{}},
			guard: testGuard{client: ts.Client()},
		},
		{
			name:  "ストアエラー",
			items: &mockItemRepo{err: errors.New("connection refused")},
			guard: testGuard{client: ts.Client()},
		},
		{
			name:  "サムネイル404",
			items: &mockItemRepo{items: map[string]*model.Item{"item-1": {ID: "item-1", ThumbnailURL: ts.URL + "/missing.jpg"}}},
			guard: testGuard{client: ts.Client()},
		},
		{
			name:  "URL検証エラー",
			items: &mockItemRepo{items: map[string]*model.Item{"item-1": {ID: "item-1", ThumbnailURL: "http://10.0.0.1/a.jpg"}}},
			guard: testGuard{client: ts.Client(), validateErr: errors.New("blocked address")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newTestWarmer(tt.items, tt.guard)
			if err := w.Warm(context.Background(), "item-1"); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}
