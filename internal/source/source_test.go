package source

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/reelfeed/internal/model"
	"github.com/hitoshi/reelfeed/internal/repository"
)

type mockItemRepo struct {
	listCandidatesFunc func(ctx context.Context, q repository.CandidateQuery) ([]model.Item, error)
	calls              atomic.Int32
}

func (m *mockItemRepo) FindByID(ctx context.Context, id string) (*model.Item, error) {
	return nil, nil
}

func (m *mockItemRepo) ListCandidates(ctx context.Context, q repository.CandidateQuery) ([]model.Item, error) {
	m.calls.Add(1)
	if m.listCandidatesFunc != nil {
		return m.listCandidatesFunc(ctx, q)
	}
	return nil, nil
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func testOptions(buf *bytes.Buffer) Options {
	return Options{
		Logger:          newTestLogger(buf),
		Now:             func() time.Time { return fixedNow },
		BreakerFailures: 2,
		BreakerTimeout:  time.Minute,
	}
}

func TestTrending_QueriesLast24HoursByEngagement(t *testing.T) {
	var buf bytes.Buffer
	var got repository.CandidateQuery
	repo := &mockItemRepo{listCandidatesFunc: func(ctx context.Context, q repository.CandidateQuery) ([]model.Item, error) {
		got = q
		return []model.Item{{ID: "a", OwnerID: "other"}}, nil
	}}

	items := NewTrending(repo, testOptions(&buf)).Fetch(context.Background(), Request{UserID: "me", Limit: 10})

	if len(items) != 1 {
		t.Fatalf("len(items) = %d, want 1", len(items))
	}
	if got.ExcludeOwnerID != "me" {
		t.Errorf("ExcludeOwnerID = %q, want %q", got.ExcludeOwnerID, "me")
	}
	if !got.Since.Equal(fixedNow.Add(-24 * time.Hour)) {
		t.Errorf("Since = %v, want %v", got.Since, fixedNow.Add(-24*time.Hour))
	}
	if got.Order != repository.OrderEngagement || !got.PublicOnly {
		t.Errorf("query = %+v, want public engagement order", got)
	}
}

func TestFetch_FiltersOwnItemsAndCapsLimit(t *testing.T) {
	var buf bytes.Buffer
	repo := &mockItemRepo{listCandidatesFunc: func(ctx context.Context, q repository.CandidateQuery) ([]model.Item, error) {
		return []model.Item{
			{ID: "own", OwnerID: "me"},
			{ID: "a", OwnerID: "x"},
			{ID: "b", OwnerID: "y"},
			{ID: "c", OwnerID: "z"},
		}, nil
	}}

	items := NewDiscovery(repo, testOptions(&buf)).Fetch(context.Background(), Request{UserID: "me", Limit: 2})

	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}
	for _, item := range items {
		if item.OwnerID == "me" {
			t.Errorf("自分のアイテム %q が含まれている", item.ID)
		}
	}
}

func TestFetch_QueryError_ReturnsEmptyAndLogs(t *testing.T) {
	var buf bytes.Buffer
	repo := &mockItemRepo{listCandidatesFunc: func(ctx context.Context, q repository.CandidateQuery) ([]model.Item, error) {
		return nil, errors.New("connection reset")
	}}

	items := NewTrending(repo, testOptions(&buf)).Fetch(context.Background(), Request{UserID: "me", Limit: 5})

	if len(items) != 0 {
		t.Errorf("len(items) = %d, want 0", len(items))
	}
	if !bytes.Contains(buf.Bytes(), []byte("connection reset")) {
		t.Errorf("エラーがログに出力されていない: %s", buf.String())
	}
}

func TestFetch_BreakerOpens_StopsQuerying(t *testing.T) {
	var buf bytes.Buffer
	repo := &mockItemRepo{listCandidatesFunc: func(ctx context.Context, q repository.CandidateQuery) ([]model.Item, error) {
		return nil, errors.New("timeout")
	}}
	adapter := NewDiscovery(repo, testOptions(&buf))

	for i := 0; i < 5; i++ {
		adapter.Fetch(context.Background(), Request{UserID: "me", Limit: 5})
	}

	// BreakerFailures=2 のため3回目以降は問い合わせない
	if got := repo.calls.Load(); got != 2 {
		t.Errorf("query calls = %d, want 2", got)
	}
	if !bytes.Contains(buf.Bytes(), []byte("circuit_open")) {
		t.Errorf("circuit_open がログに出力されていない: %s", buf.String())
	}
}

func TestFetch_CanceledContext_DoesNotTripBreaker(t *testing.T) {
	var buf bytes.Buffer
	repo := &mockItemRepo{listCandidatesFunc: func(ctx context.Context, q repository.CandidateQuery) ([]model.Item, error) {
		return nil, context.Canceled
	}}
	adapter := NewTrending(repo, testOptions(&buf))

	for i := 0; i < 4; i++ {
		adapter.Fetch(context.Background(), Request{UserID: "me", Limit: 5})
	}

	if got := repo.calls.Load(); got != 4 {
		t.Errorf("query calls = %d, want 4", got)
	}
}

func TestFollowing_NoFollows_SkipsQuery(t *testing.T) {
	var buf bytes.Buffer
	repo := &mockItemRepo{}

	items := NewFollowing(repo, testOptions(&buf)).Fetch(context.Background(), Request{UserID: "me", Limit: 5})

	if len(items) != 0 {
		t.Errorf("len(items) = %d, want 0", len(items))
	}
	if got := repo.calls.Load(); got != 0 {
		t.Errorf("query calls = %d, want 0", got)
	}
}

func TestPersonalized_UsesInterestTags(t *testing.T) {
	var buf bytes.Buffer
	var got repository.CandidateQuery
	repo := &mockItemRepo{listCandidatesFunc: func(ctx context.Context, q repository.CandidateQuery) ([]model.Item, error) {
		got = q
		return nil, nil
	}}

	adapter := NewPersonalized(repo, testOptions(&buf))
	adapter.Fetch(context.Background(), Request{UserID: "me", Limit: 5})
	if repo.calls.Load() != 0 {
		t.Fatal("興味タグが空の場合は問い合わせない")
	}

	adapter.Fetch(context.Background(), Request{UserID: "me", Limit: 5, InterestTags: []string{"cats"}})
	if len(got.Tags) != 1 || got.Tags[0] != "cats" {
		t.Errorf("Tags = %v, want [cats]", got.Tags)
	}
}

func TestHighEngagement_AppliesMinimumInteractions(t *testing.T) {
	var buf bytes.Buffer
	var got repository.CandidateQuery
	repo := &mockItemRepo{listCandidatesFunc: func(ctx context.Context, q repository.CandidateQuery) ([]model.Item, error) {
		got = q
		return nil, nil
	}}

	NewHighEngagement(repo, testOptions(&buf)).Fetch(context.Background(), Request{UserID: "me", Limit: 5})

	if got.MinInteractions != highEngagementMinimum {
		t.Errorf("MinInteractions = %d, want %d", got.MinInteractions, highEngagementMinimum)
	}
}

func TestNewAll_ReturnsCategoriesInWeightOrder(t *testing.T) {
	var buf bytes.Buffer
	sources := NewAll(&mockItemRepo{}, testOptions(&buf))

	want := model.AllCategories()
	if len(sources) != len(want) {
		t.Fatalf("len(sources) = %d, want %d", len(sources), len(want))
	}
	for i, s := range sources {
		if s.Category() != want[i] {
			t.Errorf("sources[%d].Category() = %q, want %q", i, s.Category(), want[i])
		}
	}
}
