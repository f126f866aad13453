package engine

import (
	"bytes"
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/reelfeed/internal/model"
	"github.com/hitoshi/reelfeed/internal/repository"
	"github.com/hitoshi/reelfeed/internal/source"
)

// memItemRepo はCandidateQueryをメモリ上で評価するItemRepository。
type memItemRepo struct {
	mu    sync.Mutex
	items []model.Item
}

func (r *memItemRepo) FindByID(ctx context.Context, id string) (*model.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range r.items {
		if it.ID == id {
			item := it
			return &item, nil
		}
	}
	return nil, nil
}

func (r *memItemRepo) ListCandidates(ctx context.Context, q repository.CandidateQuery) ([]model.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []model.Item
	for _, it := range r.items {
		if q.ExcludeOwnerID != "" && it.OwnerID == q.ExcludeOwnerID {
			continue
		}
		if len(q.OwnerIDs) > 0 && !slices.Contains(q.OwnerIDs, it.OwnerID) {
			continue
		}
		if len(q.Tags) > 0 && !slices.ContainsFunc(it.Tags, func(t string) bool { return slices.Contains(q.Tags, t) }) {
			continue
		}
		if !q.Since.IsZero() && it.CreatedAt.Before(q.Since) {
			continue
		}
		if q.MinInteractions > 0 && it.LikeCount+it.CommentCount+it.ShareCount < q.MinInteractions {
			continue
		}
		if q.PublicOnly && !it.IsPublic {
			continue
		}
		out = append(out, it)
	}

	slices.SortFunc(out, func(a, b model.Item) int {
		if q.Order == repository.OrderEngagement {
			ea := a.LikeCount*2 + a.CommentCount*5 + a.ShareCount*3
			eb := b.LikeCount*2 + b.CommentCount*5 + b.ShareCount*3
			if c := cmp.Compare(eb, ea); c != 0 {
				return c
			}
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

type mockViewerRepo struct {
	viewers   map[string]*model.Viewer
	followees map[string][]string
}

func (m *mockViewerRepo) FindByID(ctx context.Context, id string) (*model.Viewer, error) {
	return m.viewers[id], nil
}

func (m *mockViewerRepo) ListFolloweeIDs(ctx context.Context, userID string) ([]string, error) {
	return m.followees[userID], nil
}

type mockViewRecordRepo struct {
	mu         sync.Mutex
	failWrites bool
	failLists  bool
	failHas    bool
	hasCalls   int
	records    map[string]model.ViewRecord
}

func newMockViewRecordRepo() *mockViewRecordRepo {
	return &mockViewRecordRepo{records: make(map[string]model.ViewRecord)}
}

func (m *mockViewRecordRepo) RecordAccepted(ctx context.Context, rec *model.ViewRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return false, context.DeadlineExceeded
	}
	key := rec.UserID + ":" + rec.ItemID
	if _, ok := m.records[key]; ok {
		return false, nil
	}
	m.records[key] = *rec
	return true, nil
}

func (m *mockViewRecordRepo) HasAccepted(ctx context.Context, userID, itemID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasCalls++
	if m.failHas {
		return false, context.DeadlineExceeded
	}
	_, ok := m.records[userID+":"+itemID]
	return ok, nil
}

func (m *mockViewRecordRepo) ListAcceptedItemIDs(ctx context.Context, userID string, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failLists {
		return nil, context.DeadlineExceeded
	}
	return nil, nil
}

func (m *mockViewRecordRepo) hasAcceptedCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasCalls
}

func (m *mockViewRecordRepo) AcceptedTimesByUser(ctx context.Context, userID string, since time.Time) ([]time.Time, error) {
	return nil, nil
}

func (m *mockViewRecordRepo) AcceptedTimesByDevice(ctx context.Context, deviceID string, since time.Time) ([]time.Time, error) {
	return nil, nil
}

type signalCall struct {
	userID, itemID string
	signal         model.UserSignal
}

type mockSignalRepo struct {
	mu    sync.Mutex
	calls []signalCall
	err   error
}

func (m *mockSignalRepo) Record(ctx context.Context, userID, itemID string, signal model.UserSignal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, signalCall{userID, itemID, signal})
	return m.err
}

func (m *mockSignalRepo) ListItemIDs(ctx context.Context, userID string, signal model.UserSignal) ([]string, error) {
	return nil, nil
}

func (m *mockSignalRepo) InterestTags(ctx context.Context, userID string, limit int) ([]string, error) {
	return nil, nil
}

type mockLogRepo struct {
	mu   sync.Mutex
	logs []model.CompositionLog
}

func (m *mockLogRepo) Create(ctx context.Context, log *model.CompositionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, *log)
	return nil
}

func (m *mockLogRepo) all() []model.CompositionLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.logs)
}

// countingSource はFetchの呼び出しを数え、最後のリクエストを記録するソース。
type countingSource struct {
	category model.Category
	items    []model.Item
	gate     chan struct{}

	mu      sync.Mutex
	calls   int
	lastReq source.Request
}

func (s *countingSource) Category() model.Category { return s.category }

func (s *countingSource) Fetch(ctx context.Context, req source.Request) []model.Item {
	s.mu.Lock()
	s.calls++
	s.lastReq = req
	s.mu.Unlock()
	if s.gate != nil {
		<-s.gate
	}
	return slices.Clone(s.items)
}

func (s *countingSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *countingSource) request() source.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReq
}

// switchSource はdownの間だけ空を返すソース。
type switchSource struct {
	category model.Category
	items    []model.Item
	down     atomic.Bool
}

func (s *switchSource) Category() model.Category { return s.category }

func (s *switchSource) Fetch(ctx context.Context, req source.Request) []model.Item {
	if s.down.Load() {
		return nil
	}
	return slices.Clone(s.items)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
