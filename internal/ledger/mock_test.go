package ledger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/reelfeed/internal/kvstore"
	"github.com/hitoshi/reelfeed/internal/model"
	"github.com/hitoshi/reelfeed/internal/repository"
)

// mockViewRecordRepo は呼び出し回数を数えるViewRecordRepositoryのモック。
// recordAcceptedFuncが未設定の場合は (user,item) 単位で一度だけ挿入する。
type mockViewRecordRepo struct {
	mu                 sync.Mutex
	recordAcceptedFunc func(rec *model.ViewRecord) (bool, error)
	listAcceptedFunc   func(userID string) ([]string, error)
	hasAcceptedFunc    func(userID, itemID string) (bool, error)
	deviceTimesFunc    func(deviceID string) ([]time.Time, error)
	recordCalls        int
	inserted           map[string]bool
	viewCounts         map[string]int
}

func newMockViewRecordRepo() *mockViewRecordRepo {
	return &mockViewRecordRepo{inserted: make(map[string]bool), viewCounts: make(map[string]int)}
}

func (m *mockViewRecordRepo) RecordAccepted(ctx context.Context, rec *model.ViewRecord) (bool, error) {
	m.mu.Lock()
	m.recordCalls++
	fn := m.recordAcceptedFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(rec)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := rec.UserID + ":" + rec.ItemID
	if m.inserted[key] {
		return false, nil
	}
	m.inserted[key] = true
	m.viewCounts[rec.ItemID]++
	return true, nil
}

func (m *mockViewRecordRepo) HasAccepted(ctx context.Context, userID, itemID string) (bool, error) {
	if m.hasAcceptedFunc != nil {
		return m.hasAcceptedFunc(userID, itemID)
	}
	return false, nil
}

func (m *mockViewRecordRepo) ListAcceptedItemIDs(ctx context.Context, userID string, limit int) ([]string, error) {
	if m.listAcceptedFunc != nil {
		return m.listAcceptedFunc(userID)
	}
	return nil, nil
}

func (m *mockViewRecordRepo) AcceptedTimesByUser(ctx context.Context, userID string, since time.Time) ([]time.Time, error) {
	return nil, nil
}

func (m *mockViewRecordRepo) AcceptedTimesByDevice(ctx context.Context, deviceID string, since time.Time) ([]time.Time, error) {
	if m.deviceTimesFunc != nil {
		return m.deviceTimesFunc(deviceID)
	}
	return nil, nil
}

func (m *mockViewRecordRepo) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recordCalls
}

type mockItemRepo struct {
	findByIDFunc func(id string) (*model.Item, error)
}

func (m *mockItemRepo) FindByID(ctx context.Context, id string) (*model.Item, error) {
	if m.findByIDFunc != nil {
		return m.findByIDFunc(id)
	}
	return &model.Item{ID: id, OwnerID: "owner", Tags: []string{"tag-" + id}}, nil
}

func (m *mockItemRepo) ListCandidates(ctx context.Context, q repository.CandidateQuery) ([]model.Item, error) {
	return nil, nil
}

type mockViewerRepo struct {
	viewer *model.Viewer
	err    error
}

func (m *mockViewerRepo) FindByID(ctx context.Context, id string) (*model.Viewer, error) {
	return m.viewer, m.err
}

func (m *mockViewerRepo) ListFolloweeIDs(ctx context.Context, userID string) ([]string, error) {
	return nil, nil
}

// failingLocalStore は全ての書き込みが失敗するLocalStore。
type failingLocalStore struct{}

var errDiskFull = errors.New("disk full")

func (failingLocalStore) MarkViewed(ctx context.Context, userID string, entry kvstore.ViewedEntry) error {
	return errDiskFull
}
func (failingLocalStore) UnmarkViewed(ctx context.Context, userID, itemID string) error {
	return errDiskFull
}
func (failingLocalStore) LoadViewed(ctx context.Context, userID string) (map[string]kvstore.ViewedEntry, error) {
	return nil, errDiskFull
}
func (failingLocalStore) PutPending(ctx context.Context, w *kvstore.PendingWrite) error {
	return errDiskFull
}
func (failingLocalStore) DeletePending(ctx context.Context, userID, itemID string) error {
	return errDiskFull
}
func (failingLocalStore) ListPending(ctx context.Context, limit int) ([]*kvstore.PendingWrite, error) {
	return nil, errDiskFull
}

// fakeClock はテスト用の手動で進める時計。
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

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
