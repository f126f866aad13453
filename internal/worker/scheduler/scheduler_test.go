package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// syncBuffer はゴルーチンから並行に書き込まれるログ用バッファ。
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger(w *syncBuffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type mockMaintainer struct {
	refills    atomic.Int32
	reconciles atomic.Int32
	sweeps     atomic.Int32
	reconErr   error
}

func (m *mockMaintainer) RefillExpiring() int {
	m.refills.Add(1)
	return 1
}

func (m *mockMaintainer) Reconcile(ctx context.Context) (int, int, error) {
	m.reconciles.Add(1)
	return 0, 0, m.reconErr
}

func (m *mockMaintainer) Sweep() int {
	m.sweeps.Add(1)
	return 0
}

func TestNew_SkipsInvalidJobs(t *testing.T) {
	var buf syncBuffer
	s := New(newTestLogger(&buf),
		Job{Name: "ok", Interval: time.Second, Run: func(context.Context) error { return nil }},
		Job{Name: "no-interval", Run: func(context.Context) error { return nil }},
		Job{Name: "no-func", Interval: time.Second},
	)

	if got := s.Jobs(); !slices.Equal(got, []string{"ok"}) {
		t.Errorf("Jobs() = %v, want [ok]", got)
	}
}

func TestStart_RunsJobsUntilCanceled(t *testing.T) {
	var buf syncBuffer
	var count atomic.Int32
	s := New(newTestLogger(&buf), Job{
		Name:     "tick",
		Interval: 10 * time.Millisecond,
		Run: func(context.Context) error {
			count.Add(1)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for count.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("job ran %d times, want >= 3", count.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestStart_RunAtStart(t *testing.T) {
	var buf syncBuffer
	ran := make(chan struct{}, 1)
	s := New(newTestLogger(&buf), Job{
		Name:       "startup",
		Interval:   time.Hour,
		RunAtStart: true,
		Run: func(context.Context) error {
			ran <- struct{}{}
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("job with RunAtStart did not run immediately")
	}
}

func TestRunOnce_LogsErrorAndRecoversPanic(t *testing.T) {
	var buf syncBuffer
	s := New(newTestLogger(&buf))

	s.RunOnce(context.Background(), Job{Name: "failing", Run: func(context.Context) error {
		return errors.New("db down")
	}})
	s.RunOnce(context.Background(), Job{Name: "panicking", Run: func(context.Context) error {
		panic("boom")
	}})

	out := buf.String()
	if !strings.Contains(out, "db down") {
		t.Errorf("log = %s, want error entry", out)
	}
	if !strings.Contains(out, "panicking") {
		t.Errorf("log = %s, want panic entry", out)
	}
}

func TestRunOnce_CanceledErrorNotLogged(t *testing.T) {
	var buf syncBuffer
	s := New(newTestLogger(&buf))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s.RunOnce(ctx, Job{Name: "canceled", Run: func(ctx context.Context) error { return ctx.Err() }})

	if strings.Contains(buf.String(), "ジョブの実行に失敗しました") {
		t.Errorf("canceled job should not be logged as failure: %s", buf.String())
	}
}

func TestEngineJobs(t *testing.T) {
	var buf syncBuffer
	logger := newTestLogger(&buf)
	m := &mockMaintainer{reconErr: errors.New("remote down")}
	jobs := EngineJobs(m, Intervals{Refill: time.Minute, Reconcile: time.Minute, Sweep: time.Minute}, logger)

	s := New(logger, jobs...)
	if got := s.Jobs(); !slices.Equal(got, []string{"refill", "reconcile", "sweep"}) {
		t.Fatalf("Jobs() = %v", got)
	}
	for _, j := range jobs {
		s.RunOnce(context.Background(), j)
	}

	if m.refills.Load() != 1 || m.reconciles.Load() != 1 || m.sweeps.Load() != 1 {
		t.Errorf("calls = (%d, %d, %d), want (1, 1, 1)", m.refills.Load(), m.reconciles.Load(), m.sweeps.Load())
	}
	if !strings.Contains(buf.String(), "remote down") {
		t.Errorf("reconcile error should be logged: %s", buf.String())
	}
}
