// Package scheduler はフィードエンジンの定期メンテナンスジョブを実行する。
// ページ補充、台帳リコンサイル、アイドルセッション掃除、合成ログの削除をそれぞれ独立した間隔で回す。
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job は一定間隔で実行する処理。
type Job struct {
	Name       string
	Interval   time.Duration
	// RunAtStart がtrueの場合は起動直後に1回実行する。
	RunAtStart bool
	Run        func(ctx context.Context) error
}

// Scheduler はジョブごとにティッカーを持ち、同じジョブが重複して走らないよう直列に実行する。
type Scheduler struct {
	jobs   []Job
	logger *slog.Logger
}

// New はSchedulerを生成する。Intervalが0以下のジョブは無効として除外する。
func New(logger *slog.Logger, jobs ...Job) *Scheduler {
	s := &Scheduler{logger: logger}
	for _, j := range jobs {
		if j.Interval <= 0 || j.Run == nil {
			logger.Warn("無効なジョブを除外しました", slog.String("job", j.Name))
			continue
		}
		s.jobs = append(s.jobs, j)
	}
	return s
}

// Jobs は有効なジョブ名を返す。
func (s *Scheduler) Jobs() []string {
	names := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		names[i] = j.Name
	}
	return names
}

// Start は全ジョブを起動し、コンテキストがキャンセルされて全ジョブが停止するまでブロックする。
func (s *Scheduler) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, j := range s.jobs {
		wg.Add(1)
		go func(j Job) {
			defer wg.Done()
			s.loop(ctx, j)
		}(j)
	}
	wg.Wait()
	s.logger.Info("スケジューラを停止しました")
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	s.logger.Info("ジョブを開始しました",
		slog.String("job", j.Name),
		slog.Duration("interval", j.Interval),
	)

	if j.RunAtStart {
		s.RunOnce(ctx, j)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx, j)
		}
	}
}

// RunOnce はジョブを1回実行する。エラーはログに残し、次回の実行は継続する。
// ジョブ内のpanicもログに残して握りつぶす。
func (s *Scheduler) RunOnce(ctx context.Context, j Job) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("ジョブがpanicしました",
				slog.String("job", j.Name),
				slog.Any("panic", rec),
			)
		}
	}()

	if err := j.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("ジョブの実行に失敗しました",
			slog.String("job", j.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Debug("ジョブが完了しました",
		slog.String("job", j.Name),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
}
