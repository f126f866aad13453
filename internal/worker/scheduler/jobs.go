package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Maintainer はメンテナンス対象のエンジン。*engine.Engine が実装する。
type Maintainer interface {
	RefillExpiring() int
	Reconcile(ctx context.Context) (confirmed, rolledBack int, err error)
	Sweep() int
}

// Intervals はエンジンのメンテナンスジョブの実行間隔。
type Intervals struct {
	Refill    time.Duration
	Reconcile time.Duration
	Sweep     time.Duration
}

// EngineJobs はページ補充、台帳リコンサイル、セッション掃除のジョブを生成する。
func EngineJobs(m Maintainer, iv Intervals, logger *slog.Logger) []Job {
	return []Job{
		{
			Name:     "refill",
			Interval: iv.Refill,
			Run: func(ctx context.Context) error {
				if n := m.RefillExpiring(); n > 0 {
					logger.Debug("ページ補充を開始しました", slog.Int("users", n))
				}
				return nil
			},
		},
		{
			Name:       "reconcile",
			Interval:   iv.Reconcile,
			RunAtStart: true,
			Run: func(ctx context.Context) error {
				_, _, err := m.Reconcile(ctx)
				return err
			},
		},
		{
			Name:     "sweep",
			Interval: iv.Sweep,
			Run: func(ctx context.Context) error {
				m.Sweep()
				return nil
			},
		},
	}
}
