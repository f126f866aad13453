package ledger

import (
	"context"
	"fmt"
	"log/slog"
)

// reconcileBatch は1回のリコンサイルで処理する未確定書き込みの上限。
const reconcileBatch = 200

// Reconcile はローカルKVに残った未確定書き込みをリモート台帳に再送する。
// ReconcileMaxAttempts 回失敗した記録は楽観状態を取り消し、ロールバックコールバックを呼ぶ。
// 処理件数（確定、ロールバック）を返す。
func (l *Ledger) Reconcile(ctx context.Context) (confirmed, rolledBack int, err error) {
	if l.local == nil {
		return 0, 0, nil
	}

	pending, err := l.local.ListPending(ctx, reconcileBatch)
	if err != nil {
		return 0, 0, fmt.Errorf("list pending writes: %w", err)
	}

	now := l.now()
	for _, w := range pending {
		if err := ctx.Err(); err != nil {
			return confirmed, rolledBack, err
		}
		// インライン書き込み中の記録とは競合させない
		if now.Sub(w.EnqueuedAt) < l.cfg.ReconcileMinAge {
			continue
		}

		rec := w.Record
		_, werr := l.views.RecordAccepted(ctx, &rec)
		if werr == nil {
			l.confirm(ctx, rec.UserID, rec.ItemID, rec.Timestamp)
			l.metrics.RecordReconcile("confirmed")
			confirmed++
			continue
		}

		w.Attempts++
		w.LastError = werr.Error()
		if w.Attempts >= l.cfg.ReconcileMaxAttempts {
			l.rollback(ctx, rec.UserID, rec.ItemID)
			l.metrics.RecordReconcile("rolled_back")
			l.logger.Error("リモート台帳への書き込みを断念し楽観状態を取り消しました",
				slog.String("user_id", rec.UserID),
				slog.String("item_id", rec.ItemID),
				slog.Int("attempts", w.Attempts),
				slog.String("error", werr.Error()),
			)
			rolledBack++
			continue
		}

		l.metrics.RecordReconcile("retry")
		l.logger.Warn("リモート台帳への再送に失敗しました",
			slog.String("user_id", rec.UserID),
			slog.String("item_id", rec.ItemID),
			slog.Int("attempts", w.Attempts),
			slog.String("error", werr.Error()),
		)
		if err := l.local.PutPending(ctx, w); err != nil {
			l.logger.Warn("未確定書き込みの更新に失敗しました",
				slog.String("user_id", rec.UserID),
				slog.String("item_id", rec.ItemID),
				slog.String("error", err.Error()),
			)
		}
	}

	if confirmed > 0 || rolledBack > 0 {
		l.logger.Info("台帳リコンサイルが完了しました",
			slog.Int("confirmed", confirmed),
			slog.Int("rolled_back", rolledBack),
			slog.Int("pending", len(pending)),
		)
	}
	return confirmed, rolledBack, nil
}

// rollback は未確定の accepted 状態をメモリとローカルKVから取り消す。
func (l *Ledger) rollback(ctx context.Context, userID, itemID string) {
	l.rollbackMemory(userID, itemID)

	if err := l.local.UnmarkViewed(ctx, userID, itemID); err != nil {
		l.logger.Warn("ViewedSetのロールバックに失敗しました",
			slog.String("user_id", userID),
			slog.String("item_id", itemID),
			slog.String("error", err.Error()),
		)
	}
	if err := l.local.DeletePending(ctx, userID, itemID); err != nil {
		l.logger.Warn("未確定書き込みの削除に失敗しました",
			slog.String("user_id", userID),
			slog.String("item_id", itemID),
			slog.String("error", err.Error()),
		)
	}

	if l.onRollback != nil {
		l.onRollback(ctx, userID, itemID)
	}
}
