package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/reelfeed/internal/model"
)

// PostgresViewRecordRepo はPostgreSQLを使用した視聴台帳リポジトリ。
type PostgresViewRecordRepo struct {
	db *sql.DB
}

// NewPostgresViewRecordRepo はPostgresViewRecordRepoを生成する。
func NewPostgresViewRecordRepo(db *sql.DB) *PostgresViewRecordRepo {
	return &PostgresViewRecordRepo{db: db}
}

var _ ViewRecordRepository = (*PostgresViewRecordRepo)(nil)

// RecordAccepted は accepted な視聴記録を条件付きで作成する。
// 主キー (user_id, item_id, device_id) と部分ユニークインデックス (user_id, item_id) WHERE accepted の
// いずれかに衝突した場合は ON CONFLICT DO NOTHING で何もしない。
func (r *PostgresViewRecordRepo) RecordAccepted(ctx context.Context, rec *model.ViewRecord) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`INSERT INTO view_records (user_id, item_id, device_id, viewed_at, dwell_time_ms, accepted)
		 VALUES ($1, $2, $3, $4, $5, true)
		 ON CONFLICT DO NOTHING`,
		rec.UserID, rec.ItemID, rec.DeviceID, rec.Timestamp, rec.DwellTimeMs,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert view record: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if inserted == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE items SET view_count = view_count + 1 WHERE id = $1`,
		rec.ItemID,
	); err != nil {
		return false, fmt.Errorf("failed to increment view count: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO item_viewers (item_id, user_id, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (item_id, user_id) DO NOTHING`,
		rec.ItemID, rec.UserID, rec.Timestamp,
	); err != nil {
		return false, fmt.Errorf("failed to add unique viewer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// HasAccepted は (userID, itemID) の accepted な記録があるかを返す。
func (r *PostgresViewRecordRepo) HasAccepted(ctx context.Context, userID, itemID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM view_records WHERE user_id = $1 AND item_id = $2 AND accepted)`,
		userID, itemID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check view record: %w", err)
	}
	return exists, nil
}

// ListAcceptedItemIDs はユーザーの accepted な視聴済みアイテムIDを新しい順に最大limit件返す。
func (r *PostgresViewRecordRepo) ListAcceptedItemIDs(ctx context.Context, userID string, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT item_id FROM view_records
		 WHERE user_id = $1 AND accepted
		 ORDER BY viewed_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list viewed items: %w", err)
	}
	defer rows.Close()

	return scanStrings(rows)
}

// AcceptedTimesByUser は since 以降のユーザーの accepted 視聴時刻を返す。
func (r *PostgresViewRecordRepo) AcceptedTimesByUser(ctx context.Context, userID string, since time.Time) ([]time.Time, error) {
	return r.acceptedTimes(ctx,
		`SELECT viewed_at FROM view_records
		 WHERE user_id = $1 AND accepted AND viewed_at >= $2
		 ORDER BY viewed_at`,
		userID, since,
	)
}

// AcceptedTimesByDevice は since 以降のデバイスの accepted 視聴時刻を返す。
func (r *PostgresViewRecordRepo) AcceptedTimesByDevice(ctx context.Context, deviceID string, since time.Time) ([]time.Time, error) {
	return r.acceptedTimes(ctx,
		`SELECT viewed_at FROM view_records
		 WHERE device_id = $1 AND accepted AND viewed_at >= $2
		 ORDER BY viewed_at`,
		deviceID, since,
	)
}

func (r *PostgresViewRecordRepo) acceptedTimes(ctx context.Context, query string, key string, since time.Time) ([]time.Time, error) {
	rows, err := r.db.QueryContext(ctx, query, key, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list view times: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("failed to scan view time: %w", err)
		}
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate view times: %w", err)
	}
	return out, nil
}
