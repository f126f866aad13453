package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/reelfeed/internal/model"
)

// PostgresSignalRepo はPostgreSQLを使用したユーザーシグナルリポジトリ。
type PostgresSignalRepo struct {
	db *sql.DB
}

// NewPostgresSignalRepo はPostgresSignalRepoを生成する。
func NewPostgresSignalRepo(db *sql.DB) *PostgresSignalRepo {
	return &PostgresSignalRepo{db: db}
}

var _ SignalRepository = (*PostgresSignalRepo)(nil)

// Record はシグナルを冪等に記録する。
// いいねが新規に記録された場合はユーザーのインタラクション数を加算する。
func (r *PostgresSignalRepo) Record(ctx context.Context, userID, itemID string, signal model.UserSignal) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`INSERT INTO user_signals (user_id, item_id, signal)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, item_id, signal) DO NOTHING`,
		userID, itemID, string(signal),
	)
	if err != nil {
		return fmt.Errorf("failed to insert user signal: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if inserted > 0 && signal == model.SignalLiked {
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET interaction_count = interaction_count + 1 WHERE id = $1`,
			userID,
		); err != nil {
			return fmt.Errorf("failed to increment interaction count: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListItemIDs はユーザーが指定シグナルを送ったアイテムIDを返す。
func (r *PostgresSignalRepo) ListItemIDs(ctx context.Context, userID string, signal model.UserSignal) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT item_id FROM user_signals WHERE user_id = $1 AND signal = $2 ORDER BY created_at DESC`,
		userID, string(signal),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}
	defer rows.Close()

	return scanStrings(rows)
}

// InterestTags は accepted な視聴といいね・シェアからユーザーの興味タグを集計し、
// 出現回数の多い順に最大limit件返す。
func (r *PostgresSignalRepo) InterestTags(ctx context.Context, userID string, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT tag FROM (
		     SELECT unnest(i.tags) AS tag
		     FROM items i
		     WHERE i.id IN (
		         SELECT item_id FROM view_records WHERE user_id = $1 AND accepted
		         UNION
		         SELECT item_id FROM user_signals WHERE user_id = $1 AND signal IN ('liked', 'shared')
		     )
		 ) t
		 GROUP BY tag
		 ORDER BY count(*) DESC, tag
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate interest tags: %w", err)
	}
	defer rows.Close()

	return scanStrings(rows)
}
