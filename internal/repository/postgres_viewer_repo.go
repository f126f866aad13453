package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/reelfeed/internal/model"
)

// PostgresViewerRepo はPostgreSQLを使用したビューアリポジトリ。
type PostgresViewerRepo struct {
	db *sql.DB
}

// NewPostgresViewerRepo はPostgresViewerRepoを生成する。
func NewPostgresViewerRepo(db *sql.DB) *PostgresViewerRepo {
	return &PostgresViewerRepo{db: db}
}

var _ ViewerRepository = (*PostgresViewerRepo)(nil)

// FindByID は指定IDのビューアを取得する。見つからない場合はnilを返す。
func (r *PostgresViewerRepo) FindByID(ctx context.Context, id string) (*model.Viewer, error) {
	v := &model.Viewer{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, created_at, interaction_count FROM users WHERE id = $1`,
		id,
	).Scan(&v.ID, &v.CreatedAt, &v.InteractionCount)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find viewer by ID: %w", err)
	}
	return v, nil
}

// ListFolloweeIDs はユーザーがフォローしているオーナーIDを返す。
func (r *PostgresViewerRepo) ListFolloweeIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT followee_id FROM follows WHERE follower_id = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list followees: %w", err)
	}
	defer rows.Close()

	return scanStrings(rows)
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return out, nil
}
