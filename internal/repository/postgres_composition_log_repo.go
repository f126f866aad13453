package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/reelfeed/internal/model"
)

// PostgresCompositionLogRepo はPostgreSQLを使用した合成ログリポジトリ。
type PostgresCompositionLogRepo struct {
	db *sql.DB
}

// NewPostgresCompositionLogRepo はPostgresCompositionLogRepoを生成する。
func NewPostgresCompositionLogRepo(db *sql.DB) *PostgresCompositionLogRepo {
	return &PostgresCompositionLogRepo{db: db}
}

var _ CompositionLogRepository = (*PostgresCompositionLogRepo)(nil)

// Create は合成ログを1件作成する。IDが空の場合はUUIDを採番する。
func (r *PostgresCompositionLogRepo) Create(ctx context.Context, log *model.CompositionLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}

	counts, err := json.Marshal(log.CategoryCounts)
	if err != nil {
		return fmt.Errorf("failed to encode category counts: %w", err)
	}

	itemIDs := log.ItemIDs
	if itemIDs == nil {
		itemIDs = []string{}
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO composition_logs (id, user_id, request_size, category_counts, item_ids, latency_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		log.ID, log.UserID, log.RequestSize, string(counts), pq.Array(itemIDs), log.LatencyMs, log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert composition log: %w", err)
	}
	return nil
}
