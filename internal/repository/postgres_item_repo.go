package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/hitoshi/reelfeed/internal/model"
)

const itemColumns = `id, owner_id, created_at, like_count, comment_count, view_count, share_count,
	        tags, is_public, caption, thumbnail_url`

// engagementExpr はトレンド系ソースの並び順に使うエンゲージメント加重和。
const engagementExpr = `(like_count * 2 + comment_count * 5 + share_count * 3)`

// PostgresItemRepo はPostgreSQLを使用したアイテムリポジトリ。
type PostgresItemRepo struct {
	db *sql.DB
}

// NewPostgresItemRepo はPostgresItemRepoを生成する。
func NewPostgresItemRepo(db *sql.DB) *PostgresItemRepo {
	return &PostgresItemRepo{db: db}
}

var _ ItemRepository = (*PostgresItemRepo)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*model.Item, error) {
	item := &model.Item{}
	var caption, thumbnailURL sql.NullString
	err := row.Scan(
		&item.ID, &item.OwnerID, &item.CreatedAt,
		&item.LikeCount, &item.CommentCount, &item.ViewCount, &item.ShareCount,
		pq.Array(&item.Tags), &item.IsPublic, &caption, &thumbnailURL,
	)
	if err != nil {
		return nil, err
	}
	item.Caption = nullStringValue(caption)
	item.ThumbnailURL = nullStringValue(thumbnailURL)
	return item, nil
}

// FindByID は指定IDのアイテムを取得する。見つからない場合はnilを返す。
func (r *PostgresItemRepo) FindByID(ctx context.Context, id string) (*model.Item, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = $1`,
		id,
	)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("アイテムの取得に失敗しました: %w", err)
	}
	return item, nil
}

// ListCandidates は条件に一致するアイテムを最大Limit件返す。
func (r *PostgresItemRepo) ListCandidates(ctx context.Context, q CandidateQuery) ([]model.Item, error) {
	query, args := buildCandidateQuery(q)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("候補アイテムの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("候補アイテムのスキャンに失敗しました: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("候補アイテムの走査に失敗しました: %w", err)
	}
	return items, nil
}

// buildCandidateQuery はCandidateQueryからSQLとプレースホルダ引数を組み立てる。
func buildCandidateQuery(q CandidateQuery) (string, []any) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.ExcludeOwnerID != "" {
		conds = append(conds, "owner_id <> "+arg(q.ExcludeOwnerID))
	}
	if len(q.OwnerIDs) > 0 {
		conds = append(conds, "owner_id = ANY("+arg(pq.Array(q.OwnerIDs))+")")
	}
	if len(q.Tags) > 0 {
		conds = append(conds, "tags && "+arg(pq.Array(q.Tags)))
	}
	if !q.Since.IsZero() {
		conds = append(conds, "created_at >= "+arg(q.Since))
	}
	if q.MinInteractions > 0 {
		conds = append(conds, "(like_count + comment_count + share_count) >= "+arg(q.MinInteractions))
	}
	if q.PublicOnly {
		conds = append(conds, "is_public")
	}

	var b strings.Builder
	b.WriteString("SELECT " + itemColumns + " FROM items")
	if len(conds) > 0 {
		b.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	switch q.Order {
	case OrderEngagement:
		b.WriteString(" ORDER BY " + engagementExpr + " DESC, created_at DESC")
	default:
		b.WriteString(" ORDER BY created_at DESC")
	}
	b.WriteString(", id")
	if q.Limit > 0 {
		b.WriteString(" LIMIT " + arg(q.Limit))
	}
	return b.String(), args
}

func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
