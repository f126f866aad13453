// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/reelfeed/internal/model"
)

// CandidateOrder は候補クエリの並び順。
type CandidateOrder int

const (
	// OrderRecent は投稿日時の降順。
	OrderRecent CandidateOrder = iota
	// OrderEngagement はいいね・コメント・シェアの加重和の降順。
	OrderEngagement
)

// CandidateQuery は候補アイテムの範囲クエリ条件。
// ゼロ値のフィールドは条件に含めない。
type CandidateQuery struct {
	ExcludeOwnerID  string
	OwnerIDs        []string
	Tags            []string
	Since           time.Time
	MinInteractions int64
	PublicOnly      bool
	Order           CandidateOrder
	Limit           int
}

// ItemRepository はアイテムの読み取りインターフェース。
// アイテムの作成とカウンタ以外の更新は外部システムが所有する。
type ItemRepository interface {
	// FindByID は指定IDのアイテムを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Item, error)

	// ListCandidates は条件に一致するアイテムを最大Limit件返す。
	ListCandidates(ctx context.Context, q CandidateQuery) ([]model.Item, error)
}

// ViewerRepository はビューア属性とフォローグラフの読み取りインターフェース。
type ViewerRepository interface {
	// FindByID は指定IDのビューアを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Viewer, error)

	// ListFolloweeIDs はユーザーがフォローしているオーナーIDを返す。
	ListFolloweeIDs(ctx context.Context, userID string) ([]string, error)
}

// ViewRecordRepository は視聴台帳の永続化インターフェース。
type ViewRecordRepository interface {
	// RecordAccepted は accepted な視聴記録を条件付きで作成する。
	// 新規に作成された場合のみ、同一トランザクションでアイテムの視聴数を加算し
	// ユニーク視聴者集合へ追加する。既存の場合は何もせず false を返す。
	RecordAccepted(ctx context.Context, rec *model.ViewRecord) (bool, error)

	// HasAccepted は (userID, itemID) の accepted な記録があるかを返す。
	HasAccepted(ctx context.Context, userID, itemID string) (bool, error)

	// ListAcceptedItemIDs はユーザーの accepted な視聴済みアイテムIDを新しい順に最大limit件返す。
	ListAcceptedItemIDs(ctx context.Context, userID string, limit int) ([]string, error)

	// AcceptedTimesByUser は since 以降のユーザーの accepted 視聴時刻を返す。
	AcceptedTimesByUser(ctx context.Context, userID string, since time.Time) ([]time.Time, error)

	// AcceptedTimesByDevice は since 以降のデバイスの accepted 視聴時刻を返す。
	AcceptedTimesByDevice(ctx context.Context, deviceID string, since time.Time) ([]time.Time, error)
}

// SignalRepository はユーザーシグナル（いいね/スキップ/シェア）の永続化インターフェース。
type SignalRepository interface {
	// Record はシグナルを冪等に記録する。
	Record(ctx context.Context, userID, itemID string, signal model.UserSignal) error

	// ListItemIDs はユーザーが指定シグナルを送ったアイテムIDを返す。
	ListItemIDs(ctx context.Context, userID string, signal model.UserSignal) ([]string, error)

	// InterestTags は accepted な視聴といいね・シェアからユーザーの興味タグを集計し、
	// 出現回数の多い順に最大limit件返す。
	InterestTags(ctx context.Context, userID string, limit int) ([]string, error)
}

// CompositionLogRepository はページ合成ログの永続化インターフェース。
type CompositionLogRepository interface {
	// Create は合成ログを1件作成する。
	Create(ctx context.Context, log *model.CompositionLog) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
