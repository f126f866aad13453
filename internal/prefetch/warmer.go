package prefetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/reelfeed/internal/model"
	"github.com/hitoshi/reelfeed/internal/repository"
	"github.com/hitoshi/reelfeed/internal/security"
)

// maxThumbnailBytes はサムネイルのウォームアップで読み捨てる最大バイト数。
const maxThumbnailBytes = 512 * 1024

// ItemWarmer はアイテムのメタデータを取得し、サムネイルURLにリクエストしてCDNのキャッシュを温める。
// 動画本体は取得しない。
type ItemWarmer struct {
	items  repository.ItemRepository
	guard  security.URLGuard
	client *http.Client
	logger *slog.Logger
}

var _ Warmer = (*ItemWarmer)(nil)

// NewItemWarmer はItemWarmerを生成する。
func NewItemWarmer(items repository.ItemRepository, guard security.URLGuard, timeout time.Duration, logger *slog.Logger) *ItemWarmer {
	return &ItemWarmer{
		items:  items,
		guard:  guard,
		client: guard.NewSafeClient(timeout),
		logger: logger,
	}
}

// Warm はアイテムを準備する。サムネイルがないアイテムはメタデータの取得だけで完了とする。
func (w *ItemWarmer) Warm(ctx context.Context, itemID string) error {
	item, err := w.items.FindByID(ctx, itemID)
	if err != nil {
		return fmt.Errorf("find item: %w", err)
	}
	if item == nil {
		return model.NewItemNotFoundError(itemID)
	}
	if item.ThumbnailURL == "" {
		return nil
	}
	if err := w.guard.ValidateURL(item.ThumbnailURL); err != nil {
		return fmt.Errorf("thumbnail url rejected: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.ThumbnailURL, nil)
	if err != nil {
		return fmt.Errorf("build thumbnail request: %w", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch thumbnail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("fetch thumbnail: unexpected status %d", resp.StatusCode)
	}
	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxThumbnailBytes))
	if err != nil {
		return fmt.Errorf("read thumbnail: %w", err)
	}

	w.logger.Debug("サムネイルを先読みしました",
		slog.String("item_id", itemID),
		slog.Int64("bytes", n),
	)
	return nil
}
