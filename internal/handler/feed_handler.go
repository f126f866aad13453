package handler

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/reelfeed/internal/middleware"
	"github.com/hitoshi/reelfeed/internal/model"
)

// defaultPageSize はpage_size未指定時のページサイズ。
const defaultPageSize = 10

// maxPrefetchWait はプリフェッチ状態の問い合わせで待てる上限。
const maxPrefetchWait = 5 * time.Second

// FeedEngine はフィードハンドラーが必要とするエンジンのインターフェース。
type FeedEngine interface {
	GetPage(ctx context.Context, userID string, pageSize int) (model.Page, error)
	Invalidate(userID string) error
	OnViewportChange(ctx context.Context, userID string, visibleIndex int, windowIDs []string) error
	SetNetworkHint(h model.NetworkHint)
	PrefetchStatus(ctx context.Context, itemID string, wait time.Duration) (model.PrefetchTask, bool)
}

// FeedHandler はフィード取得とビューポート通知のHTTPハンドラー。
type FeedHandler struct {
	engine FeedEngine
}

// NewFeedHandler はFeedHandlerを生成する。
func NewFeedHandler(engine FeedEngine) *FeedHandler {
	return &FeedHandler{engine: engine}
}

// itemResponse はアイテムのAPIレスポンス。
type itemResponse struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	CreatedAt    time.Time `json:"created_at"`
	LikeCount    int64     `json:"like_count"`
	CommentCount int64     `json:"comment_count"`
	ViewCount    int64     `json:"view_count"`
	ShareCount   int64     `json:"share_count"`
	Tags         []string  `json:"tags"`
	Caption      string    `json:"caption"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
}

// pageResponse はフィードページのAPIレスポンス。
type pageResponse struct {
	Items             []itemResponse `json:"items"`
	FromCache         bool           `json:"from_cache"`
	ComposedAt        *time.Time     `json:"composed_at,omitempty"`
	RetryAfterSeconds int            `json:"retry_after_seconds,omitempty"`
}

// viewportRequest はビューポート通知のリクエストボディ。
type viewportRequest struct {
	VisibleIndex  int      `json:"visible_index"`
	WindowItemIDs []string `json:"window_item_ids"`
}

// prefetchStatusResponse はプリフェッチ状態のAPIレスポンス。
type prefetchStatusResponse struct {
	ItemID    string `json:"item_id"`
	Scheduled bool   `json:"scheduled"`
	State     string `json:"state,omitempty"`
	Priority  int    `json:"priority,omitempty"`
}

// networkHintRequest はネットワーク状況通知のリクエストボディ。
type networkHintRequest struct {
	Hint string `json:"hint"`
}

// GetFeed はユーザーのフィードページを返す。
// GET /api/feed?page_size=10
func (h *FeedHandler) GetFeed(w http.ResponseWriter, r *http.Request) {
	userID, ok := viewerFromRequest(w, r)
	if !ok {
		return
	}

	pageSize := defaultPageSize
	if raw := r.URL.Query().Get("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidPageSizeError(raw))
			return
		}
		pageSize = n
	}

	page, err := h.engine.GetPage(r.Context(), userID, pageSize)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := pageResponse{
		Items:     make([]itemResponse, len(page.Items)),
		FromCache: page.FromCache,
	}
	for i, it := range page.Items {
		resp.Items[i] = toItemResponse(it)
	}
	if !page.ComposedAt.IsZero() {
		composedAt := page.ComposedAt
		resp.ComposedAt = &composedAt
	}
	if page.RetryAfter > 0 {
		secs := int(math.Ceil(page.RetryAfter.Seconds()))
		resp.RetryAfterSeconds = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	writeJSON(w, http.StatusOK, resp)
}

// RefreshFeed はキャッシュ済みのページを破棄する（pull-to-refresh）。
// POST /api/feed/refresh
func (h *FeedHandler) RefreshFeed(w http.ResponseWriter, r *http.Request) {
	userID, ok := viewerFromRequest(w, r)
	if !ok {
		return
	}
	if err := h.engine.Invalidate(userID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateViewport はビューポート位置を受け取り、プリフェッチを調整する。
// POST /api/feed/viewport
func (h *FeedHandler) UpdateViewport(w http.ResponseWriter, r *http.Request) {
	userID, ok := viewerFromRequest(w, r)
	if !ok {
		return
	}
	var req viewportRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.engine.OnViewportChange(r.Context(), userID, req.VisibleIndex, req.WindowItemIDs); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// UpdateNetworkHint はネットワーク状況に応じてプリフェッチの同時実行数を変更する。
// PUT /api/feed/network
func (h *FeedHandler) UpdateNetworkHint(w http.ResponseWriter, r *http.Request) {
	if _, ok := viewerFromRequest(w, r); !ok {
		return
	}
	var req networkHintRequest
	if !decodeBody(w, r, &req) {
		return
	}
	hint := model.ParseNetworkHint(req.Hint)
	h.engine.SetNetworkHint(hint)
	writeJSON(w, http.StatusOK, map[string]string{"hint": string(hint)})
}

// GetPrefetchStatus はアイテムのプリフェッチ状態を返す。
// wait_ms を指定すると、タスクが完了するまで最大その時間だけ待つ。
// GET /api/items/{id}/prefetch?wait_ms=500
func (h *FeedHandler) GetPrefetchStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := viewerFromRequest(w, r); !ok {
		return
	}
	itemID := chi.URLParam(r, "id")

	var wait time.Duration
	if raw := r.URL.Query().Get("wait_ms"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			wait = min(time.Duration(ms)*time.Millisecond, maxPrefetchWait)
		}
	}

	task, ok := h.engine.PrefetchStatus(r.Context(), itemID, wait)
	resp := prefetchStatusResponse{ItemID: itemID, Scheduled: ok}
	if ok {
		resp.State = string(task.State)
		resp.Priority = task.Priority
	}
	writeJSON(w, http.StatusOK, resp)
}

func toItemResponse(it model.Item) itemResponse {
	tags := it.Tags
	if tags == nil {
		tags = []string{}
	}
	return itemResponse{
		ID:           it.ID,
		OwnerID:      it.OwnerID,
		CreatedAt:    it.CreatedAt,
		LikeCount:    it.LikeCount,
		CommentCount: it.CommentCount,
		ViewCount:    it.ViewCount,
		ShareCount:   it.ShareCount,
		Tags:         tags,
		Caption:      it.Caption,
		ThumbnailURL: it.ThumbnailURL,
	}
}
