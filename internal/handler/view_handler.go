package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/reelfeed/internal/middleware"
	"github.com/hitoshi/reelfeed/internal/model"
)

// ViewEngine は視聴イベントハンドラーが必要とするエンジンのインターフェース。
type ViewEngine interface {
	OnPlaybackStarted(ctx context.Context, userID, itemID string) (model.ViewState, error)
	OnDwellThresholdReached(ctx context.Context, userID, deviceID, itemID string, dwellMs int64) (model.ViewOutcome, error)
	ViewStatus(ctx context.Context, userID, itemID string) (model.ViewStatus, error)
	OnUserSignal(ctx context.Context, userID, itemID string, signal model.UserSignal) error
}

// ViewHandler は再生・dwell・シグナルのHTTPハンドラー。
type ViewHandler struct {
	engine ViewEngine
}

// NewViewHandler はViewHandlerを生成する。
func NewViewHandler(engine ViewEngine) *ViewHandler {
	return &ViewHandler{engine: engine}
}

type dwellRequest struct {
	DwellMs *int64 `json:"dwell_ms"`
}

type signalRequest struct {
	Signal string `json:"signal"`
}

// viewOutcomeResponse はdwell評価結果のAPIレスポンス。
type viewOutcomeResponse struct {
	ItemID    string   `json:"item_id"`
	State     string   `json:"state"`
	Accepted  bool     `json:"accepted"`
	Duplicate bool     `json:"duplicate"`
	Confirmed bool     `json:"confirmed"`
	BotScore  float64  `json:"bot_score"`
	Reasons   []string `json:"reasons"`
}

type viewStatusResponse struct {
	ItemID     string `json:"item_id"`
	State      string `json:"state"`
	Optimistic bool   `json:"optimistic"`
	Confirmed  bool   `json:"confirmed"`
}

// PlaybackStarted は再生開始を記録する。
// POST /api/items/{id}/playback
func (h *ViewHandler) PlaybackStarted(w http.ResponseWriter, r *http.Request) {
	userID, ok := viewerFromRequest(w, r)
	if !ok {
		return
	}
	itemID := chi.URLParam(r, "id")

	state, err := h.engine.OnPlaybackStarted(r.Context(), userID, itemID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewStatusResponse{ItemID: itemID, State: string(state)})
}

// DwellReached はdwell閾値到達イベントを評価する。
// POST /api/items/{id}/dwell
func (h *ViewHandler) DwellReached(w http.ResponseWriter, r *http.Request) {
	userID, ok := viewerFromRequest(w, r)
	if !ok {
		return
	}
	itemID := chi.URLParam(r, "id")

	var req dwellRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DwellMs == nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidDwellError(-1))
		return
	}

	deviceID := middleware.DeviceIDFromContext(r.Context())
	out, err := h.engine.OnDwellThresholdReached(r.Context(), userID, deviceID, itemID, *req.DwellMs)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	reasons := out.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	writeJSON(w, http.StatusOK, viewOutcomeResponse{
		ItemID:    out.ItemID,
		State:     string(out.State),
		Accepted:  out.Accepted,
		Duplicate: out.Duplicate,
		Confirmed: out.Confirmed,
		BotScore:  out.BotScore,
		Reasons:   reasons,
	})
}

// GetViewStatus は視聴状態を返す。
// GET /api/items/{id}/view
func (h *ViewHandler) GetViewStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := viewerFromRequest(w, r)
	if !ok {
		return
	}
	status, err := h.engine.ViewStatus(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewStatusResponse{
		ItemID:     status.ItemID,
		State:      string(status.State),
		Optimistic: status.Optimistic,
		Confirmed:  status.Confirmed,
	})
}

// RecordSignal はいいね・スキップ・シェアを受け付ける。
// POST /api/items/{id}/signals
func (h *ViewHandler) RecordSignal(w http.ResponseWriter, r *http.Request) {
	userID, ok := viewerFromRequest(w, r)
	if !ok {
		return
	}
	var req signalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.engine.OnUserSignal(r.Context(), userID, chi.URLParam(r, "id"), model.UserSignal(req.Signal)); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
