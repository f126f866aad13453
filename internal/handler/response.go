// Package handler はHTTPハンドラーとルーティングを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/reelfeed/internal/middleware"
	"github.com/hitoshi/reelfeed/internal/model"
)

// maxBodyBytes はリクエストボディの上限。
const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeBody はJSONボディを読み込む。失敗時は400を書き込んでfalseを返す。
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return false
	}
	return true
}

// viewerFromRequest はビューアミドルウェアが注入したユーザーIDを返す。
func viewerFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewMissingViewerError())
		return "", false
	}
	return userID, true
}

// handleServiceError はエンジンから返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	switch {
	case errors.As(err, &apiErr):
		middleware.WriteAPIError(w, apiErr)
	case errors.Is(err, model.ErrEmptyUserID):
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewMissingViewerError())
	case errors.Is(err, model.ErrStoreUnavailable):
		slog.Error("backing store unavailable",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, &model.APIError{
			Code:     "STORE_UNAVAILABLE",
			Message:  "視聴記録を保存できませんでした。",
			Category: "system",
			Action:   "しばらく待ってから再度お試しください。",
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// クライアントが切断済み、またはタイムアウト
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, &model.APIError{
			Code:     "REQUEST_CANCELED",
			Message:  "リクエストが完了しませんでした。",
			Category: "system",
			Action:   "再度お試しください。",
		})
	default:
		slog.Error("internal server error",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
	}
}
