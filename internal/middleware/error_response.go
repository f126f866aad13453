package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/reelfeed/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスのJSON形式。model.APIErrorをそのまま写す。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// errInternal は内部エラー時にクライアントへ返す固定の内容。詳細はログにだけ残す。
var errInternal = &model.APIError{
	Code:     "INTERNAL_ERROR",
	Message:  "内部エラーが発生しました。",
	Category: "system",
	Action:   "しばらく待ってから再度お試しください。",
}

// errRateLimited はレート制限超過時の内容。
var errRateLimited = &model.APIError{
	Code:     "RATE_LIMIT_EXCEEDED",
	Message:  "リクエストが多すぎます。",
	Category: "system",
	Action:   "Retry-After の秒数だけ待ってから再度お試しください。",
}

// WriteErrorResponse は指定したステータスコードでAPIErrorを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody(*apiErr))
}

// WriteAPIError はエラーコードから決まるステータスコードでAPIErrorを書き込む。
func WriteAPIError(w http.ResponseWriter, apiErr *model.APIError) {
	WriteErrorResponse(w, StatusForAPIError(apiErr), apiErr)
}

// WriteInternalServerError は500を書き込む。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, errInternal)
}

// StatusForAPIError はAPIErrorコードからHTTPステータスコードにマッピングする。
func StatusForAPIError(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeMissingViewer:
		return http.StatusUnauthorized
	case model.ErrCodeInvalidPageSize, model.ErrCodeInvalidSignal,
		model.ErrCodeInvalidDwell, model.ErrCodeInvalidViewport:
		return http.StatusBadRequest
	case model.ErrCodeItemNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
