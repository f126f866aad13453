// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/hitoshi/reelfeed/internal/model"
)

const (
	// UserIDHeader は認証ゲートウェイが付与するユーザーIDヘッダー。
	UserIDHeader = "X-User-ID"
	// DeviceIDHeader はクライアントが送るデバイスIDヘッダー。
	DeviceIDHeader = "X-Device-ID"

	maxIdentifierLength = 128
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	userIDContextKey   = contextKey("user_id")
	deviceIDContextKey = contextKey("device_id")
)

// NewViewerMiddleware はヘッダーからビューアを識別し、コンテキストに注入するミドルウェアを返す。
// 認証自体は上流のゲートウェイで行われている前提とする。
// ユーザーIDがない、または不正な場合は401を返す。デバイスIDは任意。
func NewViewerMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
			if !validIdentifier(userID) {
				WriteAPIError(w, model.NewMissingViewerError())
				return
			}
			deviceID := strings.TrimSpace(r.Header.Get(DeviceIDHeader))
			if !validIdentifier(deviceID) {
				deviceID = ""
			}

			ctx := ContextWithViewer(r.Context(), userID, deviceID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func validIdentifier(s string) bool {
	if s == "" || len(s) > maxIdentifierLength {
		return false
	}
	for _, c := range s {
		if c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// ビューアミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// DeviceIDFromContext はリクエストコンテキストからデバイスIDを取得する。未指定の場合は空文字。
func DeviceIDFromContext(ctx context.Context) string {
	deviceID, _ := ctx.Value(deviceIDContextKey).(string)
	return deviceID
}

// ContextWithViewer はコンテキストにユーザーIDとデバイスIDを注入する。
func ContextWithViewer(ctx context.Context, userID, deviceID string) context.Context {
	ctx = context.WithValue(ctx, userIDContextKey, userID)
	return context.WithValue(ctx, deviceIDContextKey, deviceID)
}
