package middleware

import (
	"net/http"
	"slices"
	"strings"
)

// corsAllowHeaders はフロントエンドが送るリクエストヘッダー。
var corsAllowHeaders = strings.Join([]string{"Content-Type", UserIDHeader, DeviceIDHeader}, ", ")

// NewCORSMiddleware はカンマ区切りで指定されたオリジンに対するCORSミドルウェアを返す。
// リクエストのOriginが許可リストにあればそのまま返し、Originがなければ先頭のオリジンを返す。
// 許可外のOriginにはAccess-Control-Allow-Originを付与しない。
// OPTIONSプリフライトリクエストには204で応答する。
func NewCORSMiddleware(allowedOrigins string) func(next http.Handler) http.Handler {
	var origins []string
	for _, o := range strings.Split(allowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Add("Vary", "Origin")

			if origin := allowOrigin(origins, r.Header.Get("Origin")); origin != "" {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
				h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
				h.Set("Access-Control-Expose-Headers", "Retry-After")
				h.Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func allowOrigin(origins []string, requested string) string {
	if len(origins) == 0 {
		return ""
	}
	if requested == "" {
		return origins[0]
	}
	if slices.Contains(origins, "*") || slices.Contains(origins, requested) {
		return requested
	}
	return ""
}
