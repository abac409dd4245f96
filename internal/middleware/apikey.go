package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

// apiKeyHeader はWebhook認証に使用するHTTPヘッダー名。
const apiKeyHeader = "X-API-Key"

// NewAPIKeyMiddleware はAPIキー認証ミドルウェアを生成する。
// X-API-Keyヘッダーの値を定数時間比較で検証し、不一致の場合は401を返す。
func NewAPIKeyMiddleware(expectedKey string) func(next http.Handler) http.Handler {
	expected := []byte(expectedKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := []byte(r.Header.Get(apiKeyHeader))
			if len(provided) == 0 || subtle.ConstantTimeCompare(provided, expected) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{
					"code":    "unauthorized",
					"message": "invalid or missing API key",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
