package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger はデータベース疎通確認のインターフェース。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthHandler はヘルスチェックエンドポイントを提供する。
type HealthHandler struct {
	db Pinger
}

// NewHealthHandler はHealthHandlerの新しいインスタンスを生成する。
func NewHealthHandler(db Pinger) *HealthHandler {
	return &HealthHandler{db: db}
}

// Health はGET /healthを処理する。
// データベース疎通を確認し、正常なら200、異常なら503を返す。
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")

	if err := h.db.PingContext(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
