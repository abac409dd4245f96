// Package handler はHTTP APIハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/relayman/internal/model"
)

// TaskProcessor は取り込みタスクの処理インターフェース。
type TaskProcessor interface {
	Process(ctx context.Context, task model.IngestionTask) model.ProcessResult
}

// WebhookHandler は外部コラボレータからの通知を受け付ける。
type WebhookHandler struct {
	processor TaskProcessor
}

// NewWebhookHandler はWebhookHandlerの新しいインスタンスを生成する。
func NewWebhookHandler(processor TaskProcessor) *WebhookHandler {
	return &WebhookHandler{processor: processor}
}

// webhookRequest はWebhook通知のリクエストボディ。
type webhookRequest struct {
	AuthorHandle string `json:"author_handle"`
	Text         string `json:"text"`
	PostID       string `json:"post_id"`
}

// webhookResponse は処理結果のレスポンスボディ。
type webhookResponse struct {
	Outcome    string `json:"outcome"`
	SkipReason string `json:"skip_reason,omitempty"`
	StatusID   string `json:"status_id,omitempty"`
	StatusURL  string `json:"status_url,omitempty"`
}

// Receive はPOST /webhook/{sourceID}を処理する。
// 通知をIngestionTaskへ変換し、パイプラインで同期処理する。
// スキップは正常系として200で返す。致命エラーは処理側で
// リトライキューへ投入済みのため、502を返して受信元に再送を求めない。
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")
	if sourceID == "" {
		writeError(w, http.StatusBadRequest, "missing_source_id", "source ID is required")
		return
	}

	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.AuthorHandle == "" {
		writeError(w, http.StatusBadRequest, "missing_author_handle", "author_handle is required")
		return
	}

	task := model.IngestionTask{
		SourceID:       sourceID,
		AuthorHandle:   req.AuthorHandle,
		RawText:        req.Text,
		ExternalPostID: req.PostID,
		ReceivedAt:     time.Now(),
	}

	result := h.processor.Process(r.Context(), task)

	resp := webhookResponse{
		Outcome:    string(result.Outcome),
		SkipReason: result.SkipReason,
		StatusID:   result.StatusID,
		StatusURL:  result.StatusURL,
	}

	status := http.StatusOK
	if result.Outcome == model.OutcomeFailed {
		status = http.StatusBadGateway
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// writeError は統一フォーマットのエラーレスポンスを書き込む。
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"code":    code,
		"message": message,
	})
}
