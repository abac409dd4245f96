package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/relayman/internal/model"
	"github.com/hitoshi/relayman/internal/repository"
)

// URLValidator はフィードURLの事前検証のインターフェース。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// SourceHandler はソース設定の登録・更新を提供する。
type SourceHandler struct {
	sourceRepo repository.SourceRepository
	validator  URLValidator
}

// NewSourceHandler はSourceHandlerの新しいインスタンスを生成する。
func NewSourceHandler(sourceRepo repository.SourceRepository, validator URLValidator) *SourceHandler {
	return &SourceHandler{
		sourceRepo: sourceRepo,
		validator:  validator,
	}
}

// sourceRequest はソース登録・更新のリクエストボディ。
type sourceRequest struct {
	Platform         string   `json:"platform"`
	AccountHandle    string   `json:"account_handle"`
	FetchEnabled     bool     `json:"fetch_enabled"`
	ThreadEnabled    bool     `json:"thread_enabled"`
	ThreadAdvanced   bool     `json:"thread_advanced"`
	SkipReplies      bool     `json:"skip_replies"`
	SkipReposts      bool     `json:"skip_reposts"`
	SkipQuotes       bool     `json:"skip_quotes"`
	BannedPhrases    []string `json:"banned_phrases"`
	RequiredKeywords []string `json:"required_keywords"`
	FeedURL          string   `json:"feed_url"`
	Visibility       string   `json:"visibility"`
	Enabled          bool     `json:"enabled"`
}

// sourceResponse はソースのレスポンス表現。
type sourceResponse struct {
	ID string `json:"id"`
	sourceRequest
}

// Create はPOST /sourcesを処理する。
func (h *SourceHandler) Create(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeAndValidate(w, r)
	if !ok {
		return
	}

	now := time.Now()
	source := &model.Source{
		ID:               uuid.NewString(),
		Platform:         model.Platform(req.Platform),
		AccountHandle:    req.AccountHandle,
		FetchEnabled:     req.FetchEnabled,
		ThreadEnabled:    req.ThreadEnabled,
		ThreadAdvanced:   req.ThreadAdvanced,
		SkipReplies:      req.SkipReplies,
		SkipReposts:      req.SkipReposts,
		SkipQuotes:       req.SkipQuotes,
		BannedPhrases:    req.BannedPhrases,
		RequiredKeywords: req.RequiredKeywords,
		FeedURL:          req.FeedURL,
		Visibility:       req.Visibility,
		Enabled:          req.Enabled,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := h.sourceRepo.Create(r.Context(), source); err != nil {
		writeError(w, http.StatusInternalServerError, "create_failed", "failed to create source")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sourceResponse{ID: source.ID, sourceRequest: *req})
}

// Update はPUT /sources/{sourceID}を処理する。
func (h *SourceHandler) Update(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")

	existing, err := h.sourceRepo.FindByID(r.Context(), sourceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup_failed", "failed to look up source")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "not_found", "source not found")
		return
	}

	req, ok := h.decodeAndValidate(w, r)
	if !ok {
		return
	}

	existing.Platform = model.Platform(req.Platform)
	existing.AccountHandle = req.AccountHandle
	existing.FetchEnabled = req.FetchEnabled
	existing.ThreadEnabled = req.ThreadEnabled
	existing.ThreadAdvanced = req.ThreadAdvanced
	existing.SkipReplies = req.SkipReplies
	existing.SkipReposts = req.SkipReposts
	existing.SkipQuotes = req.SkipQuotes
	existing.BannedPhrases = req.BannedPhrases
	existing.RequiredKeywords = req.RequiredKeywords
	existing.FeedURL = req.FeedURL
	existing.Visibility = req.Visibility
	existing.Enabled = req.Enabled
	existing.UpdatedAt = time.Now()

	if err := h.sourceRepo.Update(r.Context(), existing); err != nil {
		writeError(w, http.StatusInternalServerError, "update_failed", "failed to update source")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sourceResponse{ID: existing.ID, sourceRequest: *req})
}

// Get はGET /sources/{sourceID}を処理する。
func (h *SourceHandler) Get(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")

	source, err := h.sourceRepo.FindByID(r.Context(), sourceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup_failed", "failed to look up source")
		return
	}
	if source == nil {
		writeError(w, http.StatusNotFound, "not_found", "source not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sourceResponse{
		ID: source.ID,
		sourceRequest: sourceRequest{
			Platform:         string(source.Platform),
			AccountHandle:    source.AccountHandle,
			FetchEnabled:     source.FetchEnabled,
			ThreadEnabled:    source.ThreadEnabled,
			ThreadAdvanced:   source.ThreadAdvanced,
			SkipReplies:      source.SkipReplies,
			SkipReposts:      source.SkipReposts,
			SkipQuotes:       source.SkipQuotes,
			BannedPhrases:    source.BannedPhrases,
			RequiredKeywords: source.RequiredKeywords,
			FeedURL:          source.FeedURL,
			Visibility:       source.Visibility,
			Enabled:          source.Enabled,
		},
	})
}

// decodeAndValidate はリクエストボディのデコードと検証を行う。
func (h *SourceHandler) decodeAndValidate(w http.ResponseWriter, r *http.Request) (*sourceRequest, bool) {
	var req sourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return nil, false
	}
	if req.Platform == "" || req.AccountHandle == "" {
		writeError(w, http.StatusBadRequest, "missing_fields", "platform and account_handle are required")
		return nil, false
	}
	if !validPlatform(req.Platform) {
		writeError(w, http.StatusBadRequest, "invalid_platform", "unknown platform")
		return nil, false
	}
	// フィードURLはポーリングで使用されるため、登録時点でSSRF検証する
	if req.FeedURL != "" {
		if err := h.validator.ValidateURL(req.FeedURL); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_feed_url", err.Error())
			return nil, false
		}
	}
	return &req, true
}

func validPlatform(p string) bool {
	switch model.Platform(p) {
	case model.PlatformTwitter, model.PlatformBluesky, model.PlatformRSS, model.PlatformYouTube:
		return true
	}
	return false
}
