// Package mastodon は配信先（Mastodon互換API）のクライアントを提供する。
// ステータスの配信・更新・削除、メディアのアップロード、認証確認を行う。
package mastodon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/hitoshi/relayman/internal/model"
)

// ErrStatusNotEditable は対象ステータスがもはや編集できないことを表す。
// 呼び出し元はdelete-then-republishへのフォールバックを判断する。
var ErrStatusNotEditable = errors.New("status can no longer be edited")

// Status は配信先のステータスを表す。
type Status struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Publisher は配信先コラボレータのインターフェース。
// PublishExecutorに注入され、テスト時にモックに差し替え可能。
type Publisher interface {
	Publish(ctx context.Context, text string, mediaIDs []string, inReplyToID, visibility string) (*Status, error)
	UpdateStatus(ctx context.Context, id, text string, mediaIDs []string) (*Status, error)
	DeleteStatus(ctx context.Context, id string) error
	UploadMedia(ctx context.Context, media model.Media) (string, error)
	UploadAll(ctx context.Context, media []model.Media, maxAttachments int) []string
	VerifyCredentials(ctx context.Context) error
}

// Client はMastodon互換APIのHTTPクライアント。
// 全API呼び出しはレートリミッターを通過してから実行される。
type Client struct {
	httpClient  *http.Client
	mediaClient *http.Client // メディアダウンロード用（SSRF防止付き）
	baseURL     string
	accessToken string
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// NewClient はClientの新しいインスタンスを生成する。
// mediaClientには外部URLからのダウンロードに使用する
// SSRF防止機能付きクライアントを渡す。
func NewClient(
	httpClient *http.Client,
	mediaClient *http.Client,
	baseURL, accessToken string,
	limiter *rate.Limiter,
	logger *slog.Logger,
) *Client {
	return &Client{
		httpClient:  httpClient,
		mediaClient: mediaClient,
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		limiter:     limiter,
		logger:      logger,
	}
}

// Publish は新規ステータスを配信する。
func (c *Client) Publish(ctx context.Context, text string, mediaIDs []string, inReplyToID, visibility string) (*Status, error) {
	form := url.Values{}
	form.Set("status", text)
	if inReplyToID != "" {
		form.Set("in_reply_to_id", inReplyToID)
	}
	if visibility != "" {
		form.Set("visibility", visibility)
	}
	for _, id := range mediaIDs {
		form.Add("media_ids[]", id)
	}

	var status Status
	if err := c.doForm(ctx, http.MethodPost, "/api/v1/statuses", form, &status); err != nil {
		return nil, fmt.Errorf("ステータスの配信に失敗しました: %w", err)
	}
	return &status, nil
}

// UpdateStatus は既存ステータスを置き換え更新する。
// 対象が編集不能な場合はErrStatusNotEditableを返す。
func (c *Client) UpdateStatus(ctx context.Context, id, text string, mediaIDs []string) (*Status, error) {
	form := url.Values{}
	form.Set("status", text)
	for _, mid := range mediaIDs {
		form.Add("media_ids[]", mid)
	}

	var status Status
	err := c.doForm(ctx, http.MethodPut, "/api/v1/statuses/"+url.PathEscape(id), form, &status)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && (apiErr.statusCode == http.StatusNotFound || apiErr.statusCode == http.StatusUnprocessableEntity) {
			return nil, fmt.Errorf("%w: %s", ErrStatusNotEditable, apiErr.Error())
		}
		return nil, fmt.Errorf("ステータスの更新に失敗しました: %w", err)
	}
	return &status, nil
}

// DeleteStatus はステータスを削除する。
func (c *Client) DeleteStatus(ctx context.Context, id string) error {
	if err := c.doForm(ctx, http.MethodDelete, "/api/v1/statuses/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("ステータスの削除に失敗しました: %w", err)
	}
	return nil
}

// UploadMedia は外部URLからメディアをダウンロードしてアップロードし、
// メディアIDを返す。
func (c *Client) UploadMedia(ctx context.Context, media model.Media) (string, error) {
	data, err := c.downloadMedia(ctx, media.URL)
	if err != nil {
		return "", err
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	filename := path.Base(media.URL)
	if filename == "" || filename == "." || filename == "/" {
		filename = "media"
	}
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("マルチパートの構築に失敗しました: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("マルチパートの書き込みに失敗しました: %w", err)
	}
	if media.AltText != "" {
		_ = writer.WriteField("description", media.AltText)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("マルチパートのクローズに失敗しました: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v2/media", &body)
	if err != nil {
		return "", fmt.Errorf("リクエスト作成に失敗しました: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("メディアアップロードに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", &apiError{statusCode: resp.StatusCode, body: readErrorBody(resp.Body)}
	}

	var uploaded struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&uploaded); err != nil {
		return "", fmt.Errorf("アップロードレスポンスのパースに失敗しました: %w", err)
	}
	return uploaded.ID, nil
}

// UploadAll はメディアを最大maxAttachments件まで並列アップロードする。
// 超過分は黙って切り捨てる。個別の失敗はログに残してスキップする。
func (c *Client) UploadAll(ctx context.Context, media []model.Media, maxAttachments int) []string {
	if maxAttachments <= 0 {
		maxAttachments = 4
	}
	if len(media) > maxAttachments {
		media = media[:maxAttachments]
	}
	if len(media) == 0 {
		return nil
	}

	ids := make([]string, len(media))
	var wg sync.WaitGroup
	for i, m := range media {
		wg.Add(1)
		go func(i int, m model.Media) {
			defer wg.Done()
			id, err := c.UploadMedia(ctx, m)
			if err != nil {
				c.logger.Warn("メディアアップロードに失敗したためスキップします",
					slog.String("media_url", m.URL),
					slog.String("error", err.Error()),
				)
				return
			}
			ids[i] = id
		}(i, m)
	}
	wg.Wait()

	var result []string
	for _, id := range ids {
		if id != "" {
			result = append(result, id)
		}
	}
	return result
}

// VerifyCredentials はアクセストークンの有効性を確認する。
func (c *Client) VerifyCredentials(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/accounts/verify_credentials", nil)
	if err != nil {
		return fmt.Errorf("リクエスト作成に失敗しました: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("認証確認に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &apiError{statusCode: resp.StatusCode, body: readErrorBody(resp.Body)}
	}
	return nil
}

// doForm はフォームエンコードのAPI呼び出しを実行する。
// outがnilでない場合はレスポンスJSONをデコードする。
func (c *Client) doForm(ctx context.Context, method, apiPath string, form url.Values, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPath, body)
	if err != nil {
		return fmt.Errorf("リクエスト作成に失敗しました: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apiError{statusCode: resp.StatusCode, body: readErrorBody(resp.Body)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("レスポンスのパースに失敗しました: %w", err)
		}
	}
	return nil
}

// downloadMedia はメディアURLからバイト列を取得する。
func (c *Client) downloadMedia(ctx context.Context, mediaURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗しました: %w", err)
	}

	resp, err := c.mediaClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("メディアのダウンロードに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("メディアURLがステータス %d を返しました", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("メディアの読み取りに失敗しました: %w", err)
	}
	return data, nil
}

// apiError は配信先APIのエラーレスポンスを表す。
type apiError struct {
	statusCode int
	body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.statusCode, e.body)
}

func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 1024))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
