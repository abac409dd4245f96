package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/relayman/internal/model"
)

// SyndicationClient はミラーとは異なる障害ドメインとして動作する
// 代替の読み取り専用APIクライアント。ミラー失敗時のフォールバックで、
// 再試行なしの単発試行として使用される。
type SyndicationClient struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewSyndicationClient はSyndicationClientの新しいインスタンスを生成する。
func NewSyndicationClient(httpClient *http.Client, baseURL string, logger *slog.Logger) *SyndicationClient {
	return &SyndicationClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
	}
}

// syndicationTweet は代替APIのレスポンス形式。
type syndicationTweet struct {
	IDStr    string `json:"id_str"`
	FullText string `json:"full_text"`
	Text     string `json:"text"`
	User     struct {
		Name       string `json:"name"`
		ScreenName string `json:"screen_name"`
	} `json:"user"`
	CreatedAt string `json:"created_at"`
	Photos    []struct {
		URL string `json:"url"`
	} `json:"photos"`
	InReplyToStatusIDStr string `json:"in_reply_to_status_id_str"`
	InReplyToScreenName  string `json:"in_reply_to_screen_name"`
	QuotedStatusIDStr    string `json:"quoted_status_id_str"`
	IsRetweet            bool   `json:"is_retweet"`
}

// FetchPost は代替APIから投稿を取得してPostを構築する。
// コンテンツが存在しない場合はErrContentNotFoundを返す。
func (c *SyndicationClient) FetchPost(ctx context.Context, authorHandle, postID string) (*model.Post, error) {
	reqURL := fmt.Sprintf("%s/tweet-result?id=%s", c.baseURL, url.QueryEscape(postID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", "Relayman/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("代替APIへのリクエストに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrContentNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("代替APIがステータス %d を返しました", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	var tweet syndicationTweet
	if err := json.Unmarshal(body, &tweet); err != nil {
		return nil, fmt.Errorf("代替APIレスポンスのパースに失敗しました: %w", err)
	}

	if tweet.IDStr == "" {
		return nil, ErrContentNotFound
	}

	text := tweet.FullText
	if text == "" {
		text = tweet.Text
	}

	post := &model.Post{
		Platform: model.PlatformTwitter,
		PostID:   tweet.IDStr,
		Text:     text,
		Author: model.Author{
			Handle:      firstNonEmpty(tweet.User.ScreenName, authorHandle),
			DisplayName: tweet.User.Name,
		},
		IsReply:  tweet.InReplyToStatusIDStr != "",
		IsRepost: tweet.IsRetweet,
		IsQuote:  tweet.QuotedStatusIDStr != "",
		Fidelity: model.FidelitySyndication,
	}

	if post.IsQuote {
		post.Quoted = &model.PostRef{
			Platform: model.PlatformTwitter,
			PostID:   tweet.QuotedStatusIDStr,
		}
	}
	// 自分自身へのリプライはスレッド継続とみなす
	if post.IsReply && strings.EqualFold(tweet.InReplyToScreenName, post.Author.Handle) {
		post.IsThreadPost = true
	}

	if ts, err := time.Parse(time.RubyDate, tweet.CreatedAt); err == nil {
		post.CreatedAt = ts
	}

	for _, photo := range tweet.Photos {
		if photo.URL != "" {
			post.Media = append(post.Media, model.Media{URL: photo.URL, Type: "image"})
		}
	}

	return post, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
