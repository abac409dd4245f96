package fetch

import (
	"context"
	"fmt"
	stdhtml "html"
	"log/slog"
	"net/http"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"

	"github.com/hitoshi/relayman/internal/model"
)

// htmlUnescape はサニタイズ後に残るHTMLエンティティを展開する。
func htmlUnescape(s string) string {
	return stdhtml.UnescapeString(s)
}

// MirrorClient はスクレイピングミラーから完全忠実度の投稿を取得する。
// ステータスページのHTMLをパースし、本文・投稿者・メディア・
// リプライ/スレッドのマーカーを抽出する。
type MirrorClient struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
	stripper   *bluemonday.Policy
}

// NewMirrorClient はMirrorClientの新しいインスタンスを生成する。
// httpClientにはSSRF防止機能付きのクライアントを渡すことを想定している。
func NewMirrorClient(httpClient *http.Client, baseURL string, logger *slog.Logger) *MirrorClient {
	return &MirrorClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
		stripper:   bluemonday.StrictPolicy(),
	}
}

// FetchPost は指定投稿のステータスページを取得してPostを構築する。
// コンテンツが存在しない場合はErrContentNotFoundを返す。
func (c *MirrorClient) FetchPost(ctx context.Context, authorHandle, postID string) (*model.Post, error) {
	pageURL := fmt.Sprintf("%s/%s/status/%s", c.baseURL, authorHandle, postID)

	doc, err := c.fetchDocument(ctx, pageURL)
	if err != nil {
		return nil, err
	}

	content := findFirstByClass(doc, "tweet-content")
	if content == nil {
		// ページは存在するが本文が見つからない場合もミスとして扱う
		return nil, ErrContentNotFound
	}

	text := c.nodeText(content)
	fullname := ""
	if n := findFirstByClass(doc, "fullname"); n != nil {
		fullname = strings.TrimSpace(c.nodeText(n))
	}

	post := &model.Post{
		Platform: model.PlatformTwitter,
		PostID:   postID,
		URL:      pageURL,
		Text:     text,
		Author: model.Author{
			Handle:      authorHandle,
			DisplayName: fullname,
		},
		Media:    extractMedia(doc),
		Fidelity: model.FidelityFull,
	}

	if findFirstByClass(doc, "replying-to") != nil {
		post.IsReply = true
	}
	if findFirstByClass(doc, "retweet-header") != nil {
		post.IsRepost = true
		// 本文の投稿者がリクエストしたハンドル自身（セルフリポスト）の場合は
		// 上流の誤検出として扱い、本人の投稿に再帰属する
		if handle := c.usernameFrom(doc); handle != "" && strings.EqualFold(handle, authorHandle) {
			post.ReattributeRepost(authorHandle, fullname)
		}
	}
	if q := findFirstByClass(doc, "quote-link"); q != nil {
		post.IsQuote = true
		post.Quoted = &model.PostRef{
			Platform: model.PlatformTwitter,
			URL:      attrValue(q, "href"),
		}
	}
	// 自分自身へのリプライ（ancestorsが同一ハンドル）はスレッド継続とみなす
	if post.IsReply && chainContainsHandle(doc, authorHandle) {
		post.IsThreadPost = true
	}

	return post, nil
}

// ListAncestors は祖先チェーンの投稿IDを古い順で返す。
// thread.AncestorListerを実装する。
func (c *MirrorClient) ListAncestors(ctx context.Context, authorHandle, postID string, maxDepth int) ([]string, error) {
	pageURL := fmt.Sprintf("%s/%s/status/%s", c.baseURL, authorHandle, postID)

	doc, err := c.fetchDocument(ctx, pageURL)
	if err != nil {
		return nil, err
	}

	ancestors := findFirstByClass(doc, "ancestors")
	if ancestors == nil {
		return nil, nil
	}

	var ids []string
	for _, link := range findAllByClass(ancestors, "tweet-link") {
		if id := statusIDFromHref(attrValue(link, "href")); id != "" {
			ids = append(ids, id)
		}
	}

	// 古い順のまま、直近側（末尾）からmaxDepth件に制限する
	if len(ids) > maxDepth {
		ids = ids[len(ids)-maxDepth:]
	}
	return ids, nil
}

// fetchDocument はページを取得してHTMLドキュメントをパースする。
// 404はErrContentNotFound、その他の非200ステータスと
// ネットワークエラーは通常のエラーとして返す。
func (c *MirrorClient) fetchDocument(ctx context.Context, pageURL string) (*html.Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", "Relayman/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ミラーへのリクエストに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrContentNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ミラーがステータス %d を返しました", resp.StatusCode)
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ミラーページのパースに失敗しました: %w", err)
	}
	return doc, nil
}

// usernameFrom は本文の投稿者ハンドル（class="username"の"@handle"表記）を返す。
func (c *MirrorClient) usernameFrom(doc *html.Node) string {
	n := findFirstByClass(doc, "username")
	if n == nil {
		return ""
	}
	return strings.TrimPrefix(strings.TrimSpace(c.nodeText(n)), "@")
}

// nodeText はノードのHTMLをレンダリングしてタグを除去したテキストを返す。
func (c *MirrorClient) nodeText(n *html.Node) string {
	var sb strings.Builder
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		_ = html.Render(&sb, child)
	}
	stripped := c.stripper.Sanitize(sb.String())
	return strings.TrimSpace(htmlUnescape(stripped))
}

// extractMedia は画像・動画の添付を抽出する。
func extractMedia(doc *html.Node) []model.Media {
	var media []model.Media
	for _, n := range findAllByClass(doc, "still-image") {
		if href := attrValue(n, "href"); href != "" {
			media = append(media, model.Media{URL: href, Type: "image"})
		}
	}
	for _, n := range findAllByClass(doc, "gif-image") {
		if src := attrValue(n, "src"); src != "" {
			media = append(media, model.Media{URL: src, Type: "gif"})
		}
	}
	return media
}

// chainContainsHandle は祖先チェーンに同一ハンドルの投稿が含まれるかを返す。
func chainContainsHandle(doc *html.Node, handle string) bool {
	ancestors := findFirstByClass(doc, "ancestors")
	if ancestors == nil {
		return false
	}
	needle := "/" + strings.ToLower(handle) + "/"
	for _, link := range findAllByClass(ancestors, "tweet-link") {
		if strings.Contains(strings.ToLower(attrValue(link, "href")), needle) {
			return true
		}
	}
	return false
}

// statusIDFromHref は"/user/status/12345#m"形式のhrefから投稿IDを取り出す。
func statusIDFromHref(href string) string {
	idx := strings.Index(href, "/status/")
	if idx < 0 {
		return ""
	}
	id := href[idx+len("/status/"):]
	if hash := strings.IndexByte(id, '#'); hash >= 0 {
		id = id[:hash]
	}
	if q := strings.IndexByte(id, '?'); q >= 0 {
		id = id[:q]
	}
	return id
}

// --- HTMLノード探索ヘルパー ---

func findFirstByClass(n *html.Node, class string) *html.Node {
	if hasClass(n, class) {
		return n
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if found := findFirstByClass(child, class); found != nil {
			return found
		}
	}
	return nil
}

func findAllByClass(n *html.Node, class string) []*html.Node {
	var result []*html.Node
	if hasClass(n, class) {
		result = append(result, n)
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		result = append(result, findAllByClass(child, class)...)
	}
	return result
}

func hasClass(n *html.Node, class string) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, attr := range n.Attr {
		if attr.Key == "class" {
			for _, c := range strings.Fields(attr.Val) {
				if c == class {
					return true
				}
			}
		}
	}
	return false
}

func attrValue(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}
