// Package normalize は配信前テキストの決定的なクリーンアップを提供する。
//
// 三点リーダーの正規化、途切れたURLの除去、重複URLの削除、
// 長さ制限付きのスマート切り詰めを行う。
// 同一入力に対して常に同一出力を返し、自身の出力への再適用は無変化（冪等）。
package normalize

import (
	"html"
	"net/url"
	"regexp"
	"strings"
)

// Ellipsis は正規化後の三点リーダー。
const Ellipsis = "…"

// ContentNormalizerService はテキスト正規化機能のインターフェースを定義する。
// フォーマット処理の前段で使用される。
type ContentNormalizerService interface {
	// Normalize は正規化チェーン全体を適用する。冪等。
	Normalize(text string) string

	// Truncate はテキストをlimit文字（rune数）以内に切り詰める。
	// 文境界での切断を優先し、URLの内部では決して切断しない。
	// 許容範囲内に適切な境界がない場合はハードカットして三点リーダーを付加する。
	Truncate(text string, limit int) string
}

// ellipsisRuns は三点リーダーへ畳み込む表記ゆれのパターン。
// 順序付きテーブルとして上から順に適用される。
var ellipsisRuns = []*regexp.Regexp{
	regexp.MustCompile(`\.{3,}`),     // ASCIIドット3個以上
	regexp.MustCompile(`…[.…]+`),     // 三点リーダーとドットの混在ラン
	regexp.MustCompile(`…(?:\s+…)+`), // 空白を挟んだ三点リーダーの連続
}

// truncatedURLPatterns は途切れたURLの形状ごとの（パターン → 置換）テーブル。
// いずれも正規の三点リーダー1個に置き換えられる。
var truncatedURLPatterns = []*regexp.Regexp{
	// 三点リーダーを含むURL（プロトコル付き）
	regexp.MustCompile(`https?://\S*…\S*`),
	// "domain/…/path" 形式の視覚的省略
	regexp.MustCompile(`\b[\w-]+(?:\.[\w-]+)+/\S*…\S*`),
	// 先行する切り詰めでURLが分断された後に残るパスの孤児フラグメント
	regexp.MustCompile(`(?:^|\s)/[\w\-./?=&%#]{2,}`),
}

// trailingIncompleteURL はテキスト末尾の不完全なURL。
// プロトコルはあるがドメイン/TLDが短すぎる、または裸のプロトコル片。
var trailingIncompleteURL = regexp.MustCompile(
	`\s*(?:https?://[\w-]{0,3}|https?:/?/?|htt?p?s?)$`)

// urlPattern は完全なURLの検出に使用する。
var urlPattern = regexp.MustCompile(`https?://\S+`)

// normalizer はContentNormalizerServiceの実装。ステートレスでスレッドセーフ。
type normalizer struct {
	// truncateTolerance は文境界を探索する許容文字数。
	truncateTolerance int
}

// NewContentNormalizer はContentNormalizerServiceの新しいインスタンスを生成する。
// toleranceが0以下の場合はデフォルト値30を使用する。
func NewContentNormalizer(tolerance int) *normalizer {
	if tolerance <= 0 {
		tolerance = 30
	}
	return &normalizer{truncateTolerance: tolerance}
}

// Normalize は正規化チェーン全体を適用する。
// 適用順: 三点リーダー畳み込み → 途切れURL除去 → 末尾不完全URL除去
// → 末尾重複URL削除 → 再度の三点リーダー畳み込み。
func (n *normalizer) Normalize(text string) string {
	s := collapseEllipses(text)
	s = stripTruncatedURLs(s)
	s = stripTrailingIncompleteURL(s)
	s = dedupeTrailingURL(s)
	// 置換で隣接した三点リーダーを最終的に1個へ畳み込む（冪等性の担保）
	s = collapseEllipses(s)
	return strings.TrimSpace(s)
}

// collapseEllipses は三点リーダーの表記ゆれを正規形1個へ畳み込む。
func collapseEllipses(s string) string {
	for _, re := range ellipsisRuns {
		s = re.ReplaceAllString(s, Ellipsis)
	}
	return s
}

// stripTruncatedURLs は途切れたURLを正規の三点リーダーに置き換える。
func stripTruncatedURLs(s string) string {
	for _, re := range truncatedURLPatterns {
		s = re.ReplaceAllStringFunc(s, func(m string) string {
			// マッチ先頭の空白は区切りとして残す
			if strings.HasPrefix(m, " ") || strings.HasPrefix(m, "\n") || strings.HasPrefix(m, "\t") {
				return string(m[0]) + Ellipsis
			}
			return Ellipsis
		})
	}
	return s
}

// stripTrailingIncompleteURL はテキスト最末尾の不完全なURLを除去する。
func stripTrailingIncompleteURL(s string) string {
	trimmed := strings.TrimRight(s, " \t\n")
	if loc := trailingIncompleteURL.FindStringIndex(trimmed); loc != nil {
		candidate := strings.TrimSpace(trimmed[loc[0]:])
		// 完全なURL（ドット+2文字以上のTLDを含む）は不完全とみなさない
		if !looksLikeCompleteURL(candidate) {
			return strings.TrimRight(trimmed[:loc[0]], " \t\n")
		}
	}
	return s
}

// completeHostPattern はドメインとして成立するホスト部の形状。
var completeHostPattern = regexp.MustCompile(`^https?://[\w-]+(?:\.[\w-]+)*\.[A-Za-z]{2,}`)

// looksLikeCompleteURL はURL候補が完全なURLとして成立しているかを返す。
func looksLikeCompleteURL(candidate string) bool {
	return completeHostPattern.MatchString(candidate)
}

// dedupeTrailingURL は本文中に出現済みのURLが末尾に重複して
// 付加されている場合、末尾の重複を削除する。
func dedupeTrailingURL(s string) string {
	trimmed := strings.TrimRight(s, " \t\n")
	urls := urlPattern.FindAllStringIndex(trimmed, -1)
	if len(urls) < 2 {
		return s
	}

	last := urls[len(urls)-1]
	// 末尾トークンがURLでなければ対象外
	if last[1] != len(trimmed) {
		return s
	}

	lastURL := canonicalURLForm(trimmed[last[0]:last[1]])
	for _, span := range urls[:len(urls)-1] {
		if canonicalURLForm(trimmed[span[0]:span[1]]) == lastURL {
			return strings.TrimRight(trimmed[:last[0]], " \t\n")
		}
	}
	return s
}

// canonicalURLForm はURL比較用の正規形（末尾スラッシュ除去）を返す。
func canonicalURLForm(u string) string {
	return strings.TrimRight(u, "/")
}

// Truncate はテキストをlimit文字以内に切り詰める。
func (n *normalizer) Truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}

	// 三点リーダー分の1文字を確保したハードカット位置
	cut := limit - 1

	// URLの内部では切断しない: カット位置がURLスパン内なら開始位置まで戻す
	cut = avoidURLSpan(text, runes, cut)

	// 許容範囲内の文境界を後方探索する
	if boundary := findSentenceBoundary(runes, cut, n.truncateTolerance); boundary > 0 {
		return strings.TrimRight(string(runes[:boundary]), " \t\n")
	}

	return strings.TrimRight(string(runes[:cut]), " \t\n") + Ellipsis
}

// avoidURLSpan はカット位置がURL内部にある場合、URL開始位置まで戻す。
func avoidURLSpan(text string, runes []rune, cut int) int {
	byteCut := len(string(runes[:cut]))
	for _, span := range urlPattern.FindAllStringIndex(text, -1) {
		if byteCut > span[0] && byteCut < span[1] {
			return len([]rune(text[:span[0]]))
		}
	}
	return cut
}

// findSentenceBoundary はcutから許容範囲内を後方探索し、
// 文境界（終端記号+空白）の直後の位置を返す。見つからない場合は0。
func findSentenceBoundary(runes []rune, cut, tolerance int) int {
	lowest := cut - tolerance
	if lowest < 1 {
		lowest = 1
	}
	for i := cut - 1; i >= lowest; i-- {
		switch runes[i] {
		case '.', '!', '?', '。', '！', '？', '\n':
			// 終端記号の直後が文字列末尾か空白であれば文境界とみなす
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' {
				return i + 1
			}
		}
	}
	return 0
}

// DecodeDoubleEncoded はURLエンコードとHTMLエンティティの
// 二重エンコードを解決する。受信した通知のraw_textは
// マッチングロジックの前にこのデコードを通す必要がある。
func DecodeDoubleEncoded(s string) string {
	if decoded, err := url.QueryUnescape(s); err == nil {
		s = decoded
	}
	s = html.UnescapeString(s)
	s = html.UnescapeString(s) // 二重エンコード分
	return s
}
