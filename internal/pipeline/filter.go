// Package pipeline は取り込みタスクの処理パイプラインを提供する。
// フェッチ、フィルタ、編集判定、スレッド解決、配信の順に処理される。
package pipeline

import (
	"strings"

	"github.com/hitoshi/relayman/internal/model"
)

// Filter はソース設定に基づくコンテンツフィルタ。
// ルールは宣言順に評価され、最初にマッチした理由でスキップされる。
type Filter struct{}

// NewFilter はFilterの新しいインスタンスを生成する。
func NewFilter() *Filter {
	return &Filter{}
}

// filterRule はフィルタの1ルール。マッチ時のスキップ理由を返す。
type filterRule func(post *model.Post, source *model.Source) string

// rules はフィルタルールの評価順リスト。
// 投稿種別のフィルタを先に、テキスト内容のフィルタを後に評価する。
var rules = []filterRule{
	ruleSkipReplies,
	ruleSkipReposts,
	ruleSkipQuotes,
	ruleBannedPhrases,
	ruleRequiredKeywords,
}

// SkipReason は投稿がフィルタされる場合にスキップ理由コードを返す。
// フィルタされない場合は空文字列を返す。
func (f *Filter) SkipReason(post *model.Post, source *model.Source) string {
	for _, rule := range rules {
		if reason := rule(post, source); reason != "" {
			return reason
		}
	}
	return ""
}

// ruleSkipReplies はリプライのフィルタ。
// スレッド継続投稿は技術的にはリプライだが、フィルタ対象にはしない。
func ruleSkipReplies(post *model.Post, source *model.Source) string {
	if source.SkipReplies && post.IsReply && !post.IsThreadPost {
		return model.SkipReasonFilteredReply
	}
	return ""
}

func ruleSkipReposts(post *model.Post, source *model.Source) string {
	if source.SkipReposts && post.IsRepost {
		return model.SkipReasonFilteredRepost
	}
	return ""
}

func ruleSkipQuotes(post *model.Post, source *model.Source) string {
	if source.SkipQuotes && post.IsQuote {
		return model.SkipReasonFilteredQuote
	}
	return ""
}

// ruleBannedPhrases は禁止フレーズの部分一致（大文字小文字無視）でフィルタする。
func ruleBannedPhrases(post *model.Post, source *model.Source) string {
	if len(source.BannedPhrases) == 0 {
		return ""
	}
	lower := strings.ToLower(post.Text)
	for _, phrase := range source.BannedPhrases {
		if phrase == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(phrase)) {
			return model.SkipReasonBannedPhrase
		}
	}
	return ""
}

// ruleRequiredKeywords は必須キーワードのいずれも含まない投稿をフィルタする。
// キーワードリストが空の場合は全投稿を通過させる。
func ruleRequiredKeywords(post *model.Post, source *model.Source) string {
	if len(source.RequiredKeywords) == 0 {
		return ""
	}
	lower := strings.ToLower(post.Text)
	for _, keyword := range source.RequiredKeywords {
		if keyword == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(keyword)) {
			return ""
		}
	}
	return model.SkipReasonMissingKeyword
}
