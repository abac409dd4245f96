package model

import "time"

// Source はソースごとの中継設定を表す。
// フェッチTierの有効化フラグ、コンテンツフィルタ、スレッド処理設定を保持する。
type Source struct {
	ID            string
	Platform      Platform
	AccountHandle string

	// FetchEnabled がfalseの場合、完全取得Tierをスキップして
	// 通知ペイロードへのフォールバックのみを使用する。
	FetchEnabled bool

	// ThreadEnabled はスレッド継続投稿のリプライチェーン維持を有効化する。
	ThreadEnabled bool
	// ThreadAdvanced はミラー経由のチェーン再構築（上級モード）を有効化する。
	ThreadAdvanced bool

	// コンテンツフィルタ
	SkipReplies      bool
	SkipReposts      bool
	SkipQuotes       bool
	BannedPhrases    []string
	RequiredKeywords []string

	// FeedURL はRSS/動画フィード型ソースのポーリング対象URL。
	FeedURL string

	// Visibility は配信先での公開範囲（public/unlisted/private）。
	Visibility string

	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
