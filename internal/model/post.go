// Package model はドメインモデルを定義する。
package model

import "time"

// Platform は投稿の取得元プラットフォームを表す。
type Platform string

const (
	// PlatformTwitter はマイクロブログサービスを表す。
	PlatformTwitter Platform = "twitter"
	// PlatformBluesky は分散型SNSを表す。
	PlatformBluesky Platform = "bluesky"
	// PlatformRSS はRSS/Atomフィードを表す。
	PlatformRSS Platform = "rss"
	// PlatformYouTube は動画プラットフォームを表す。
	PlatformYouTube Platform = "youtube"
)

// Fidelity は取得した投稿の忠実度（どのTierで取得できたか）を表す。
type Fidelity string

const (
	// FidelityFull はミラーからの完全取得を表す。
	FidelityFull Fidelity = "full"
	// FidelitySyndication は代替APIからの取得を表す。
	FidelitySyndication Fidelity = "syndication"
	// FidelityNotification は通知ペイロードそのものへのフォールバックを表す。
	FidelityNotification Fidelity = "notification"
)

// Author は投稿者を表す。
type Author struct {
	Handle      string
	DisplayName string
}

// Media は投稿に添付されたメディアを表す。
type Media struct {
	URL     string
	Type    string // "image", "video", "gif"
	AltText string
}

// PostRef は引用・リポスト対象など別投稿への参照を表す。
type PostRef struct {
	Platform Platform
	PostID   string
	Author   string
	URL      string
}

// Post はフェッチ戦略が構築した解決済みの投稿を表す。
// 構築後はイミュータブルとして扱う。唯一の例外はReattributeRepostで、
// 上流がリポストを誤検出した場合の投稿者再帰属のみ許される。
type Post struct {
	Platform  Platform
	PostID    string
	URL       string
	Text      string
	Author    Author
	CreatedAt time.Time
	Media     []Media

	IsReply      bool
	IsRepost     bool
	IsQuote      bool
	IsThreadPost bool

	Quoted   *PostRef
	Reposted *PostRef

	// ThreadIndex/ThreadTotal はスレッド内の位置。0は不明を表す。
	ThreadIndex int
	ThreadTotal int

	Fidelity Fidelity
}

// ReattributeRepost はリポスト誤検出時に投稿者を再帰属する。
// Postに対して許される唯一の構築後変更。
func (p *Post) ReattributeRepost(handle, displayName string) {
	p.Author = Author{Handle: handle, DisplayName: displayName}
	p.IsRepost = false
	p.Reposted = nil
}

// IngestionTask は外部コラボレータから受信した低忠実度の通知を表す。
// RawTextはURLエンコード・HTMLエンティティの二重エンコードの可能性があり、
// マッチングロジックの前にデコードされる必要がある。
type IngestionTask struct {
	SourceID       string
	AuthorHandle   string
	RawText        string
	ExternalPostID string // 未設定の場合あり
	ReceivedAt     time.Time
}
