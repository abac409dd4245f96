package model

// Outcome はパイプライン処理の最終結果の分類を表す。
// skippedは期待される正常系であり、failedと混同してはならない。
type Outcome string

const (
	// OutcomePublished は新規配信の成功を表す。
	OutcomePublished Outcome = "published"
	// OutcomeUpdated は既存ステータスの更新成功を表す。
	OutcomeUpdated Outcome = "updated"
	// OutcomeSkipped はスキップ（正常系）を表す。理由コードを伴う。
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed はパイプライン致命エラーを表す。RetryQueueに引き渡される。
	OutcomeFailed Outcome = "failed"
)

// スキップ理由コード。機械可読な理由として必ず付与される。
const (
	SkipReasonAlreadyPublished = "already_published"
	SkipReasonFilteredReply    = "filtered_reply"
	SkipReasonFilteredRepost   = "filtered_repost"
	SkipReasonFilteredQuote    = "filtered_quote"
	SkipReasonBannedPhrase     = "banned_phrase"
	SkipReasonMissingKeyword   = "missing_keyword"
	SkipReasonStaleEdit        = "stale_edit"
	SkipReasonNoContent        = "no_content"
	SkipReasonSourceDisabled   = "source_disabled"
)

// ProcessResult はPublishExecutorの処理結果を表す。
type ProcessResult struct {
	Outcome    Outcome
	SkipReason string // OutcomeSkippedの場合のみ設定
	StatusID   string // 配信・更新されたステータスID
	StatusURL  string
	Err        error // OutcomeFailedの場合のみ設定
}

// Skipped はスキップ結果を生成する。
func Skipped(reason string) ProcessResult {
	return ProcessResult{Outcome: OutcomeSkipped, SkipReason: reason}
}

// Failed は失敗結果を生成する。
func Failed(err error) ProcessResult {
	return ProcessResult{Outcome: OutcomeFailed, Err: err}
}
