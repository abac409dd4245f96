package model

import "time"

// RetryStatus はリトライレコードの状態を表す。
type RetryStatus string

const (
	// RetryStatusPending は再試行待ちを表す。
	RetryStatusPending RetryStatus = "pending"
	// RetryStatusDead はデッドレター化済みを表す。
	// デッドレターは以後のリトライスキャンから除外される。
	RetryStatusDead RetryStatus = "dead"
)

// DeadReason はデッドレター化の理由を表す。
type DeadReason string

const (
	// DeadReasonPermanent は恒久的エラー（パターン表にマッチ）を表す。
	DeadReasonPermanent DeadReason = "permanent_error"
	// DeadReasonMaxRetries はリトライ回数上限超過を表す。
	DeadReasonMaxRetries DeadReason = "max_retries_exceeded"
	// DeadReasonTooOld は初回失敗からの経過時間超過を表す。
	DeadReasonTooOld DeadReason = "too_old"
)

// RetryRecord は失敗した配信試行のリトライ状態を表す。
// 遷移: pending → (N回の再試行) → dead。
type RetryRecord struct {
	ID            string
	SourceID      string
	PostID        string
	Payload       string // IngestionTaskのJSONシリアライズ
	FailureReason string
	RetryCount    int
	Status        RetryStatus
	DeadReason    DeadReason // Statusがdeadの場合のみ設定
	FirstFailedAt time.Time
	LastRetryAt   time.Time
	NextRetryAt   time.Time
	CreatedAt     time.Time
}
