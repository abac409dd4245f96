package model

import "time"

// PublishedRecord は(source_id, post_id)と配信済みステータスの対応を表す。
// 不変条件: ある(source_id, post_id)に対して同時に存在するライブな
// PublishedRecordは最大1件。published_recordsテーブルのUNIQUE制約が
// 最終的な担保となる。
type PublishedRecord struct {
	SourceID  string
	PostID    string
	StatusID  string // 配信先のステータスID
	StatusURL string
	NativeID  string // プラットフォーム固有ID（該当しない場合は空）
	CreatedAt time.Time
}

// EditBufferEntry は編集・重複検出用のバッファエントリを表す。
// 配信試行ごとに1件書き込まれる（未配信のpendingエントリを含む）。
// 上書きされたエントリは削除され、ソフトマークは行わない。
// 保持期間を超えたエントリは定期クリーンアップで削除される。
type EditBufferEntry struct {
	ID             string
	SourceID       string
	PostID         string
	Username       string
	NormalizedText string
	TextHash       string
	StatusID       string // 配信先ステータスID。未配信の場合は空
	CreatedAt      time.Time
}

// ThreadLink は(source_id, author_handle)ごとの直近配信ステータスを表す。
// スレッド継続投稿の配信ごとに上書きされる。
type ThreadLink struct {
	SourceID     string
	AuthorHandle string
	StatusID     string
	UpdatedAt    time.Time
}

// ActivityAction はアクティビティログの操作種別を表す。
type ActivityAction string

const (
	// ActivityPublish は新規配信を表す。
	ActivityPublish ActivityAction = "publish"
	// ActivityUpdate は既存ステータスの更新を表す。
	ActivityUpdate ActivityAction = "update"
	// ActivitySkip はスキップ（正常系）を表す。
	ActivitySkip ActivityAction = "skip"
)

// ActivityLog はパイプラインの処理結果の監査記録を表す。
type ActivityLog struct {
	ID        string
	SourceID  string
	PostID    string
	Action    ActivityAction
	Reason    string // skipの場合の理由コード
	StatusID  string
	CreatedAt time.Time
}
