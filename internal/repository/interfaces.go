// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/relayman/internal/model"
)

// SourceRepository はソース設定の永続化インターフェース。
type SourceRepository interface {
	// FindByID は指定IDのソースを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Source, error)

	// ListEnabledFeedSources はポーリング対象（FeedURLを持つ有効な）ソースを取得する。
	ListEnabledFeedSources(ctx context.Context) ([]*model.Source, error)

	// Create はソースを作成する。
	Create(ctx context.Context, source *model.Source) error

	// Update はソース設定を更新する。
	Update(ctx context.Context, source *model.Source) error
}

// PublishedRepository は配信済みレコードの永続化インターフェース。
// at-most-once保証の唯一のロック規律を担う。
type PublishedRepository interface {
	// IsPublished は(source_id, post_id)が配信済みかを返す。
	IsPublished(ctx context.Context, sourceID, postID string) (bool, error)

	// FindBySourceAndPost は配信済みレコードを取得する。見つからない場合はnilを返す。
	FindBySourceAndPost(ctx context.Context, sourceID, postID string) (*model.PublishedRecord, error)

	// MarkPublished は配信済みレコードを挿入する。
	// UNIQUE (source_id, post_id) とON CONFLICT DO NOTHINGにより
	// read-then-writeが原子的になる。既に存在する場合はfalseを返す。
	MarkPublished(ctx context.Context, rec *model.PublishedRecord) (bool, error)

	// MarkUpdated は既存レコードのステータスIDとURLを差し替える。
	MarkUpdated(ctx context.Context, sourceID, postID, statusID, statusURL string) error
}

// EditBufferRepository は編集バッファの永続化インターフェース。
type EditBufferRepository interface {
	// Add はバッファエントリを追加する。
	Add(ctx context.Context, entry *model.EditBufferEntry) error

	// ListRecentByUser は同一ユーザーのsince以降のエントリをpost_id降順で取得する。
	ListRecentByUser(ctx context.Context, sourceID, username string, since time.Time) ([]*model.EditBufferEntry, error)

	// SetStatusID はpendingエントリに配信先ステータスIDを記録する。
	// 配信成功後に呼ばれ、以後の編集照合でupdate_existingの対象になる。
	SetStatusID(ctx context.Context, id, statusID string) error

	// Delete は指定IDのエントリを削除する。上書き（superseded）時に使用する。
	Delete(ctx context.Context, id string) error

	// DeleteExpired はbeforeより古いエントリを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// ThreadLinkRepository はスレッドリンクの永続化インターフェース。
// プロセス内キャッシュのコールドスタート時のフォールバックとして使用される。
type ThreadLinkRepository interface {
	// FindRecentParent は指定ソースの直近のスレッド親ステータスIDを返す。
	// 見つからない場合は空文字列を返す。
	FindRecentParent(ctx context.Context, sourceID string) (string, error)

	// Upsert は(source_id, author_handle)のリンクを上書き保存する。
	Upsert(ctx context.Context, link *model.ThreadLink) error

	// DeleteByStatusID は指定ステータスIDを指すリンクを削除する。
	// delete-then-republish時に死んだ親への参照を掃除する。
	DeleteByStatusID(ctx context.Context, statusID string) error
}

// RetryRepository はリトライレコードの永続化インターフェース。
type RetryRepository interface {
	// Create はリトライレコードを作成する。
	Create(ctx context.Context, rec *model.RetryRecord) error

	// ListDue は再試行期限が到来したpendingレコードを取得する。
	// deadレコードはステータスマーカーによりスキャンから除外される。
	ListDue(ctx context.Context, now time.Time, limit int) ([]*model.RetryRecord, error)

	// Update はリトライレコードの状態を更新する。
	Update(ctx context.Context, rec *model.RetryRecord) error

	// Delete は再処理が完了したレコードを削除する。
	Delete(ctx context.Context, id string) error
}

// ActivityLogRepository はアクティビティログの永続化インターフェース。
type ActivityLogRepository interface {
	// LogPublish は配信・更新の記録を残す。
	LogPublish(ctx context.Context, sourceID, postID, statusID string, action model.ActivityAction) error

	// LogSkip はスキップの記録を理由コード付きで残す。
	LogSkip(ctx context.Context, sourceID, postID, reason string) error

	// DeleteOld はbeforeより古いログを削除し、削除件数を返す。
	DeleteOld(ctx context.Context, before time.Time) (int64, error)
}
