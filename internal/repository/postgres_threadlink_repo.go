package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/relayman/internal/model"
)

// PostgresThreadLinkRepo はPostgreSQLを使用したスレッドリンクリポジトリ。
// プロセス内キャッシュのコールドスタート時のフォールバックを担う。
type PostgresThreadLinkRepo struct {
	db *sql.DB
}

// NewPostgresThreadLinkRepo はPostgresThreadLinkRepoを生成する。
func NewPostgresThreadLinkRepo(db *sql.DB) *PostgresThreadLinkRepo {
	return &PostgresThreadLinkRepo{db: db}
}

// FindRecentParent は指定ソースの直近のスレッド親ステータスIDを返す。
// 見つからない場合は空文字列を返す。
func (r *PostgresThreadLinkRepo) FindRecentParent(ctx context.Context, sourceID string) (string, error) {
	var statusID string
	err := r.db.QueryRowContext(ctx,
		`SELECT status_id FROM thread_links
		 WHERE source_id = $1
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		sourceID,
	).Scan(&statusID)

	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("スレッド親の取得に失敗しました: %w", err)
	}
	return statusID, nil
}

// Upsert は(source_id, author_handle)のリンクを上書き保存する。
func (r *PostgresThreadLinkRepo) Upsert(ctx context.Context, link *model.ThreadLink) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO thread_links (source_id, author_handle, status_id, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (source_id, author_handle)
		 DO UPDATE SET status_id = EXCLUDED.status_id, updated_at = EXCLUDED.updated_at`,
		link.SourceID, link.AuthorHandle, link.StatusID, link.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("スレッドリンクの保存に失敗しました: %w", err)
	}
	return nil
}

// DeleteByStatusID は指定ステータスIDを指すリンクを削除する。
func (r *PostgresThreadLinkRepo) DeleteByStatusID(ctx context.Context, statusID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM thread_links WHERE status_id = $1`, statusID)
	if err != nil {
		return fmt.Errorf("スレッドリンクの削除に失敗しました: %w", err)
	}
	return nil
}
