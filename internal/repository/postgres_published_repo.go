package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/relayman/internal/model"
)

// PostgresPublishedRepo はPostgreSQLを使用した配信済みレコードリポジトリ。
// published_recordsテーブルのUNIQUE (source_id, post_id)制約により、
// 同一投稿の並行処理でもat-most-once保証が維持される。
type PostgresPublishedRepo struct {
	db *sql.DB
}

// NewPostgresPublishedRepo はPostgresPublishedRepoを生成する。
func NewPostgresPublishedRepo(db *sql.DB) *PostgresPublishedRepo {
	return &PostgresPublishedRepo{db: db}
}

// IsPublished は(source_id, post_id)が配信済みかを返す。
func (r *PostgresPublishedRepo) IsPublished(ctx context.Context, sourceID, postID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM published_records WHERE source_id = $1 AND post_id = $2)`,
		sourceID, postID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("配信済み判定に失敗しました: %w", err)
	}
	return exists, nil
}

// FindBySourceAndPost は配信済みレコードを取得する。見つからない場合はnilを返す。
func (r *PostgresPublishedRepo) FindBySourceAndPost(ctx context.Context, sourceID, postID string) (*model.PublishedRecord, error) {
	rec := &model.PublishedRecord{}
	var statusURL, nativeID sql.NullString

	err := r.db.QueryRowContext(ctx,
		`SELECT source_id, post_id, status_id, status_url, native_id, created_at
		 FROM published_records WHERE source_id = $1 AND post_id = $2`,
		sourceID, postID,
	).Scan(&rec.SourceID, &rec.PostID, &rec.StatusID, &statusURL, &nativeID, &rec.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("配信済みレコードの取得に失敗しました: %w", err)
	}

	rec.StatusURL = nullStringValue(statusURL)
	rec.NativeID = nullStringValue(nativeID)
	return rec, nil
}

// MarkPublished は配信済みレコードを挿入する。
// ON CONFLICT DO NOTHINGにより挿入は原子的で、既に存在する場合はfalseを返す。
func (r *PostgresPublishedRepo) MarkPublished(ctx context.Context, rec *model.PublishedRecord) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO published_records (source_id, post_id, status_id, status_url, native_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (source_id, post_id) DO NOTHING`,
		rec.SourceID, rec.PostID, rec.StatusID, rec.StatusURL, rec.NativeID, rec.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("配信済みレコードの挿入に失敗しました: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("挿入件数の取得に失敗しました: %w", err)
	}
	return affected > 0, nil
}

// MarkUpdated は既存レコードのステータスIDとURLを差し替える。
func (r *PostgresPublishedRepo) MarkUpdated(ctx context.Context, sourceID, postID, statusID, statusURL string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE published_records SET status_id = $3, status_url = $4
		 WHERE source_id = $1 AND post_id = $2`,
		sourceID, postID, statusID, statusURL,
	)
	if err != nil {
		return fmt.Errorf("配信済みレコードの更新に失敗しました: %w", err)
	}
	return nil
}
