package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/relayman/internal/model"
)

// PostgresEditBufferRepo はPostgreSQLを使用した編集バッファリポジトリ。
type PostgresEditBufferRepo struct {
	db *sql.DB
}

// NewPostgresEditBufferRepo はPostgresEditBufferRepoを生成する。
func NewPostgresEditBufferRepo(db *sql.DB) *PostgresEditBufferRepo {
	return &PostgresEditBufferRepo{db: db}
}

// Add はバッファエントリを追加する。
func (r *PostgresEditBufferRepo) Add(ctx context.Context, entry *model.EditBufferEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO edit_buffer_entries (id, source_id, post_id, username, normalized_text, text_hash, status_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.SourceID, entry.PostID, entry.Username,
		entry.NormalizedText, entry.TextHash, entry.StatusID, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("編集バッファエントリの追加に失敗しました: %w", err)
	}
	return nil
}

// ListRecentByUser は同一ユーザーのsince以降のエントリをpost_id降順で取得する。
func (r *PostgresEditBufferRepo) ListRecentByUser(ctx context.Context, sourceID, username string, since time.Time) ([]*model.EditBufferEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, source_id, post_id, username, normalized_text, text_hash, status_id, created_at
		 FROM edit_buffer_entries
		 WHERE source_id = $1 AND username = $2 AND created_at >= $3
		 ORDER BY post_id DESC`,
		sourceID, username, since,
	)
	if err != nil {
		return nil, fmt.Errorf("編集バッファの検索に失敗しました: %w", err)
	}
	defer rows.Close()

	var entries []*model.EditBufferEntry
	for rows.Next() {
		entry := &model.EditBufferEntry{}
		var statusID sql.NullString
		if err := rows.Scan(
			&entry.ID, &entry.SourceID, &entry.PostID, &entry.Username,
			&entry.NormalizedText, &entry.TextHash, &statusID, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("編集バッファ行のスキャンに失敗しました: %w", err)
		}
		entry.StatusID = nullStringValue(statusID)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("編集バッファの走査に失敗しました: %w", err)
	}
	return entries, nil
}

// SetStatusID はpendingエントリに配信先ステータスIDを記録する。
func (r *PostgresEditBufferRepo) SetStatusID(ctx context.Context, id, statusID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE edit_buffer_entries SET status_id = $2 WHERE id = $1`, id, statusID)
	if err != nil {
		return fmt.Errorf("編集バッファエントリの更新に失敗しました: %w", err)
	}
	return nil
}

// Delete は指定IDのエントリを削除する。
func (r *PostgresEditBufferRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM edit_buffer_entries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("編集バッファエントリの削除に失敗しました: %w", err)
	}
	return nil
}

// DeleteExpired はbeforeより古いエントリを削除し、削除件数を返す。
func (r *PostgresEditBufferRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM edit_buffer_entries WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("期限切れ編集バッファの削除に失敗しました: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return deleted, nil
}
