package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/relayman/internal/model"
)

// PostgresRetryRepo はPostgreSQLを使用したリトライレコードリポジトリ。
type PostgresRetryRepo struct {
	db *sql.DB
}

// NewPostgresRetryRepo はPostgresRetryRepoを生成する。
func NewPostgresRetryRepo(db *sql.DB) *PostgresRetryRepo {
	return &PostgresRetryRepo{db: db}
}

// Create はリトライレコードを作成する。
func (r *PostgresRetryRepo) Create(ctx context.Context, rec *model.RetryRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO retry_records (id, source_id, post_id, payload, failure_reason,
		         retry_count, status, dead_reason, first_failed_at, last_retry_at, next_retry_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID, rec.SourceID, rec.PostID, rec.Payload, rec.FailureReason,
		rec.RetryCount, string(rec.Status), string(rec.DeadReason),
		rec.FirstFailedAt, rec.LastRetryAt, rec.NextRetryAt, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("リトライレコードの作成に失敗しました: %w", err)
	}
	return nil
}

// ListDue は再試行期限が到来したpendingレコードを取得する。
// FOR UPDATE SKIP LOCKEDにより複数ワーカーの同時スキャンでも重複処理しない。
func (r *PostgresRetryRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.RetryRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, source_id, post_id, payload, failure_reason,
		        retry_count, status, dead_reason, first_failed_at, last_retry_at, next_retry_at, created_at
		 FROM retry_records
		 WHERE status = 'pending' AND next_retry_at <= $1
		 ORDER BY next_retry_at
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("リトライ対象の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var recs []*model.RetryRecord
	for rows.Next() {
		rec := &model.RetryRecord{}
		var status, deadReason string
		if err := rows.Scan(
			&rec.ID, &rec.SourceID, &rec.PostID, &rec.Payload, &rec.FailureReason,
			&rec.RetryCount, &status, &deadReason,
			&rec.FirstFailedAt, &rec.LastRetryAt, &rec.NextRetryAt, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("リトライレコード行のスキャンに失敗しました: %w", err)
		}
		rec.Status = model.RetryStatus(status)
		rec.DeadReason = model.DeadReason(deadReason)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("リトライレコードの走査に失敗しました: %w", err)
	}
	return recs, nil
}

// Update はリトライレコードの状態を更新する。
func (r *PostgresRetryRepo) Update(ctx context.Context, rec *model.RetryRecord) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE retry_records SET failure_reason = $2, retry_count = $3, status = $4,
		        dead_reason = $5, last_retry_at = $6, next_retry_at = $7
		 WHERE id = $1`,
		rec.ID, rec.FailureReason, rec.RetryCount, string(rec.Status),
		string(rec.DeadReason), rec.LastRetryAt, rec.NextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("リトライレコードの更新に失敗しました: %w", err)
	}
	return nil
}

// Delete は再処理が完了したリトライレコードを削除する。
func (r *PostgresRetryRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM retry_records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("リトライレコードの削除に失敗しました: %w", err)
	}
	return nil
}
