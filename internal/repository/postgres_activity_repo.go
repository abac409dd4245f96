package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/relayman/internal/model"
)

// PostgresActivityRepo はPostgreSQLを使用したアクティビティログリポジトリ。
type PostgresActivityRepo struct {
	db *sql.DB
}

// NewPostgresActivityRepo はPostgresActivityRepoを生成する。
func NewPostgresActivityRepo(db *sql.DB) *PostgresActivityRepo {
	return &PostgresActivityRepo{db: db}
}

// LogPublish は配信・更新の記録を残す。
func (r *PostgresActivityRepo) LogPublish(ctx context.Context, sourceID, postID, statusID string, action model.ActivityAction) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO activity_logs (id, source_id, post_id, action, reason, status_id, created_at)
		 VALUES ($1, $2, $3, $4, '', $5, $6)`,
		uuid.NewString(), sourceID, postID, string(action), statusID, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("配信ログの記録に失敗しました: %w", err)
	}
	return nil
}

// LogSkip はスキップの記録を理由コード付きで残す。
func (r *PostgresActivityRepo) LogSkip(ctx context.Context, sourceID, postID, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO activity_logs (id, source_id, post_id, action, reason, status_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, '', $6)`,
		uuid.NewString(), sourceID, postID, string(model.ActivitySkip), reason, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("スキップログの記録に失敗しました: %w", err)
	}
	return nil
}

// DeleteOld はbeforeより古いログを削除し、削除件数を返す。
func (r *PostgresActivityRepo) DeleteOld(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM activity_logs WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("アクティビティログの削除に失敗しました: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return deleted, nil
}
