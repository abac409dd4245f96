// Package cleanup は期限切れデータの自動削除ジョブを提供する。
// 保持期間を超過した編集バッファエントリとアクティビティログを
// 定期バッチで削除する。
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/relayman/internal/repository"
)

// CleanupJob は期限切れデータの自動削除ジョブ。
// 定期実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	bufferRepo   repository.EditBufferRepository
	activityRepo repository.ActivityLogRepository
	logger       *slog.Logger

	// BufferRetention は編集バッファの保持期間（デフォルト: 90分）。
	BufferRetention time.Duration
	// ActivityRetention はアクティビティログの保持期間（デフォルト: 14日）。
	ActivityRetention time.Duration
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(
	bufferRepo repository.EditBufferRepository,
	activityRepo repository.ActivityLogRepository,
	logger *slog.Logger,
) *CleanupJob {
	return &CleanupJob{
		bufferRepo:        bufferRepo,
		activityRepo:      activityRepo,
		logger:            logger,
		BufferRetention:   90 * time.Minute,
		ActivityRetention: 14 * 24 * time.Hour,
	}
}

// Start は指定間隔のティッカーでクリーンアップジョブを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("buffer_retention", j.BufferRetention),
		slog.Duration("activity_retention", j.ActivityRetention),
	)

	// 起動直後に1回実行
	if err := j.Run(ctx); err != nil {
		j.logger.Error("クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("クリーンアップジョブの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Run は保持期間を超過したデータを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
// 保持期間を過ぎた編集バッファエントリが消えることで、
// それ以降に届く同内容の投稿は編集ではなく新規として扱われる。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	bufferDeleted, err := j.bufferRepo.DeleteExpired(ctx, start.Add(-j.BufferRetention))
	if err != nil {
		return err
	}

	activityDeleted, err := j.activityRepo.DeleteOld(ctx, start.Add(-j.ActivityRetention))
	if err != nil {
		return err
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("buffer_deleted", bufferDeleted),
		slog.Int64("activity_deleted", activityDeleted),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
