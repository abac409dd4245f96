// Package retryqueue は失敗した配信試行の永続リトライキューを提供する。
// 恒久的エラーの即時デッドレター化、指数バックオフによる再試行、
// 回数・経過時間上限によるデッドレター化を含む。
package retryqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/relayman/internal/metrics"
	"github.com/hitoshi/relayman/internal/model"
	"github.com/hitoshi/relayman/internal/repository"
)

const (
	// initialBackoff は指数バックオフの初回遅延（2分）。
	initialBackoff = 2 * time.Minute
	// maxBackoff は指数バックオフの最大遅延（1時間）。
	maxBackoff = time.Hour
)

// permanentPatterns は再試行しても成功しない恒久的エラーのパターン表。
// 上から順に評価され、最初にマッチした時点で恒久的と判定される。
// マッチしたレコードは再試行回数0のままデッドレター化される。
var permanentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)invalid json`),
	regexp.MustCompile(`(?i)malformed`),
	regexp.MustCompile(`(?i)unprocessable`),
	regexp.MustCompile(`(?i)validation failed`),
	regexp.MustCompile(`(?i)unknown account`),
	regexp.MustCompile(`(?i)account suspended`),
	regexp.MustCompile(`(?i)投稿IDを決定できませんでした`),
}

// IsPermanent は失敗理由が恒久的エラーのパターンにマッチするかを返す。
func IsPermanent(failureReason string) bool {
	for _, pattern := range permanentPatterns {
		if pattern.MatchString(failureReason) {
			return true
		}
	}
	return false
}

// Classify は失敗レコードのデッドレター化可否を判定する。
// 判定順序: 恒久的エラー → 経過時間上限 → 再試行回数上限。
// デッドレター化すべき場合は理由とtrueを返す。
func Classify(failureReason string, retryCount int, firstFailedAt, now time.Time, maxAttempts int, maxAge time.Duration) (model.DeadReason, bool) {
	if IsPermanent(failureReason) {
		return model.DeadReasonPermanent, true
	}
	if now.Sub(firstFailedAt) > maxAge {
		return model.DeadReasonTooOld, true
	}
	if retryCount >= maxAttempts {
		return model.DeadReasonMaxRetries, true
	}
	return "", false
}

// CalculateBackoff は再試行回数に基づいて指数バックオフ遅延を計算する。
// 初回2分、2倍ずつ増加、最大1時間。
func CalculateBackoff(retryCount int) time.Duration {
	delay := initialBackoff
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// Queue は失敗タスクの投入口。pipeline.RetryEnqueuerを実装する。
type Queue struct {
	retryRepo   repository.RetryRepository
	maxAttempts int
	maxAge      time.Duration
	collector   metrics.MetricsCollector
	logger      *slog.Logger

	// now はテスト用に差し替え可能な現在時刻取得関数。
	now func() time.Time
}

// NewQueue はQueueの新しいインスタンスを生成する。
// maxAttemptsが0以下の場合は5、maxAgeが0以下の場合は24時間を使用する。
func NewQueue(
	retryRepo repository.RetryRepository,
	maxAttempts int,
	maxAge time.Duration,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Queue{
		retryRepo:   retryRepo,
		maxAttempts: maxAttempts,
		maxAge:      maxAge,
		collector:   collector,
		logger:      logger,
		now:         time.Now,
	}
}

// Enqueue は失敗タスクをリトライキューへ投入する。
// 失敗理由が恒久的エラーの場合は再試行せず即座にデッドレター化する。
func (q *Queue) Enqueue(ctx context.Context, task model.IngestionTask, cause error) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("タスクのシリアライズに失敗しました: %w", err)
	}

	now := q.now()
	rec := &model.RetryRecord{
		ID:            uuid.NewString(),
		SourceID:      task.SourceID,
		PostID:        task.ExternalPostID,
		Payload:       string(payload),
		FailureReason: cause.Error(),
		RetryCount:    0,
		Status:        model.RetryStatusPending,
		FirstFailedAt: now,
		NextRetryAt:   now.Add(CalculateBackoff(0)),
		CreatedAt:     now,
	}

	if reason, dead := Classify(rec.FailureReason, rec.RetryCount, rec.FirstFailedAt, now, q.maxAttempts, q.maxAge); dead {
		rec.Status = model.RetryStatusDead
		rec.DeadReason = reason
		q.collector.RecordRetryDead(string(reason))
		q.logger.Warn("恒久的エラーのため再試行せずデッドレター化します",
			slog.String("source_id", task.SourceID),
			slog.String("post_id", task.ExternalPostID),
			slog.String("reason", string(reason)),
			slog.String("failure_reason", rec.FailureReason),
		)
	}

	if err := q.retryRepo.Create(ctx, rec); err != nil {
		return fmt.Errorf("リトライレコードの作成に失敗しました: %w", err)
	}
	return nil
}

// TaskProcessor はリトライ対象タスクの再処理インターフェース。
// 再処理用のパイプラインはリトライキューへの再投入を行わない構成で注入する。
type TaskProcessor interface {
	Process(ctx context.Context, task model.IngestionTask) model.ProcessResult
}

// Scanner は期限到来したリトライレコードを定期スキャンして再処理する。
type Scanner struct {
	retryRepo   repository.RetryRepository
	processor   TaskProcessor
	maxAttempts int
	maxAge      time.Duration
	batchLimit  int
	collector   metrics.MetricsCollector
	logger      *slog.Logger

	now func() time.Time
}

// NewScanner はScannerの新しいインスタンスを生成する。
// batchLimitが0以下の場合は50を使用する。
func NewScanner(
	retryRepo repository.RetryRepository,
	processor TaskProcessor,
	maxAttempts int,
	maxAge time.Duration,
	batchLimit int,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Scanner {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	if batchLimit <= 0 {
		batchLimit = 50
	}
	return &Scanner{
		retryRepo:   retryRepo,
		processor:   processor,
		maxAttempts: maxAttempts,
		maxAge:      maxAge,
		batchLimit:  batchLimit,
		collector:   collector,
		logger:      logger,
		now:         time.Now,
	}
}

// Start は指定間隔のティッカーでスキャナを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scanner) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("リトライスキャナを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_attempts", s.maxAttempts),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("リトライスキャンの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("リトライスキャナを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("リトライスキャンの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は期限到来レコードを1バッチ取得して再処理する。
// deadレコードはListDueのステータス条件によりスキャン対象外。
func (s *Scanner) RunOnce(ctx context.Context) error {
	now := s.now()

	records, err := s.retryRepo.ListDue(ctx, now, s.batchLimit)
	if err != nil {
		return fmt.Errorf("リトライレコードの取得に失敗しました: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	s.logger.Info("リトライスキャンを開始します",
		slog.Int("record_count", len(records)),
	)

	for _, rec := range records {
		if err := s.processRecord(ctx, rec); err != nil {
			s.logger.Error("リトライレコードの処理に失敗しました",
				slog.String("retry_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// processRecord は1件のリトライレコードを再処理する。
func (s *Scanner) processRecord(ctx context.Context, rec *model.RetryRecord) error {
	var task model.IngestionTask
	if err := json.Unmarshal([]byte(rec.Payload), &task); err != nil {
		// ペイロードが壊れている場合は再処理のしようがない
		return s.markDead(ctx, rec, model.DeadReasonPermanent, fmt.Sprintf("ペイロードのパースに失敗しました: %v", err))
	}

	result := s.processor.Process(ctx, task)
	if result.Outcome != model.OutcomeFailed {
		// 成功（published/updated/skipped）: 再試行完了としてマーク
		return s.markDone(ctx, rec, result)
	}

	return s.recordFailure(ctx, rec, result.Err)
}

// markDone は再処理成功時にレコードをクローズする。
func (s *Scanner) markDone(ctx context.Context, rec *model.RetryRecord, result model.ProcessResult) error {
	if err := s.retryRepo.Delete(ctx, rec.ID); err != nil {
		return fmt.Errorf("リトライレコードの削除に失敗しました: %w", err)
	}
	s.logger.Info("再試行が成功しました",
		slog.String("retry_id", rec.ID),
		slog.String("source_id", rec.SourceID),
		slog.String("post_id", rec.PostID),
		slog.String("outcome", string(result.Outcome)),
		slog.Int("retry_count", rec.RetryCount),
	)
	return nil
}

// recordFailure は再処理失敗を記録し、必要ならデッドレター化する。
func (s *Scanner) recordFailure(ctx context.Context, rec *model.RetryRecord, cause error) error {
	now := s.now()
	rec.RetryCount++
	rec.LastRetryAt = now
	if cause != nil {
		rec.FailureReason = cause.Error()
	}

	if reason, dead := Classify(rec.FailureReason, rec.RetryCount, rec.FirstFailedAt, now, s.maxAttempts, s.maxAge); dead {
		return s.markDead(ctx, rec, reason, rec.FailureReason)
	}

	rec.NextRetryAt = now.Add(CalculateBackoff(rec.RetryCount))
	if err := s.retryRepo.Update(ctx, rec); err != nil {
		return fmt.Errorf("リトライレコードの更新に失敗しました: %w", err)
	}
	s.logger.Info("再試行に失敗したため次回をスケジュールします",
		slog.String("retry_id", rec.ID),
		slog.Int("retry_count", rec.RetryCount),
		slog.Time("next_retry_at", rec.NextRetryAt),
	)
	return nil
}

// markDead はレコードをデッドレター化する。
func (s *Scanner) markDead(ctx context.Context, rec *model.RetryRecord, reason model.DeadReason, failureReason string) error {
	rec.Status = model.RetryStatusDead
	rec.DeadReason = reason
	rec.FailureReason = failureReason
	rec.LastRetryAt = s.now()

	if err := s.retryRepo.Update(ctx, rec); err != nil {
		return fmt.Errorf("デッドレター化の記録に失敗しました: %w", err)
	}
	s.collector.RecordRetryDead(string(reason))
	s.logger.Warn("リトライレコードをデッドレター化しました",
		slog.String("retry_id", rec.ID),
		slog.String("source_id", rec.SourceID),
		slog.String("post_id", rec.PostID),
		slog.String("dead_reason", string(reason)),
		slog.Int("retry_count", rec.RetryCount),
	)
	return nil
}
