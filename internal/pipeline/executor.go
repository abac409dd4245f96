package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/relayman/internal/editdetect"
	"github.com/hitoshi/relayman/internal/fetch"
	"github.com/hitoshi/relayman/internal/mastodon"
	"github.com/hitoshi/relayman/internal/metrics"
	"github.com/hitoshi/relayman/internal/model"
	"github.com/hitoshi/relayman/internal/normalize"
	"github.com/hitoshi/relayman/internal/repository"
)

// ContentFetcher はTierエスカレーションによる投稿解決のインターフェース。
type ContentFetcher interface {
	Resolve(ctx context.Context, task model.IngestionTask, source *model.Source) (*model.Post, error)
}

// EditDetector は編集・重複判定のインターフェース。
type EditDetector interface {
	CheckForEdit(ctx context.Context, sourceID, postID, username, text string) (*editdetect.Decision, error)
	AddToBuffer(ctx context.Context, sourceID, postID, username, text, statusID string) (string, error)
	SetBufferStatus(ctx context.Context, entryID, statusID string) error
}

// ThreadService はスレッド親解決とキャッシュ管理のインターフェース。
type ThreadService interface {
	ResolveParent(ctx context.Context, source *model.Source, post *model.Post) (string, error)
	UpdateCache(ctx context.Context, sourceID string, post *model.Post, statusID string) error
	ClearStatus(ctx context.Context, statusID string) error
}

// RetryEnqueuer は失敗タスクのリトライキュー投入のインターフェース。
type RetryEnqueuer interface {
	Enqueue(ctx context.Context, task model.IngestionTask, cause error) error
}

// Executor は取り込みタスクの処理パイプライン全体を駆動する。
//
// 処理順序: ソース解決 → フェッチ → 重複ゲート → フィルタ → 編集判定
// → スレッド解決 → 配信。重複ゲートはUNIQUE制約による挿入で確定するため、
// 同一タスクの並行処理でも二重配信は起きない（at-most-once）。
type Executor struct {
	sourceRepo    repository.SourceRepository
	publishedRepo repository.PublishedRepository
	activityRepo  repository.ActivityLogRepository

	fetcher   ContentFetcher
	filter    *Filter
	detector  EditDetector
	threads   ThreadService
	publisher mastodon.Publisher

	normalizer normalize.ContentNormalizerService
	retry      RetryEnqueuer // nilの場合はリトライキュー無効
	collector  metrics.MetricsCollector

	maxAttachments int
	statusLimit    int
	logger         *slog.Logger
}

// ExecutorParams はExecutorの依存をまとめる。
type ExecutorParams struct {
	SourceRepo    repository.SourceRepository
	PublishedRepo repository.PublishedRepository
	ActivityRepo  repository.ActivityLogRepository

	Fetcher   ContentFetcher
	Filter    *Filter
	Detector  EditDetector
	Threads   ThreadService
	Publisher mastodon.Publisher

	Normalizer normalize.ContentNormalizerService
	Retry      RetryEnqueuer
	Collector  metrics.MetricsCollector

	MaxAttachments int
	StatusLimit    int
	Logger         *slog.Logger
}

// NewExecutor はExecutorの新しいインスタンスを生成する。
// MaxAttachmentsが0以下の場合は4、StatusLimitが0以下の場合は500を使用する。
func NewExecutor(p ExecutorParams) *Executor {
	if p.MaxAttachments <= 0 {
		p.MaxAttachments = 4
	}
	if p.StatusLimit <= 0 {
		p.StatusLimit = 500
	}
	return &Executor{
		sourceRepo:     p.SourceRepo,
		publishedRepo:  p.PublishedRepo,
		activityRepo:   p.ActivityRepo,
		fetcher:        p.Fetcher,
		filter:         p.Filter,
		detector:       p.Detector,
		threads:        p.Threads,
		publisher:      p.Publisher,
		normalizer:     p.Normalizer,
		retry:          p.Retry,
		collector:      p.Collector,
		maxAttachments: p.MaxAttachments,
		statusLimit:    p.StatusLimit,
		logger:         p.Logger,
	}
}

// Process は1件の取り込みタスクを処理する。
// スキップは正常系として理由コード付きで返され、エラー扱いにはならない。
// 致命エラーの場合はリトライキューへの投入を試みた上でOutcomeFailedを返す。
func (e *Executor) Process(ctx context.Context, task model.IngestionTask) model.ProcessResult {
	start := time.Now()

	source, err := e.sourceRepo.FindByID(ctx, task.SourceID)
	if err != nil {
		return e.fail(ctx, task, fmt.Errorf("ソースの取得に失敗しました: %w", err))
	}
	if source == nil || !source.Enabled {
		return e.skip(ctx, task.SourceID, task.ExternalPostID, model.SkipReasonSourceDisabled)
	}

	post, err := e.fetcher.Resolve(ctx, task, source)
	if err != nil {
		if errors.Is(err, fetch.ErrNoContent) {
			return e.skip(ctx, task.SourceID, task.ExternalPostID, model.SkipReasonNoContent)
		}
		return e.fail(ctx, task, fmt.Errorf("投稿の解決に失敗しました: %w", err))
	}
	e.collector.RecordFetchResolved(string(post.Fidelity))

	postID := post.PostID
	if postID == "" {
		postID = task.ExternalPostID
	}
	if postID == "" {
		return e.fail(ctx, task, errors.New("投稿IDを決定できませんでした"))
	}

	// 重複ゲート（事前チェック）。最終的な確定はMarkPublishedの
	// UNIQUE制約で行われるため、ここは高速パスに過ぎない。
	published, err := e.publishedRepo.IsPublished(ctx, source.ID, postID)
	if err != nil {
		return e.fail(ctx, task, fmt.Errorf("配信済みチェックに失敗しました: %w", err))
	}
	if published {
		return e.skip(ctx, source.ID, postID, model.SkipReasonAlreadyPublished)
	}

	if reason := e.filter.SkipReason(post, source); reason != "" {
		return e.skip(ctx, source.ID, postID, reason)
	}

	text := e.normalizer.Normalize(post.Text)
	text = e.normalizer.Truncate(text, e.statusLimit)

	decision, err := e.detector.CheckForEdit(ctx, source.ID, postID, post.Author.Handle, post.Text)
	if err != nil {
		return e.fail(ctx, task, err)
	}

	switch decision.Action {
	case editdetect.ActionSkipOlderVersion:
		e.logger.Info("配信済み内容の古い版のためスキップします",
			slog.String("source_id", source.ID),
			slog.String("post_id", postID),
			slog.String("matched_post_id", decision.MatchedPostID),
			slog.Float64("similarity", decision.Similarity),
		)
		return e.skip(ctx, source.ID, postID, model.SkipReasonStaleEdit)

	case editdetect.ActionUpdateExisting:
		return e.updateExisting(ctx, task, source, post, postID, text, decision, start)

	default:
		return e.publishNew(ctx, task, source, post, postID, text, start)
	}
}

// publishNew は新規ステータスとして配信する。
func (e *Executor) publishNew(
	ctx context.Context,
	task model.IngestionTask,
	source *model.Source,
	post *model.Post,
	postID, text string,
	start time.Time,
) model.ProcessResult {
	// 配信試行ごとにpendingエントリを記録する。配信前に書くことで、
	// この試行が配信に至らなくても同一バッチ内の後続編集が上書きできる。
	bufferID, err := e.detector.AddToBuffer(ctx, source.ID, postID, post.Author.Handle, post.Text, "")
	if err != nil {
		return e.fail(ctx, task, err)
	}

	replyToID, err := e.threads.ResolveParent(ctx, source, post)
	if err != nil {
		return e.fail(ctx, task, err)
	}
	if !source.ThreadEnabled {
		replyToID = ""
	}

	mediaIDs := e.uploadMedia(ctx, post)

	status, err := e.publisher.Publish(ctx, text, mediaIDs, replyToID, source.Visibility)
	if err != nil {
		return e.fail(ctx, task, err)
	}

	inserted, err := e.publishedRepo.MarkPublished(ctx, &model.PublishedRecord{
		SourceID:  source.ID,
		PostID:    postID,
		StatusID:  status.ID,
		StatusURL: status.URL,
		NativeID:  post.PostID,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return e.fail(ctx, task, fmt.Errorf("配信レコードの記録に失敗しました: %w", err))
	}
	if !inserted {
		// 並行処理が先に配信していた: 今回の重複ステータスを取り下げる
		e.logger.Warn("並行配信を検出したため重複ステータスを削除します",
			slog.String("source_id", source.ID),
			slog.String("post_id", postID),
			slog.String("status_id", status.ID),
		)
		if err := e.publisher.DeleteStatus(ctx, status.ID); err != nil {
			e.logger.Warn("重複ステータスの削除に失敗しました",
				slog.String("status_id", status.ID),
				slog.String("error", err.Error()),
			)
		}
		// 先行した配信のステータスIDでpendingエントリを確定し、
		// 以後の編集が正しいステータスに向かうようにする
		if rec, ferr := e.publishedRepo.FindBySourceAndPost(ctx, source.ID, postID); ferr == nil && rec != nil {
			if serr := e.detector.SetBufferStatus(ctx, bufferID, rec.StatusID); serr != nil {
				e.logger.Warn("編集バッファの確定に失敗しました",
					slog.String("source_id", source.ID),
					slog.String("error", serr.Error()),
				)
			}
		}
		return e.skip(ctx, source.ID, postID, model.SkipReasonAlreadyPublished)
	}

	if post.IsThreadPost && source.ThreadEnabled {
		if err := e.threads.UpdateCache(ctx, source.ID, post, status.ID); err != nil {
			e.logger.Warn("スレッドキャッシュの更新に失敗しました",
				slog.String("source_id", source.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := e.detector.SetBufferStatus(ctx, bufferID, status.ID); err != nil {
		e.logger.Warn("編集バッファの確定に失敗しました",
			slog.String("source_id", source.ID),
			slog.String("post_id", postID),
			slog.String("error", err.Error()),
		)
	}

	e.logActivity(ctx, source.ID, postID, status.ID, model.ActivityPublish)
	e.collector.RecordPublished()
	e.collector.RecordPublishLatency(time.Since(start))

	e.logger.Info("投稿を配信しました",
		slog.String("source_id", source.ID),
		slog.String("post_id", postID),
		slog.String("status_id", status.ID),
		slog.String("fidelity", string(post.Fidelity)),
	)

	return model.ProcessResult{
		Outcome:   model.OutcomePublished,
		StatusID:  status.ID,
		StatusURL: status.URL,
	}
}

// updateExisting は既存ステータスを更新する。
// 対象が編集不能な場合はdelete-then-republishへフォールバックする。
func (e *Executor) updateExisting(
	ctx context.Context,
	task model.IngestionTask,
	source *model.Source,
	post *model.Post,
	postID, text string,
	decision *editdetect.Decision,
	start time.Time,
) model.ProcessResult {
	// 更新も配信試行の一種: pendingエントリを先に記録する
	bufferID, err := e.detector.AddToBuffer(ctx, source.ID, postID, post.Author.Handle, post.Text, "")
	if err != nil {
		return e.fail(ctx, task, err)
	}

	mediaIDs := e.uploadMedia(ctx, post)

	status, err := e.publisher.UpdateStatus(ctx, decision.StatusID, text, mediaIDs)
	if err != nil {
		if !errors.Is(err, mastodon.ErrStatusNotEditable) {
			return e.fail(ctx, task, err)
		}

		// 編集不能: 削除して再配信する。削除自体が失敗した場合は
		// 二重配信を避けるため再配信せずエラーとして扱う。
		e.logger.Info("編集不能ステータスを削除して再配信します",
			slog.String("source_id", source.ID),
			slog.String("post_id", postID),
			slog.String("status_id", decision.StatusID),
		)
		if delErr := e.publisher.DeleteStatus(ctx, decision.StatusID); delErr != nil {
			return e.fail(ctx, task, fmt.Errorf("編集不能ステータスの削除に失敗しました: %w", delErr))
		}
		if clearErr := e.threads.ClearStatus(ctx, decision.StatusID); clearErr != nil {
			e.logger.Warn("削除済みステータスへの参照の掃除に失敗しました",
				slog.String("status_id", decision.StatusID),
				slog.String("error", clearErr.Error()),
			)
		}

		replyToID, rerr := e.threads.ResolveParent(ctx, source, post)
		if rerr != nil {
			return e.fail(ctx, task, rerr)
		}
		if !source.ThreadEnabled {
			replyToID = ""
		}
		status, err = e.publisher.Publish(ctx, text, mediaIDs, replyToID, source.Visibility)
		if err != nil {
			return e.fail(ctx, task, err)
		}
	}

	if err := e.publishedRepo.MarkUpdated(ctx, source.ID, decision.MatchedPostID, status.ID, status.URL); err != nil {
		return e.fail(ctx, task, fmt.Errorf("配信レコードの更新に失敗しました: %w", err))
	}

	if post.IsThreadPost && source.ThreadEnabled {
		if err := e.threads.UpdateCache(ctx, source.ID, post, status.ID); err != nil {
			e.logger.Warn("スレッドキャッシュの更新に失敗しました",
				slog.String("source_id", source.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := e.detector.SetBufferStatus(ctx, bufferID, status.ID); err != nil {
		e.logger.Warn("編集バッファの確定に失敗しました",
			slog.String("source_id", source.ID),
			slog.String("post_id", postID),
			slog.String("error", err.Error()),
		)
	}

	e.logActivity(ctx, source.ID, postID, status.ID, model.ActivityUpdate)
	e.collector.RecordUpdated()
	e.collector.RecordPublishLatency(time.Since(start))

	e.logger.Info("投稿の編集を反映しました",
		slog.String("source_id", source.ID),
		slog.String("post_id", postID),
		slog.String("matched_post_id", decision.MatchedPostID),
		slog.String("status_id", status.ID),
		slog.Float64("similarity", decision.Similarity),
	)

	return model.ProcessResult{
		Outcome:   model.OutcomeUpdated,
		StatusID:  status.ID,
		StatusURL: status.URL,
	}
}

// uploadMedia は添付メディアを上限件数まで並列アップロードする。
// 切り捨てと個別失敗のスキップはクライアント側のUploadAllが行う。
func (e *Executor) uploadMedia(ctx context.Context, post *model.Post) []string {
	if len(post.Media) == 0 {
		return nil
	}
	if len(post.Media) > e.maxAttachments {
		e.logger.Info("添付メディアが上限を超えたため切り捨てます",
			slog.String("post_id", post.PostID),
			slog.Int("media_count", len(post.Media)),
			slog.Int("max_attachments", e.maxAttachments),
		)
	}
	return e.publisher.UploadAll(ctx, post.Media, e.maxAttachments)
}

// skip はスキップ結果を記録して返す。スキップは正常系。
func (e *Executor) skip(ctx context.Context, sourceID, postID, reason string) model.ProcessResult {
	e.logger.Info("投稿をスキップしました",
		slog.String("source_id", sourceID),
		slog.String("post_id", postID),
		slog.String("reason", reason),
	)
	if err := e.activityRepo.LogSkip(ctx, sourceID, postID, reason); err != nil {
		e.logger.Warn("アクティビティログの記録に失敗しました",
			slog.String("source_id", sourceID),
			slog.String("error", err.Error()),
		)
	}
	e.collector.RecordSkipped(reason)
	return model.Skipped(reason)
}

// fail は致命エラーを記録し、リトライキューへの投入を試みる。
func (e *Executor) fail(ctx context.Context, task model.IngestionTask, cause error) model.ProcessResult {
	e.logger.Error("パイプライン処理に失敗しました",
		slog.String("source_id", task.SourceID),
		slog.String("external_post_id", task.ExternalPostID),
		slog.String("error", cause.Error()),
	)
	e.collector.RecordFailed()

	if e.retry != nil {
		if err := e.retry.Enqueue(ctx, task, cause); err != nil {
			e.logger.Error("リトライキューへの投入に失敗しました",
				slog.String("source_id", task.SourceID),
				slog.String("error", err.Error()),
			)
		}
	}
	return model.Failed(cause)
}

// logActivity は配信・更新のアクティビティログを残す。失敗は非致命。
func (e *Executor) logActivity(ctx context.Context, sourceID, postID, statusID string, action model.ActivityAction) {
	if err := e.activityRepo.LogPublish(ctx, sourceID, postID, statusID, action); err != nil {
		e.logger.Warn("アクティビティログの記録に失敗しました",
			slog.String("source_id", sourceID),
			slog.String("error", err.Error()),
		)
	}
}
