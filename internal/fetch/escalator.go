package fetch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/relayman/internal/model"
	"github.com/hitoshi/relayman/internal/normalize"
)

// Strategy はTierエスカレーションの1段を表すフェッチ戦略。
// 戦略の失敗は常にローカルに捕捉され、上位へ伝播しない。
type Strategy interface {
	// Name はログ用の戦略名を返す。
	Name() string

	// Fetch はタスクからPostの構築を試みる。
	// ソース設定によりスキップされる場合はErrTierSkippedを返す。
	Fetch(ctx context.Context, task model.IngestionTask, source *model.Source) (*model.Post, error)
}

// Escalator は順序付き戦略リストを忠実度の高い順に試行する。
// 例外ベースの制御フローではなく、各戦略が成功/失敗を値として返す。
// 異なるフェッチ経路は異なる理由で失敗する（ミラー停止・レート制限・
// データ欠落）ため、独立した戦略のカスケードが取り込み成功率を最大化する。
type Escalator struct {
	strategies []Strategy
	logger     *slog.Logger
}

// NewEscalator はEscalatorの新しいインスタンスを生成する。
// strategiesは忠実度の高い順に並べる。
func NewEscalator(strategies []Strategy, logger *slog.Logger) *Escalator {
	return &Escalator{
		strategies: strategies,
		logger:     logger,
	}
}

// Resolve は戦略リストを順に試行し、最初に成功したPostを返す。
// 全戦略が失敗した場合はErrNoContentを返す。
// 呼び出し元はErrNoContentをエラーではなくスキップとして扱う。
func (e *Escalator) Resolve(ctx context.Context, task model.IngestionTask, source *model.Source) (*model.Post, error) {
	for _, strategy := range e.strategies {
		post, err := strategy.Fetch(ctx, task, source)
		if err == nil && post != nil {
			e.logger.Info("投稿を解決しました",
				slog.String("source_id", task.SourceID),
				slog.String("strategy", strategy.Name()),
				slog.String("post_id", post.PostID),
				slog.String("fidelity", string(post.Fidelity)),
			)
			return post, nil
		}

		if errors.Is(err, ErrTierSkipped) {
			continue
		}

		// Tierローカルの失敗: 次の戦略へエスカレーション
		e.logger.Warn("フェッチ戦略が失敗したため次のTierへエスカレーションします",
			slog.String("source_id", task.SourceID),
			slog.String("strategy", strategy.Name()),
			slog.String("error", errString(err)),
		)
	}

	return nil, ErrNoContent
}

func errString(err error) string {
	if err == nil {
		return "no post produced"
	}
	return err.Error()
}

// PostFetcher はミラー・代替APIクライアントの共通インターフェース。
type PostFetcher interface {
	FetchPost(ctx context.Context, authorHandle, postID string) (*model.Post, error)
}

// MirrorStrategy はスクレイピングミラーからの完全忠実度フェッチ（Tier 1）。
// ミス（コンテンツ未検出）は固定の試行バジェット内で短い遅延を挟んで
// 再試行される。例外（ネットワーク・パースエラー）は再試行を消費せず
// このTierを即座に打ち切る。
type MirrorStrategy struct {
	client      PostFetcher
	missRetries int
	delays      []time.Duration
	sleep       func(time.Duration) // テスト用に差し替え可能
}

// NewMirrorStrategy はMirrorStrategyの新しいインスタンスを生成する。
func NewMirrorStrategy(client PostFetcher, missRetries int, delays []time.Duration) *MirrorStrategy {
	if missRetries <= 0 {
		missRetries = 3
	}
	return &MirrorStrategy{
		client:      client,
		missRetries: missRetries,
		delays:      delays,
		sleep:       time.Sleep,
	}
}

// Name はログ用の戦略名を返す。
func (s *MirrorStrategy) Name() string { return "mirror" }

// Fetch はミラーからの取得を試みる。
func (s *MirrorStrategy) Fetch(ctx context.Context, task model.IngestionTask, source *model.Source) (*model.Post, error) {
	if !source.FetchEnabled {
		return nil, ErrTierSkipped
	}
	if task.ExternalPostID == "" {
		return nil, ErrTierSkipped
	}

	var lastErr error
	for attempt := 0; attempt <= s.missRetries; attempt++ {
		if attempt > 0 {
			s.sleep(s.delayFor(attempt - 1))
		}

		post, err := s.client.FetchPost(ctx, task.AuthorHandle, task.ExternalPostID)
		if err == nil {
			return post, nil
		}
		if !errors.Is(err, ErrContentNotFound) {
			// 例外はこのTierを即座に打ち切る
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *MirrorStrategy) delayFor(i int) time.Duration {
	if len(s.delays) == 0 {
		return 2 * time.Second
	}
	if i >= len(s.delays) {
		return s.delays[len(s.delays)-1]
	}
	return s.delays[i]
}

// SyndicationStrategy は代替読み取り専用APIからのフェッチ（Tier 2）。
// ミラーとは異なる障害ドメインのため、単発試行・再試行なし。
type SyndicationStrategy struct {
	client PostFetcher
}

// NewSyndicationStrategy はSyndicationStrategyの新しいインスタンスを生成する。
func NewSyndicationStrategy(client PostFetcher) *SyndicationStrategy {
	return &SyndicationStrategy{client: client}
}

// Name はログ用の戦略名を返す。
func (s *SyndicationStrategy) Name() string { return "syndication" }

// Fetch は代替APIからの取得を試みる。単発試行。
func (s *SyndicationStrategy) Fetch(ctx context.Context, task model.IngestionTask, source *model.Source) (*model.Post, error) {
	if !source.FetchEnabled {
		return nil, ErrTierSkipped
	}
	if task.ExternalPostID == "" {
		return nil, ErrTierSkipped
	}
	return s.client.FetchPost(ctx, task.AuthorHandle, task.ExternalPostID)
}

// NotificationStrategy は通知ペイロードそのものをPostとして使用する
// 最終フォールバック（Tier 3）。ペイロードが供給されていない場合は失敗し、
// Escalatorは「no content available」を報告する。
type NotificationStrategy struct{}

// NewNotificationStrategy はNotificationStrategyの新しいインスタンスを生成する。
func NewNotificationStrategy() *NotificationStrategy {
	return &NotificationStrategy{}
}

// Name はログ用の戦略名を返す。
func (s *NotificationStrategy) Name() string { return "notification" }

// Fetch は通知ペイロードから低忠実度のPostを構築する。
// プラットフォームはソース設定から引き継ぐ。
func (s *NotificationStrategy) Fetch(ctx context.Context, task model.IngestionTask, source *model.Source) (*model.Post, error) {
	if task.RawText == "" {
		return nil, ErrContentNotFound
	}

	return &model.Post{
		Platform:  source.Platform,
		PostID:    task.ExternalPostID,
		Text:      normalize.DecodeDoubleEncoded(task.RawText),
		Author:    model.Author{Handle: task.AuthorHandle},
		CreatedAt: task.ReceivedAt,
		Fidelity:  model.FidelityNotification,
	}, nil
}
