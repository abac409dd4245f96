// Package feedpoll はRSS/動画フィード型ソースの定期ポーリングを提供する。
// フィードの新着アイテムを取り込みタスクへ変換してパイプラインに流す。
// 既配信アイテムの重複はパイプラインの重複ゲートで排除されるため、
// ポーラー自身は既読状態を持たない。
package feedpoll

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/relayman/internal/model"
	"github.com/hitoshi/relayman/internal/repository"
)

// maxItemsPerPoll は1回のポーリングで処理するアイテムの上限。
const maxItemsPerPoll = 20

// TaskProcessor は取り込みタスクの処理インターフェース。
type TaskProcessor interface {
	Process(ctx context.Context, task model.IngestionTask) model.ProcessResult
}

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// Poller はフィード型ソースの定期ポーリングと並列制御を行う。
// semaphoreパターンで最大並列数を制御しながら各ソースをポーリングする。
type Poller struct {
	sourceRepo     repository.SourceRepository
	processor      TaskProcessor
	ssrfGuard      SSRFValidator
	logger         *slog.Logger
	maxConcurrency int
	timeout        time.Duration
	maxBodySize    int64
}

// NewPoller はPollerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値10を使用する。
func NewPoller(
	sourceRepo repository.SourceRepository,
	processor TaskProcessor,
	ssrfGuard SSRFValidator,
	logger *slog.Logger,
	maxConcurrency int,
	timeout time.Duration,
	maxBodySize int64,
) *Poller {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	return &Poller{
		sourceRepo:     sourceRepo,
		processor:      processor,
		ssrfGuard:      ssrfGuard,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		timeout:        timeout,
		maxBodySize:    maxBodySize,
	}
}

// Start は指定間隔のティッカーでポーラーを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (p *Poller) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info("フィードポーラーを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", p.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := p.RunOnce(ctx); err != nil {
		p.logger.Error("ポーリングサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("フィードポーラーを停止しました")
			return
		case <-ticker.C:
			if err := p.RunOnce(ctx); err != nil {
				p.logger.Error("ポーリングサイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce はポーリング対象ソースを1回取得し、並列でポーリングする。
// semaphoreパターンで並列数を制御する。
func (p *Poller) RunOnce(ctx context.Context) error {
	start := time.Now()

	sources, err := p.sourceRepo.ListEnabledFeedSources(ctx)
	if err != nil {
		return fmt.Errorf("ポーリング対象ソースの取得に失敗しました: %w", err)
	}
	if len(sources) == 0 {
		return nil
	}

	p.logger.Info("ポーリングサイクルを開始します",
		slog.Int("source_count", len(sources)),
	)

	sem := make(chan struct{}, p.maxConcurrency)
	var wg sync.WaitGroup

	for _, source := range sources {
		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(src *model.Source) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			if err := p.pollSource(ctx, src); err != nil {
				p.logger.Error("ソースのポーリングに失敗しました",
					slog.String("source_id", src.ID),
					slog.String("feed_url", src.FeedURL),
					slog.String("error", err.Error()),
				)
			}
		}(source)
	}

	wg.Wait()

	duration := time.Since(start)
	p.logger.Info("ポーリングサイクルが完了しました",
		slog.Int("source_count", len(sources)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// pollSource は1ソースのフィードを取得し、新着アイテムをパイプラインへ流す。
func (p *Poller) pollSource(ctx context.Context, source *model.Source) error {
	if err := p.ssrfGuard.ValidateURL(source.FeedURL); err != nil {
		return fmt.Errorf("SSRF検証に失敗しました: %w", err)
	}

	client := p.ssrfGuard.NewSafeClient(p.timeout, p.maxBodySize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.FeedURL, nil)
	if err != nil {
		return fmt.Errorf("リクエスト作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", "Relayman/1.0")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("フィードがステータス %d を返しました", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBodySize))
	if err != nil {
		return fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	parser := gofeed.NewParser()
	feed, err := parser.ParseString(string(body))
	if err != nil {
		return fmt.Errorf("フィードのパースに失敗しました: %w", err)
	}

	items := feed.Items
	if len(items) > maxItemsPerPoll {
		items = items[:maxItemsPerPoll]
	}

	var processed int
	for _, item := range items {
		task, ok := p.buildTask(source, item)
		if !ok {
			continue
		}

		result := p.processor.Process(ctx, task)
		if result.Outcome == model.OutcomeFailed {
			p.logger.Warn("フィードアイテムの処理に失敗しました",
				slog.String("source_id", source.ID),
				slog.String("post_id", task.ExternalPostID),
				slog.String("error", result.Err.Error()),
			)
			continue
		}
		processed++
	}

	p.logger.Info("ソースのポーリングが完了しました",
		slog.String("source_id", source.ID),
		slog.Int("item_count", len(items)),
		slog.Int("processed", processed),
	)
	return nil
}

// buildTask はフィードアイテムを取り込みタスクへ変換する。
// 識別子を決定できないアイテムは取り込めないためfalseを返す。
func (p *Poller) buildTask(source *model.Source, item *gofeed.Item) (model.IngestionTask, bool) {
	postID := item.GUID
	if postID == "" {
		postID = item.Link
	}
	if postID == "" {
		return model.IngestionTask{}, false
	}

	text := item.Title
	if item.Link != "" {
		text = text + "\n\n" + item.Link
	}

	receivedAt := time.Now()
	if item.PublishedParsed != nil {
		receivedAt = *item.PublishedParsed
	}

	return model.IngestionTask{
		SourceID:       source.ID,
		AuthorHandle:   source.AccountHandle,
		RawText:        text,
		ExternalPostID: postID,
		ReceivedAt:     receivedAt,
	}, true
}
