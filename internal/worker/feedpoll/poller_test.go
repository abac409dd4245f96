package feedpoll

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/relayman/internal/model"
)

type mockSourceRepo struct {
	sources []*model.Source
}

func (m *mockSourceRepo) FindByID(ctx context.Context, id string) (*model.Source, error) {
	return nil, nil
}

func (m *mockSourceRepo) ListEnabledFeedSources(ctx context.Context) ([]*model.Source, error) {
	return m.sources, nil
}

func (m *mockSourceRepo) Create(ctx context.Context, source *model.Source) error { return nil }
func (m *mockSourceRepo) Update(ctx context.Context, source *model.Source) error { return nil }

// mockProcessor は受け取ったタスクを記録するモック。
type mockProcessor struct {
	mu    sync.Mutex
	tasks []model.IngestionTask
}

func (m *mockProcessor) Process(ctx context.Context, task model.IngestionTask) model.ProcessResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, task)
	return model.ProcessResult{Outcome: model.OutcomePublished}
}

// mockValidator はテストサーバー向けにSSRF検証を素通しするモック。
type mockValidator struct {
	rejectAll bool
	validated []string
}

func (m *mockValidator) ValidateURL(rawURL string) error {
	m.validated = append(m.validated, rawURL)
	if m.rejectAll {
		return errors.New("ブロック対象のネットワークです")
	}
	return nil
}

func (m *mockValidator) NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client {
	return &http.Client{Timeout: timeout}
}

const testRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Example Blog</title>
    <link>https://blog.example</link>
    <item>
      <title>First Post</title>
      <link>https://blog.example/posts/1</link>
      <guid>https://blog.example/posts/1</guid>
      <pubDate>Mon, 24 Aug 2026 10:00:00 +0000</pubDate>
    </item>
    <item>
      <title>Second Post</title>
      <link>https://blog.example/posts/2</link>
      <guid>https://blog.example/posts/2</guid>
    </item>
  </channel>
</rss>`

func feedSource(feedURL string) *model.Source {
	return &model.Source{
		ID:            "src-rss",
		Platform:      model.PlatformRSS,
		AccountHandle: "blog",
		FeedURL:       feedURL,
		Enabled:       true,
	}
}

// TestRunOnce_ProcessesFeedItems はフィード取得からタスク投入までをテストする。
func TestRunOnce_ProcessesFeedItems(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(testRSS))
	}))
	defer server.Close()

	processor := &mockProcessor{}
	validator := &mockValidator{}
	p := NewPoller(
		&mockSourceRepo{sources: []*model.Source{feedSource(server.URL)}},
		processor, validator, slog.Default(), 5, 10*time.Second, 1<<20,
	)

	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(processor.tasks) != 2 {
		t.Fatalf("フィードの2アイテムが処理されるべきです: got %d", len(processor.tasks))
	}
	task := processor.tasks[0]
	if task.SourceID != "src-rss" {
		t.Errorf("ソースIDが引き継がれるべきです: got %q", task.SourceID)
	}
	if task.ExternalPostID != "https://blog.example/posts/1" {
		t.Errorf("GUIDが投稿IDとして使われるべきです: got %q", task.ExternalPostID)
	}
	if task.AuthorHandle != "blog" {
		t.Errorf("ソースのアカウントハンドルが使われるべきです: got %q", task.AuthorHandle)
	}
}

// TestRunOnce_SSRFRejected はSSRF検証に失敗したソースが
// フェッチされないことをテストする。
func TestRunOnce_SSRFRejected(t *testing.T) {
	processor := &mockProcessor{}
	validator := &mockValidator{rejectAll: true}
	p := NewPoller(
		&mockSourceRepo{sources: []*model.Source{feedSource("http://169.254.169.254/feed")}},
		processor, validator, slog.Default(), 5, 10*time.Second, 1<<20,
	)

	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(processor.tasks) != 0 {
		t.Errorf("SSRF検証失敗時はアイテムを処理しないべきです: got %d", len(processor.tasks))
	}
}

// TestBuildTask はフィードアイテムからのタスク変換をテストする。
func TestBuildTask(t *testing.T) {
	p := NewPoller(&mockSourceRepo{}, &mockProcessor{}, &mockValidator{}, slog.Default(), 1, time.Second, 1024)
	source := feedSource("https://blog.example/feed")

	published := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	task, ok := p.buildTask(source, &gofeed.Item{
		Title:           "New Release",
		Link:            "https://blog.example/posts/3",
		GUID:            "guid-3",
		PublishedParsed: &published,
	})
	if !ok {
		t.Fatal("変換は成功すべきです")
	}
	if task.ExternalPostID != "guid-3" {
		t.Errorf("GUIDが優先されるべきです: got %q", task.ExternalPostID)
	}
	if task.RawText != "New Release\n\nhttps://blog.example/posts/3" {
		t.Errorf("本文はタイトル+リンクであるべきです: got %q", task.RawText)
	}
	if !task.ReceivedAt.Equal(published) {
		t.Errorf("公開日時が受信時刻として使われるべきです: got %v", task.ReceivedAt)
	}
}

// TestBuildTask_LinkFallback はGUID欠落時のリンクフォールバックをテストする。
func TestBuildTask_LinkFallback(t *testing.T) {
	p := NewPoller(&mockSourceRepo{}, &mockProcessor{}, &mockValidator{}, slog.Default(), 1, time.Second, 1024)
	source := feedSource("https://blog.example/feed")

	task, ok := p.buildTask(source, &gofeed.Item{
		Title: "No GUID",
		Link:  "https://blog.example/posts/4",
	})
	if !ok {
		t.Fatal("リンクがあれば変換は成功すべきです")
	}
	if task.ExternalPostID != "https://blog.example/posts/4" {
		t.Errorf("リンクが投稿IDとして使われるべきです: got %q", task.ExternalPostID)
	}
}

// TestBuildTask_NoIdentifier は識別子を決定できないアイテムの棄却をテストする。
func TestBuildTask_NoIdentifier(t *testing.T) {
	p := NewPoller(&mockSourceRepo{}, &mockProcessor{}, &mockValidator{}, slog.Default(), 1, time.Second, 1024)

	_, ok := p.buildTask(feedSource("https://blog.example/feed"), &gofeed.Item{Title: "orphan"})
	if ok {
		t.Error("GUIDもリンクもないアイテムは棄却されるべきです")
	}
}
