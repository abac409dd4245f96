package fetch

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/relayman/internal/model"
)

// stubFetcher は呼び出し回数を記録し、あらかじめ設定したエラー列を返すモック。
type stubFetcher struct {
	calls int
	errs  []error
	post  *model.Post
}

func (s *stubFetcher) FetchPost(ctx context.Context, authorHandle, postID string) (*model.Post, error) {
	idx := s.calls
	s.calls++
	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	return s.post, nil
}

// stubStrategy は固定の結果を返す戦略。
type stubStrategy struct {
	name  string
	post  *model.Post
	err   error
	calls int
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) Fetch(ctx context.Context, task model.IngestionTask, source *model.Source) (*model.Post, error) {
	s.calls++
	return s.post, s.err
}

func fetchSource() *model.Source {
	return &model.Source{ID: "src-1", FetchEnabled: true, Enabled: true}
}

func fetchTask() model.IngestionTask {
	return model.IngestionTask{
		SourceID:       "src-1",
		AuthorHandle:   "alice",
		ExternalPostID: "100",
		RawText:        "notification text",
		ReceivedAt:     time.Now(),
	}
}

// TestEscalator_FirstTierWins は最初に成功した戦略の結果が使われることをテストする。
func TestEscalator_FirstTierWins(t *testing.T) {
	full := &model.Post{PostID: "100", Fidelity: model.FidelityFull}
	tier1 := &stubStrategy{name: "mirror", post: full}
	tier2 := &stubStrategy{name: "syndication", post: &model.Post{Fidelity: model.FidelitySyndication}}

	e := NewEscalator([]Strategy{tier1, tier2}, slog.Default())
	got, err := e.Resolve(context.Background(), fetchTask(), fetchSource())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Fidelity != model.FidelityFull {
		t.Errorf("最高忠実度のTierが優先されるべきです: got %v", got.Fidelity)
	}
	if tier2.calls != 0 {
		t.Errorf("成功後の下位Tierは呼ばれないべきです: calls=%d", tier2.calls)
	}
}

// TestEscalator_FallbackToNotification は上位Tier全滅時の
// 通知ペイロードフォールバックをテストする。
func TestEscalator_FallbackToNotification(t *testing.T) {
	tier1 := &stubStrategy{name: "mirror", err: ErrContentNotFound}
	tier2 := &stubStrategy{name: "syndication", err: errors.New("api unreachable")}
	tier3 := NewNotificationStrategy()

	e := NewEscalator([]Strategy{tier1, tier2, tier3}, slog.Default())
	got, err := e.Resolve(context.Background(), fetchTask(), fetchSource())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Fidelity != model.FidelityNotification {
		t.Errorf("通知フォールバックが使われるべきです: got %v", got.Fidelity)
	}
	if got.Text != "notification text" {
		t.Errorf("通知ペイロードのテキストが使われるべきです: got %q", got.Text)
	}
}

// TestEscalator_NoContent は全Tier失敗かつペイロード無しの場合に
// ErrNoContentを返すことをテストする。
func TestEscalator_NoContent(t *testing.T) {
	tier1 := &stubStrategy{name: "mirror", err: ErrContentNotFound}
	tier3 := NewNotificationStrategy()

	task := fetchTask()
	task.RawText = ""

	e := NewEscalator([]Strategy{tier1, tier3}, slog.Default())
	_, err := e.Resolve(context.Background(), task, fetchSource())
	if !errors.Is(err, ErrNoContent) {
		t.Errorf("全Tier失敗時はErrNoContentを返すべきです: got %v", err)
	}
}

// TestEscalator_SkippedTier はErrTierSkippedが静かに次へ進むことをテストする。
func TestEscalator_SkippedTier(t *testing.T) {
	tier1 := &stubStrategy{name: "mirror", err: ErrTierSkipped}
	tier2 := &stubStrategy{name: "syndication", post: &model.Post{Fidelity: model.FidelitySyndication}}

	e := NewEscalator([]Strategy{tier1, tier2}, slog.Default())
	got, err := e.Resolve(context.Background(), fetchTask(), fetchSource())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Fidelity != model.FidelitySyndication {
		t.Errorf("スキップされたTierの次が使われるべきです: got %v", got.Fidelity)
	}
}

// TestMirrorStrategy_MissRetries はミス時の再試行バジェット消費をテストする。
// missRetries=3の場合、初回+3回の計4回試行される。
func TestMirrorStrategy_MissRetries(t *testing.T) {
	fetcher := &stubFetcher{
		errs: []error{ErrContentNotFound, ErrContentNotFound, ErrContentNotFound, ErrContentNotFound},
	}
	s := NewMirrorStrategy(fetcher, 3, []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second})
	s.sleep = func(time.Duration) {}

	_, err := s.Fetch(context.Background(), fetchTask(), fetchSource())
	if !errors.Is(err, ErrContentNotFound) {
		t.Errorf("全試行ミスの場合はErrContentNotFoundを返すべきです: got %v", err)
	}
	if fetcher.calls != 4 {
		t.Errorf("初回+再試行3回の計4回試行されるべきです: got %d", fetcher.calls)
	}
}

// TestMirrorStrategy_MissThenHit はミス後の再試行で成功するケースをテストする。
func TestMirrorStrategy_MissThenHit(t *testing.T) {
	fetcher := &stubFetcher{
		errs: []error{ErrContentNotFound, nil},
		post: &model.Post{PostID: "100", Fidelity: model.FidelityFull},
	}
	s := NewMirrorStrategy(fetcher, 3, nil)
	s.sleep = func(time.Duration) {}

	got, err := s.Fetch(context.Background(), fetchTask(), fetchSource())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.PostID != "100" {
		t.Errorf("再試行で取得した投稿が返るべきです: got %q", got.PostID)
	}
	if fetcher.calls != 2 {
		t.Errorf("成功時点で試行は止まるべきです: got %d", fetcher.calls)
	}
}

// TestMirrorStrategy_ExceptionAborts は例外が再試行を消費せず
// Tierを即座に打ち切ることをテストする。
func TestMirrorStrategy_ExceptionAborts(t *testing.T) {
	netErr := errors.New("connection refused")
	fetcher := &stubFetcher{errs: []error{netErr}}
	s := NewMirrorStrategy(fetcher, 3, nil)
	s.sleep = func(time.Duration) {}

	_, err := s.Fetch(context.Background(), fetchTask(), fetchSource())
	if !errors.Is(err, netErr) {
		t.Errorf("例外はそのまま返るべきです: got %v", err)
	}
	if fetcher.calls != 1 {
		t.Errorf("例外は再試行を消費しないべきです: got %d calls", fetcher.calls)
	}
}

// TestMirrorStrategy_FetchDisabled はFetchEnabled=falseのソースで
// Tierがスキップされることをテストする。
func TestMirrorStrategy_FetchDisabled(t *testing.T) {
	fetcher := &stubFetcher{}
	s := NewMirrorStrategy(fetcher, 3, nil)

	source := fetchSource()
	source.FetchEnabled = false

	_, err := s.Fetch(context.Background(), fetchTask(), source)
	if !errors.Is(err, ErrTierSkipped) {
		t.Errorf("FetchEnabled=falseの場合はErrTierSkippedを返すべきです: got %v", err)
	}
	if fetcher.calls != 0 {
		t.Errorf("スキップ時はフェッチしないべきです: got %d calls", fetcher.calls)
	}
}

// TestSyndicationStrategy_SingleAttempt は代替APIが単発試行であることをテストする。
func TestSyndicationStrategy_SingleAttempt(t *testing.T) {
	fetcher := &stubFetcher{errs: []error{ErrContentNotFound}}
	s := NewSyndicationStrategy(fetcher)

	_, err := s.Fetch(context.Background(), fetchTask(), fetchSource())
	if !errors.Is(err, ErrContentNotFound) {
		t.Errorf("unexpected error: %v", err)
	}
	if fetcher.calls != 1 {
		t.Errorf("代替APIは単発試行であるべきです: got %d calls", fetcher.calls)
	}
}

// TestNotificationStrategy_DecodesPayload は通知ペイロードの
// 二重エンコード解決をテストする。
func TestNotificationStrategy_DecodesPayload(t *testing.T) {
	s := NewNotificationStrategy()

	task := fetchTask()
	task.RawText = "a &amp;amp; b"

	got, err := s.Fetch(context.Background(), task, fetchSource())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Text != "a & b" {
		t.Errorf("ペイロードはデコードされるべきです: got %q", got.Text)
	}
	if got.Author.Handle != "alice" {
		t.Errorf("投稿者ハンドルが引き継がれるべきです: got %q", got.Author.Handle)
	}
}

// TestNotificationStrategy_PlatformFromSource はプラットフォームが
// ソース設定から引き継がれることをテストする。
func TestNotificationStrategy_PlatformFromSource(t *testing.T) {
	s := NewNotificationStrategy()

	source := fetchSource()
	source.Platform = model.PlatformRSS

	got, err := s.Fetch(context.Background(), fetchTask(), source)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Platform != model.PlatformRSS {
		t.Errorf("プラットフォームはソース設定から引き継がれるべきです: got %v", got.Platform)
	}
}
