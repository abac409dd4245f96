package retryqueue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/relayman/internal/metrics"
	"github.com/hitoshi/relayman/internal/model"
)

// mockRetryRepo はテスト用のインメモリリトライリポジトリ。
type mockRetryRepo struct {
	created []*model.RetryRecord
	updated []*model.RetryRecord
	deleted []string
	due     []*model.RetryRecord
}

func (m *mockRetryRepo) Create(ctx context.Context, rec *model.RetryRecord) error {
	m.created = append(m.created, rec)
	return nil
}

func (m *mockRetryRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.RetryRecord, error) {
	return m.due, nil
}

func (m *mockRetryRepo) Update(ctx context.Context, rec *model.RetryRecord) error {
	m.updated = append(m.updated, rec)
	return nil
}

func (m *mockRetryRepo) Delete(ctx context.Context, id string) error {
	m.deleted = append(m.deleted, id)
	return nil
}

// mockProcessor は固定の処理結果を返す再処理モック。
type mockProcessor struct {
	result model.ProcessResult
	calls  int
}

func (m *mockProcessor) Process(ctx context.Context, task model.IngestionTask) model.ProcessResult {
	m.calls++
	return m.result
}

func testCollector() *metrics.Collector {
	return metrics.NewCollector(prometheus.NewRegistry())
}

func retryTask() model.IngestionTask {
	return model.IngestionTask{
		SourceID:       "src-1",
		AuthorHandle:   "alice",
		RawText:        "hello",
		ExternalPostID: "100",
	}
}

// TestIsPermanent は恒久的エラーパターンの判定をテストする。
func TestIsPermanent(t *testing.T) {
	cases := []struct {
		reason string
		want   bool
	}{
		{"Invalid JSON in request body", true},
		{"malformed payload", true},
		{"422 Unprocessable Entity", true},
		{"validation failed: status too long", true},
		{"unknown account: alice", true},
		{"Account Suspended", true},
		{"投稿IDを決定できませんでした", true},
		{"connection refused", false},
		{"timeout awaiting response", false},
		{"503 Service Unavailable", false},
	}

	for _, tc := range cases {
		if got := IsPermanent(tc.reason); got != tc.want {
			t.Errorf("IsPermanent(%q) = %v, want %v", tc.reason, got, tc.want)
		}
	}
}

// TestClassify はデッドレター化判定の順序と条件をテストする。
func TestClassify(t *testing.T) {
	now := time.Now()
	maxAttempts := 5
	maxAge := 24 * time.Hour

	// 恒久的エラーは回数・時間に関係なく即デッドレター
	if reason, dead := Classify("invalid json", 0, now, now, maxAttempts, maxAge); !dead || reason != model.DeadReasonPermanent {
		t.Errorf("恒久的エラーは即デッドレター化されるべきです: got %v/%v", reason, dead)
	}

	// 経過時間上限
	if reason, dead := Classify("timeout", 1, now.Add(-25*time.Hour), now, maxAttempts, maxAge); !dead || reason != model.DeadReasonTooOld {
		t.Errorf("24時間超過はtoo_oldになるべきです: got %v/%v", reason, dead)
	}

	// 回数上限ちょうどでデッドレター
	if reason, dead := Classify("timeout", 5, now, now, maxAttempts, maxAge); !dead || reason != model.DeadReasonMaxRetries {
		t.Errorf("回数上限到達はmax_retriesになるべきです: got %v/%v", reason, dead)
	}

	// 上限未満は再試行継続
	if _, dead := Classify("timeout", 4, now, now, maxAttempts, maxAge); dead {
		t.Error("回数上限未満はデッドレター化しないべきです")
	}
}

// TestCalculateBackoff は指数バックオフの遅延計算をテストする。
func TestCalculateBackoff(t *testing.T) {
	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 2 * time.Minute},
		{1, 4 * time.Minute},
		{2, 8 * time.Minute},
		{3, 16 * time.Minute},
		{4, 32 * time.Minute},
		{5, time.Hour}, // 64分 → 上限1時間
		{10, time.Hour},
	}

	for _, tc := range cases {
		if got := CalculateBackoff(tc.retryCount); got != tc.want {
			t.Errorf("CalculateBackoff(%d) = %v, want %v", tc.retryCount, got, tc.want)
		}
	}
}

// TestEnqueue_Transient は一時的エラーのpending投入をテストする。
func TestEnqueue_Transient(t *testing.T) {
	repo := &mockRetryRepo{}
	q := NewQueue(repo, 5, 24*time.Hour, testCollector(), slog.Default())

	if err := q.Enqueue(context.Background(), retryTask(), errors.New("connection refused")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(repo.created) != 1 {
		t.Fatalf("レコードが1件作成されるべきです: got %d", len(repo.created))
	}
	rec := repo.created[0]
	if rec.Status != model.RetryStatusPending {
		t.Errorf("一時的エラーはpendingで投入されるべきです: got %v", rec.Status)
	}
	if rec.RetryCount != 0 {
		t.Errorf("初回投入のretry_countは0であるべきです: got %d", rec.RetryCount)
	}

	// ペイロードから元タスクが復元できること
	var task model.IngestionTask
	if err := json.Unmarshal([]byte(rec.Payload), &task); err != nil {
		t.Fatalf("ペイロードのパースに失敗しました: %v", err)
	}
	if task.SourceID != "src-1" || task.ExternalPostID != "100" {
		t.Errorf("ペイロードが元タスクを保持すべきです: got %+v", task)
	}
}

// TestEnqueue_PermanentDeadLetter は恒久的エラーが再試行回数0のまま
// 即座にデッドレター化されることをテストする。
func TestEnqueue_PermanentDeadLetter(t *testing.T) {
	repo := &mockRetryRepo{}
	q := NewQueue(repo, 5, 24*time.Hour, testCollector(), slog.Default())

	if err := q.Enqueue(context.Background(), retryTask(), errors.New("Invalid JSON in payload")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(repo.created) != 1 {
		t.Fatalf("レコードが1件作成されるべきです: got %d", len(repo.created))
	}
	rec := repo.created[0]
	if rec.Status != model.RetryStatusDead {
		t.Errorf("恒久的エラーは即deadで投入されるべきです: got %v", rec.Status)
	}
	if rec.DeadReason != model.DeadReasonPermanent {
		t.Errorf("dead理由はpermanent_errorであるべきです: got %v", rec.DeadReason)
	}
	if rec.RetryCount != 0 {
		t.Errorf("恒久的エラーは再試行回数0のままであるべきです: got %d", rec.RetryCount)
	}
}

func dueRecord(task model.IngestionTask, retryCount int) *model.RetryRecord {
	payload, _ := json.Marshal(task)
	now := time.Now()
	return &model.RetryRecord{
		ID:            "retry-1",
		SourceID:      task.SourceID,
		PostID:        task.ExternalPostID,
		Payload:       string(payload),
		FailureReason: "timeout",
		RetryCount:    retryCount,
		Status:        model.RetryStatusPending,
		FirstFailedAt: now.Add(-10 * time.Minute),
		NextRetryAt:   now,
		CreatedAt:     now.Add(-10 * time.Minute),
	}
}

// TestScanner_Success は再処理成功時にレコードがクローズされることをテストする。
func TestScanner_Success(t *testing.T) {
	repo := &mockRetryRepo{due: []*model.RetryRecord{dueRecord(retryTask(), 1)}}
	processor := &mockProcessor{result: model.ProcessResult{Outcome: model.OutcomePublished, StatusID: "mast-1"}}
	s := NewScanner(repo, processor, 5, 24*time.Hour, 50, testCollector(), slog.Default())

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if processor.calls != 1 {
		t.Errorf("再処理は1回行われるべきです: got %d", processor.calls)
	}
	if len(repo.deleted) != 1 || repo.deleted[0] != "retry-1" {
		t.Errorf("成功したレコードは削除されるべきです: got %v", repo.deleted)
	}
}

// TestScanner_SkippedIsSuccess は再処理結果がskippedでも完了扱いに
// なることをテストする。再処理時点で配信済みならalready_publishedになる。
func TestScanner_SkippedIsSuccess(t *testing.T) {
	repo := &mockRetryRepo{due: []*model.RetryRecord{dueRecord(retryTask(), 1)}}
	processor := &mockProcessor{result: model.Skipped(model.SkipReasonAlreadyPublished)}
	s := NewScanner(repo, processor, 5, 24*time.Hour, 50, testCollector(), slog.Default())

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.deleted) != 1 {
		t.Errorf("skippedも完了としてレコードを削除すべきです: got %v", repo.deleted)
	}
}

// TestScanner_FailureReschedules は再処理失敗時の回数加算と
// 次回スケジュールをテストする。
func TestScanner_FailureReschedules(t *testing.T) {
	repo := &mockRetryRepo{due: []*model.RetryRecord{dueRecord(retryTask(), 1)}}
	processor := &mockProcessor{result: model.Failed(errors.New("timeout"))}
	s := NewScanner(repo, processor, 5, 24*time.Hour, 50, testCollector(), slog.Default())

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(repo.updated) != 1 {
		t.Fatalf("レコードが更新されるべきです: got %d", len(repo.updated))
	}
	rec := repo.updated[0]
	if rec.RetryCount != 2 {
		t.Errorf("再試行回数が加算されるべきです: got %d", rec.RetryCount)
	}
	if rec.Status != model.RetryStatusPending {
		t.Errorf("上限未満はpendingのままであるべきです: got %v", rec.Status)
	}
	if !rec.NextRetryAt.After(time.Now()) {
		t.Errorf("次回再試行は未来にスケジュールされるべきです: got %v", rec.NextRetryAt)
	}
}

// TestScanner_DeadAtMaxRetries は回数上限到達時のデッドレター化をテストする。
// maxAttempts=5の場合、5回目の失敗でdeadになる。
func TestScanner_DeadAtMaxRetries(t *testing.T) {
	repo := &mockRetryRepo{due: []*model.RetryRecord{dueRecord(retryTask(), 4)}}
	processor := &mockProcessor{result: model.Failed(errors.New("timeout"))}
	s := NewScanner(repo, processor, 5, 24*time.Hour, 50, testCollector(), slog.Default())

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(repo.updated) != 1 {
		t.Fatalf("レコードが更新されるべきです: got %d", len(repo.updated))
	}
	rec := repo.updated[0]
	if rec.Status != model.RetryStatusDead {
		t.Errorf("回数上限到達でdeadになるべきです: got %v", rec.Status)
	}
	if rec.DeadReason != model.DeadReasonMaxRetries {
		t.Errorf("dead理由はmax_retries_exceededであるべきです: got %v", rec.DeadReason)
	}
	if rec.RetryCount != 5 {
		t.Errorf("再試行回数は5であるべきです: got %d", rec.RetryCount)
	}
}

// TestScanner_DeadTooOld は初回失敗から24時間超過のデッドレター化をテストする。
func TestScanner_DeadTooOld(t *testing.T) {
	rec := dueRecord(retryTask(), 1)
	rec.FirstFailedAt = time.Now().Add(-25 * time.Hour)
	repo := &mockRetryRepo{due: []*model.RetryRecord{rec}}
	processor := &mockProcessor{result: model.Failed(errors.New("timeout"))}
	s := NewScanner(repo, processor, 5, 24*time.Hour, 50, testCollector(), slog.Default())

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(repo.updated) != 1 || repo.updated[0].DeadReason != model.DeadReasonTooOld {
		t.Errorf("too_oldでデッドレター化されるべきです: got %v", repo.updated)
	}
}

// TestScanner_CorruptPayload は壊れたペイロードの即時デッドレター化をテストする。
func TestScanner_CorruptPayload(t *testing.T) {
	rec := dueRecord(retryTask(), 0)
	rec.Payload = "{not json"
	repo := &mockRetryRepo{due: []*model.RetryRecord{rec}}
	processor := &mockProcessor{}
	s := NewScanner(repo, processor, 5, 24*time.Hour, 50, testCollector(), slog.Default())

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if processor.calls != 0 {
		t.Error("壊れたペイロードは再処理しないべきです")
	}
	if len(repo.updated) != 1 || repo.updated[0].Status != model.RetryStatusDead {
		t.Errorf("壊れたペイロードはデッドレター化されるべきです: got %v", repo.updated)
	}
}
