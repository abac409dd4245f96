package cleanup

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/relayman/internal/model"
)

// mockBufferRepo は削除境界時刻を記録するモック。
type mockBufferRepo struct {
	deleteBefore time.Time
	deleted      int64
}

func (m *mockBufferRepo) Add(ctx context.Context, entry *model.EditBufferEntry) error { return nil }

func (m *mockBufferRepo) ListRecentByUser(ctx context.Context, sourceID, username string, since time.Time) ([]*model.EditBufferEntry, error) {
	return nil, nil
}

func (m *mockBufferRepo) SetStatusID(ctx context.Context, id, statusID string) error { return nil }

func (m *mockBufferRepo) Delete(ctx context.Context, id string) error { return nil }

func (m *mockBufferRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	m.deleteBefore = before
	return m.deleted, nil
}

type mockActivityRepo struct {
	deleteBefore time.Time
	deleted      int64
}

func (m *mockActivityRepo) LogPublish(ctx context.Context, sourceID, postID, statusID string, action model.ActivityAction) error {
	return nil
}

func (m *mockActivityRepo) LogSkip(ctx context.Context, sourceID, postID, reason string) error {
	return nil
}

func (m *mockActivityRepo) DeleteOld(ctx context.Context, before time.Time) (int64, error) {
	m.deleteBefore = before
	return m.deleted, nil
}

// TestRun_RetentionBoundaries は各保持期間の削除境界時刻をテストする。
func TestRun_RetentionBoundaries(t *testing.T) {
	bufferRepo := &mockBufferRepo{deleted: 3}
	activityRepo := &mockActivityRepo{deleted: 12}
	job := NewCleanupJob(bufferRepo, activityRepo, slog.Default())

	before := time.Now()
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	after := time.Now()

	// 編集バッファは90分前より古いエントリが対象
	wantBufferLow := before.Add(-90 * time.Minute)
	wantBufferHigh := after.Add(-90 * time.Minute)
	if bufferRepo.deleteBefore.Before(wantBufferLow) || bufferRepo.deleteBefore.After(wantBufferHigh) {
		t.Errorf("編集バッファの削除境界は90分前であるべきです: got %v", bufferRepo.deleteBefore)
	}

	// アクティビティログは14日前より古いログが対象
	wantActivityLow := before.Add(-14 * 24 * time.Hour)
	wantActivityHigh := after.Add(-14 * 24 * time.Hour)
	if activityRepo.deleteBefore.Before(wantActivityLow) || activityRepo.deleteBefore.After(wantActivityHigh) {
		t.Errorf("アクティビティログの削除境界は14日前であるべきです: got %v", activityRepo.deleteBefore)
	}
}

// TestRun_CustomRetention は保持期間の上書き設定をテストする。
func TestRun_CustomRetention(t *testing.T) {
	bufferRepo := &mockBufferRepo{}
	activityRepo := &mockActivityRepo{}
	job := NewCleanupJob(bufferRepo, activityRepo, slog.Default())
	job.BufferRetention = 30 * time.Minute
	job.ActivityRetention = 7 * 24 * time.Hour

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if time.Until(bufferRepo.deleteBefore) > -29*time.Minute {
		t.Errorf("上書きした保持期間が使われるべきです: got %v", bufferRepo.deleteBefore)
	}
}

// TestRun_Idempotent は削除対象ゼロでもエラーにならないことをテストする。
func TestRun_Idempotent(t *testing.T) {
	job := NewCleanupJob(&mockBufferRepo{}, &mockActivityRepo{}, slog.Default())

	for i := 0; i < 3; i++ {
		if err := job.Run(context.Background()); err != nil {
			t.Fatalf("unexpected error on run %d: %v", i, err)
		}
	}
}
