package thread

import (
	"context"
	"log/slog"
	"testing"

	"github.com/hitoshi/relayman/internal/model"
)

// mockLinkRepo はテスト用のインメモリスレッドリンクリポジトリ。
type mockLinkRepo struct {
	recentParent string
	upserted     []*model.ThreadLink
	deletedIDs   []string
}

func (m *mockLinkRepo) FindRecentParent(ctx context.Context, sourceID string) (string, error) {
	return m.recentParent, nil
}

func (m *mockLinkRepo) Upsert(ctx context.Context, link *model.ThreadLink) error {
	m.upserted = append(m.upserted, link)
	return nil
}

func (m *mockLinkRepo) DeleteByStatusID(ctx context.Context, statusID string) error {
	m.deletedIDs = append(m.deletedIDs, statusID)
	return nil
}

// mockPublishedRepo は配信済みレコード検索のみを提供するモック。
type mockPublishedRepo struct {
	records map[string]*model.PublishedRecord // post_id → record
}

func (m *mockPublishedRepo) IsPublished(ctx context.Context, sourceID, postID string) (bool, error) {
	_, ok := m.records[postID]
	return ok, nil
}

func (m *mockPublishedRepo) FindBySourceAndPost(ctx context.Context, sourceID, postID string) (*model.PublishedRecord, error) {
	return m.records[postID], nil
}

func (m *mockPublishedRepo) MarkPublished(ctx context.Context, rec *model.PublishedRecord) (bool, error) {
	return true, nil
}

func (m *mockPublishedRepo) MarkUpdated(ctx context.Context, sourceID, postID, statusID, statusURL string) error {
	return nil
}

// mockAncestorLister は固定の祖先チェーンを返すモック。
type mockAncestorLister struct {
	chain []string
	calls int
}

func (m *mockAncestorLister) ListAncestors(ctx context.Context, authorHandle, postID string, maxDepth int) ([]string, error) {
	m.calls++
	return m.chain, nil
}

func threadPost(postID string) *model.Post {
	return &model.Post{
		PostID:       postID,
		Author:       model.Author{Handle: "alice"},
		IsThreadPost: true,
	}
}

func testSource() *model.Source {
	return &model.Source{ID: "src-1", ThreadEnabled: true}
}

// TestResolveParent_NonThreadPost はスレッド投稿でない場合に空を返すことをテストする。
func TestResolveParent_NonThreadPost(t *testing.T) {
	r := NewResolver(&mockLinkRepo{recentParent: "mast-1"}, &mockPublishedRepo{}, nil, 10, slog.Default())

	post := &model.Post{PostID: "100", Author: model.Author{Handle: "alice"}}
	got, err := r.ResolveParent(context.Background(), testSource(), post)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "" {
		t.Errorf("スレッド投稿でない場合は空を返すべきです: got %q", got)
	}
}

// TestResolveParent_CachePrecedence はキャッシュが耐久ストアより優先されることをテストする。
// 耐久ストアに別の値があってもキャッシュの値が返る。
func TestResolveParent_CachePrecedence(t *testing.T) {
	linkRepo := &mockLinkRepo{recentParent: "stale-durable-id"}
	r := NewResolver(linkRepo, &mockPublishedRepo{}, nil, 10, slog.Default())

	if err := r.UpdateCache(context.Background(), "src-1", threadPost("100"), "cached-id"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := r.ResolveParent(context.Background(), testSource(), threadPost("101"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "cached-id" {
		t.Errorf("キャッシュの値が優先されるべきです: got %q, want %q", got, "cached-id")
	}
}

// TestResolveParent_DurableFallback はコールドスタート時の耐久ストア参照をテストする。
func TestResolveParent_DurableFallback(t *testing.T) {
	linkRepo := &mockLinkRepo{recentParent: "durable-id"}
	r := NewResolver(linkRepo, &mockPublishedRepo{}, nil, 10, slog.Default())

	got, err := r.ResolveParent(context.Background(), testSource(), threadPost("101"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "durable-id" {
		t.Errorf("キャッシュ不在時は耐久ストアの値を返すべきです: got %q", got)
	}
}

// TestUpdateCache はキャッシュと耐久ストアの両方が更新されることをテストする。
func TestUpdateCache(t *testing.T) {
	linkRepo := &mockLinkRepo{}
	r := NewResolver(linkRepo, &mockPublishedRepo{}, nil, 10, slog.Default())

	if err := r.UpdateCache(context.Background(), "src-1", threadPost("100"), "mast-5"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if v, ok := r.cachedParent("src-1", "alice"); !ok || v != "mast-5" {
		t.Errorf("キャッシュが更新されるべきです: got %q, %v", v, ok)
	}
	if len(linkRepo.upserted) != 1 || linkRepo.upserted[0].StatusID != "mast-5" {
		t.Errorf("耐久ストアにリンクが保存されるべきです: got %v", linkRepo.upserted)
	}
}

// TestUpdateCache_EmptyStatusID は空ステータスIDがno-opであることをテストする。
func TestUpdateCache_EmptyStatusID(t *testing.T) {
	linkRepo := &mockLinkRepo{}
	r := NewResolver(linkRepo, &mockPublishedRepo{}, nil, 10, slog.Default())

	if err := r.UpdateCache(context.Background(), "src-1", threadPost("100"), ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(linkRepo.upserted) != 0 {
		t.Error("空ステータスIDではリンクを保存しないべきです")
	}
}

// TestClearStatus は削除済みステータスへの参照の掃除をテストする。
func TestClearStatus(t *testing.T) {
	linkRepo := &mockLinkRepo{}
	r := NewResolver(linkRepo, &mockPublishedRepo{}, nil, 10, slog.Default())

	if err := r.UpdateCache(context.Background(), "src-1", threadPost("100"), "dead-id"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.ClearStatus(context.Background(), "dead-id"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := r.cachedParent("src-1", "alice"); ok {
		t.Error("削除済みステータスへのキャッシュ参照は消えるべきです")
	}
	if len(linkRepo.deletedIDs) != 1 || linkRepo.deletedIDs[0] != "dead-id" {
		t.Errorf("耐久リンクも削除されるべきです: got %v", linkRepo.deletedIDs)
	}
}

// TestResolveByChain_AdvancedMode はチェーン再構築による親解決をテストする。
// 直近の祖先から遡り、最初に見つかった配信済みレコードのステータスIDを使う。
func TestResolveByChain_AdvancedMode(t *testing.T) {
	linkRepo := &mockLinkRepo{recentParent: "should-not-be-used"}
	publishedRepo := &mockPublishedRepo{
		records: map[string]*model.PublishedRecord{
			"90": {SourceID: "src-1", PostID: "90", StatusID: "mast-90"},
		},
	}
	// 祖先チェーン（古い順）: 90 → 95。95は未配信なので90が使われる。
	ancestors := &mockAncestorLister{chain: []string{"90", "95"}}

	source := testSource()
	source.ThreadAdvanced = true
	r := NewResolver(linkRepo, publishedRepo, ancestors, 10, slog.Default())

	got, err := r.ResolveParent(context.Background(), source, threadPost("100"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "mast-90" {
		t.Errorf("配信済みの最も近い祖先が使われるべきです: got %q", got)
	}
	if ancestors.calls != 1 {
		t.Errorf("祖先チェーンは1回取得されるべきです: got %d", ancestors.calls)
	}
}

// TestResolveByChain_NoPublishedAncestor は祖先が全て未配信の場合の
// 通常経路フォールバックをテストする。
func TestResolveByChain_NoPublishedAncestor(t *testing.T) {
	linkRepo := &mockLinkRepo{recentParent: "durable-id"}
	publishedRepo := &mockPublishedRepo{records: map[string]*model.PublishedRecord{}}
	ancestors := &mockAncestorLister{chain: []string{"90", "95"}}

	source := testSource()
	source.ThreadAdvanced = true
	r := NewResolver(linkRepo, publishedRepo, ancestors, 10, slog.Default())

	got, err := r.ResolveParent(context.Background(), source, threadPost("100"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "durable-id" {
		t.Errorf("チェーンで解決できない場合は通常経路にフォールバックすべきです: got %q", got)
	}
}

// TestResolveParent_AdvancedDisabled は上級モード無効時にチェーン再構築を
// 行わないことをテストする。
func TestResolveParent_AdvancedDisabled(t *testing.T) {
	ancestors := &mockAncestorLister{chain: []string{"90"}}
	r := NewResolver(&mockLinkRepo{}, &mockPublishedRepo{}, ancestors, 10, slog.Default())

	if _, err := r.ResolveParent(context.Background(), testSource(), threadPost("100")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ancestors.calls != 0 {
		t.Errorf("上級モード無効時はチェーン再構築を行わないべきです: calls=%d", ancestors.calls)
	}
}
