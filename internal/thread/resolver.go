// Package thread はスレッド継続投稿のリプライ先解決を提供する。
//
// プロセス内キャッシュ → 耐久ストアのフォールバックの順で解決する。
// キャッシュは直近のプロセス内配信を反映するため、耐久ストアへの書き込みが
// 完了していない場合でも正しい親を返せる（キャッシュが常に優先）。
package thread

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/relayman/internal/model"
	"github.com/hitoshi/relayman/internal/repository"
)

// AncestorLister はミラーからの祖先チェーン取得のインターフェース。
// 上級モード（チェーン再構築）でのみ使用される。
type AncestorLister interface {
	// ListAncestors は指定投稿の祖先投稿IDを古い順で返す。
	// maxDepthを超える祖先は切り捨てられる。
	ListAncestors(ctx context.Context, authorHandle, postID string, maxDepth int) ([]string, error)
}

// Resolver はスレッド親の解決とキャッシュ管理を行う。
// キャッシュはコンストラクタで生成されインスタンスに所有される。
// 複数のパイプラインインスタンスが相互汚染なく並行動作できる。
type Resolver struct {
	mu    sync.RWMutex
	cache map[string]string // "sourceID|authorHandle" → statusID

	linkRepo      repository.ThreadLinkRepository
	publishedRepo repository.PublishedRepository
	ancestors     AncestorLister // nilの場合は上級モード無効
	maxDepth      int
	logger        *slog.Logger
}

// NewResolver はResolverの新しいインスタンスを生成する。
// maxDepthが0以下の場合はデフォルト値10を使用する。
// ancestorsにnilを渡すとチェーン再構築は無効になる。
func NewResolver(
	linkRepo repository.ThreadLinkRepository,
	publishedRepo repository.PublishedRepository,
	ancestors AncestorLister,
	maxDepth int,
	logger *slog.Logger,
) *Resolver {
	if maxDepth <= 0 {
		maxDepth = 10
	}
	return &Resolver{
		cache:         make(map[string]string),
		linkRepo:      linkRepo,
		publishedRepo: publishedRepo,
		ancestors:     ancestors,
		maxDepth:      maxDepth,
		logger:        logger,
	}
}

// ResolveParent はスレッド継続投稿のリプライ先ステータスIDを解決する。
// スレッド投稿でない場合は即座に空文字列を返す。
// 解決順序: チェーン再構築（上級モード時のみ）→ キャッシュ → 耐久ストア。
func (r *Resolver) ResolveParent(ctx context.Context, source *model.Source, post *model.Post) (string, error) {
	if !post.IsThreadPost {
		return "", nil
	}

	// 上級モード: ミラーから祖先チェーンを再構築し、
	// 中間投稿が本パイプラインで取り込まれていない場合でも
	// 正しい直近の親を使用する。失敗はローカルに握り潰して通常経路へ進む。
	if source.ThreadAdvanced && r.ancestors != nil {
		statusID, err := r.resolveByChain(ctx, source, post)
		if err != nil {
			r.logger.Warn("チェーン再構築に失敗したため通常経路にフォールバックします",
				slog.String("source_id", source.ID),
				slog.String("post_id", post.PostID),
				slog.String("error", err.Error()),
			)
		} else if statusID != "" {
			return statusID, nil
		}
	}

	// キャッシュ優先
	key := cacheKey(source.ID, post.Author.Handle)
	r.mu.RLock()
	cached, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && cached != "" {
		return cached, nil
	}

	// コールドスタート時の耐久ストアフォールバック
	statusID, err := r.linkRepo.FindRecentParent(ctx, source.ID)
	if err != nil {
		return "", fmt.Errorf("スレッド親の耐久ストア検索に失敗しました: %w", err)
	}
	return statusID, nil
}

// resolveByChain は祖先チェーンを辿り、配信済みの最も近い祖先の
// ステータスIDを返す。見つからない場合は空文字列を返す。
func (r *Resolver) resolveByChain(ctx context.Context, source *model.Source, post *model.Post) (string, error) {
	chain, err := r.ancestors.ListAncestors(ctx, post.Author.Handle, post.PostID, r.maxDepth)
	if err != nil {
		return "", err
	}

	// chainは古い順。直近の親から遡って配信済みレコードを探す。
	for i := len(chain) - 1; i >= 0; i-- {
		rec, err := r.publishedRepo.FindBySourceAndPost(ctx, source.ID, chain[i])
		if err != nil {
			return "", err
		}
		if rec != nil {
			return rec.StatusID, nil
		}
	}
	return "", nil
}

// UpdateCache はスレッド投稿の配信成功後にキャッシュと耐久ストアを更新する。
// statusIDが空の場合はno-op。
func (r *Resolver) UpdateCache(ctx context.Context, sourceID string, post *model.Post, statusID string) error {
	if statusID == "" {
		return nil
	}

	key := cacheKey(sourceID, post.Author.Handle)
	r.mu.Lock()
	r.cache[key] = statusID
	r.mu.Unlock()

	link := &model.ThreadLink{
		SourceID:     sourceID,
		AuthorHandle: post.Author.Handle,
		StatusID:     statusID,
		UpdatedAt:    time.Now(),
	}
	if err := r.linkRepo.Upsert(ctx, link); err != nil {
		return fmt.Errorf("スレッドリンクの保存に失敗しました: %w", err)
	}
	return nil
}

// ClearStatus は指定ステータスIDを指すキャッシュ参照と耐久リンクを削除する。
// delete-then-republishで削除されたステータスに以後のリプライが
// 向かないようにする。
func (r *Resolver) ClearStatus(ctx context.Context, statusID string) error {
	if statusID == "" {
		return nil
	}

	r.mu.Lock()
	for key, cached := range r.cache {
		if cached == statusID {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()

	if err := r.linkRepo.DeleteByStatusID(ctx, statusID); err != nil {
		return fmt.Errorf("スレッドリンクの削除に失敗しました: %w", err)
	}
	return nil
}

// cachedParent はキャッシュの現在値を返す。
func (r *Resolver) cachedParent(sourceID, authorHandle string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.cache[cacheKey(sourceID, authorHandle)]
	return v, ok
}

func cacheKey(sourceID, authorHandle string) string {
	return sourceID + "|" + authorHandle
}
