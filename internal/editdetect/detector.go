// Package editdetect は受信投稿の編集・重複判定を提供する。
//
// 受信した投稿が新規なのか、既に配信・バッファ済みの投稿の編集なのか、
// 遅延到着した古い重複なのかを、正規化テキストの完全一致ハッシュと
// トークン類似度の2段階で判定する。
package editdetect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/relayman/internal/model"
	"github.com/hitoshi/relayman/internal/normalize"
	"github.com/hitoshi/relayman/internal/repository"
)

// Action は編集判定の結果種別を表す。
type Action string

const (
	// ActionPublishNew は新規投稿として配信することを示す。
	ActionPublishNew Action = "publish_new"
	// ActionUpdateExisting は既存ステータスの更新を示す。
	ActionUpdateExisting Action = "update_existing"
	// ActionSkipOlderVersion は配信済み内容の古い重複としてスキップすることを示す。
	ActionSkipOlderVersion Action = "skip_older_version"
)

// Decision は編集判定の結果を表す。
type Decision struct {
	Action Action

	// MatchedPostID はマッチしたバッファエントリの投稿ID。
	MatchedPostID string
	// StatusID はActionUpdateExistingの場合に更新対象となる配信先ステータスID。
	StatusID string
	// SupersededPostIDs は上書きによりバッファから削除された（配信されない）投稿ID。
	SupersededPostIDs []string
	// Similarity はマッチ時の類似度スコア。完全一致は1.0。
	Similarity float64
}

// Detector は編集バッファを用いた編集・重複判定を行う。
// バッファは耐久ストア上にあり、保持期間内のエントリのみを照合対象とする。
type Detector struct {
	bufferRepo repository.EditBufferRepository
	threshold  float64
	retention  time.Duration
	logger     *slog.Logger
}

// NewDetector はDetectorの新しいインスタンスを生成する。
// thresholdが0以下の場合はデフォルト値0.80、retentionが0以下の場合は90分を使用する。
func NewDetector(
	bufferRepo repository.EditBufferRepository,
	threshold float64,
	retention time.Duration,
	logger *slog.Logger,
) *Detector {
	if threshold <= 0 {
		threshold = 0.80
	}
	if retention <= 0 {
		retention = 90 * time.Minute
	}
	return &Detector{
		bufferRepo: bufferRepo,
		threshold:  threshold,
		retention:  retention,
		logger:     logger,
	}
}

// CheckForEdit は受信投稿の編集判定を行う。
// 判定順序:
//  1. 同一ユーザーの保持期間内エントリから完全一致ハッシュを探す
//  2. なければトークン類似度を計算し閾値以上のエントリを探す
//  3. マッチした場合、投稿IDの大小で新旧を決める（大きい方が新しい）
//  4. マッチ先が未配信（ステータスID空）の場合は同一バッチの上書きとして
//     古いエントリを削除し、受信側をpublish_newとする
func (d *Detector) CheckForEdit(ctx context.Context, sourceID, postID, username, text string) (*Decision, error) {
	normText := NormalizeForMatch(text)
	hash := TextHash(normText)

	since := time.Now().Add(-d.retention)
	entries, err := d.bufferRepo.ListRecentByUser(ctx, sourceID, username, since)
	if err != nil {
		return nil, fmt.Errorf("編集バッファの照合に失敗しました: %w", err)
	}

	// 第1段階: 完全一致ハッシュ
	for _, entry := range entries {
		if entry.TextHash == hash {
			return d.decideByOrdering(ctx, postID, entry, 1.0)
		}
	}

	// 第2段階: トークン類似度
	var best *model.EditBufferEntry
	var bestScore float64
	for _, entry := range entries {
		score := Similarity(normText, entry.NormalizedText)
		if score >= d.threshold && score > bestScore {
			best = entry
			bestScore = score
		}
	}
	if best != nil {
		return d.decideByOrdering(ctx, postID, best, bestScore)
	}

	return &Decision{Action: ActionPublishNew}, nil
}

// decideByOrdering はマッチしたエントリとの投稿ID大小で判定を下す。
func (d *Detector) decideByOrdering(ctx context.Context, postID string, entry *model.EditBufferEntry, score float64) (*Decision, error) {
	cmp := comparePostIDs(postID, entry.PostID)

	if cmp == 0 && entry.StatusID == "" {
		// 同一投稿の前回試行が配信に至っていない: pendingエントリを
		// 差し替えて再試行する
		if err := d.bufferRepo.Delete(ctx, entry.ID); err != nil {
			return nil, fmt.Errorf("pendingエントリの削除に失敗しました: %w", err)
		}
		return &Decision{Action: ActionPublishNew, Similarity: score}, nil
	}

	if cmp <= 0 {
		// 受信側が古い（または同一）: 配信済み内容の遅延重複
		return &Decision{
			Action:        ActionSkipOlderVersion,
			MatchedPostID: entry.PostID,
			Similarity:    score,
		}, nil
	}

	if entry.StatusID == "" {
		// 同一バッチ内の未配信エントリ: 古い方を上書き（削除、配信しない）
		if err := d.bufferRepo.Delete(ctx, entry.ID); err != nil {
			return nil, fmt.Errorf("上書きエントリの削除に失敗しました: %w", err)
		}
		d.logger.Info("未配信エントリを上書きしました",
			slog.String("superseded_post_id", entry.PostID),
			slog.String("post_id", postID),
		)
		return &Decision{
			Action:            ActionPublishNew,
			SupersededPostIDs: []string{entry.PostID},
			Similarity:        score,
		}, nil
	}

	return &Decision{
		Action:        ActionUpdateExisting,
		MatchedPostID: entry.PostID,
		StatusID:      entry.StatusID,
		Similarity:    score,
	}, nil
}

// AddToBuffer は配信試行をバッファに記録し、エントリIDを返す。
// 配信試行の開始時にstatusID空（pending）で書き、配信成功後に
// SetBufferStatusでステータスIDを確定する。配信に至らなかった試行は
// pendingのまま残り、同一バッチ内の後続編集による上書き対象になる。
func (d *Detector) AddToBuffer(ctx context.Context, sourceID, postID, username, text, statusID string) (string, error) {
	normText := NormalizeForMatch(text)
	entry := &model.EditBufferEntry{
		ID:             uuid.NewString(),
		SourceID:       sourceID,
		PostID:         postID,
		Username:       username,
		NormalizedText: normText,
		TextHash:       TextHash(normText),
		StatusID:       statusID,
		CreatedAt:      time.Now(),
	}
	if err := d.bufferRepo.Add(ctx, entry); err != nil {
		return "", fmt.Errorf("編集バッファへの追加に失敗しました: %w", err)
	}
	return entry.ID, nil
}

// SetBufferStatus はpendingエントリに配信先ステータスIDを確定する。
func (d *Detector) SetBufferStatus(ctx context.Context, entryID, statusID string) error {
	if err := d.bufferRepo.SetStatusID(ctx, entryID, statusID); err != nil {
		return fmt.Errorf("編集バッファの確定に失敗しました: %w", err)
	}
	return nil
}

var (
	matchURLPattern     = regexp.MustCompile(`https?://\S+`)
	matchMentionPattern = regexp.MustCompile(`@[\w.]+`)
	whitespaceRun       = regexp.MustCompile(`\s+`)
)

// NormalizeForMatch は照合用のテキスト正規化を行う。
// エンティティのデコード、URL・メンションの除去、小文字化、空白の畳み込み。
func NormalizeForMatch(text string) string {
	s := normalize.DecodeDoubleEncoded(text)
	s = matchURLPattern.ReplaceAllString(s, "")
	s = matchMentionPattern.ReplaceAllString(s, "")
	s = strings.ToLower(s)
	s = whitespaceRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// TextHash は正規化テキストのSHA-256ハッシュ（hex）を返す。
func TextHash(normText string) string {
	sum := sha256.Sum256([]byte(normText))
	return hex.EncodeToString(sum[:])
}

// Similarity は2つの正規化テキストのトークン類似度を返す。
// 小さい方のトークン集合に対する共通トークンの割合（overlap係数）で、
// 追記型の編集（元テキスト + 追加語句）が高スコアになる。
func Similarity(a, b string) float64 {
	tokensA := tokenSet(a)
	tokensB := tokenSet(b)
	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0
	}

	smaller, larger := tokensA, tokensB
	if len(tokensB) < len(tokensA) {
		smaller, larger = tokensB, tokensA
	}

	var common int
	for token := range smaller {
		if _, ok := larger[token]; ok {
			common++
		}
	}
	return float64(common) / float64(len(smaller))
}

// tokenSet はテキストを空白区切りトークンの集合に変換する。
func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, token := range strings.Fields(s) {
		set[token] = struct{}{}
	}
	return set
}

// comparePostIDs は投稿IDを順序値として比較する。
// 両者が整数として解釈できる場合は数値比較（snowflake型ID）、
// できない場合は辞書順比較を行う。
// a > b なら正、a < b なら負、等しければ0を返す。
func comparePostIDs(a, b string) int {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA == nil && errB == nil {
		switch {
		case na > nb:
			return 1
		case na < nb:
			return -1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}
