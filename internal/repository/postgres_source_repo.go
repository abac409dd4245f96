package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/relayman/internal/model"
)

// PostgresSourceRepo はPostgreSQLを使用したソース設定リポジトリ。
type PostgresSourceRepo struct {
	db *sql.DB
}

// NewPostgresSourceRepo はPostgresSourceRepoを生成する。
func NewPostgresSourceRepo(db *sql.DB) *PostgresSourceRepo {
	return &PostgresSourceRepo{db: db}
}

const sourceColumns = `id, platform, account_handle, fetch_enabled, thread_enabled,
	thread_advanced, skip_replies, skip_reposts, skip_quotes,
	banned_phrases, required_keywords, feed_url, visibility, enabled,
	created_at, updated_at`

// FindByID は指定IDのソースを取得する。見つからない場合はnilを返す。
func (r *PostgresSourceRepo) FindByID(ctx context.Context, id string) (*model.Source, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id)

	source, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ソースの取得に失敗しました: %w", err)
	}
	return source, nil
}

// ListEnabledFeedSources はポーリング対象のソースを取得する。
func (r *PostgresSourceRepo) ListEnabledFeedSources(ctx context.Context) ([]*model.Source, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE enabled = true AND feed_url <> ''`)
	if err != nil {
		return nil, fmt.Errorf("フィードソース一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var sources []*model.Source
	for rows.Next() {
		source, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("ソース行のスキャンに失敗しました: %w", err)
		}
		sources = append(sources, source)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ソース一覧の走査に失敗しました: %w", err)
	}
	return sources, nil
}

// Create はソースを作成する。
func (r *PostgresSourceRepo) Create(ctx context.Context, source *model.Source) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sources (id, platform, account_handle, fetch_enabled, thread_enabled,
		         thread_advanced, skip_replies, skip_reposts, skip_quotes,
		         banned_phrases, required_keywords, feed_url, visibility, enabled,
		         created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		source.ID, string(source.Platform), source.AccountHandle,
		source.FetchEnabled, source.ThreadEnabled, source.ThreadAdvanced,
		source.SkipReplies, source.SkipReposts, source.SkipQuotes,
		pq.Array(source.BannedPhrases), pq.Array(source.RequiredKeywords),
		source.FeedURL, source.Visibility, source.Enabled,
		source.CreatedAt, source.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ソースの作成に失敗しました: %w", err)
	}
	return nil
}

// Update はソース設定を更新する。
func (r *PostgresSourceRepo) Update(ctx context.Context, source *model.Source) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sources SET platform = $2, account_handle = $3, fetch_enabled = $4,
		        thread_enabled = $5, thread_advanced = $6, skip_replies = $7,
		        skip_reposts = $8, skip_quotes = $9, banned_phrases = $10,
		        required_keywords = $11, feed_url = $12, visibility = $13,
		        enabled = $14, updated_at = $15
		 WHERE id = $1`,
		source.ID, string(source.Platform), source.AccountHandle,
		source.FetchEnabled, source.ThreadEnabled, source.ThreadAdvanced,
		source.SkipReplies, source.SkipReposts, source.SkipQuotes,
		pq.Array(source.BannedPhrases), pq.Array(source.RequiredKeywords),
		source.FeedURL, source.Visibility, source.Enabled, source.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ソースの更新に失敗しました: %w", err)
	}
	return nil
}

// rowScanner は*sql.Rowと*sql.Rowsの共通スキャンインターフェース。
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanSource はソース行を1件スキャンする。
func scanSource(row rowScanner) (*model.Source, error) {
	source := &model.Source{}
	var platform string
	var feedURL, visibility sql.NullString
	var banned, required pq.StringArray

	err := row.Scan(
		&source.ID, &platform, &source.AccountHandle,
		&source.FetchEnabled, &source.ThreadEnabled, &source.ThreadAdvanced,
		&source.SkipReplies, &source.SkipReposts, &source.SkipQuotes,
		&banned, &required, &feedURL, &visibility, &source.Enabled,
		&source.CreatedAt, &source.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	source.Platform = model.Platform(platform)
	source.BannedPhrases = []string(banned)
	source.RequiredKeywords = []string(required)
	source.FeedURL = nullStringValue(feedURL)
	source.Visibility = nullStringValue(visibility)
	return source, nil
}

// nullStringValue はsql.NullStringから値を取り出す。NULLの場合は空文字列を返す。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
