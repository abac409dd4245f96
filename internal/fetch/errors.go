// Package fetch は外部通知を最高忠実度のPostへ解決するTierエスカレーションを提供する。
// ミラースクレイプ、代替API、通知ペイロードフォールバックの順序付き戦略を含む。
package fetch

import "errors"

// ErrContentNotFound はフェッチ先にコンテンツが存在しないこと（ミス）を表す。
// ミスは再試行バジェットの範囲で再試行される。
// ネットワーク・パースエラー（例外）とは区別され、例外は再試行を消費せず
// そのTierを即座に打ち切る。
var ErrContentNotFound = errors.New("content not found")

// ErrTierSkipped はソース設定によりそのTierがスキップされたことを表す。
var ErrTierSkipped = errors.New("tier skipped by source config")

// ErrNoContent は全Tierが失敗しPostを生成できなかったことを表す。
// 呼び出し元はエラーではなくスキップ（no_content）として扱う。
var ErrNoContent = errors.New("no content available")
