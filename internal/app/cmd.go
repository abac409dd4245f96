package app

// Command はrelaymanの起動モードを表す。
type Command string

const (
	// CommandServe はWebhook受信APIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はバックグラウンドジョブ（リトライスキャナ、
	// クリーンアップ、フィードポーラー）モードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

var commandNames = map[string]Command{
	"serve":       CommandServe,
	"worker":      CommandWorker,
	"migrate":     CommandMigrate,
	"healthcheck": CommandHealthcheck,
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd, ok := commandNames[args[0]]; ok {
		return cmd
	}
	return CommandServe
}
