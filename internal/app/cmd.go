package app

// Command はreelfeedバイナリの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーとフィードエンジンを起動する。
	CommandServe Command = "serve"
	// CommandWorker は共有DBに対するバッチ（合成ログの保持期間管理）を起動する。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は稼働中のAPIサーバーの /health を確認する。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

var commands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// LookupCommand は名前に対応するCommandを返す。未知の名前ではfalseを返す。
func LookupCommand(name string) (Command, bool) {
	cmd, ok := commands[name]
	return cmd, ok
}

// ParseCommand はコマンドライン引数の先頭からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd, ok := LookupCommand(args[0]); ok {
		return cmd
	}
	return CommandServe
}
