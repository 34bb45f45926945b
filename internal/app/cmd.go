package app

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/efwoods/aar/internal/config"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}

// Options はコマンドライン引数の解析結果。
// フラグは同名の環境変数より優先する。
type Options struct {
	Command       Command
	ProvidersFile string
	LogLevel      string
}

// ParseArgs はサブコマンドとフラグを解析する。
// フラグはサブコマンドの前後どちらにも置ける。
func ParseArgs(args []string) (*Options, error) {
	opts := &Options{}

	flagSet := pflag.NewFlagSet("aar", pflag.ContinueOnError)
	flagSet.StringVar(&opts.ProvidersFile, "providers", "", "path to the provider catalog YAML (overrides PROVIDERS_FILE)")
	flagSet.StringVar(&opts.LogLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")

	if err := flagSet.Parse(args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	opts.Command = ParseCommand(flagSet.Args())
	return opts, nil
}

// Apply はフラグで指定された値で設定を上書きする。
func (o *Options) Apply(cfg *config.Config) {
	if o.ProvidersFile != "" {
		cfg.ProvidersFile = o.ProvidersFile
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
}
