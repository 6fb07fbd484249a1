package app

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はHTTPサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はクリーンアップワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// NewRootCommand はmemberhubのルートコマンドを生成する。
// サブコマンドを省略した場合はserveとして起動する。
// ログはwに出力する。
func NewRootCommand(w io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "memberhub",
		Short:         "Member accounts and profiles server",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd, w, CommandServe)
		},
	}

	serveCmd := &cobra.Command{
		Use:   string(CommandServe),
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd, w, CommandServe)
		},
	}

	var metricsAddr string
	workerCmd := &cobra.Command{
		Use:   string(CommandWorker),
		Short: "Periodically delete expired sessions and password reset requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(w)
			if err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}
			return runWorker(cmd.Context(), cfg, metricsAddr)
		},
	}
	workerCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to expose /metrics on (disabled when empty)")

	migrateCmd := &cobra.Command{
		Use:   string(CommandMigrate),
		Short: "Apply all pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd, w, CommandMigrate)
		},
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}
	healthcheckCmd := &cobra.Command{
		Use:   string(CommandHealthcheck),
		Short: "Check that the local server answers GET /health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealthcheck(cmd.Context(), port)
		},
	}
	healthcheckCmd.Flags().StringVar(&port, "port", port, "Server port (env SERVER_PORT)")

	root.AddCommand(serveCmd, workerCmd, migrateCmd, healthcheckCmd)
	return root
}

// execute は設定を読み込んでから指定されたモードで起動する。
func execute(cmd *cobra.Command, w io.Writer, mode Command) error {
	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	switch mode {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cmd.Context(), cfg)
	}
}
