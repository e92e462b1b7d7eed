package cli

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"perpagent/internal/app"
	"perpagent/internal/config"
	"perpagent/internal/logger"
	"perpagent/internal/store/sqlite"
	"perpagent/internal/pkg/symbol"
)

const (
	configEnv         = "PERPAGENT_CONFIG"
	defaultConfigPath = "configs/agent.toml"
)

// Version 由构建时 -ldflags 注入。
var Version = "dev"

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "perpagent",
		Short: "Autonomous perpetual futures trading agent",
		Long: `perpagent scans a fixed set of perpetual futures symbols on every candle close,
turns indicator snapshots into directional decisions and drives one position
state machine per symbol against a live or paper exchange.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
		},
	}
	rootCmd.PersistentFlags().String("config", "", "Configuration file path (default $"+configEnv+" or "+defaultConfigPath+")")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newCheckCmd())
	rootCmd.AddCommand(newLedgerCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func configPath(cmd *cobra.Command) string {
	if f := cmd.Flag("config"); f != nil && strings.TrimSpace(f.Value.String()) != "" {
		return f.Value.String()
	}
	if p := strings.TrimSpace(os.Getenv(configEnv)); p != "" {
		return p
	}
	return defaultConfigPath
}

func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path := configPath(cmd)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("读取配置失败: %w", err)
	}
	return cfg, path, nil
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the trading agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logFile, err := setupLogOutput(cfg.App.LogPath)
			if err != nil {
				return fmt.Errorf("初始化日志文件失败: %w", err)
			}
			if logFile != nil {
				defer logFile.Close()
			}
			logger.Infof("✓ 配置加载成功（path=%s，mode=%s）", path, cfg.App.Mode)

			a, err := app.NewApp(cfg, path)
			if err != nil {
				return fmt.Errorf("初始化应用失败: %w", err)
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := a.Run(ctx); err != nil {
				return fmt.Errorf("运行失败: %w", err)
			}
			return nil
		},
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print the startup summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, successStyle.Render("✓ "+path))
			fmt.Fprintln(out, app.Summarize(cfg).String())
			return nil
		},
	}
}

func newLedgerCmd() *cobra.Command {
	var (
		limit  int
		events bool
	)
	cmd := &cobra.Command{
		Use:   "ledger [SYMBOL]",
		Short: "Show closed positions or lifecycle events from the ledger",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			sym := ""
			if len(args) == 1 {
				if sym = symbol.Normalize(args[0]); sym == "" {
					return fmt.Errorf("invalid symbol %q", args[0])
				}
			}
			ledger, err := sqlite.NewSqliteStore(cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("open ledger %s: %w", cfg.Store.Path, err)
			}
			defer ledger.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			out := cmd.OutOrStdout()
			if events {
				recs, err := ledger.ListEvents(ctx, sym, limit)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, renderEvents(recs))
				return nil
			}
			closed, err := ledger.ListClosed(ctx, sym, limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, renderClosed(closed))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of rows")
	cmd.Flags().BoolVar(&events, "events", false, "List lifecycle events instead of closed positions")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "perpagent %s\n", Version)
		},
	}
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}
