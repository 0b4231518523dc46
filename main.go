package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/choraleia/relaychat/pkg/config"
	"github.com/choraleia/relaychat/pkg/utils"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "relaychat",
	Short:        "Streaming multi-provider chat backend",
	SilenceUsage: true,
}

func loadConfig() (*config.AppConfig, error) {
	if err := config.LoadEnv(".env"); err != nil {
		return nil, err
	}
	cfg, file, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	utils.InitLogger(cfg.LogLevel())
	utils.GetLogger().Debug("Config loaded", "file", file)
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	var drainTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := utils.GetLogger()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := NewApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.backfill.Start(ctx); err != nil {
				return err
			}

			server := NewServer(app)
			if err := server.Start(ctx); err != nil {
				return fmt.Errorf("start server: %w", err)
			}

			<-ctx.Done()
			logger.Info("Shutting down")
			<-server.Stopped()
			app.Drain(drainTimeout)
			return nil
		},
	}
	cmd.Flags().DurationVar(&drainTimeout, "drain-timeout", 30*time.Second, "How long to wait for in-flight turns on shutdown")
	return cmd
}

func newBackfillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill-titles",
		Short: "Generate titles for chats that have none",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			app, err := NewApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			n, err := app.backfill.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "labelled %d chats\n", n)
			return nil
		},
	}
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.EnsureDefaultConfig()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $RELAYCHAT_CONFIG or ~/.relaychat/config.yaml)")
	rootCmd.AddCommand(newServeCmd(), newBackfillCmd(), newInitCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
