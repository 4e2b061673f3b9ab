// Package cmd defines the CLI commands for the crawlsched executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/config"
	"github.com/JakeFAU/crawlsched/internal/logging"
)

var cfgFile string

type envKeyType string

const envKey envKeyType = "env"

// env is what PersistentPreRunE hands to every subcommand.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// newLogger is a variable so tests can silence output.
var newLogger = logging.New

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawlsched",
		Short: "Distributed crawl scheduling engine.",
		Long: `crawlsched paces many independently configured crawl jobs through a
shared fetch and parse pipeline. Run the scheduler, fetcher and parser stages
as separate processes on shared Redis or SQLite queues, or all of them in one
process with "crawlsched run", and steer crawlers with "crawlsched ctl".`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := newLogger(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, &env{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKey).(*env); ok {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: environment and built-in defaults)")

	cmd.AddCommand(
		newStageCmd("scheduler", "Run the scheduler and its control plane", stageScheduler),
		newStageCmd("fetcher", "Run the fetch stage", stageFetcher),
		newStageCmd("parser", "Run the parse stage", stageParser),
		newStageCmd("run", "Run every stage in one process", stageScheduler, stageFetcher, stageParser),
		newCtlCmd(),
	)
	return cmd
}

func envFrom(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not loaded")
	}
	return e, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
