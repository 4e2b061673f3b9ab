package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	// Registers the bundled demo crawler.
	_ "github.com/JakeFAU/crawlsched/internal/crawlers/demo"
	"github.com/JakeFAU/crawlsched/internal/server"
)

const (
	stageScheduler = server.StageScheduler
	stageFetcher   = server.StageFetcher
	stageParser    = server.StageParser
)

// stageRunner is what a stage command needs from server.App.
type stageRunner interface {
	Run(ctx context.Context, stages ...string) error
	Close(ctx context.Context) error
}

// newStageRunner is a variable so tests can inject a fake.
var newStageRunner = func(ctx context.Context, e *env) (stageRunner, error) {
	return server.New(ctx, e.cfg, e.logger, nil)
}

func newStageCmd(use, short string, stages ...string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := envFrom(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := newStageRunner(ctx, e)
			if err != nil {
				return err
			}
			runErr := app.Run(ctx, stages...)
			if errors.Is(runErr, context.Canceled) {
				runErr = nil
			}

			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := app.Close(closeCtx); err != nil {
				e.logger.Warn("close failed", zap.Error(err))
			}
			e.logger.Info("shutdown complete", zap.Strings("stages", stages))
			return runErr
		},
	}
}
