// Package cmd defines and implements the CLI commands for the crawlworker executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-worker/internal/app"
	"github.com/JakeFAU/crawl-worker/internal/clock/system"
	"github.com/JakeFAU/crawl-worker/internal/config"
	"github.com/JakeFAU/crawl-worker/internal/logging"
	"github.com/JakeFAU/crawl-worker/internal/queue"
)

// envKeyType is the key for storing the loaded environment in the context.
type envKeyType string

const envKey envKeyType = "env"

// env is what every subcommand needs before it builds its own services.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// Worker is the part of app.App the run command uses. Tests replace it.
type Worker interface {
	SessionID() string
	Queue() *app.Queue
	Run(ctx context.Context) error
	Close()
}

// AdminQueue is a queue connection used by enqueue and status.
type AdminQueue interface {
	queue.Admin
	Close() error
}

// newWorker and openAdminQueue are the service factories. They are variables
// so tests can inject in-memory services.
var (
	newWorker = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Worker, error) {
		return app.New(ctx, cfg, logger)
	}
	openAdminQueue = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (AdminQueue, error) {
		return app.OpenQueue(ctx, cfg, system.New(), logger)
	}
)

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "crawlworker",
		Short: "Distributed crawl-job consumer",
		Long: `crawlworker leases ranked sites from a shared Redis work queue, visits each
one in an instrumented headless browser and acknowledges the job, until the
queue is drained. Many workers can share one queue; a worker that dies holding
a lease has its job re-offered once the lease expires.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, &env{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKey).(*env); ok {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./crawlworker.yaml)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newEnqueueCmd())
	cmd.AddCommand(newStatusCmd())
	return cmd
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not loaded")
	}
	return e, nil
}

// Execute is the main entry point. It exits non-zero when the command fails.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "crawlworker:", err)
		os.Exit(1)
	}
}
