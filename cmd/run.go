package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-worker/internal/queue"
	"github.com/JakeFAU/crawl-worker/internal/seed"
)

func newRunCmd() *cobra.Command {
	var seedFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Consume the crawl queue until it is empty",
		Long: `Runs browser.count worker loops against the configured queue. Each loop
leases one job at a time, visits the site and completes the lease. The command
exits 0 once the queue is drained and non-zero when the queue stays
unreachable. SIGINT/SIGTERM abandon in-flight leases, which are re-offered to
other workers after they expire.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w, err := newWorker(ctx, e.cfg, e.logger)
			if err != nil {
				return fmt.Errorf("failed to initialize worker: %w", err)
			}
			defer w.Close()
			e.logger.Info("worker started", zap.String("session_id", w.SessionID()))

			if seedFile != "" {
				if err := seedQueue(ctx, w.Queue(), seedFile, 0); err != nil {
					return err
				}
			}
			empty, err := w.Queue().IsEmpty(ctx)
			if err == nil {
				e.logger.Info("initial queue state", zap.Bool("empty", empty))
			}

			if err := w.Run(ctx); err != nil {
				return fmt.Errorf("run worker: %w", err)
			}
			e.logger.Info("worker finished")
			return nil
		},
	}
	cmd.Flags().StringVar(&seedFile, "seed", "", "rank,site CSV to enqueue before consuming (handy with queue.backend=memory)")
	return cmd
}

func seedQueue(ctx context.Context, q queue.Admin, path string, limit int) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()
	entries, err := seed.Read(f, limit)
	if err != nil {
		return err
	}
	payloads := seed.Payloads(entries)
	for start := 0; start < len(payloads); start += enqueueBatch {
		end := min(start+enqueueBatch, len(payloads))
		if _, err := q.Enqueue(ctx, payloads[start:end]...); err != nil {
			return fmt.Errorf("enqueue sites %d-%d: %w", start+1, end, err)
		}
	}
	return nil
}
