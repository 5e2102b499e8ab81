package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

const enqueueBatch = 1000

func newEnqueueCmd() *cobra.Command {
	var (
		file  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Seed the crawl queue from a rank,site CSV",
		Example: `  crawlworker enqueue --file top-1m.csv --limit 10000`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			q, err := openAdminQueue(cmd.Context(), e.cfg, e.logger)
			if err != nil {
				return err
			}
			defer q.Close()

			if err := seedQueue(cmd.Context(), q, file, limit); err != nil {
				return err
			}
			depth, err := q.Depth(cmd.Context())
			if err != nil {
				return fmt.Errorf("read queue depth: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queue %s: queued=%d leased=%d\n", e.cfg.Queue.Name, depth.Queued, depth.Leased)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "rank,site CSV file")
	cmd.Flags().IntVar(&limit, "limit", 0, "enqueue at most this many sites (0 = all)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
