package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print queued and leased job counts",
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

			depth, err := q.Depth(cmd.Context())
			if err != nil {
				return fmt.Errorf("read queue depth: %w", err)
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return json.NewEncoder(out).Encode(depth)
			}
			fmt.Fprintf(out, "queue %s: queued=%d leased=%d\n", e.cfg.Queue.Name, depth.Queued, depth.Leased)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
