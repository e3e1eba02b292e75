package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/queue/stats")
			if err != nil {
				return fmt.Errorf("get stats: %w", err)
			}

			var data map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			count := func(key string) int {
				n, _ := data[key].(float64)
				return int(n)
			}

			fmt.Printf("Queue depth: %d\n", count("depth"))
			fmt.Printf("  pending:   %d\n", count("pending"))
			fmt.Printf("  running:   %d\n", count("running"))
			fmt.Printf("  retrying:  %d\n", count("retrying"))
			fmt.Printf("  completed: %d\n", count("completed"))
			fmt.Printf("  failed:    %d\n", count("failed"))
			fmt.Printf("  cancelled: %d\n", count("cancelled"))
			return nil
		},
	}
}
