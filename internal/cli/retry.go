package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job_id>",
		Short: "Re-enqueue a failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			resp, err := client.Post("/api/v1/jobs/"+id+"/retry", nil)
			if err != nil {
				return fmt.Errorf("retry job: %w", err)
			}

			var data map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			status, _ := data["status"].(string)
			scheduledAt, _ := data["scheduled_at"].(string)
			fmt.Printf("Job %s: %s (next attempt at %s)\n", id, status, scheduledAt)
			return nil
		},
	}
}
