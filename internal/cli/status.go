package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job_id>",
		Short: "Check the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			resp, err := client.Get("/api/v1/jobs/" + id)
			if err != nil {
				return fmt.Errorf("get job: %w", err)
			}

			var data map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			status, _ := data["status"].(string)
			jobType, _ := data["type"].(string)

			fmt.Printf("Job: %s\n", id)
			fmt.Printf("  Type:     %s\n", jobType)
			fmt.Printf("  Status:   %s\n", status)
			if p, ok := data["priority"].(float64); ok {
				fmt.Printf("  Priority: %g\n", p)
			}
			if retries, ok := data["retries"].(float64); ok && retries > 0 {
				max, _ := data["max_retries"].(float64)
				fmt.Printf("  Retries:  %d/%d\n", int(retries), int(max))
			}
			if runID, ok := data["run_id"].(string); ok && runID != "" {
				step, _ := data["step_name"].(string)
				fmt.Printf("  Run:      %s (step %s)\n", runID, step)
			}
			if errMsg, ok := data["error"].(string); ok && errMsg != "" {
				fmt.Printf("  Error:    %s\n", errMsg)
			}
			fmt.Printf("  Created:  %s\n", relativeTime(data["created_at"]))
			if completed := relativeTime(data["completed_at"]); completed != "" {
				fmt.Printf("  Finished: %s\n", completed)
			}

			return nil
		},
	}
}

// relativeTime renders an RFC3339 timestamp as "5 minutes ago".
func relativeTime(v any) string {
	s, ok := v.(string)
	if !ok || s == "" {
		return ""
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return s
	}
	return humanize.Time(t)
}
