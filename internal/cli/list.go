package cli

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if limit > 0 {
				q.Set("limit", fmt.Sprint(limit))
			}
			path := "/api/v1/jobs"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			resp, err := client.Get(path)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}

			var data []map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if len(data) == 0 {
				fmt.Println("No jobs found.")
				return nil
			}

			fmt.Printf("%-42s  %-10s  %-16s  %8s  %s\n", "ID", "STATUS", "TYPE", "PRIORITY", "CREATED")
			fmt.Printf("%-42s  %-10s  %-16s  %8s  %s\n", "----", "------", "----", "--------", "-------")
			for _, job := range data {
				id, _ := job["id"].(string)
				st, _ := job["status"].(string)
				jobType, _ := job["type"].(string)
				priority, _ := job["priority"].(float64)
				fmt.Printf("%-42s  %-10s  %-16s  %8g  %s\n",
					id, st, jobType, priority, relativeTime(job["created_at"]))
			}

			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Printf("\n(%d of %d shown)\n", len(data), resp.Pagination.Total)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by job status")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum jobs to list")
	return cmd
}
