package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage workflow runs",
	}
	cmd.AddCommand(
		newRunStartCmd(),
		newRunStatusCmd(),
		newRunListCmd(),
		newRunCancelCmd(),
	)
	return cmd
}

func newRunStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <workflow_id>",
		Short: "Start a run of a registered workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Post("/api/v1/workflows/"+args[0]+"/runs", nil)
			if err != nil {
				return fmt.Errorf("start run: %w", err)
			}

			var data map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			id, _ := data["id"].(string)
			state, _ := data["state"].(string)
			fmt.Printf("Run created: %s (state: %s)\n", id, state)
			return nil
		},
	}
}

func newRunStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run_id>",
		Short: "Check the status of a workflow run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			resp, err := client.Get("/api/v1/runs/" + id)
			if err != nil {
				return fmt.Errorf("get run: %w", err)
			}

			var data map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			state, _ := data["state"].(string)
			wfName, _ := data["workflow_name"].(string)

			fmt.Printf("Run: %s\n", id)
			fmt.Printf("  Workflow: %s\n", wfName)
			fmt.Printf("  State:    %s\n", state)
			if steps, ok := data["completed_steps"].([]any); ok && len(steps) > 0 {
				fmt.Printf("  Done:     ")
				for i, s := range steps {
					if i > 0 {
						fmt.Print(", ")
					}
					fmt.Print(s)
				}
				fmt.Println()
			}
			if errMsg, ok := data["error"].(string); ok && errMsg != "" {
				fmt.Printf("  Error:    %s\n", errMsg)
			}
			fmt.Printf("  Created:  %s\n", relativeTime(data["created_at"]))

			// Show the jobs backing each step.
			jobsResp, err := client.Get("/api/v1/runs/" + id + "/jobs")
			if err != nil {
				return nil
			}
			var jobs []map[string]any
			if err := json.Unmarshal(jobsResp.Data, &jobs); err != nil || len(jobs) == 0 {
				return nil
			}
			fmt.Println("  Steps:")
			for _, j := range jobs {
				step, _ := j["step_name"].(string)
				status, _ := j["status"].(string)
				fmt.Printf("    - %s: %s\n", step, status)
			}
			return nil
		},
	}
}

func newRunListCmd() *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/runs"
			if state != "" {
				path += "?state=" + state
			}
			resp, err := client.Get(path)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}

			var data []map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if len(data) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			fmt.Printf("%-42s  %-10s  %-24s  %s\n", "ID", "STATE", "WORKFLOW", "CREATED")
			fmt.Printf("%-42s  %-10s  %-24s  %s\n", "----", "-----", "--------", "-------")
			for _, run := range data {
				id, _ := run["id"].(string)
				st, _ := run["state"].(string)
				wfName, _ := run["workflow_name"].(string)
				fmt.Printf("%-42s  %-10s  %-24s  %s\n", id, st, wfName, relativeTime(run["created_at"]))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Filter by run state")
	return cmd
}

func newRunCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run_id>",
		Short: "Cancel a workflow run and its live jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			resp, err := client.Post("/api/v1/runs/"+id+"/cancel", nil)
			if err != nil {
				return fmt.Errorf("cancel run: %w", err)
			}

			var data map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			state, _ := data["state"].(string)
			fmt.Printf("Run %s: %s\n", id, state)
			return nil
		},
	}
}
