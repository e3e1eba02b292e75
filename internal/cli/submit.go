package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newSubmitCmd() *cobra.Command {
	var (
		payload     string
		payloadFile string
		priority    float64
		maxRetries  int
		timeout     string
		scheduledAt string
	)

	cmd := &cobra.Command{
		Use:   "submit <type>",
		Short: "Submit a job for execution",
		Long:  "Submit a job of the given handler type to the FlowQ server.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobType := args[0]

			raw := payload
			if payloadFile != "" {
				data, err := os.ReadFile(payloadFile)
				if err != nil {
					return fmt.Errorf("read payload: %w", err)
				}
				raw = string(data)
			}
			if raw != "" && !json.Valid([]byte(raw)) {
				return fmt.Errorf("payload is not valid JSON")
			}

			req := map[string]any{
				"type":        jobType,
				"priority":    priority,
				"max_retries": maxRetries,
			}
			if raw != "" {
				req["payload"] = json.RawMessage(raw)
			}
			if timeout != "" {
				req["timeout"] = timeout
			}
			if scheduledAt != "" {
				req["scheduled_at"] = scheduledAt
			}

			resp, err := client.Post("/api/v1/jobs", req)
			if err != nil {
				return fmt.Errorf("submit job: %w", err)
			}

			var data map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			id, _ := data["id"].(string)
			status, _ := data["status"].(string)
			fmt.Printf("Job submitted: %s (status: %s)\n", id, status)
			return nil
		},
	}

	cmd.Flags().StringVarP(&payload, "payload", "p", "", "Job payload as inline JSON")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "Read job payload from a JSON file")
	cmd.Flags().Float64Var(&priority, "priority", 0, "Job priority (lower dispatches first)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Retry attempts on failure")
	cmd.Flags().StringVar(&timeout, "timeout", "", "Per-job timeout (e.g. 30s)")
	cmd.Flags().StringVar(&scheduledAt, "at", "", "Earliest dispatch time (RFC3339)")
	return cmd
}
