package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// workflowFile is the YAML form of a workflow definition. Durations stay
// strings ("30s"); the server parses them.
type workflowFile struct {
	Name  string `yaml:"name"`
	Steps []struct {
		Name      string         `yaml:"name"`
		Action    string         `yaml:"action"`
		Params    map[string]any `yaml:"params"`
		DependsOn []string       `yaml:"depends_on"`
		Timeout   string         `yaml:"timeout"`
		Retry     struct {
			MaxAttempts       int     `yaml:"max_attempts"`
			Backoff           string  `yaml:"backoff"`
			BackoffMultiplier float64 `yaml:"backoff_multiplier"`
			MaxBackoff        string  `yaml:"max_backoff"`
		} `yaml:"retry"`
	} `yaml:"steps"`
}

func newWorkflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Manage workflow definitions",
	}
	cmd.AddCommand(
		newWorkflowRegisterCmd(),
		newWorkflowListCmd(),
		newWorkflowValidateCmd(),
		newWorkflowEstimateCmd(),
	)
	return cmd
}

func newWorkflowRegisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register <workflow.yaml>",
		Short: "Register a workflow definition from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read workflow: %w", err)
			}

			var wf workflowFile
			if err := yaml.Unmarshal(data, &wf); err != nil {
				return fmt.Errorf("parse workflow: %w", err)
			}

			steps := make([]map[string]any, 0, len(wf.Steps))
			for _, s := range wf.Steps {
				step := map[string]any{
					"name":       s.Name,
					"action":     s.Action,
					"depends_on": s.DependsOn,
					"timeout":    s.Timeout,
					"retry": map[string]any{
						"max_attempts":       s.Retry.MaxAttempts,
						"backoff":            s.Retry.Backoff,
						"backoff_multiplier": s.Retry.BackoffMultiplier,
						"max_backoff":        s.Retry.MaxBackoff,
					},
				}
				if s.Params != nil {
					params, err := json.Marshal(s.Params)
					if err != nil {
						return fmt.Errorf("encode params for step %s: %w", s.Name, err)
					}
					step["params"] = json.RawMessage(params)
				}
				steps = append(steps, step)
			}

			resp, err := client.Post("/api/v1/workflows", map[string]any{
				"name":  wf.Name,
				"steps": steps,
			})
			if err != nil {
				return fmt.Errorf("register workflow: %w", err)
			}

			var out map[string]any
			if err := json.Unmarshal(resp.Data, &out); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			id, _ := out["id"].(string)
			fmt.Printf("Workflow registered: %s (%d steps)\n", id, len(wf.Steps))
			return nil
		},
	}
}

func newWorkflowListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflow definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/workflows")
			if err != nil {
				return fmt.Errorf("list workflows: %w", err)
			}

			var data []map[string]any
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if len(data) == 0 {
				fmt.Println("No workflows found.")
				return nil
			}

			fmt.Printf("%-40s  %-24s  %5s  %s\n", "ID", "NAME", "STEPS", "CREATED")
			fmt.Printf("%-40s  %-24s  %5s  %s\n", "----", "----", "-----", "-------")
			for _, wf := range data {
				id, _ := wf["id"].(string)
				name, _ := wf["name"].(string)
				steps, _ := wf["steps"].([]any)
				fmt.Printf("%-40s  %-24s  %5d  %s\n", id, name, len(steps), relativeTime(wf["created_at"]))
			}
			return nil
		},
	}
}

func newWorkflowValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow_id>",
		Short: "Validate a registered workflow's dependency graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Post("/api/v1/workflows/"+args[0]+"/validate", nil)
			if err != nil {
				return fmt.Errorf("validate workflow: %w", err)
			}

			var data struct {
				Valid          bool     `json:"valid"`
				Problems       []string `json:"problems"`
				ExecutionOrder []string `json:"execution_order"`
			}
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if data.Valid {
				fmt.Println("Workflow: valid")
				if len(data.ExecutionOrder) > 0 {
					fmt.Println("Execution order:")
					for i, name := range data.ExecutionOrder {
						fmt.Printf("  %d. %s\n", i+1, name)
					}
				}
				return nil
			}

			fmt.Println("Workflow: INVALID")
			for _, p := range data.Problems {
				fmt.Printf("  - %s\n", p)
			}
			return nil
		},
	}
}

func newWorkflowEstimateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "estimate <workflow_id>",
		Short: "Estimate a workflow's critical-path duration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/workflows/" + args[0] + "/estimate")
			if err != nil {
				return fmt.Errorf("estimate workflow: %w", err)
			}

			var data struct {
				EstimatedDuration string `json:"estimated_duration"`
				Steps             int    `json:"steps"`
			}
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			fmt.Printf("Estimated duration: %s (%d steps)\n", data.EstimatedDuration, data.Steps)
			return nil
		},
	}
}
