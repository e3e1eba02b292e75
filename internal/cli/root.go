// Package cli implements the flowq command line client.
package cli

import (
	"log/slog"
	"os"

	"github.com/me/flowq/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking FLOWQ_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("FLOWQ_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the flowq CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "flowq",
		Short: "FlowQ — priority job queue and workflow runner",
		Long:  "FlowQ submits, monitors, and manages jobs and DAG workflow runs.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
			client = NewClient(flagServer, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "FlowQ server URL (or FLOWQ_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newSubmitCmd(),
		newStatusCmd(),
		newListCmd(),
		newCancelCmd(),
		newRetryCmd(),
		newStatsCmd(),
		newWorkflowCmd(),
		newRunCmd(),
	)

	return root
}
