package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/childproc/internal/config"
	"github.com/Iron-Ham/childproc/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View childproc logs",
	Long: `View and filter childproc.log, including rotated backups.

Examples:
  # Show the last 50 entries
  childproc logs

  # Show every warning or error from reactor sessions in the last hour
  childproc logs -n 0 --level warn --strategy reactor --since 1h

  # Show entries for one child
  childproc logs --pid 4242`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

var (
	logsTail      int
	logsLevel     string
	logsSince     time.Duration
	logsPID       int
	logsStrategy  string
	logsSessionID string
	logsGrep      string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of entries to show (0 for all)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().DurationVar(&logsSince, "since", 0, "Show entries newer than this (e.g., 1h, 30m)")
	logsCmd.Flags().IntVar(&logsPID, "pid", 0, "Filter by child pid")
	logsCmd.Flags().StringVar(&logsStrategy, "strategy", "", "Filter by session strategy")
	logsCmd.Flags().StringVarP(&logsSessionID, "session", "s", "", "Filter by session id")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Filter entries whose message contains this text")
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	entries, err := logging.ReadDir(cfg.Logging.LogDir())
	if err != nil {
		return fmt.Errorf("failed to read logs: %w", err)
	}

	filter := logging.Filter{
		Level:     logsLevel,
		PID:       logsPID,
		Strategy:  logsStrategy,
		SessionID: logsSessionID,
		Contains:  logsGrep,
	}
	if logsSince > 0 {
		filter.Since = time.Now().Add(-logsSince)
	}
	entries = logging.Select(entries, filter)

	if logsTail > 0 && len(entries) > logsTail {
		entries = entries[len(entries)-logsTail:]
	}
	return logging.WriteText(cmd.OutOrStdout(), entries)
}
