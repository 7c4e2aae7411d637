package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/ingest-cli/internal/monitoring"
)

var statusCmd = &cobra.Command{
	Use:   "status [version-id]",
	Short: "Show pipeline health, or one version's processing state",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "broker")
		if err != nil {
			return err
		}
		defer env.Close()

		if len(args) == 0 {
			snap, err := monitoring.NewCollector(env.Store).Collect(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, snap)
		}

		versionID := args[0]
		version, err := env.Store.GetVersion(ctx, versionID)
		if err != nil {
			return err
		}
		runs, err := env.Store.ListRuns(ctx, versionID)
		if err != nil {
			return err
		}
		conflicts, err := env.Store.ListConflicts(ctx, versionID)
		if err != nil {
			return err
		}
		questions, err := env.Store.ListOpenQuestions(ctx, versionID)
		if err != nil {
			return err
		}

		return printJSON(cmd, map[string]any{
			"version":        version,
			"runs":           runs,
			"conflicts":      conflicts,
			"open_questions": questions,
		})
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
