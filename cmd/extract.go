package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	extractProfile string
	extractLevels  []string
	extractContext string
)

var extractCmd = &cobra.Command{
	Use:   "extract <version-id>",
	Short: "Run fact extraction for a version at the given profile and levels",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "extract")
		if err != nil {
			return err
		}
		defer env.Close()

		profile := extractProfile
		if profile == "" {
			profile = cfg.Profiles.DefaultProfile
		}
		levels := extractLevels
		if len(levels) == 0 {
			levels = []string{cfg.Profiles.DefaultLevel}
		}

		plan, err := env.Orchestrator.PlanExtraction(ctx, args[0], []string{profile}, levels, extractContext)
		if err != nil {
			return err
		}

		zap.L().Info("extraction planned",
			zap.String("version_id", plan.VersionID),
			zap.Int("created", len(plan.Created)),
			zap.Int("satisfied", len(plan.Satisfied)),
			zap.Int("in_progress", len(plan.InProgress)),
		)

		if err := env.Orchestrator.ExecutePlan(ctx, plan); err != nil {
			return err
		}

		return printJSON(cmd, plan)
	},
}

func init() {
	extractCmd.Flags().StringVar(&extractProfile, "profile", "", "extraction profile (default from config)")
	extractCmd.Flags().StringSliceVar(&extractLevels, "levels", nil, "extraction levels (default from config)")
	extractCmd.Flags().StringVar(&extractContext, "context", "", "process context overlay")
	rootCmd.AddCommand(extractCmd)
}
