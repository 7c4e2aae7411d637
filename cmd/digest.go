package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var digestCmd = &cobra.Command{
	Use:   "digest <version-id>",
	Short: "Digest one document version through the pipeline stages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "digest")
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Digester.Digest(ctx, args[0])
		if err != nil {
			return err
		}

		if result.Error != "" {
			zap.L().Warn("version failed during digestion",
				zap.String("version_id", result.VersionID),
				zap.String("error", result.Error),
			)
		} else {
			zap.L().Info("version digested",
				zap.String("version_id", result.VersionID),
				zap.String("final_status", string(result.FinalStatus)),
				zap.Int("stages_run", len(result.StagesRun)),
			)
		}

		return printJSON(cmd, result)
	},
}

func init() {
	rootCmd.AddCommand(digestCmd)
}
