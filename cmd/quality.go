package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/pkg/notion"
)

var (
	qualityScope        string
	qualityExportNotion bool
)

var qualityCmd = &cobra.Command{
	Use:   "quality <version-id>",
	Short: "Analyze a version's facts for conflicts and open questions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "digest")
		if err != nil {
			return err
		}
		defer env.Close()

		scope := qualityScope
		if scope == "" {
			scope = cfg.Profiles.DefaultProfile
		}

		report, err := env.Analyzer.Analyze(ctx, args[0], scope)
		if err != nil {
			return err
		}

		zap.L().Info("quality analysis complete",
			zap.String("version_id", report.VersionID),
			zap.String("scope", report.Scope),
			zap.Int("conflicts", len(report.Conflicts)),
			zap.Int("open_questions", len(report.OpenQuestions)),
		)

		if qualityExportNotion && len(report.OpenQuestions) > 0 {
			if cfg.Notion.Token == "" || cfg.Notion.QuestionDB == "" {
				return eris.New("notion export requires notion.token and notion.question_db")
			}
			client := notion.NewClient(cfg.Notion.Token)
			exported, err := notion.ExportQuestions(ctx, client, cfg.Notion.QuestionDB, report.OpenQuestions)
			if err != nil {
				return err
			}
			zap.L().Info("open questions exported to notion", zap.Int("exported", exported))
		}

		return printJSON(cmd, report)
	},
}

func init() {
	qualityCmd.Flags().StringVar(&qualityScope, "scope", "", "analysis scope (default: default profile)")
	qualityCmd.Flags().BoolVar(&qualityExportNotion, "notion", false, "export open questions to the Notion review database")
	rootCmd.AddCommand(qualityCmd)
}
