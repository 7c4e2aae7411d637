package main

import (
	"encoding/json"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/store"
)

var (
	jobsEnqueueType     string
	jobsEnqueuePriority string
	jobsEnqueuePayload  string
	jobsListType        string
	jobsListStatus      string
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage broker jobs",
}

var jobsEnqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a pipeline job",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "broker")
		if err != nil {
			return err
		}
		defer env.Close()

		var payload json.RawMessage
		if jobsEnqueuePayload != "" {
			payload = json.RawMessage(jobsEnqueuePayload)
		}

		job, err := env.Broker.Enqueue(ctx,
			model.JobType(jobsEnqueueType),
			model.JobPriority(jobsEnqueuePriority),
			payload,
		)
		if err != nil {
			return err
		}

		zap.L().Info("job enqueued",
			zap.String("job_id", job.ID),
			zap.String("type", string(job.Type)),
			zap.String("priority", string(job.Priority)),
		)
		return printJSON(cmd, job)
	},
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "broker")
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Broker.Job(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, job)
	},
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, optionally filtered by type and status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "broker")
		if err != nil {
			return err
		}
		defer env.Close()

		jobs, err := env.Broker.List(ctx, store.JobFilter{
			Type:   model.JobType(jobsListType),
			Status: model.JobStatus(jobsListStatus),
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, jobs)
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "broker")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Broker.Cancel(ctx, args[0]); err != nil {
			return err
		}
		zap.L().Info("job cancelled", zap.String("job_id", args[0]))
		return nil
	},
}

func init() {
	jobsEnqueueCmd.Flags().StringVar(&jobsEnqueueType, "type", "", "job type (required)")
	jobsEnqueueCmd.Flags().StringVar(&jobsEnqueuePriority, "priority", "low", "job priority: high or low")
	jobsEnqueueCmd.Flags().StringVar(&jobsEnqueuePayload, "payload", "", "job payload as a JSON object")
	_ = jobsEnqueueCmd.MarkFlagRequired("type")

	jobsListCmd.Flags().StringVar(&jobsListType, "type", "", "filter by job type")
	jobsListCmd.Flags().StringVar(&jobsListStatus, "status", "", "filter by job status")

	jobsCmd.AddCommand(jobsEnqueueCmd, jobsGetCmd, jobsListCmd, jobsCancelCmd)
	rootCmd.AddCommand(jobsCmd)
}
