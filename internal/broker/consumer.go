package broker

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/store"
)

// ErrCancelled is returned by JobContext checks when the job was cancelled.
// Handlers propagate it; the consumer treats it as a clean stop, not a
// failure.
var ErrCancelled = eris.New("job cancelled")

// Handler executes one job. The returned value is JSON-marshalled into the
// job's result.
type Handler func(ctx context.Context, jc *JobContext) (any, error)

// JobContext gives a handler controlled access to its job's bookkeeping.
// Progress and cancellation both belong to the executing worker only.
type JobContext struct {
	Job   *model.PipelineJob
	store store.JobStore
}

// Progress records handler progress (0-100) with a message.
func (jc *JobContext) Progress(ctx context.Context, pct int, message string) {
	if err := jc.store.UpdateJobProgress(ctx, jc.Job.ID, pct, message); err != nil {
		zap.L().Warn("broker: update progress",
			zap.String("job_id", jc.Job.ID), zap.Error(err))
	}
}

// Checkpoint returns ErrCancelled if the job was cancelled. Handlers call it
// between steps; that is the entire cooperative-cancel contract.
func (jc *JobContext) Checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "broker: consumer stopping")
	}
	current, err := jc.store.GetJob(ctx, jc.Job.ID)
	if err != nil {
		return eris.Wrapf(err, "broker: checkpoint job %s", jc.Job.ID)
	}
	if current.Status == model.JobStatusCancelled {
		return ErrCancelled
	}
	return nil
}

// Unmarshal decodes the job payload into v.
func (jc *JobContext) Unmarshal(v any) error {
	if len(jc.Job.Payload) == 0 {
		return eris.Errorf("broker: job %s has no payload", jc.Job.ID)
	}
	if err := json.Unmarshal(jc.Job.Payload, v); err != nil {
		return eris.Wrapf(err, "broker: decode payload for job %s", jc.Job.ID)
	}
	return nil
}

// ConsumerConfig holds consumer tunables.
type ConsumerConfig struct {
	ID           string
	PollInterval time.Duration
	Lease        time.Duration
	RetryDelay   time.Duration
	Concurrency  int
}

// Consumer claims jobs and runs their handlers.
type Consumer struct {
	store    store.JobStore
	handlers map[model.JobType]Handler
	cfg      ConsumerConfig
}

// NewConsumer creates a consumer with no handlers registered.
func NewConsumer(st store.JobStore, cfg ConsumerConfig) *Consumer {
	if cfg.ID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "consumer"
		}
		cfg.ID = host + "-" + uuid.NewString()[:8]
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 90 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	return &Consumer{
		store:    st,
		handlers: map[model.JobType]Handler{},
		cfg:      cfg,
	}
}

// Register installs the handler for a job type. Registering twice replaces.
func (c *Consumer) Register(t model.JobType, h Handler) {
	c.handlers[t] = h
}

// Run claims and executes jobs until the context is cancelled. Each of the
// Concurrency loops claims independently; the high lane drains first because
// the store's claim statement orders lanes.
func (c *Consumer) Run(ctx context.Context) error {
	log := zap.L().With(zap.String("consumer_id", c.cfg.ID))
	log.Info("broker: consumer started",
		zap.Int("concurrency", c.cfg.Concurrency),
		zap.Duration("lease", c.cfg.Lease),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Concurrency; i++ {
		g.Go(func() error {
			c.claimLoop(gctx, log)
			return nil
		})
	}
	err := g.Wait()
	log.Info("broker: consumer stopped")
	return err
}

func (c *Consumer) claimLoop(ctx context.Context, log *zap.Logger) {
	for {
		job, err := c.store.ClaimJob(ctx, c.cfg.ID, c.cfg.Lease)
		if err != nil && ctx.Err() == nil {
			log.Error("broker: claim job", zap.Error(err))
		}
		if job != nil {
			c.execute(ctx, log, job)
			continue // drain without waiting while work exists
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// execute runs one claimed job under a lease heartbeat and records the
// outcome. Handler errors fail the job (retried until attempts run out);
// ErrCancelled leaves the cancelled status as-is.
func (c *Consumer) execute(ctx context.Context, log *zap.Logger, job *model.PipelineJob) {
	log = log.With(zap.String("job_id", job.ID), zap.String("type", string(job.Type)))

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		c.heartbeat(hbCtx, log, job.ID)
	}()
	defer func() {
		stopHeartbeat()
		<-hbDone
	}()

	handler, ok := c.handlers[job.Type]
	if !ok {
		log.Error("broker: no handler registered")
		c.fail(ctx, log, job.ID, eris.Errorf("no handler for job type %q", job.Type))
		return
	}

	start := time.Now()
	result, err := handler(ctx, &JobContext{Job: job, store: c.store})
	duration := time.Since(start)

	if err != nil {
		if eris.Is(err, ErrCancelled) {
			log.Info("broker: job cancelled mid-flight", zap.Duration("duration", duration))
			return
		}
		log.Error("broker: job failed", zap.Duration("duration", duration), zap.Error(err))
		c.fail(ctx, log, job.ID, err)
		return
	}

	var body []byte
	if result != nil {
		if body, err = json.Marshal(result); err != nil {
			c.fail(ctx, log, job.ID, eris.Wrap(err, "marshal result"))
			return
		}
	}
	if err := c.store.CompleteJob(context.WithoutCancel(ctx), job.ID, body); err != nil {
		log.Error("broker: complete job", zap.Error(err))
		return
	}
	log.Info("broker: job finished", zap.Duration("duration", duration))
}

func (c *Consumer) fail(ctx context.Context, log *zap.Logger, jobID string, cause error) {
	if err := c.store.FailJob(context.WithoutCancel(ctx), jobID, cause.Error(), c.cfg.RetryDelay); err != nil {
		log.Error("broker: record job failure", zap.Error(err))
	}
}

func (c *Consumer) heartbeat(ctx context.Context, log *zap.Logger, jobID string) {
	ticker := time.NewTicker(c.cfg.Lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.store.RenewJobLease(ctx, jobID, c.cfg.ID, c.cfg.Lease); err != nil {
				if eris.Is(err, store.ErrClaimExpired) {
					log.Warn("broker: job lease lost", zap.String("job_id", jobID))
					return
				}
				log.Warn("broker: renew job lease", zap.Error(err))
			}
		}
	}
}
