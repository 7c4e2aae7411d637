// Package worker implements the polling version worker: claim a batch of
// work-eligible versions under a lease, digest each with bounded
// concurrency, heartbeat the leases, release the claims. Claims are the only
// coordination between workers; a crashed worker's leases simply expire.
package worker

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/store"
)

// Store is the claim surface the worker needs.
type Store interface {
	ClaimVersions(ctx context.Context, workerID string, limit int, lease time.Duration) ([]model.DocumentVersion, error)
	RenewLease(ctx context.Context, versionID, workerID string, lease time.Duration) error
	ReleaseClaim(ctx context.Context, versionID, workerID string) error
}

// Digester digests one claimed version. *pipeline.Digester is the production
// implementation.
type Digester interface {
	Digest(ctx context.Context, versionID string) (*model.DigestResult, error)
}

// Config holds worker tunables.
type Config struct {
	ID           string
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	Lease        time.Duration
}

// Worker polls for claimable versions and digests them.
type Worker struct {
	store    Store
	digester Digester
	cfg      Config
}

// New creates a worker. A missing ID gets hostname-qualified so leases are
// attributable in the database.
func New(st Store, d Digester, cfg Config) *Worker {
	if cfg.ID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		cfg.ID = host + "-" + uuid.NewString()[:8]
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 4
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 90 * time.Second
	}
	return &Worker{store: st, digester: d, cfg: cfg}
}

// ID returns the worker's claim identity.
func (w *Worker) ID() string { return w.cfg.ID }

// Run polls until the context is cancelled. Row-level failures are logged
// and never stop the loop; only cancellation ends it.
func (w *Worker) Run(ctx context.Context) error {
	log := zap.L().With(zap.String("worker_id", w.cfg.ID))
	log.Info("worker: started",
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Int("batch_size", w.cfg.BatchSize),
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Duration("lease", w.cfg.Lease),
	)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := w.poll(ctx); err != nil && ctx.Err() == nil {
			log.Error("worker: poll", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			log.Info("worker: stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// poll claims one batch and digests it with bounded concurrency.
func (w *Worker) poll(ctx context.Context) error {
	claimed, err := w.store.ClaimVersions(ctx, w.cfg.ID, w.cfg.BatchSize, w.cfg.Lease)
	if err != nil {
		return eris.Wrap(err, "worker: claim versions")
	}
	if len(claimed) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for i := range claimed {
		v := claimed[i]
		g.Go(func() error {
			w.process(gctx, v)
			return nil
		})
	}
	return g.Wait()
}

// process digests one claimed version under a heartbeat. The claim is
// released on every exit path; a release after takeover is a no-op.
func (w *Worker) process(ctx context.Context, v model.DocumentVersion) {
	log := zap.L().With(
		zap.String("worker_id", w.cfg.ID),
		zap.String("version_id", v.ID),
	)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeat(hbCtx, log, v.ID)
	}()
	defer func() {
		stopHeartbeat()
		<-hbDone
		if err := w.store.ReleaseClaim(context.WithoutCancel(ctx), v.ID, w.cfg.ID); err != nil {
			log.Warn("worker: release claim", zap.Error(err))
		}
	}()

	result, err := w.digester.Digest(ctx, v.ID)
	if err != nil {
		log.Error("worker: digest", zap.Error(err))
		return
	}
	if result.Error != "" {
		log.Warn("worker: version failed",
			zap.String("status", string(result.FinalStatus)),
			zap.String("error", result.Error),
		)
		return
	}
	log.Info("worker: version digested",
		zap.String("status", string(result.FinalStatus)),
		zap.Int("stages_run", len(result.StagesRun)),
		zap.Bool("deduplicated", result.Deduplicated),
	)
}

// heartbeat renews the lease every lease/3 until stopped. Losing the claim
// stops the heartbeat; the digest keeps running and its commits will fail
// their compare-and-set if another worker took over.
func (w *Worker) heartbeat(ctx context.Context, log *zap.Logger, versionID string) {
	ticker := time.NewTicker(w.cfg.Lease / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.RenewLease(ctx, versionID, w.cfg.ID, w.cfg.Lease); err != nil {
				if eris.Is(err, store.ErrClaimExpired) {
					log.Warn("worker: lease lost", zap.String("version_id", versionID))
					return
				}
				log.Warn("worker: renew lease", zap.Error(err))
			}
		}
	}
}
