package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ingest-cli/internal/broker"
	"github.com/sells-group/ingest-cli/internal/extraction"
	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/ocr"
	"github.com/sells-group/ingest-cli/internal/pipeline"
	"github.com/sells-group/ingest-cli/internal/quality"
	"github.com/sells-group/ingest-cli/internal/store"
	"github.com/sells-group/ingest-cli/pkg/embedder"
	"github.com/sells-group/ingest-cli/pkg/extractor"
	"github.com/sells-group/ingest-cli/pkg/objstore"
)

// pipelineEnv holds the initialized store, blob storage, clients, and
// pipeline collaborators shared by the serve/worker/digest commands.
type pipelineEnv struct {
	Store        store.Store
	Objects      objstore.Store
	Broker       *broker.Broker
	Digester     *pipeline.Digester
	Orchestrator *extraction.Orchestrator
	Analyzer     *quality.Analyzer
	Embedder     embedder.Client
	Profiles     map[string]*model.ExtractionProfile
}

// Close releases resources held by the environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv validates config for mode, opens the store, runs migrations, and
// wires every pipeline collaborator. Callers defer env.Close().
func initEnv(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	objects, err := objstore.NewLocal(cfg.Storage.Root)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	profiles, err := extraction.LoadProfiles(cfg.Profiles.Dir)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	embClient := embedder.NewClient(cfg.Embedder.BaseURL, cfg.Embedder.Key, cfg.Embedder.Model,
		embedder.WithRateLimit(cfg.Embedder.RatePerSec),
		embedder.WithHTTPClient(httpClientFor(cfg.Embedder.TimeoutSecs)),
	)
	extClient := extractor.NewClient(cfg.Extractor.Key, cfg.Extractor.Model, int64(cfg.Extractor.MaxTokens))

	ocrExt, err := ocr.NewExtractor(cfg.OCR)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	orch := extraction.NewOrchestrator(st, extClient, profiles, nil)
	analyzer := quality.NewAnalyzer(st, quality.DefaultConfig(), profiles)

	digester := pipeline.NewDigester(st, objects, embClient, ocrExt, orch, analyzer, pipeline.Config{
		DedupEnabled:   cfg.Pipeline.DedupEnabled,
		SpanMaxBytes:   cfg.Pipeline.SpanMaxBytes,
		SpanOverlap:    cfg.Pipeline.SpanOverlap,
		EmbedBatchSize: cfg.Pipeline.EmbedBatchSize,
		DefaultProfile: cfg.Profiles.DefaultProfile,
		DefaultLevel:   cfg.Profiles.DefaultLevel,
	})

	return &pipelineEnv{
		Store:        st,
		Objects:      objects,
		Broker:       broker.New(st, cfg.Broker.MaxAttempts),
		Digester:     digester,
		Orchestrator: orch,
		Analyzer:     analyzer,
		Embedder:     embClient,
		Profiles:     profiles,
	}, nil
}

func httpClientFor(timeoutSecs int) *http.Client {
	if timeoutSecs <= 0 {
		timeoutSecs = 30
	}
	return &http.Client{Timeout: time.Duration(timeoutSecs) * time.Second}
}
