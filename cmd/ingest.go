package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/ingest-cli/internal/broker"
	"github.com/sells-group/ingest-cli/internal/fetcher"
	"github.com/sells-group/ingest-cli/internal/model"
)

var (
	ingestFTPDir string
	ingestQueue  bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [manifest]",
	Short: "Bulk-ingest documents from a manifest or FTP directory",
	Long: "Reads document sources from a CSV, JSON, or XLSX manifest (columns: url, title, kind, source), " +
		"or lists an FTP directory with --ftp-dir, then fetches and uploads each document.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		var sources []ingestSource
		switch {
		case ingestFTPDir != "":
			sources, err = listFTPSources(ctx, ingestFTPDir)
		case len(args) == 1:
			sources, err = parseManifest(args[0])
		default:
			return eris.New("ingest: a manifest path or --ftp-dir is required")
		}
		if err != nil {
			return err
		}
		if len(sources) == 0 {
			return eris.New("ingest: no sources to ingest")
		}

		if ingestQueue {
			job, err := env.Broker.Enqueue(ctx, model.JobTypeIngest, model.PriorityLow,
				ingestPayload{Sources: sources})
			if err != nil {
				return err
			}
			zap.L().Info("ingest job enqueued",
				zap.String("job_id", job.ID), zap.Int("sources", len(sources)))
			return printJSON(cmd, job)
		}

		n, err := runIngest(ctx, env, sources, nil)
		zap.L().Info("ingest complete", zap.Int("ingested", n), zap.Int("total", len(sources)))
		return err
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestFTPDir, "ftp-dir", "", "FTP directory URL to ingest every file from")
	ingestCmd.Flags().BoolVar(&ingestQueue, "queue", false, "enqueue an ingest job instead of fetching inline")
	rootCmd.AddCommand(ingestCmd)
}

// ingestSource is one remote document to fetch and upload.
type ingestSource struct {
	URL    string `json:"url"`
	Title  string `json:"title,omitempty"`
	Kind   string `json:"kind,omitempty"`
	Source string `json:"source,omitempty"`
}

// ingestPayload is the payload of broker jobs of type ingest.
type ingestPayload struct {
	Sources []ingestSource `json:"sources"`
}

// ingestHandler returns the broker handler for ingest jobs: fetch every
// source, upload it, and enqueue a process job for the new version.
func ingestHandler(env *pipelineEnv) broker.Handler {
	return func(ctx context.Context, jc *broker.JobContext) (any, error) {
		var p ingestPayload
		if err := jc.Unmarshal(&p); err != nil {
			return nil, err
		}
		if len(p.Sources) == 0 {
			return nil, eris.New("ingest: payload names no sources")
		}
		n, err := runIngest(ctx, env, p.Sources, jc)
		if err != nil {
			return nil, err
		}
		return map[string]int{"documents": n}, nil
	}
}

// runIngest fetches and uploads every source with bounded concurrency. When
// jc is non-nil it reports progress and honors cooperative cancellation.
func runIngest(ctx context.Context, env *pipelineEnv, sources []ingestSource, jc *broker.JobContext) (int, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	var done atomic.Int64
	for _, src := range sources {
		if jc != nil {
			if err := jc.Checkpoint(ctx); err != nil {
				return int(done.Load()), err
			}
		}
		g.Go(func() error {
			if err := ingestOne(gctx, env, src); err != nil {
				return eris.Wrapf(err, "ingest %s", src.URL)
			}
			n := done.Add(1)
			if jc != nil {
				jc.Progress(gctx, int(n)*100/len(sources),
					fmt.Sprintf("%d/%d documents ingested", n, len(sources)))
			}
			return nil
		})
	}

	err := g.Wait()
	return int(done.Load()), err
}

func ingestOne(ctx context.Context, env *pipelineEnv, src ingestSource) error {
	kind, err := resolveKind(src.Kind, src.URL)
	if err != nil {
		return err
	}
	title := src.Title
	if title == "" {
		title = filepath.Base(src.URL)
	}

	body, err := fetcherFor(src.URL).Download(ctx, src.URL)
	if err != nil {
		return err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return eris.Wrap(err, "read body")
	}

	source := src.Source
	if source == "" {
		source = src.URL
	}
	_, version, err := uploadDocument(ctx, env.Store, env.Objects, uploadRequest{
		Title:  title,
		Source: source,
		Kind:   kind,
		Data:   data,
	})
	if err != nil {
		return err
	}

	_, err = env.Broker.Enqueue(ctx, model.JobTypeProcessDocumentVersion, model.PriorityLow,
		broker.VersionPayload{VersionID: version.ID})
	return err
}

// fetcherFor picks the transport by URL scheme.
func fetcherFor(url string) fetcher.Fetcher {
	if strings.HasPrefix(url, "ftp://") {
		return newFTPFetcher()
	}
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		Timeout: time.Duration(cfg.Ingest.HTTPTimeout) * time.Second,
	})
}

func newFTPFetcher() *fetcher.FTPFetcher {
	return fetcher.NewFTPFetcher(fetcher.FTPOptions{
		User:     cfg.Ingest.FTPUser,
		Password: cfg.Ingest.FTPPassword,
	})
}

// listFTPSources expands an FTP directory into one source per file.
func listFTPSources(ctx context.Context, dirURL string) ([]ingestSource, error) {
	names, err := newFTPFetcher().List(ctx, dirURL)
	if err != nil {
		return nil, err
	}
	sources := make([]ingestSource, 0, len(names))
	for _, name := range names {
		sources = append(sources, ingestSource{
			URL: strings.TrimSuffix(dirURL, "/") + "/" + name,
		})
	}
	return sources, nil
}

// parseManifest reads sources from a CSV, JSON, or XLSX manifest. Tabular
// formats expect a header row naming url, title, kind, and source columns.
func parseManifest(path string) ([]ingestSource, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "open manifest %s", path)
		}
		defer f.Close()
		rows, err := fetcher.ReadCSV(f, fetcher.CSVOptions{})
		if err != nil {
			return nil, eris.Wrapf(err, "parse manifest %s", path)
		}
		return sourcesFromRows(rows)
	case ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "read manifest %s", path)
		}
		var sources []ingestSource
		if err := json.Unmarshal(data, &sources); err != nil {
			return nil, eris.Wrapf(err, "parse manifest %s", path)
		}
		return sources, nil
	case ".xlsx":
		rows, err := fetcher.ReadXLSX(path, fetcher.XLSXOptions{})
		if err != nil {
			return nil, eris.Wrapf(err, "parse manifest %s", path)
		}
		return sourcesFromRows(rows)
	default:
		return nil, eris.Errorf("unsupported manifest format %q", filepath.Ext(path))
	}
}

func sourcesFromRows(rows [][]string) ([]ingestSource, error) {
	if len(rows) < 2 {
		return nil, eris.New("manifest has no data rows")
	}

	col := map[string]int{}
	for i, name := range rows[0] {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	urlIdx, ok := col["url"]
	if !ok {
		return nil, eris.New("manifest is missing a url column")
	}

	cell := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var sources []ingestSource
	for _, row := range rows[1:] {
		if urlIdx >= len(row) || strings.TrimSpace(row[urlIdx]) == "" {
			continue
		}
		sources = append(sources, ingestSource{
			URL:    strings.TrimSpace(row[urlIdx]),
			Title:  cell(row, "title"),
			Kind:   cell(row, "kind"),
			Source: cell(row, "source"),
		})
	}
	return sources, nil
}
