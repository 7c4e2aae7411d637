package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/broker"
	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/monitoring"
	"github.com/sells-group/ingest-cli/internal/store"
	"github.com/sells-group/ingest-cli/pkg/objstore"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingestion HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		router := newRouter(apiDeps{
			store:   env.Store,
			objects: env.Objects,
			broker:  env.Broker,
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: router,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			_ = srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// apiDeps are the collaborators the HTTP handlers dispatch to.
type apiDeps struct {
	store   store.Store
	objects objstore.Store
	broker  *broker.Broker
}

// maxUploadBytes bounds multipart document uploads.
const maxUploadBytes = 128 << 20

func newRouter(deps apiDeps) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/metrics", deps.handleMetrics)

	r.Post("/documents", deps.handleUploadDocument)
	r.Get("/documents/{id}", deps.handleGetDocument)
	r.Get("/versions/{id}", deps.handleGetVersion)
	r.Post("/versions/{id}/retry", deps.handleRetryVersion)

	r.Post("/jobs", deps.handleEnqueueJob)
	r.Get("/jobs", deps.handleListJobs)
	r.Get("/jobs/{id}", deps.handleGetJob)
	r.Delete("/jobs/{id}", deps.handleCancelJob)

	return r
}

func (d apiDeps) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := monitoring.NewCollector(d.store).Collect(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// handleUploadDocument accepts a multipart document upload: file field
// "file", optional fields title, kind, and source. The version is stored,
// marked uploaded, and a process_document_version job is enqueued.
func (d apiDeps) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "read upload")
		return
	}
	if len(data) == 0 {
		respondError(w, http.StatusBadRequest, "uploaded file is empty")
		return
	}

	title := r.FormValue("title")
	if title == "" {
		title = header.Filename
	}
	kind, err := resolveKind(r.FormValue("kind"), header.Filename)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	doc, version, err := uploadDocument(r.Context(), d.store, d.objects, uploadRequest{
		Title:  title,
		Source: r.FormValue("source"),
		Kind:   kind,
		Data:   data,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	job, err := d.broker.Enqueue(r.Context(), model.JobTypeProcessDocumentVersion, model.PriorityLow,
		broker.VersionPayload{VersionID: version.ID})
	if err != nil {
		// The version is stored and claimable by the polling worker even if
		// enqueueing failed; report the upload as created.
		zap.L().Error("enqueue process job", zap.String("version_id", version.ID), zap.Error(err))
	}

	resp := map[string]any{
		"document": doc,
		"version":  version,
	}
	if job != nil {
		resp["job_id"] = job.ID
	}
	respondJSON(w, http.StatusCreated, resp)
}

func (d apiDeps) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc, err := d.store.GetDocument(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	versions, err := d.store.ListVersions(r.Context(), store.VersionFilter{DocumentID: id})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"document": doc,
		"versions": versions,
	})
}

func (d apiDeps) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	version, err := d.store.GetVersion(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, version)
}

func (d apiDeps) handleRetryVersion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	version, err := d.store.GetVersion(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if version.ProcessingStatus != model.ProcessingStatusFailed {
		respondError(w, http.StatusConflict,
			fmt.Sprintf("version is %s, only failed versions can be retried", version.ProcessingStatus))
		return
	}
	if err := d.store.MarkRetriable(r.Context(), id); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "retriable"})
}

func (d apiDeps) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type     model.JobType     `json:"type"`
		Priority model.JobPriority `json:"priority"`
		Payload  json.RawMessage   `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := d.broker.Enqueue(r.Context(), req.Type, req.Priority, req.Payload)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, job)
}

func (d apiDeps) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := d.broker.List(r.Context(), store.JobFilter{
		Type:   model.JobType(r.URL.Query().Get("type")),
		Status: model.JobStatus(r.URL.Query().Get("status")),
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (d apiDeps) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := d.broker.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (d apiDeps) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := d.broker.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		if eris.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "job not found")
			return
		}
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondStoreError(w http.ResponseWriter, err error) {
	if eris.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "not found")
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}
