package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/broker"
	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/pipeline"
	"github.com/sells-group/ingest-cli/internal/store"
	"github.com/sells-group/ingest-cli/pkg/objstore"
)

var (
	uploadTitle   string
	uploadKind    string
	uploadSource  string
	uploadEnqueue bool
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a document file as a new version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		path := args[0]
		data, err := os.ReadFile(path)
		if err != nil {
			return eris.Wrapf(err, "read %s", path)
		}

		title := uploadTitle
		if title == "" {
			title = filepath.Base(path)
		}
		kind, err := resolveKind(uploadKind, path)
		if err != nil {
			return err
		}

		doc, version, err := uploadDocument(ctx, env.Store, env.Objects, uploadRequest{
			Title:  title,
			Source: uploadSource,
			Kind:   kind,
			Data:   data,
		})
		if err != nil {
			return err
		}

		zap.L().Info("document uploaded",
			zap.String("document_id", doc.ID),
			zap.String("version_id", version.ID),
			zap.String("hash", version.ContentHash),
			zap.Int64("size", version.SizeBytes),
		)

		if uploadEnqueue {
			job, err := env.Broker.Enqueue(ctx, model.JobTypeProcessDocumentVersion, model.PriorityLow,
				broker.VersionPayload{VersionID: version.ID})
			if err != nil {
				return err
			}
			zap.L().Info("process job enqueued", zap.String("job_id", job.ID))
		}

		return printJSON(cmd, map[string]any{"document": doc, "version": version})
	},
}

func init() {
	uploadCmd.Flags().StringVar(&uploadTitle, "title", "", "document title (default: file name)")
	uploadCmd.Flags().StringVar(&uploadKind, "kind", "", "document kind: pdf, html, markdown, text, spreadsheet (default: from extension)")
	uploadCmd.Flags().StringVar(&uploadSource, "source", "", "document source label")
	uploadCmd.Flags().BoolVar(&uploadEnqueue, "enqueue", true, "enqueue a process job for the new version")
	rootCmd.AddCommand(uploadCmd)
}

// uploadRequest carries one document upload through the shared path used by
// the upload command, the ingest job, and the HTTP API.
type uploadRequest struct {
	Title  string
	Source string
	Kind   model.DocumentKind
	Data   []byte
}

// uploadDocument creates the document and version rows, stores the raw
// bytes, and finishes the upload with the content fingerprint. The version
// comes back uploaded/pending, ready for the pipeline.
func uploadDocument(ctx context.Context, st store.DocumentStore, objects objstore.Store, req uploadRequest) (*model.Document, *model.DocumentVersion, error) {
	if len(req.Data) == 0 {
		return nil, nil, eris.New("upload: no content")
	}

	doc := &model.Document{
		ID:     uuid.NewString(),
		Title:  req.Title,
		Source: req.Source,
		Kind:   req.Kind,
	}
	if err := st.CreateDocument(ctx, doc); err != nil {
		return nil, nil, err
	}

	version := &model.DocumentVersion{
		ID:         uuid.NewString(),
		DocumentID: doc.ID,
	}
	if err := st.CreateVersion(ctx, version); err != nil {
		return nil, nil, err
	}

	locator, err := objects.Put(ctx, "raw/"+version.ID, bytes.NewReader(req.Data))
	if err != nil {
		// Record the failed upload so the version is never claimable.
		if ferr := st.FinishUpload(ctx, version.ID, "", "", 0, model.UploadStatusFailed); ferr != nil {
			zap.L().Error("record failed upload", zap.String("version_id", version.ID), zap.Error(ferr))
		}
		return nil, nil, eris.Wrap(err, "upload: store bytes")
	}

	hash := pipeline.Fingerprint(req.Data)
	size := int64(len(req.Data))
	if err := st.FinishUpload(ctx, version.ID, hash, locator, size, model.UploadStatusUploaded); err != nil {
		return nil, nil, err
	}

	version, err = st.GetVersion(ctx, version.ID)
	if err != nil {
		return nil, nil, err
	}
	return doc, version, nil
}

// resolveKind returns the explicit kind when given, otherwise infers it from
// the file extension.
func resolveKind(explicit, filename string) (model.DocumentKind, error) {
	if explicit != "" {
		switch k := model.DocumentKind(explicit); k {
		case model.DocumentKindPDF, model.DocumentKindHTML, model.DocumentKindMarkdown,
			model.DocumentKindText, model.DocumentKindSpreadsheet:
			return k, nil
		default:
			return "", eris.Errorf("unknown document kind %q", explicit)
		}
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return model.DocumentKindPDF, nil
	case ".html", ".htm":
		return model.DocumentKindHTML, nil
	case ".md", ".markdown":
		return model.DocumentKindMarkdown, nil
	case ".xlsx":
		return model.DocumentKindSpreadsheet, nil
	case ".txt", "":
		return model.DocumentKindText, nil
	default:
		return model.DocumentKindText, nil
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
