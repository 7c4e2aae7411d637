// Package fetcher pulls remote documents into the pipeline: HTTP and FTP
// transports plus readers for the tabular manifest formats.
package fetcher

import (
	"context"
	"io"
)

// Fetcher downloads one remote document. The caller owns the returned body.
type Fetcher interface {
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}
