package fetcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFTPURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantHost string
		wantPath string
		wantErr  string
	}{
		{
			name:     "default port",
			url:      "ftp://drop.lessorco.com/contracts/2026-08/batch.csv",
			wantHost: "drop.lessorco.com:21",
			wantPath: "/contracts/2026-08/batch.csv",
		},
		{
			name:     "explicit port",
			url:      "ftp://drop.lessorco.com:2121/manifest.xlsx",
			wantHost: "drop.lessorco.com:2121",
			wantPath: "/manifest.xlsx",
		},
		{
			name:    "http scheme rejected",
			url:     "http://drop.lessorco.com/batch.csv",
			wantErr: "scheme",
		},
		{
			name:    "missing path",
			url:     "ftp://drop.lessorco.com",
			wantErr: "path",
		},
		{
			name:    "unparseable",
			url:     "://bad",
			wantErr: "parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, path, err := parseFTPURL(tt.url)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPath, path)
		})
	}
}

func TestNewFTPFetcher_Defaults(t *testing.T) {
	f := NewFTPFetcher(FTPOptions{})
	assert.Equal(t, 30*time.Second, f.opts.Timeout)
	assert.Equal(t, "anonymous", f.opts.User)
	assert.Equal(t, "anonymous@", f.opts.Password)
}

func TestNewFTPFetcher_OptionsKept(t *testing.T) {
	f := NewFTPFetcher(FTPOptions{
		Timeout:  5 * time.Second,
		User:     "ingest",
		Password: "secret",
	})
	assert.Equal(t, 5*time.Second, f.opts.Timeout)
	assert.Equal(t, "ingest", f.opts.User)
	assert.Equal(t, "secret", f.opts.Password)
}
