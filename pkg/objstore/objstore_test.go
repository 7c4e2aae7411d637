package objstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	locator, err := s.Put(ctx, "v1-abc123", strings.NewReader("document bytes"))
	require.NoError(t, err)
	assert.Equal(t, "local://v1-abc123", locator)

	r, err := s.Get(ctx, locator)
	require.NoError(t, err)
	defer r.Close()

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "document bytes", string(data))
}

func TestPutOverwrites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Put(ctx, "v1", strings.NewReader("first"))
	require.NoError(t, err)
	locator, err := s.Put(ctx, "v1", strings.NewReader("second"))
	require.NoError(t, err)

	r, err := s.Get(ctx, locator)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "local://missing-key")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestGetUnsupportedLocator(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "s3://bucket/key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported locator")
}

func TestDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	locator, err := s.Put(ctx, "v1", strings.NewReader("bytes"))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, locator))
	require.NoError(t, s.Delete(ctx, locator))

	_, err = s.Get(ctx, locator)
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestKeyTraversalRejected(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Put(context.Background(), "../escape", strings.NewReader("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes storage root")
}

func TestEmptyKeyRejected(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Put(context.Background(), "", strings.NewReader("x"))
	require.Error(t, err)
}

func TestShardedLayout(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewLocal(dir)
	require.NoError(t, err)

	_, err = s.Put(ctx, "abcdef", strings.NewReader("x"))
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(dir, "ab", "abcdef"))
	assert.NoError(t, statErr)
}

func TestPutLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewLocal(dir)
	require.NoError(t, err)

	_, err = s.Put(ctx, "abcdef", strings.NewReader("x"))
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "ab"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "abcdef", entries[0].Name())
}
