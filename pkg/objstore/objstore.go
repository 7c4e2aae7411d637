// Package objstore stores raw document bytes outside the database. Rows in
// document_versions carry a locator string; this package resolves it.
package objstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrNotFound is returned when a locator does not resolve to stored bytes.
var ErrNotFound = eris.New("objstore: object not found")

// Store is the blob storage surface the pipeline depends on.
type Store interface {
	// Put writes the object and returns its locator.
	Put(ctx context.Context, key string, r io.Reader) (string, error)
	// Get opens the object for reading. The caller closes the reader.
	Get(ctx context.Context, locator string) (io.ReadCloser, error)
	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, locator string) error
}

// LocalStore keeps objects under a root directory, sharded by the first two
// characters of the key to keep directory fan-out manageable.
type LocalStore struct {
	root string
}

// NewLocal creates a local blob store rooted at dir, creating it if needed.
func NewLocal(dir string) (*LocalStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, eris.Wrap(err, "objstore: resolve root")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, eris.Wrap(err, "objstore: create root")
	}
	return &LocalStore{root: abs}, nil
}

// Put writes the object atomically: bytes land in a temp file first and are
// renamed into place, so a crashed write never leaves a partial object.
func (s *LocalStore) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", eris.Wrap(err, "objstore: put")
	}
	path, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", eris.Wrap(err, "objstore: create shard dir")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return "", eris.Wrap(err, "objstore: create temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close() //nolint:errcheck
		return "", eris.Wrap(err, "objstore: write object")
	}
	if err := tmp.Close(); err != nil {
		return "", eris.Wrap(err, "objstore: close temp file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", eris.Wrap(err, "objstore: finalize object")
	}
	return "local://" + key, nil
}

// Get opens the object named by a local:// locator.
func (s *LocalStore) Get(ctx context.Context, locator string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "objstore: get")
	}
	path, err := s.resolveLocator(locator)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, eris.Wrapf(ErrNotFound, "objstore: %s", locator)
		}
		return nil, eris.Wrap(err, "objstore: open object")
	}
	return f, nil
}

// Delete removes the object named by a local:// locator.
func (s *LocalStore) Delete(ctx context.Context, locator string) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "objstore: delete")
	}
	path, err := s.resolveLocator(locator)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return eris.Wrap(err, "objstore: remove object")
	}
	return nil
}

func (s *LocalStore) resolveLocator(locator string) (string, error) {
	key, ok := strings.CutPrefix(locator, "local://")
	if !ok {
		return "", eris.Errorf("objstore: unsupported locator %q", locator)
	}
	return s.resolve(key)
}

// resolve maps a key to a sharded path and guards against traversal out of
// the root.
func (s *LocalStore) resolve(key string) (string, error) {
	if key == "" {
		return "", eris.New("objstore: empty key")
	}
	shard := key
	if len(shard) > 2 {
		shard = shard[:2]
	}
	path := filepath.Join(s.root, shard, key)
	if !strings.HasPrefix(path, s.root+string(os.PathSeparator)) {
		return "", eris.Errorf("objstore: key %q escapes storage root", key)
	}
	return path, nil
}

var _ Store = (*LocalStore)(nil)
