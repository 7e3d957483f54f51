// Package blobstore implements the content-addressed blob cache that backs
// the image store: layer and config blobs are written once, keyed by their
// sha256 digest, and committed atomically so a reader never observes a
// partially-written blob.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/singleflight"
)

// ErrNotFound is returned by Get when the requested digest has no blob.
var ErrNotFound = errors.New("blobstore: blob not found")

// ErrCorrupt is returned by Put when the stream's hash does not match the
// requested digest. The partial write is removed before returning.
var ErrCorrupt = errors.New("blobstore: digest mismatch")

// Store is a single content-addressed blob tree rooted at a directory laid
// out as blobs/sha256/<hex>, matching the on-disk layout under
// home_dir/images/blobs/sha256/.
type Store struct {
	root  string
	group singleflight.Group
}

// Open ensures the blob tree exists under root and returns a Store for it.
func Open(root string) (*Store, error) {
	dir := filepath.Join(root, "sha256")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("blobstore: create blob tree: %w", err)
	}
	return &Store{root: root}, nil
}

func splitDigest(digest string) (algo, hex string, err error) {
	parts := strings.SplitN(digest, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("blobstore: malformed digest %q", digest)
	}
	if parts[0] != "sha256" {
		return "", "", fmt.Errorf("blobstore: unsupported digest algorithm %q", parts[0])
	}
	return parts[0], parts[1], nil
}

func (s *Store) path(digest string) (string, error) {
	algo, hexDigest, err := splitDigest(digest)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, algo, hexDigest), nil
}

// Path returns the on-disk path of digest if it is already committed.
func (s *Store) Path(digest string) (string, bool) {
	p, err := s.path(digest)
	if err != nil {
		return "", false
	}
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	return p, true
}

// Has reports whether digest is already committed to the store.
func (s *Store) Has(digest string) bool {
	_, ok := s.Path(digest)
	return ok
}

// Put streams r into the blob tree under digest. Writers racing to commit
// the same digest are coalesced: only one of them reads, hashes and renames;
// the others wait for it without reading their own reader and return its
// result, error included. A caller that finds the digest already committed
// drains its reader and returns nil. A hash mismatch deletes the partial
// file and returns ErrCorrupt.
func (s *Store) Put(ctx context.Context, digest string, r io.Reader) error {
	finalPath, err := s.path(digest)
	if err != nil {
		return err
	}
	if s.Has(digest) {
		io.Copy(io.Discard, r)
		return nil
	}

	_, err, _ = s.group.Do(digest, func() (any, error) {
		return nil, s.put(ctx, digest, finalPath, r)
	})
	return err
}

func (s *Store) put(ctx context.Context, digest, finalPath string, r io.Reader) error {
	if s.Has(digest) {
		io.Copy(io.Discard, r)
		return nil
	}

	dir := filepath.Dir(finalPath)
	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return fmt.Errorf("blobstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), readerWithContext(ctx, r)); err != nil {
		cleanup()
		return fmt.Errorf("blobstore: write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("blobstore: close temp file: %w", err)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	_, wantHex, _ := splitDigest(digest)
	if sum != wantHex {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: wrote sha256:%s, wanted %s", ErrCorrupt, sum, digest)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		// Another writer may have won the rename race for an equivalent
		// digest computed outside this process's singleflight group (a
		// second process sharing the same home dir, for instance).
		if s.Has(digest) {
			os.Remove(tmpPath)
			return nil
		}
		os.Remove(tmpPath)
		return fmt.Errorf("blobstore: commit blob: %w", err)
	}
	return nil
}

// Get opens digest for reading. Callers must Close the result.
func (s *Store) Get(digest string) (io.ReadCloser, error) {
	p, err := s.path(digest)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
		}
		return nil, err
	}
	return f, nil
}

// readerWithContext wraps r so a Put aborts promptly once ctx is canceled,
// instead of only noticing between the fixed-size reads io.Copy already does.
func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
