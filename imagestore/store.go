// Package imagestore resolves OCI image references across a configured
// registry chain, caches their layer and config blobs in a content-addressed
// blob store, and materializes a pulled image into a box's bundle directory.
package imagestore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/boxlite/boxlite/blobstore"
	"github.com/boxlite/boxlite/types"
)

// Store is the image store for one home directory: a manifest cache backed
// by sqlite, and the blob store its manifests reference.
type Store struct {
	db         *sql.DB
	blobs      *blobstore.Store
	registries []string
}

// Open opens (creating if necessary) the manifest cache at dbPath, backed by
// the blob tree at blobsRoot, and resolves refs against registries in order.
func Open(dbPath, blobsRoot string, registries []string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("imagestore: open manifest db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("imagestore: enable WAL: %w", err)
	}
	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	blobs, err := blobstore.Open(blobsRoot)
	if err != nil {
		db.Close()
		return nil, err
	}

	if len(registries) == 0 {
		registries = []string{""}
	}

	return &Store{db: db, blobs: blobs, registries: registries}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Blobs exposes the underlying blob store, for components (like bundle
// materialization) that need direct blob reads.
func (s *Store) Blobs() *blobstore.Store {
	return s.blobs
}

// cachedManifest looks up ref in the local cache without touching a registry.
func (s *Store) cachedManifest(ctx context.Context, ref string) (*types.Manifest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT ref, digest, config_digest, layer_digests, size_bytes, created_at
		 FROM manifests WHERE ref = ?`, ref)

	var (
		m          types.Manifest
		layersJoin string
		createdStr string
	)
	if err := row.Scan(&m.Ref, &m.Digest, &m.ConfigDigest, &layersJoin, &m.Size, &createdStr); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("imagestore: read manifest cache: %w", err)
	}
	m.LayerDigests = strings.Split(layersJoin, ",")
	createdAt, err := time.Parse(time.RFC3339Nano, createdStr)
	if err == nil {
		m.CreatedAt = createdAt
	}
	return &m, nil
}

func (s *Store) saveManifest(ctx context.Context, m *types.Manifest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO manifests (ref, digest, config_digest, layer_digests, size_bytes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(ref) DO UPDATE SET
		   digest=excluded.digest,
		   config_digest=excluded.config_digest,
		   layer_digests=excluded.layer_digests,
		   size_bytes=excluded.size_bytes,
		   created_at=excluded.created_at`,
		m.Ref, m.Digest, m.ConfigDigest, strings.Join(m.LayerDigests, ","), m.Size, m.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("imagestore: write manifest cache: %w", err)
	}
	return nil
}

// ManifestListEntry is one row of List's result.
type ManifestListEntry struct {
	Ref       string
	Digest    string
	Size      int64
	CreatedAt time.Time
}

// List performs a lazy scan of cached manifests.
func (s *Store) List(ctx context.Context) ([]ManifestListEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ref, digest, size_bytes, created_at FROM manifests ORDER BY ref`)
	if err != nil {
		return nil, fmt.Errorf("imagestore: list manifests: %w", err)
	}
	defer rows.Close()

	var out []ManifestListEntry
	for rows.Next() {
		var e ManifestListEntry
		var createdStr string
		if err := rows.Scan(&e.Ref, &e.Digest, &e.Size, &createdStr); err != nil {
			return nil, fmt.Errorf("imagestore: scan manifest row: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out, rows.Err()
}

func logger() *slog.Logger {
	return slog.Default().With("component", "imagestore")
}
