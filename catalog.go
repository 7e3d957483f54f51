package boxlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/boxlite/boxlite/execengine"
	"github.com/boxlite/boxlite/types"
)

//go:embed migrations/*.sql
var catalogMigrationsFS embed.FS

func catalogDBPath(cfg *RuntimeConfig) string {
	return filepath.Join(cfg.HomeDir, "boxes.db")
}

// applyCatalogMigrations brings the box catalog db up to the latest schema,
// mirroring imagestore's own migration setup (same pure-Go sqlite driver,
// same iofs-embedded source).
func applyCatalogMigrations(db *sql.DB) error {
	src, err := iofs.New(catalogMigrationsFS, "migrations")
	if err != nil {
		return Wrap(KindInternal, err, "load catalog migration source")
	}

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return Wrap(KindInternal, err, "init catalog migration driver")
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return Wrap(KindInternal, err, "init catalog migrator")
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return Wrap(KindInternal, err, "apply catalog migrations")
	}
	return nil
}

// persistBox upserts b's catalog row. Only identity and launch-shape fields
// are persisted; a box recovered from the catalog after a process restart
// carries enough to be listed, fetched, and removed, but re-Start()ing it
// requires the caller to supply CreateOptions.Policy again, since a security
// policy is a launch-time argument, not part of a box's durable identity.
func (r *Registry) persistBox(ctx context.Context, b *Box) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO boxes (id, name, image, rootfs_path, cpus, memory_mib, auto_remove, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			image = excluded.image,
			rootfs_path = excluded.rootfs_path,
			cpus = excluded.cpus,
			memory_mib = excluded.memory_mib,
			auto_remove = excluded.auto_remove`,
		b.id, b.name, b.opts.Rootfs.Image, b.opts.Rootfs.Path,
		b.opts.Resources.CPUs, b.opts.Resources.MemoryMiB, b.autoRemove,
		b.createdAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Wrap(KindInternal, err, "persist box %s", b.id)
	}
	return nil
}

// loadCatalog reconstructs the in-memory box index from the catalog db on
// Registry open, so boxes created by a previous process remain reachable by
// id/name (reattachment) without needing their VM re-started.
func (r *Registry) loadCatalog(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, image, rootfs_path, cpus, memory_mib, auto_remove, created_at FROM boxes`)
	if err != nil {
		return Wrap(KindInternal, err, "load box catalog")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id, name, image, rootfsPath, createdStr string
			cpus, memoryMib                         int
			autoRemove                               bool
		)
		if err := rows.Scan(&id, &name, &image, &rootfsPath, &cpus, &memoryMib, &autoRemove, &createdStr); err != nil {
			return Wrap(KindInternal, err, "scan box catalog row")
		}
		createdAt, err := time.Parse(time.RFC3339Nano, createdStr)
		if err != nil {
			createdAt = time.Time{}
		}

		b := &Box{
			id:         id,
			name:       name,
			createdAt:  createdAt,
			autoRemove: autoRemove,
			cfg:        r.cfg,
			rt:         r,
			status:     types.StatusStopped,
			bundleDir:  r.cfg.boxDir(id),
			execs:      map[uint32]*execengine.Exec{},
			metrics:    newBoxMetrics(),
		}
		b.opts = CreateOptions{
			Name:       name,
			Rootfs:     RootfsSource{Image: image, Path: rootfsPath},
			AutoRemove: autoRemove,
		}
		b.opts.Resources.CPUs = cpus
		b.opts.Resources.MemoryMiB = memoryMib

		r.boxes[id] = b
		r.names[name] = id
	}
	return rows.Err()
}
