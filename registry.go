package boxlite

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/goombaio/namegenerator"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	_ "modernc.org/sqlite"

	"github.com/boxlite/boxlite/execengine"
	"github.com/boxlite/boxlite/imagestore"
	"github.com/boxlite/boxlite/pool"
	"github.com/boxlite/boxlite/types"
)

// maxConcurrentShutdowns bounds how many boxes are torn down in flight
// during Registry.Shutdown, the same discipline imagestore.Pull uses for
// concurrent blob fetches.
const maxConcurrentShutdowns = 8

// maxBlockingWorkers bounds how many box start and stop bodies run
// concurrently on the registry's worker pool. Exec and copy operations do
// not go through this pool.
const maxBlockingWorkers = 32

// Registry is the process-global catalog of boxes under one home directory.
// Exactly one Registry should hold the home directory's lock at a time,
// enforced with an flock on home_dir/lock (grounded on the same single-
// writer discipline the daemon's mux server uses for its own lock file).
type Registry struct {
	cfg *RuntimeConfig

	lockFile *os.File

	images     *imagestore.Store
	db         *sql.DB
	metrics    *runtimeMetrics
	tracer     *sdktrace.TracerProvider
	dispatcher *pool.Dispatcher

	namegen namegenerator.Generator

	mu    sync.Mutex
	boxes map[string]*Box
	names map[string]string // name -> id
}

// Open acquires the home directory's lock and opens (creating if necessary)
// the box catalog and image store rooted at cfg.HomeDir.
func Open(ctx context.Context, cfg *RuntimeConfig) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	for _, dir := range []string{cfg.HomeDir, cfg.logsDir()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, Wrap(KindInternal, err, "create %s", dir)
		}
	}

	lockFile, err := acquireLock(cfg.lockFile())
	if err != nil {
		return nil, Wrap(KindInvalidState, err, "acquire home directory lock")
	}

	slog.SetDefault(newLogger(cfg.HomeDir))

	tp, err := newTracerProvider(ctx, cfg.TraceCollectorEndpoint)
	if err != nil {
		releaseLock(lockFile, cfg.lockFile())
		return nil, Wrap(KindInternal, err, "init tracer provider")
	}

	images, err := imagestore.Open(cfg.imagesDB(), cfg.blobsRoot(), cfg.Registries)
	if err != nil {
		releaseLock(lockFile, cfg.lockFile())
		return nil, err
	}

	db, err := sql.Open("sqlite", catalogDBPath(cfg))
	if err != nil {
		images.Close()
		releaseLock(lockFile, cfg.lockFile())
		return nil, Wrap(KindInternal, err, "open box catalog")
	}
	if err := applyCatalogMigrations(db); err != nil {
		db.Close()
		images.Close()
		releaseLock(lockFile, cfg.lockFile())
		return nil, err
	}

	r := &Registry{
		cfg:        cfg,
		lockFile:   lockFile,
		images:     images,
		db:         db,
		metrics:    &runtimeMetrics{},
		tracer:     tp,
		dispatcher: pool.New(maxBlockingWorkers),
		namegen:    namegenerator.NewNameGenerator(time.Now().UnixNano()),
		boxes:      map[string]*Box{},
		names:      map[string]string{},
	}

	if err := r.loadCatalog(ctx); err != nil {
		r.Close()
		return nil, err
	}

	return r, nil
}

// acquireLock mirrors the daemon's single-instance-per-home-dir discipline:
// an exclusive, non-blocking flock on a well-known file.
func acquireLock(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		return nil, fmt.Errorf("boxlite: home directory already in use: %w", err)
	}
	return file, nil
}

func releaseLock(file *os.File, path string) {
	if file == nil {
		return
	}
	syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
	file.Close()
	os.Remove(path)
}

// Close stops no boxes (callers must Shutdown first if that's desired),
// closes the catalog and image store, and releases the home directory lock.
func (r *Registry) Close() error {
	if r.dispatcher != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := r.dispatcher.Shutdown(sctx); err != nil {
			slog.Warn("boxlite.Registry.Close: dispatcher shutdown timed out", "error", err)
		}
		cancel()
	}
	if r.tracer != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.tracer.Shutdown(sctx); err != nil {
			slog.Warn("boxlite.Registry.Close: tracer shutdown failed", "error", err)
		}
		cancel()
	}
	if r.db != nil {
		r.db.Close()
	}
	if r.images != nil {
		r.images.Close()
	}
	releaseLock(r.lockFile, r.cfg.lockFile())
	return nil
}

// Create allocates a new box with a generated id (and, if Name is empty, a
// generated display name), persists its metadata, and returns it in
// StatusCreated without starting it.
func (r *Registry) Create(ctx context.Context, opts CreateOptions) (*Box, error) {
	if err := opts.Rootfs.validate(); err != nil {
		return nil, err
	}
	if opts.Resources.CPUs <= 0 {
		opts.Resources.CPUs = r.cfg.DefaultResources.CPUs
	}
	if opts.Resources.MemoryMiB <= 0 {
		opts.Resources.MemoryMiB = r.cfg.DefaultResources.MemoryMiB
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if opts.Name != "" {
		if _, exists := r.names[opts.Name]; exists {
			return nil, NewError(KindAlreadyExists, "box named %q already exists", opts.Name)
		}
	} else {
		for {
			candidate := r.namegen.Generate()
			if _, taken := r.names[candidate]; !taken {
				opts.Name = candidate
				break
			}
		}
	}

	id := newBoxID()
	b := &Box{
		id:         id,
		name:       opts.Name,
		createdAt:  time.Now(),
		opts:       opts,
		autoRemove: opts.AutoRemove,
		cfg:        r.cfg,
		rt:         r,
		status:     types.StatusCreated,
		bundleDir:  r.cfg.boxDir(id),
		execs:      map[uint32]*execengine.Exec{},
		metrics:    newBoxMetrics(),
	}

	if err := r.persistBox(ctx, b); err != nil {
		return nil, err
	}

	r.boxes[id] = b
	r.names[opts.Name] = id
	r.metrics.boxesCreated.Add(1)
	return b, nil
}

// GetOrCreate atomically returns the existing box named name, or creates one
// with opts (whose Name is forced to name) if none exists yet. Exactly one
// concurrent caller wins the creation race (created == true for that caller);
// the rest observe the winner's box with created == false.
func (r *Registry) GetOrCreate(ctx context.Context, name string, opts CreateOptions) (*Box, bool, error) {
	r.mu.Lock()
	if id, ok := r.names[name]; ok {
		b := r.boxes[id]
		r.mu.Unlock()
		return b, false, nil
	}
	r.mu.Unlock()

	opts.Name = name
	b, err := r.Create(ctx, opts)
	if err == nil {
		return b, true, nil
	}
	if KindOf(err) == KindAlreadyExists {
		r.mu.Lock()
		defer r.mu.Unlock()
		if id, ok := r.names[name]; ok {
			return r.boxes[id], false, nil
		}
	}
	return nil, false, err
}

// Get resolves idOrName against the flat id/name namespace. Lookups are
// exact-match only; no prefix matching.
func (r *Registry) Get(idOrName string) (*Box, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.boxes[idOrName]; ok {
		return b, nil
	}
	if id, ok := r.names[idOrName]; ok {
		return r.boxes[id], nil
	}
	return nil, NewError(KindNotFound, "no box matches %q", idOrName)
}

// ListInfo returns a snapshot of every known box's info envelope.
func (r *Registry) ListInfo() []types.BoxInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.BoxInfo, 0, len(r.boxes))
	for _, b := range r.boxes {
		out = append(out, b.Info())
	}
	return out
}

// Remove deletes box idOrName from the catalog and disk. A running box is
// refused with InvalidState unless force is set, in which case it is stopped
// first.
func (r *Registry) Remove(ctx context.Context, idOrName string, force bool) error {
	b, err := r.Get(idOrName)
	if err != nil {
		return err
	}

	if b.State().Status == types.StatusRunning {
		if !force {
			return NewError(KindInvalidState, "box %s is running; stop it first or pass force", b.id)
		}
		if err := b.Stop(ctx); err != nil {
			slog.WarnContext(ctx, "boxlite.Registry.Remove: stop failed, forcing removal anyway", "box", b.id, "error", err)
		}
	}

	r.mu.Lock()
	delete(r.boxes, b.id)
	delete(r.names, b.name)
	r.mu.Unlock()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM boxes WHERE id = ?`, b.id); err != nil {
		return Wrap(KindInternal, err, "delete box %s from catalog", b.id)
	}
	return os.RemoveAll(b.bundleDir)
}

// Metrics returns a snapshot of process-wide counters.
func (r *Registry) Metrics() MetricsSnapshot {
	return r.metrics.snapshot()
}

// Shutdown stops every running box within timeout (escalating per-box as
// vm.Supervisor.Stop already does), then releases the home directory lock.
// A box still waiting for a shutdown slot when timeout expires is stopped
// with the same Stop sequence and no deadline, so Shutdown can return later
// than timeout.
func (r *Registry) Shutdown(ctx context.Context, timeout time.Duration) error {
	sctx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		sctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	r.mu.Lock()
	boxes := make([]*Box, 0, len(r.boxes))
	for _, b := range r.boxes {
		boxes = append(boxes, b)
	}
	r.mu.Unlock()

	sem := semaphore.NewWeighted(maxConcurrentShutdowns)
	g, gctx := errgroup.WithContext(sctx)
	for _, b := range boxes {
		if b.State().Status != types.StatusRunning {
			continue
		}
		b := b
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				// Out of shutdown budget while the box is still running: stop
				// it anyway through the regular Stop sequence (control
				// shutdown, SIGTERM, SIGKILL) with no deadline rather than
				// leaving it behind. There is no separate immediate kill.
				_ = b.Stop(context.Background())
				return nil
			}
			defer sem.Release(1)
			if err := b.Stop(sctx); err != nil {
				slog.WarnContext(ctx, "boxlite.Registry.Shutdown: box stop failed", "box", b.id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return r.Close()
}

func newBoxID() string {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		// crypto/rand failing is unrecoverable; fall back to a timestamp so
		// Create still returns a usable (if less collision-resistant) id.
		return fmt.Sprintf("bx_%x", time.Now().UnixNano())
	}
	return "bx_" + hex.EncodeToString(raw[:])
}
