package boxlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/boxlite/boxlite/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	cfg := &RuntimeConfig{
		HomeDir:            filepath.Join(dir, "home"),
		HypervisorLauncher: "/bin/true",
	}
	r, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRegistryCreateAssignsUniqueNames(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	b1, err := r.Create(ctx, CreateOptions{Rootfs: RootfsSource{Image: "docker.io/library/alpine:3.19"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b2, err := r.Create(ctx, CreateOptions{Rootfs: RootfsSource{Image: "docker.io/library/alpine:3.19"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if b1.ID() == b2.ID() {
		t.Fatalf("expected distinct ids, got %s twice", b1.ID())
	}
	if b1.Name() == b2.Name() {
		t.Fatalf("expected distinct generated names, got %q twice", b1.Name())
	}
}

func TestRegistryCreateRejectsDuplicateName(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	opts := CreateOptions{Name: "fixed-name", Rootfs: RootfsSource{Image: "docker.io/library/alpine:3.19"}}
	if _, err := r.Create(ctx, opts); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := r.Create(ctx, opts)
	if err == nil {
		t.Fatalf("expected AlreadyExists error for duplicate name")
	}
	if KindOf(err) != KindAlreadyExists {
		t.Fatalf("got kind %v, want KindAlreadyExists", KindOf(err))
	}
}

func TestRegistryCreateRejectsAmbiguousRootfs(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Create(ctx, CreateOptions{Rootfs: RootfsSource{}})
	if err == nil || KindOf(err) != KindConfigError {
		t.Fatalf("expected ConfigError for empty rootfs source, got %v", err)
	}

	_, err = r.Create(ctx, CreateOptions{Rootfs: RootfsSource{Image: "a", Path: "/b"}})
	if err == nil || KindOf(err) != KindConfigError {
		t.Fatalf("expected ConfigError for both image and path set, got %v", err)
	}
}

func TestRegistryGetOrCreateIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	opts := CreateOptions{Rootfs: RootfsSource{Image: "docker.io/library/alpine:3.19"}}
	b1, created1, err := r.GetOrCreate(ctx, "shared", opts)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !created1 {
		t.Fatalf("expected created=true on first GetOrCreate")
	}
	b2, created2, err := r.GetOrCreate(ctx, "shared", opts)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if created2 {
		t.Fatalf("expected created=false on second GetOrCreate")
	}
	if b1.ID() != b2.ID() {
		t.Fatalf("expected same box back, got %s and %s", b1.ID(), b2.ID())
	}
}

func TestRegistryGetOrCreateConcurrentCallersSeeExactlyOneCreator(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	opts := CreateOptions{Rootfs: RootfsSource{Image: "docker.io/library/alpine:3.19"}}

	const callers = 16
	var wg sync.WaitGroup
	ids := make([]string, callers)
	createdFlags := make([]bool, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, created, err := r.GetOrCreate(ctx, "contended", opts)
			errs[i] = err
			createdFlags[i] = created
			if b != nil {
				ids[i] = b.ID()
			}
		}()
	}
	wg.Wait()

	var creators int
	var wantID string
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("GetOrCreate: %v", errs[i])
		}
		if createdFlags[i] {
			creators++
		}
		if wantID == "" {
			wantID = ids[i]
		} else if ids[i] != wantID {
			t.Fatalf("expected all callers to observe the same box id, got %s and %s", wantID, ids[i])
		}
	}
	if creators != 1 {
		t.Fatalf("expected exactly one caller to see created=true, got %d", creators)
	}
}

func TestRegistryGetResolvesIDOrName(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	b, err := r.Create(ctx, CreateOptions{Name: "by-name", Rootfs: RootfsSource{Path: "/tmp/rootfs"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	byID, err := r.Get(b.ID())
	if err != nil || byID.ID() != b.ID() {
		t.Fatalf("Get(id): %v", err)
	}
	byName, err := r.Get("by-name")
	if err != nil || byName.ID() != b.ID() {
		t.Fatalf("Get(name): %v", err)
	}
	if _, err := r.Get("nope"); KindOf(err) != KindNotFound {
		t.Fatalf("expected NotFound for unknown id/name, got %v", err)
	}
}

func TestRegistryRemoveDeletesFromListing(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	b, err := r.Create(ctx, CreateOptions{Name: "gone-soon", Rootfs: RootfsSource{Path: "/tmp/rootfs"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Remove(ctx, b.ID(), false); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := r.Get(b.ID()); KindOf(err) != KindNotFound {
		t.Fatalf("expected box to be gone after Remove, got %v", err)
	}
	for _, info := range r.ListInfo() {
		if info.ID == b.ID() {
			t.Fatalf("removed box %s still present in ListInfo", b.ID())
		}
	}
}

func TestRegistryReattachesFromCatalogAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := &RuntimeConfig{
		HomeDir:            filepath.Join(dir, "home"),
		HypervisorLauncher: "/bin/true",
	}
	ctx := context.Background()

	r1, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b, err := r1.Create(ctx, CreateOptions{
		Name:      "persisted",
		Rootfs:    RootfsSource{Image: "docker.io/library/alpine:3.19"},
		Resources: r1.cfg.DefaultResources,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := b.ID()
	if err := r1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r2, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	defer r2.Close()

	reattached, err := r2.Get(id)
	if err != nil {
		t.Fatalf("expected reattached box by id, got error: %v", err)
	}
	if reattached.Name() != "persisted" {
		t.Fatalf("got name %q, want %q", reattached.Name(), "persisted")
	}
	if reattached.State().Status != types.StatusStopped {
		t.Fatalf("got status %v, want Stopped for a reattached box", reattached.State().Status)
	}

	byName, err := r2.Get("persisted")
	if err != nil || byName.ID() != id {
		t.Fatalf("expected reattached box to be resolvable by name, got %v, %v", byName, err)
	}
}

func TestRegistryShutdownStopsRunningBoxesWithinBound(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	const n = 5
	for i := 0; i < n; i++ {
		b, err := r.Create(ctx, CreateOptions{Rootfs: RootfsSource{Path: "/tmp/rootfs"}})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		// Shutdown only tears down boxes it observes as Running; fake that
		// state directly since none of these boxes actually spawned a VM.
		b.setStatus(types.StatusRunning)
	}

	done := make(chan error, 1)
	go func() { done <- r.Shutdown(ctx, 5*time.Second) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Shutdown did not return within its own bound")
	}

	for _, info := range r.ListInfo() {
		if info.State.Status == types.StatusRunning {
			t.Fatalf("box %s still reports Running after Shutdown", info.ID)
		}
	}
}
