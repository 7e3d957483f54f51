package boxlite

import (
	"context"
	"testing"
	"time"

	"github.com/boxlite/boxlite/types"
)

func newTestBox(t *testing.T, r *Registry) *Box {
	t.Helper()
	b, err := r.Create(context.Background(), CreateOptions{Rootfs: RootfsSource{Path: "/tmp/rootfs"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return b
}

func TestBoxFailRecordsReasonAndUpdatesMetrics(t *testing.T) {
	r := newTestRegistry(t)
	b := newTestBox(t, r)

	b.setStatus(types.StatusRunning)
	before := r.Metrics()

	b.fail("guest handshake timed out")

	state := b.State()
	if state.Status != types.StatusFailed {
		t.Fatalf("got status %v, want Failed", state.Status)
	}
	if state.Reason != "guest handshake timed out" {
		t.Fatalf("got reason %q", state.Reason)
	}

	after := r.Metrics()
	if after.BoxesFailed != before.BoxesFailed+1 {
		t.Fatalf("BoxesFailed did not increment: before=%d after=%d", before.BoxesFailed, after.BoxesFailed)
	}
	if after.BoxesRunning != before.BoxesRunning-1 {
		t.Fatalf("BoxesRunning did not decrement for a box that was running: before=%d after=%d", before.BoxesRunning, after.BoxesRunning)
	}
}

func TestBoxFailFromNonRunningDoesNotTouchBoxesRunning(t *testing.T) {
	r := newTestRegistry(t)
	b := newTestBox(t, r) // still Created, never Running

	before := r.Metrics()
	b.fail("never started")
	after := r.Metrics()

	if after.BoxesRunning != before.BoxesRunning {
		t.Fatalf("BoxesRunning changed for a box that was never Running: before=%d after=%d", before.BoxesRunning, after.BoxesRunning)
	}
	if after.BoxesFailed != before.BoxesFailed+1 {
		t.Fatalf("BoxesFailed did not increment")
	}
}

func TestBoxStopWithNoSupervisorIsANoop(t *testing.T) {
	r := newTestRegistry(t)
	b := newTestBox(t, r)
	b.setStatus(types.StatusRunning)

	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if b.State().Status != types.StatusStopped {
		t.Fatalf("got status %v, want Stopped", b.State().Status)
	}
}

func TestBoxStopIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	b := newTestBox(t, r)
	b.setStatus(types.StatusRunning)

	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if b.State().Status != types.StatusStopped {
		t.Fatalf("got status %v, want Stopped after repeated Stop", b.State().Status)
	}
}

func TestBoxTimingsAreACopy(t *testing.T) {
	r := newTestRegistry(t)
	b := newTestBox(t, r)

	b.recordPhaseDuration(types.PhaseFilesystem, time.Millisecond)
	timings := b.Timings()
	if len(timings) != 1 {
		t.Fatalf("got %d timings, want 1", len(timings))
	}
	timings[0].Duration = time.Hour // mutate the returned slice

	again := b.Timings()
	if again[0].Duration != time.Millisecond {
		t.Fatalf("Timings leaked internal state: got %v, want %v", again[0].Duration, time.Millisecond)
	}
}

func TestBoxInfoReflectsState(t *testing.T) {
	r := newTestRegistry(t)
	b, err := r.Create(context.Background(), CreateOptions{
		Name:   "info-box",
		Rootfs: RootfsSource{Image: "docker.io/library/alpine:3.19"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	info := b.Info()
	if info.ID != b.ID() || info.Name != "info-box" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if info.Image != "docker.io/library/alpine:3.19" {
		t.Fatalf("got image %q", info.Image)
	}
	if info.State.Status != types.StatusCreated {
		t.Fatalf("got status %v, want Created for a box that was never started", info.State.Status)
	}
}

func TestRootfsSourceValidateRequiresExactlyOne(t *testing.T) {
	cases := []struct {
		name    string
		src     RootfsSource
		wantErr bool
	}{
		{"neither set", RootfsSource{}, true},
		{"both set", RootfsSource{Image: "a", Path: "b"}, true},
		{"image only", RootfsSource{Image: "a"}, false},
		{"path only", RootfsSource{Path: "b"}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.src.validate()
			if c.wantErr && err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !c.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
