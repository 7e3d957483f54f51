package vm

import (
	"bufio"
	"context"
	"io"
	"testing"
	"time"

	"github.com/boxlite/boxlite/options"
)

// echoHandshake writes a hello line and waits for a one-line ack, standing in
// for the real agent hello/hello_ack JSON exchange.
func echoHandshake(ctx context.Context, stdin io.Writer, stdout io.Reader) error {
	if _, err := io.WriteString(stdin, "hello\n"); err != nil {
		return err
	}
	reader := bufio.NewReader(stdout)
	line, err := reader.ReadString('\n')
	if err != nil {
		return err
	}
	if line != "hello\n" {
		return errUnexpectedHandshake
	}
	return nil
}

var errUnexpectedHandshake = io.ErrUnexpectedEOF

func TestSupervisorStartReachesReady(t *testing.T) {
	sup := New(Config{
		LauncherPath: "/bin/cat", // echoes stdin to stdout, standing in for a launcher+agent
		Resources:    options.ResourceOptions{CPUs: 1, MemoryMiB: 256},
		Boot:         options.BootOptions{Kernel: "/boot/vmlinuz"},
		Handshake:    echoHandshake,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sup.State() != StateReady {
		t.Fatalf("got state %v, want Ready", sup.State())
	}
	if sup.PID() == 0 {
		t.Fatalf("expected non-zero PID")
	}

	timings := sup.Timings()
	if len(timings) != 2 {
		t.Fatalf("got %d phase timings, want 2 (spawn, init)", len(timings))
	}

	if err := sup.Stop(context.Background(), nil); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sup.State() != StateGone {
		t.Fatalf("got state %v, want Gone", sup.State())
	}
}

func TestSupervisorRejectsZeroResources(t *testing.T) {
	sup := New(Config{LauncherPath: "/bin/cat"})
	if err := sup.Start(context.Background()); err == nil {
		t.Fatalf("expected error for zero cpus/memory")
	}
	if sup.State() != StateFailed {
		t.Fatalf("got state %v, want Failed", sup.State())
	}
}

func TestSupervisorFailsOnMissingLauncher(t *testing.T) {
	sup := New(Config{
		LauncherPath: "/nonexistent/launcher/binary",
		Resources:    options.ResourceOptions{CPUs: 1, MemoryMiB: 256},
	})
	if err := sup.Start(context.Background()); err == nil {
		t.Fatalf("expected error for missing launcher binary")
	}
	if sup.State() != StateFailed {
		t.Fatalf("got state %v, want Failed", sup.State())
	}
}

func TestSupervisorStopEscalatesWithoutGracefulShutdown(t *testing.T) {
	sup := New(Config{
		LauncherPath: "/bin/cat",
		Resources:    options.ResourceOptions{CPUs: 1, MemoryMiB: 256},
		KillGrace:    50 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// /bin/cat ignores SIGTERM's default disposition only if blocked; here it
	// has no handler so SIGTERM should terminate it within KillGrace, but
	// this also exercises the SIGKILL escalation path if it doesn't.
	if err := sup.Stop(context.Background(), nil); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sup.State() != StateGone {
		t.Fatalf("got state %v, want Gone", sup.State())
	}
}
