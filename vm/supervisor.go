// Package vm owns the lifecycle of a single box's micro-VM process: resource
// allocation, kernel boot via an external hypervisor launcher, the guest
// handshake handoff, and graceful-then-forceful teardown.
package vm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/boxlite/boxlite/options"
	"github.com/boxlite/boxlite/types"
)

// tracerName identifies spans this package emits. It is the box runtime's
// own tracer name with a "/vm" suffix; both share the TracerProvider passed
// in Config.Tracer, and so its service resource.
const tracerName = "github.com/boxlite/boxlite/vm"

// State is a VM's position in the supervisor state machine.
type State string

const (
	StateIdle           State = "idle"
	StateAllocResources State = "alloc_resources"
	StateKernelBoot     State = "kernel_boot"
	StateGuestHandshake State = "guest_handshake"
	StateReady          State = "ready"
	StateDraining       State = "draining"
	StateGone           State = "gone"
	StateFailed         State = "failed"
)

// HandshakeFunc performs the agent hello/hello_ack exchange over stdio and
// returns once the guest has acknowledged, or the deadline has elapsed.
type HandshakeFunc func(ctx context.Context, stdin io.Writer, stdout io.Reader) error

// Config configures a single VM's resources and boot parameters.
type Config struct {
	LauncherPath string // path to the external hypervisor launcher binary
	Resources    options.ResourceOptions
	Boot         options.BootOptions
	Security     options.SecurityOptions
	Debug        bool

	HandshakeDeadline time.Duration
	ShutdownGrace     time.Duration // graceful-shutdown wait before SIGTERM
	KillGrace         time.Duration // SIGTERM wait before SIGKILL

	Handshake HandshakeFunc

	// Tracer, if set, emits an OTel span per phase transition (spawn, init)
	// so startup latency is inspectable the same way the
	// filesystem/image/guest_rootfs phases are upstream in Box.Start. BoxID
	// is not read by the supervisor; its spans carry no box id attribute.
	Tracer trace.TracerProvider
	BoxID  string
}

// Supervisor drives one VM process through its state machine and records
// phase timings as it progresses.
type Supervisor struct {
	cfg Config

	mu      sync.Mutex
	state   State
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	pid     int
	timings []types.PhaseTiming
	failure string
}

func New(cfg Config) *Supervisor {
	if cfg.HandshakeDeadline == 0 {
		cfg.HandshakeDeadline = 5 * time.Second
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	if cfg.KillGrace == 0 {
		cfg.KillGrace = 3 * time.Second
	}
	return &Supervisor{cfg: cfg, state: StateIdle}
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

func (s *Supervisor) Timings() []types.PhaseTiming {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.PhaseTiming(nil), s.timings...)
}

func (s *Supervisor) FailureReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Stdin/Stdout expose the guest agent's transport pipe once Ready.
func (s *Supervisor) Stdin() io.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdin
}

func (s *Supervisor) Stdout() io.Reader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdout
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Supervisor) recordPhase(phase types.Phase, d time.Duration) {
	s.mu.Lock()
	s.timings = append(s.timings, types.PhaseTiming{Phase: phase, Duration: d})
	s.mu.Unlock()
}

func (s *Supervisor) fail(reason string) error {
	s.mu.Lock()
	s.state = StateFailed
	s.failure = reason
	s.mu.Unlock()
	return fmt.Errorf("vm: %s", reason)
}

// phaseSpan starts a span named after phase, scoped to this VM's boot, if a
// TracerProvider was configured; otherwise it returns a no-op span.
func (s *Supervisor) phaseSpan(ctx context.Context, phase string) (context.Context, trace.Span) {
	if s.cfg.Tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	tracer := s.cfg.Tracer.Tracer(tracerName)
	return tracer.Start(ctx, "box.startup."+phase, trace.WithAttributes())
}

// Start runs the supervisor from AllocResources through Ready (or Failed),
// recording spawn and init phase timings. Boot args derive entirely from
// cfg.Resources/Boot/Security via the options package's reflection encoder.
func (s *Supervisor) Start(ctx context.Context) error {
	s.setState(StateAllocResources)
	if s.cfg.Resources.CPUs <= 0 || s.cfg.Resources.MemoryMiB <= 0 {
		return s.fail("resource_exhausted: cpus and memory_mib must be positive")
	}

	s.setState(StateKernelBoot)
	spawnStart := time.Now()
	spawnCtx, spawnSpan := s.phaseSpan(ctx, string(types.PhaseSpawn))

	args := append(options.ToArgs(&s.cfg.Resources), options.ToArgs(&s.cfg.Boot)...)
	args = append(args, options.ToArgs(&s.cfg.Security)...)
	if s.cfg.Debug {
		args = append(args, "--debug")
	}

	cmd := exec.CommandContext(spawnCtx, s.cfg.LauncherPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		spawnSpan.End()
		return s.fail(fmt.Sprintf("create stdin pipe: %v", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		spawnSpan.End()
		return s.fail(fmt.Sprintf("create stdout pipe: %v", err))
	}

	if err := cmd.Start(); err != nil {
		spawnSpan.End()
		return s.fail(fmt.Sprintf("spawn hypervisor launcher: %v", err))
	}

	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdin
	s.stdout = stdout
	s.pid = cmd.Process.Pid
	s.mu.Unlock()

	spawnSpan.End()
	s.recordPhase(types.PhaseSpawn, time.Since(spawnStart))

	s.setState(StateGuestHandshake)
	handshakeStart := time.Now()
	handshakeCtx, handshakeSpan := s.phaseSpan(ctx, string(types.PhaseInit))
	defer handshakeSpan.End()
	ctx = handshakeCtx
	if s.cfg.Handshake != nil {
		hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeDeadline)
		defer cancel()
		if err := s.cfg.Handshake(hctx, stdin, stdout); err != nil {
			s.killHard()
			return s.fail(fmt.Sprintf("handshake_timeout: %v", err))
		}
	}
	s.recordPhase(types.PhaseInit, time.Since(handshakeStart))

	s.setState(StateReady)
	return nil
}

// Stop runs the shutdown sequence: a bounded-timeout graceful control
// message (sendShutdown), then SIGTERM, then SIGKILL.
func (s *Supervisor) Stop(ctx context.Context, sendShutdown func(context.Context) error) error {
	s.setState(StateDraining)

	if sendShutdown != nil {
		gctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
		err := sendShutdown(gctx)
		cancel()
		if err == nil {
			if s.waitExit(s.cfg.ShutdownGrace) {
				s.setState(StateGone)
				return nil
			}
		} else {
			slog.WarnContext(ctx, "vm.Supervisor graceful shutdown failed, escalating", "error", err)
		}
	}

	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		s.setState(StateGone)
		return nil
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	if s.waitExit(s.cfg.KillGrace) {
		s.setState(StateGone)
		return nil
	}

	s.killHard()
	s.setState(StateGone)
	return nil
}

func (s *Supervisor) killHard() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
	s.waitExit(2 * time.Second)
}

// waitExit blocks until the process exits or the timeout elapses, returning
// whether it exited.
func (s *Supervisor) waitExit(timeout time.Duration) bool {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil {
		return true
	}

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
