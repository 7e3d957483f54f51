package boxlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boxlite/boxlite/agent"
	"github.com/boxlite/boxlite/execengine"
	"github.com/boxlite/boxlite/options"
	"github.com/boxlite/boxlite/security"
	"github.com/boxlite/boxlite/types"
	"github.com/boxlite/boxlite/vm"
)

// RootfsSource is a tagged variant: exactly one of Image or Path is set.
type RootfsSource struct {
	Image string // OCI ref, e.g. "docker.io/library/alpine:3.19"
	Path  string // pre-materialized rootfs directory
}

func (r RootfsSource) validate() error {
	hasImage := r.Image != ""
	hasPath := r.Path != ""
	if hasImage == hasPath {
		return NewError(KindConfigError, "exactly one of image or path must be set")
	}
	return nil
}

// CreateOptions configures a new box at creation time.
type CreateOptions struct {
	Name       string
	Rootfs     RootfsSource
	Resources  options.ResourceOptions
	Boot       options.BootOptions
	Policy     security.Policy
	AutoRemove bool
}

// Box is a single micro-VM instance: identity, configuration, and the live
// subsystems that compose its lifecycle (bundle, security, VM, transport,
// executions).
type Box struct {
	id         string
	name       string
	createdAt  time.Time
	opts       CreateOptions
	autoRemove bool

	cfg *RuntimeConfig
	rt  *Registry

	mu         sync.Mutex
	status     types.BoxStatus
	phase      types.Phase
	failReason string
	timings    []types.PhaseTiming

	bundleDir string
	rootfsDir string

	sup       *vm.Supervisor
	transport *agent.Transport

	channelCounter atomic.Uint32
	execs          map[uint32]*execengine.Exec
	copyLock       sync.Mutex

	metrics *boxMetrics
}

// ID returns the box's globally unique, stable identifier.
func (b *Box) ID() string { return b.id }

// Name returns the box's optional display name.
func (b *Box) Name() string { return b.name }

func (b *Box) nextChannel() uint32 {
	return b.channelCounter.Add(1)
}

// State returns a snapshot of the box's current lifecycle state.
func (b *Box) State() types.BoxState {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := types.BoxState{
		Status: b.status,
		Phase:  b.phase,
		Reason: b.failReason,
	}
	if b.sup != nil {
		state.PID = b.sup.PID()
	}
	state.Running = b.status == types.StatusRunning
	return state
}

// Info returns the BoxInfo envelope used by Registry.ListInfo.
func (b *Box) Info() types.BoxInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return types.BoxInfo{
		ID:         b.id,
		Name:       b.name,
		State:      types.BoxState{Status: b.status, Phase: b.phase, Reason: b.failReason},
		Image:      b.opts.Rootfs.Image,
		RootfsPath: b.rootfsDir,
		CreatedAt:  b.createdAt,
		CPUs:       b.opts.Resources.CPUs,
		MemoryMiB:  b.opts.Resources.MemoryMiB,
		AutoRemove: b.autoRemove,
	}
}

// Timings returns the startup phase durations recorded during the box's most
// recent (re)start.
func (b *Box) Timings() []types.PhaseTiming {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.PhaseTiming(nil), b.timings...)
}

func (b *Box) setStatus(status types.BoxStatus) {
	b.mu.Lock()
	b.status = status
	b.mu.Unlock()
}

func (b *Box) setPhase(phase types.Phase) {
	b.mu.Lock()
	b.phase = phase
	b.mu.Unlock()
}

func (b *Box) recordPhaseDuration(phase types.Phase, d time.Duration) {
	b.mu.Lock()
	b.timings = append(b.timings, types.PhaseTiming{Phase: phase, Duration: d})
	b.mu.Unlock()
}

// ensureBundle materializes the box's rootfs if it isn't already on disk,
// recording the filesystem, image, and guest_rootfs phases.
func (b *Box) ensureBundle(ctx context.Context) error {
	start := time.Now()
	b.setPhase(types.PhaseFilesystem)
	fsCtx, fsSpan := phaseSpan(ctx, b.rt.tracer, b.id, string(types.PhaseFilesystem))
	err := os.MkdirAll(b.bundleDir, 0o750)
	fsSpan.End()
	_ = fsCtx
	if err != nil {
		return Wrap(KindInternal, err, "create bundle dir")
	}
	b.recordPhaseDuration(types.PhaseFilesystem, time.Since(start))

	if b.opts.Rootfs.Path != "" {
		b.setPhase(types.PhaseImage)
		b.recordPhaseDuration(types.PhaseImage, 0)
		b.setPhase(types.PhaseGuestRootfs)
		b.rootfsDir = b.opts.Rootfs.Path
		b.recordPhaseDuration(types.PhaseGuestRootfs, 0)
		return nil
	}

	imgStart := time.Now()
	b.setPhase(types.PhaseImage)
	imgCtx, imgSpan := phaseSpan(ctx, b.rt.tracer, b.id, string(types.PhaseImage))
	manifest, err := b.rt.images.Pull(imgCtx, b.opts.Rootfs.Image)
	imgSpan.End()
	if err != nil {
		return Wrap(KindInternal, err, "pull image %q", b.opts.Rootfs.Image)
	}
	b.recordPhaseDuration(types.PhaseImage, time.Since(imgStart))

	rootfsStart := time.Now()
	b.setPhase(types.PhaseGuestRootfs)
	rootfsCtx, rootfsSpan := phaseSpan(ctx, b.rt.tracer, b.id, string(types.PhaseGuestRootfs))
	err = b.rt.images.Materialize(rootfsCtx, manifest, b.bundleDir)
	rootfsSpan.End()
	if err != nil {
		return Wrap(KindInternal, err, "materialize image %q", b.opts.Rootfs.Image)
	}
	b.rootfsDir = filepath.Join(b.bundleDir, "rootfs")
	b.recordPhaseDuration(types.PhaseGuestRootfs, time.Since(rootfsStart))
	return nil
}

// Start runs the box's startup pipeline on the registry's worker pool: ensure
// bundle, build the launch spec from the security policy, spawn the VM, and
// await the agent handshake. Start waits for the pipeline to finish; if ctx
// ends first it returns ctx's error while the pipeline keeps running on the
// worker. On success the box is Running.
func (b *Box) Start(ctx context.Context) error {
	future, err := b.rt.dispatcher.Submit(ctx, func() (any, error) {
		return nil, b.startBody(ctx)
	})
	if err != nil {
		return Wrap(KindInternal, err, "submit start for box %s", b.id)
	}
	_, err = future.Wait(ctx)
	return err
}

func (b *Box) startBody(ctx context.Context) error {
	b.setStatus(types.StatusStarting)

	if err := b.ensureBundle(ctx); err != nil {
		b.fail(err.Error())
		return err
	}

	pub, err := ensureBoxIdentity(b.bundleDir)
	if err != nil {
		b.fail(err.Error())
		return err
	}

	secOpts, err := security.Build(b.opts.Policy, security.BoxIdentity{})
	if err != nil {
		b.fail(err.Error())
		return Wrap(KindSecurity, err, "build security policy")
	}

	boot := b.opts.Boot
	boot.Rootfs = b.rootfsDir
	boot.AgentToken = string(pub.Marshal())

	sup := vm.New(vm.Config{
		LauncherPath: b.cfg.HypervisorLauncher,
		Resources:    b.opts.Resources,
		Boot:         boot,
		Security:     *secOpts,
		Handshake:    b.agentHandshake,
		Tracer:       b.rt.tracer,
		BoxID:        b.id,
	})
	if err := sup.Start(ctx); err != nil {
		b.fail(err.Error())
		return Wrap(KindTransport, err, "start vm supervisor")
	}

	b.mu.Lock()
	b.sup = sup
	b.transport = agent.NewTransport(sup.Stdin(), sup.Stdout())
	b.mu.Unlock()

	for _, t := range sup.Timings() {
		b.recordPhaseDuration(t.Phase, t.Duration)
	}

	b.setStatus(types.StatusRunning)
	b.rt.metrics.boxesRunning.Add(1)
	return nil
}

// agentHandshake is passed to vm.Supervisor as its HandshakeFunc: it builds
// a throwaway Transport directly over the supervisor's stdio pipes to run
// the hello/hello_ack exchange before the box's real Transport takes over.
func (b *Box) agentHandshake(ctx context.Context, stdin interface {
	Write([]byte) (int, error)
}, stdout interface {
	Read([]byte) (int, error)
}) error {
	return agent.NewTransport(stdin, stdout).Hello(ctx, "1", 1)
}

func (b *Box) fail(reason string) {
	b.mu.Lock()
	wasRunning := b.status == types.StatusRunning
	b.status = types.StatusFailed
	b.failReason = reason
	b.mu.Unlock()
	if b.rt != nil {
		b.rt.metrics.boxesFailed.Add(1)
		if wasRunning {
			b.rt.metrics.boxesRunning.Add(-1)
		}
	}
}

// Stop gracefully shuts the box down on the registry's worker pool: guest
// control.shutdown, then SIGTERM, then SIGKILL via the VM supervisor's own
// escalation.
func (b *Box) Stop(ctx context.Context) error {
	future, err := b.rt.dispatcher.Submit(ctx, func() (any, error) {
		return nil, b.stopBody(ctx)
	})
	if err != nil {
		return Wrap(KindInternal, err, "submit stop for box %s", b.id)
	}
	_, err = future.Wait(ctx)
	return err
}

func (b *Box) stopBody(ctx context.Context) error {
	b.mu.Lock()
	sup := b.sup
	transport := b.transport
	wasRunning := b.status == types.StatusRunning
	b.status = types.StatusStopping
	b.mu.Unlock()

	if sup == nil {
		b.setStatus(types.StatusStopped)
		return nil
	}

	sendShutdown := func(sctx context.Context) error {
		if transport == nil {
			return fmt.Errorf("boxlite: no transport to send shutdown on")
		}
		return transport.SendControl(types.ControlShutdown, struct{}{})
	}
	if err := sup.Stop(ctx, sendShutdown); err != nil {
		return Wrap(KindInternal, err, "stop vm")
	}

	b.setStatus(types.StatusStopped)
	if wasRunning && b.rt != nil {
		b.rt.metrics.boxesRunning.Add(-1)
		b.rt.metrics.boxesStopped.Add(1)
	}

	if b.autoRemove {
		return os.RemoveAll(b.bundleDir)
	}
	return nil
}

// Exec auto-starts the box if Created, Stopped or Failed, then launches cmd
// over a freshly allocated channel.
func (b *Box) Exec(ctx context.Context, cmd types.Cmd) (*execengine.Exec, error) {
	b.mu.Lock()
	status := b.status
	b.mu.Unlock()

	if status == types.StatusCreated || status == types.StatusStopped || status == types.StatusFailed {
		if err := b.Start(ctx); err != nil {
			return nil, err
		}
	}

	b.mu.Lock()
	transport := b.transport
	b.mu.Unlock()
	if transport == nil {
		return nil, NewError(KindInvalidState, "box %s has no active transport", b.id)
	}

	channel := b.nextChannel()
	e, err := execengine.Start(ctx, transport, channel, cmd)
	if err != nil {
		b.rt.metrics.execErrors.Add(1)
		b.metrics.errCount.Add(1)
		return nil, Wrap(KindTransport, err, "start exec")
	}
	b.rt.metrics.commandsExecuted.Add(1)
	b.metrics.cmdCount.Add(1)

	b.mu.Lock()
	b.execs[channel] = e
	b.mu.Unlock()
	return e, nil
}
