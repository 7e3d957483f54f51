// Package types defines the wire and envelope structs shared by the box
// runtime, the guest agent transport, and the CLI: manifests, box
// snapshots, exec results and protocol frames.
package types

import "time"

// BoxState names the phase a Box occupies in its lifecycle. Phase is only
// meaningful when Status is StatusStarting.
type BoxState struct {
	Status  BoxStatus `json:"status"`
	Phase   Phase     `json:"phase,omitempty"`
	PID     int       `json:"pid,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Running bool      `json:"running"`
}

type BoxStatus string

const (
	StatusCreated  BoxStatus = "created"
	StatusStarting BoxStatus = "starting"
	StatusRunning  BoxStatus = "running"
	StatusStopping BoxStatus = "stopping"
	StatusStopped  BoxStatus = "stopped"
	StatusFailed   BoxStatus = "failed"
)

// Phase names one of the timed segments of box startup, in the order they
// must occur.
type Phase string

const (
	PhaseFilesystem  Phase = "filesystem"
	PhaseImage       Phase = "image"
	PhaseGuestRootfs Phase = "guest_rootfs"
	PhaseSpawn       Phase = "spawn"
	PhaseInit        Phase = "init"
)

// AllPhases is the required order of phase completion for a successful start.
var AllPhases = []Phase{PhaseFilesystem, PhaseImage, PhaseGuestRootfs, PhaseSpawn, PhaseInit}

// PhaseTiming records how long one startup phase took.
type PhaseTiming struct {
	Phase    Phase         `json:"phase"`
	Duration time.Duration `json:"duration"`
}

// BoxInfo is the read-only envelope returned by list/get operations.
type BoxInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	State       BoxState  `json:"state"`
	Image       string    `json:"image,omitempty"`
	RootfsPath  string    `json:"rootfsPath,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	CPUs        int       `json:"cpus"`
	MemoryMiB   int       `json:"memoryMib"`
	AutoRemove  bool      `json:"autoRemove"`
	ContainerID string    `json:"containerId,omitempty"`
}

// ExecResult is produced exactly once per Execution.
type ExecResult struct {
	ExitCode     int32  `json:"exitCode"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Signal-termination convention: exit_code = 128 + signo.
func SignalExitCode(signo int) int32 {
	return int32(128 + signo)
}

// Cmd describes a command to launch inside a box.
type Cmd struct {
	Argv      []string          `json:"argv"`
	Env       map[string]string `json:"env,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	TimeoutMS int64             `json:"timeoutMs,omitempty"`
	TTY       bool              `json:"tty,omitempty"`
}

// ManifestRef is a normalized, cache-keyed OCI reference.
type ManifestRef struct {
	Registry   string `json:"registry"`
	Repository string `json:"repository"`
	Tag        string `json:"tag,omitempty"`
	Digest     string `json:"digest,omitempty"`
}

// Manifest is the cached result of resolving a ManifestRef.
type Manifest struct {
	Ref          string    `json:"ref"`
	Digest       string    `json:"digest"`
	ConfigDigest string    `json:"configDigest"`
	LayerDigests []string  `json:"layerDigests"`
	Size         int64     `json:"size"`
	CreatedAt    time.Time `json:"createdAt"`
}

// FrameKind tags the purpose of a Frame on the guest agent transport.
type FrameKind uint8

const (
	FrameData FrameKind = iota
	FrameEOF
	FrameOpen
	FrameClose
	FrameControl
)

func (k FrameKind) String() string {
	switch k {
	case FrameData:
		return "data"
	case FrameEOF:
		return "eof"
	case FrameOpen:
		return "open"
	case FrameClose:
		return "close"
	case FrameControl:
		return "control"
	default:
		return "unknown"
	}
}

// ControlKind enumerates the JSON message kinds carried on channel 0. Messages
// about one exec or copy name its per-exec channel in their own "channel"
// field; per-exec channels carry only stdio data.
type ControlKind string

const (
	ControlHello      ControlKind = "hello"
	ControlHelloAck   ControlKind = "hello_ack"
	ControlExec       ControlKind = "exec"
	ControlExecAck    ControlKind = "exec_ack"
	ControlSignal     ControlKind = "signal"
	ControlResizeTTY  ControlKind = "resize_tty"
	ControlShutdown   ControlKind = "shutdown"
	ControlCopyOpen   ControlKind = "copy_open"
	ControlCopyChunk  ControlKind = "copy_chunk"
	ControlCopyClose  ControlKind = "copy_close"
	ControlPause      ControlKind = "pause"
	ControlResume     ControlKind = "resume"
	ControlCancel     ControlKind = "cancel"
	ControlExit       ControlKind = "exit"
)

// HelloMsg is sent by the host once the VM reports Ready.
type HelloMsg struct {
	Version   string `json:"version"`
	ABI       int    `json:"abi"`
	PublicKey string `json:"publicKey,omitempty"`
}

// HelloAckMsg is the guest agent's reply to HelloMsg.
type HelloAckMsg struct {
	Version string `json:"version"`
	ABI     int    `json:"abi"`
}

// ExecSpec is the payload of a control.exec message.
type ExecSpec struct {
	Channel uint32 `json:"channel"`
	Cmd     Cmd    `json:"cmd"`
}

// ExecAckMsg is the guest agent's reply to control.exec.
type ExecAckMsg struct {
	Channel uint32 `json:"channel"`
	PID     int    `json:"pid"`
}

// SignalMsg requests delivery of a unix signal to an exec's process group.
type SignalMsg struct {
	Channel uint32 `json:"channel"`
	Signal  int    `json:"signal"`
}

// ResizeTTYMsg requests a pty geometry change for an exec.
type ResizeTTYMsg struct {
	Channel uint32 `json:"channel"`
	Rows    int    `json:"rows"`
	Cols    int    `json:"cols"`
}

// ExitMsg is sent by the guest agent once an exec's process terminates.
type ExitMsg struct {
	Channel  uint32 `json:"channel"`
	ExitCode int32  `json:"exitCode"`
	Signaled bool   `json:"signaled"`
	Signal   int    `json:"signal,omitempty"`
}

// CopyOpenMsg begins a file-oriented copy over the control channel.
type CopyOpenMsg struct {
	Channel     uint32 `json:"channel"`
	Direction   string `json:"direction"` // "in" or "out"
	Path        string `json:"path"`
	Mode        uint32 `json:"mode"`
	IsDir       bool   `json:"isDir"`
	IsSymlink   bool   `json:"isSymlink"`
	LinkTarget  string `json:"linkTarget,omitempty"`
}

// CopyCloseMsg ends a file-oriented copy.
type CopyCloseMsg struct {
	Channel uint32 `json:"channel"`
	Error   string `json:"error,omitempty"`
}
