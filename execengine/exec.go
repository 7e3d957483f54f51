// Package execengine drives a single command's lifecycle inside a box:
// allocating a multiplexed channel, streaming stdin/stdout/stderr over it,
// and resolving exactly once with the command's exit result.
package execengine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/boxlite/boxlite/agent"
	"github.com/boxlite/boxlite/types"
)

// State is an execution's position in its state machine.
type State string

const (
	StatePending  State = "pending"
	StateRunning  State = "running"
	StateExited   State = "exited"
	StateKilled   State = "killed"
	StateSignaled State = "signaled"
	StateTimedOut State = "timed_out"
	StateFailed   State = "failed"
)

// stream tags demux stdin/stdout/stderr sharing one multiplexed channel, as
// the guest agent protocol specifies.
const (
	streamStdin  byte = 0
	streamStdout byte = 1
	streamStderr byte = 2
)

// killGrace is the window between SIGTERM and SIGKILL once a timeout fires.
const killGrace = 3 * time.Second

// Exec is one running (or finished) command inside a box.
type Exec struct {
	transport *agent.Transport
	channel   uint32

	mu        sync.Mutex
	state     State
	pid       int
	result    *types.ExecResult
	resultErr error
	done      chan struct{}
	tty       bool

	stdinClosed bool
	stdoutCh    chan []byte
	stderrCh    chan []byte
	stdoutEOF   bool
	stderrEOF   bool

	killedOnce bool
	timer      *time.Timer
}

// Start allocates channel on transport, sends control.exec, and waits for
// control.exec_ack before returning. The returned Exec is in StateRunning.
func Start(ctx context.Context, transport *agent.Transport, channel uint32, cmd types.Cmd) (*Exec, error) {
	e := &Exec{
		transport: transport,
		channel:   channel,
		state:     StatePending,
		done:      make(chan struct{}),
		tty:       cmd.TTY,
		stdoutCh:  make(chan []byte, 64),
		stderrCh:  make(chan []byte, 64),
	}

	ch := transport.OpenChannel(channel)
	go e.pump(ctx, ch)

	// exec_ack and exit are routed per channel, not per kind: a box can run
	// many concurrent execs over one transport, and a kind-keyed handler
	// would have the second exec's registration clobber the first's.
	ack := make(chan types.ExecAckMsg, 1)
	transport.OnChannelControl(channel, types.ControlExecAck, func(payload json.RawMessage) {
		var msg types.ExecAckMsg
		if err := json.Unmarshal(payload, &msg); err != nil {
			return
		}
		select {
		case ack <- msg:
		default:
		}
	})
	transport.OnChannelControl(channel, types.ControlExit, func(payload json.RawMessage) {
		var msg types.ExitMsg
		if err := json.Unmarshal(payload, &msg); err != nil {
			return
		}
		e.resolve(msg)
	})

	if err := transport.SendControl(types.ControlExec, types.ExecSpec{Channel: channel, Cmd: cmd}); err != nil {
		return nil, fmt.Errorf("execengine: send exec: %w", err)
	}

	select {
	case msg := <-ack:
		e.mu.Lock()
		e.pid = msg.PID
		e.state = StateRunning
		e.mu.Unlock()
	case <-ctx.Done():
		return nil, fmt.Errorf("execengine: exec_ack not received: %w", ctx.Err())
	}

	if cmd.TimeoutMS > 0 {
		e.timer = time.AfterFunc(time.Duration(cmd.TimeoutMS)*time.Millisecond, e.onTimeout)
	}

	return e, nil
}

// pump demuxes incoming frames on ch into the stdout/stderr queues by their
// leading stream tag byte, until the channel reports EOF.
func (e *Exec) pump(ctx context.Context, ch *agent.Channel) {
	for {
		b, err := ch.Read(ctx)
		if err != nil {
			e.mu.Lock()
			e.stdoutEOF = true
			e.stderrEOF = true
			e.mu.Unlock()
			close(e.stdoutCh)
			close(e.stderrCh)
			return
		}
		if len(b) == 0 {
			continue
		}
		tag, data := b[0], b[1:]
		switch tag {
		case streamStdout:
			e.stdoutCh <- data
		case streamStderr:
			e.stderrCh <- data
		}
	}
}

// PID returns the guest-reported process id, valid once Running.
func (e *Exec) PID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pid
}

func (e *Exec) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// WriteStdin appends bytes to the stdin sub-stream. After CloseStdin, it
// writes nothing and returns an error; that error is a plain error, not a
// boxlite.Error of kind InvalidState.
func (e *Exec) WriteStdin(p []byte) error {
	e.mu.Lock()
	if e.stdinClosed {
		e.mu.Unlock()
		return fmt.Errorf("execengine: stdin closed")
	}
	e.mu.Unlock()

	tagged := append([]byte{streamStdin}, p...)
	return e.transport.WriteData(e.channel, tagged)
}

// CloseStdin sends eof on the stdin sub-stream. Idempotent.
func (e *Exec) CloseStdin() error {
	e.mu.Lock()
	if e.stdinClosed {
		e.mu.Unlock()
		return nil
	}
	e.stdinClosed = true
	e.mu.Unlock()
	return e.transport.WriteData(e.channel, []byte{streamStdin})
}

// NextStdout returns the next chunk of stdout bytes, or io.EOF.
func (e *Exec) NextStdout(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-e.stdoutCh:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NextStderr returns the next chunk of stderr bytes, or io.EOF.
func (e *Exec) NextStderr(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-e.stderrCh:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Wait blocks until the command's exit result is available. All concurrent
// waiters observe the same result.
func (e *Exec) Wait(ctx context.Context) (types.ExecResult, error) {
	select {
	case <-e.done:
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.resultErr != nil {
			return types.ExecResult{}, e.resultErr
		}
		return *e.result, nil
	case <-ctx.Done():
		return types.ExecResult{}, ctx.Err()
	}
}

// Signal sends signo to the guest process. Idempotent after the exec has
// already terminated.
func (e *Exec) Signal(signo int) error {
	e.mu.Lock()
	if e.state != StateRunning && e.state != StatePending {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	return e.transport.SendControl(types.ControlSignal, types.SignalMsg{Channel: e.channel, Signal: signo})
}

// Kill is shorthand for Signal(SIGKILL) (9), best-effort.
func (e *Exec) Kill() error {
	e.mu.Lock()
	if e.killedOnce {
		e.mu.Unlock()
		return nil
	}
	e.killedOnce = true
	e.mu.Unlock()
	return e.Signal(9)
}

// ResizeTTY resizes the exec's pty. Silently ignored on non-tty execs.
func (e *Exec) ResizeTTY(rows, cols int) error {
	if !e.tty {
		return nil
	}
	return e.transport.SendControl(types.ControlResizeTTY, types.ResizeTTYMsg{Channel: e.channel, Rows: rows, Cols: cols})
}

func (e *Exec) onTimeout() {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return
	}
	// Mark timed-out before sending SIGTERM: whichever exit frame arrives
	// next (the guest dying from the signal, or our own SIGKILL fallback
	// below) must be reported as "timeout", not "killed by signal N".
	e.state = StateTimedOut
	e.mu.Unlock()

	_ = e.transport.SendControl(types.ControlSignal, types.SignalMsg{Channel: e.channel, Signal: 15})
	time.AfterFunc(killGrace, func() {
		e.mu.Lock()
		alreadyDone := e.result != nil
		e.mu.Unlock()
		if !alreadyDone {
			_ = e.transport.SendControl(types.ControlSignal, types.SignalMsg{Channel: e.channel, Signal: 9})
			e.resolve(types.ExitMsg{
				Channel:  e.channel,
				ExitCode: types.SignalExitCode(9),
				Signaled: true,
				Signal:   9,
			})
		}
	})
}

// resolve records the exec's final result exactly once.
func (e *Exec) resolve(msg types.ExitMsg) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.result != nil {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}

	res := types.ExecResult{ExitCode: msg.ExitCode}
	switch {
	case e.state == StateTimedOut:
		res.ErrorMessage = "timeout"
	case msg.Signaled:
		res.ErrorMessage = fmt.Sprintf("killed by signal %d", msg.Signal)
		e.state = StateSignaled
	default:
		e.state = StateExited
	}
	e.result = &res
	e.transport.CloseChannel(e.channel) // also drops this exec's exec_ack/exit routes
	close(e.done)
}
