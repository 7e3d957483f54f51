package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/boxlite/boxlite/types"
)

// channelQueueDepth bounds each channel's consumer queue, and is the backlog
// length at which the transport asks the guest to pause that channel. The
// read loop itself keeps reading and buffering frames past it.
const channelQueueDepth = 64

// Transport multiplexes the control channel (0) and per-exec data channels
// over a single bidirectional stream. Callers read/write per channel via
// Channel; the transport's run loop owns the underlying stream.
type Transport struct {
	w   io.Writer
	wmu sync.Mutex

	mu       sync.Mutex
	channels map[uint32]*Channel
	closed   bool
	closeErr error

	controlHandlers map[types.ControlKind]func(json.RawMessage)

	// channelControlHandlers routes channel-scoped control kinds (exec_ack,
	// exit) to the one exec that owns that channel, keyed by channel then
	// kind. Without this, two concurrent execs on the same box would share a
	// single kind-keyed handler and clobber each other's exit callback.
	channelControlHandlers map[uint32]map[types.ControlKind]func(json.RawMessage)

	done chan struct{}
}

// Channel is one multiplexed logical stream: a queue of inbound data frames
// and a means of writing outbound ones tagged with this channel's id.
type Channel struct {
	id        uint32
	transport *Transport

	mu      sync.Mutex
	pending [][]byte // unbounded backlog; readLoop never blocks appending here
	notify  chan struct{}
	queue   chan []byte // bounded; Read consumes from here
	eof     bool
	closed  bool

	closeQueueOnce sync.Once
}

// NewTransport wraps w (writes to the guest) and begins reading r (reads
// from the guest) on a background goroutine.
func NewTransport(w io.Writer, r io.Reader) *Transport {
	t := &Transport{
		w:                      w,
		channels:               map[uint32]*Channel{},
		controlHandlers:        map[types.ControlKind]func(json.RawMessage){},
		channelControlHandlers: map[uint32]map[types.ControlKind]func(json.RawMessage){},
		done:                   make(chan struct{}),
	}
	go t.readLoop(r)
	return t
}

// OpenChannel registers channel id for data frame delivery and returns a
// handle to read/write it. Calling OpenChannel twice for the same id panics,
// since the execution engine is the sole owner of channel allocation.
func (t *Transport) OpenChannel(id uint32) *Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.channels[id]; exists {
		panic(fmt.Sprintf("agent: channel %d already open", id))
	}
	ch := &Channel{
		id:        id,
		transport: t,
		notify:    make(chan struct{}, 1),
		queue:     make(chan []byte, channelQueueDepth),
	}
	t.channels[id] = ch
	go ch.forward()
	return ch
}

// CloseChannel unregisters a channel; further frames addressed to it are
// dropped.
func (t *Transport) CloseChannel(id uint32) {
	t.mu.Lock()
	ch, ok := t.channels[id]
	delete(t.channels, id)
	delete(t.channelControlHandlers, id)
	t.mu.Unlock()
	if ok {
		ch.markClosed()
	}
}

// OnControl registers a handler for an unsolicited, non-channel-scoped
// control message kind (e.g. "hello_ack"). Handlers run on the read loop
// goroutine and must not block.
func (t *Transport) OnControl(kind types.ControlKind, handler func(payload json.RawMessage)) {
	t.mu.Lock()
	t.controlHandlers[kind] = handler
	t.mu.Unlock()
}

// OnChannelControl registers a handler for a channel-scoped control kind
// (exec_ack, exit), routed by the channel field carried in the message body
// rather than by kind alone, so concurrent execs on the same transport each
// get their own exec_ack/exit callback. The registration is dropped
// automatically when the channel is closed (typically on exit).
func (t *Transport) OnChannelControl(channel uint32, kind types.ControlKind, handler func(payload json.RawMessage)) {
	t.mu.Lock()
	m, ok := t.channelControlHandlers[channel]
	if !ok {
		m = map[types.ControlKind]func(json.RawMessage){}
		t.channelControlHandlers[channel] = m
	}
	m[kind] = handler
	t.mu.Unlock()
}

// isChannelScopedControl reports whether kind carries a "channel" field in
// its JSON body and is routed per-channel rather than through the single
// kind-keyed handler map.
func isChannelScopedControl(kind types.ControlKind) bool {
	switch kind {
	case types.ControlExecAck, types.ControlExit:
		return true
	default:
		return false
	}
}

// SendControl marshals v and writes it as a control-channel frame of the
// given kind.
func (t *Transport) SendControl(kind types.ControlKind, v any) error {
	payload, err := json.Marshal(struct {
		Kind types.ControlKind `json:"kind"`
		Body any               `json:"body"`
	}{Kind: kind, Body: v})
	if err != nil {
		return fmt.Errorf("agent: marshal control %s: %w", kind, err)
	}
	return t.writeFrame(frame{channel: 0, kind: types.FrameControl, payload: payload})
}

// Hello performs the host→guest handshake: send hello, wait for hello_ack or
// ctx's deadline, whichever comes first.
func (t *Transport) Hello(ctx context.Context, version string, abi int) error {
	ack := make(chan json.RawMessage, 1)
	t.OnControl(types.ControlHelloAck, func(payload json.RawMessage) {
		select {
		case ack <- payload:
		default:
		}
	})

	if err := t.SendControl(types.ControlHello, types.HelloMsg{Version: version, ABI: abi}); err != nil {
		return err
	}

	select {
	case raw := <-ack:
		var msg types.HelloAckMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			return fmt.Errorf("agent: unmarshal hello_ack: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("agent: handshake timed out: %w", ctx.Err())
	case <-t.done:
		return fmt.Errorf("agent: transport closed during handshake")
	}
}

// Pause signals the guest to stop producing on channel id (backpressure).
func (t *Transport) Pause(channel uint32) error {
	return t.SendControl(types.ControlPause, struct {
		Channel uint32 `json:"channel"`
	}{Channel: channel})
}

// Resume signals the guest to resume producing on channel id.
func (t *Transport) Resume(channel uint32) error {
	return t.SendControl(types.ControlResume, struct {
		Channel uint32 `json:"channel"`
	}{Channel: channel})
}

// Cancel drops in-flight bytes and closes channel id.
func (t *Transport) Cancel(channel uint32) error {
	err := t.SendControl(types.ControlCancel, struct {
		Channel uint32 `json:"channel"`
	}{Channel: channel})
	t.CloseChannel(channel)
	return err
}

func (t *Transport) writeFrame(f frame) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	return writeFrame(t.w, f)
}

// WriteData sends payload on channel as a data frame.
func (t *Transport) WriteData(channel uint32, payload []byte) error {
	return t.writeFrame(frame{channel: channel, kind: types.FrameData, payload: payload})
}

// WriteEOF signals the guest that this channel's writer has closed.
func (t *Transport) WriteEOF(channel uint32) error {
	return t.writeFrame(frame{channel: channel, kind: types.FrameEOF})
}

func (t *Transport) readLoop(r io.Reader) {
	defer close(t.done)
	for {
		f, err := readFrame(r)
		if err != nil {
			t.mu.Lock()
			t.closed = true
			t.closeErr = err
			chans := make([]*Channel, 0, len(t.channels))
			for _, ch := range t.channels {
				chans = append(chans, ch)
			}
			t.mu.Unlock()
			for _, ch := range chans {
				ch.markClosed()
			}
			if err != io.EOF {
				slog.Warn("agent.Transport read loop ended with error", "error", err)
			}
			return
		}

		switch f.kind {
		case types.FrameControl:
			t.dispatchControl(f.payload)
		case types.FrameData:
			t.deliver(f.channel, f.payload)
		case types.FrameEOF:
			t.deliverEOF(f.channel)
		case types.FrameOpen, types.FrameClose:
			// reserved for future guest-initiated channel negotiation.
		}
	}
}

func (t *Transport) dispatchControl(payload []byte) {
	var envelope struct {
		Kind types.ControlKind `json:"kind"`
		Body json.RawMessage   `json:"body"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		slog.Warn("agent.Transport malformed control frame", "error", err)
		return
	}

	if isChannelScopedControl(envelope.Kind) {
		var peek struct {
			Channel uint32 `json:"channel"`
		}
		if err := json.Unmarshal(envelope.Body, &peek); err == nil {
			t.mu.Lock()
			handler := t.channelControlHandlers[peek.Channel][envelope.Kind]
			t.mu.Unlock()
			if handler != nil {
				handler(envelope.Body)
				return
			}
		}
	}

	t.mu.Lock()
	handler := t.controlHandlers[envelope.Kind]
	t.mu.Unlock()
	if handler != nil {
		handler(envelope.Body)
	}
}

func (t *Transport) deliver(channel uint32, payload []byte) {
	t.mu.Lock()
	ch := t.channels[channel]
	t.mu.Unlock()
	if ch == nil {
		return
	}
	ch.enqueue(t, payload)
}

func (t *Transport) deliverEOF(channel uint32) {
	t.mu.Lock()
	ch := t.channels[channel]
	t.mu.Unlock()
	if ch == nil {
		return
	}
	ch.mu.Lock()
	ch.eof = true
	ch.mu.Unlock()
	ch.wake()
}

// enqueue appends payload to the channel's unbounded backlog and wakes its
// forwarder. It never blocks on the bounded consumer queue itself, so a slow
// reader on one channel cannot stall the transport's shared read loop (and
// with it every other channel's frames, plus control frames like exit).
func (ch *Channel) enqueue(t *Transport, payload []byte) {
	ch.mu.Lock()
	overflow := len(ch.pending) >= channelQueueDepth
	ch.pending = append(ch.pending, payload)
	ch.mu.Unlock()
	if overflow {
		// Ask the guest to slow down; frames already in flight are still
		// delivered in full, just buffered host-side until the reader drains.
		_ = t.Pause(ch.id)
	}
	ch.wake()
}

func (ch *Channel) wake() {
	select {
	case ch.notify <- struct{}{}:
	default:
	}
}

// forward drains ch's unbounded backlog into its bounded consumer queue on a
// dedicated goroutine, so only this channel's own reader can ever make it
// block.
func (ch *Channel) forward() {
	for {
		ch.mu.Lock()
		for len(ch.pending) == 0 && !ch.eof && !ch.closed {
			ch.mu.Unlock()
			<-ch.notify
			ch.mu.Lock()
		}
		if len(ch.pending) == 0 {
			done := ch.eof || ch.closed
			ch.mu.Unlock()
			if done {
				ch.closeQueueOnce.Do(func() { close(ch.queue) })
				return
			}
			continue
		}
		payload := ch.pending[0]
		ch.pending = ch.pending[1:]
		ch.mu.Unlock()
		ch.queue <- payload
	}
}

func (ch *Channel) markClosed() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	ch.mu.Unlock()
	ch.wake()
}

// Read returns the next chunk of data received on this channel, or io.EOF
// once the guest has closed its write side.
func (ch *Channel) Read(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-ch.queue:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write sends payload to the guest on this channel.
func (ch *Channel) Write(payload []byte) error {
	return ch.transport.WriteData(ch.id, payload)
}

// CloseWrite sends an EOF frame, signalling no more writes will follow.
func (ch *Channel) CloseWrite() error {
	return ch.transport.WriteEOF(ch.id)
}

// Close unregisters the channel from the transport.
func (ch *Channel) Close() {
	ch.transport.CloseChannel(ch.id)
}

// Err returns the error that ended the transport's read loop, if any.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeErr
}

// Done is closed when the transport's read loop has exited (peer closed the
// pipe, or a framing error occurred).
func (t *Transport) Done() <-chan struct{} {
	return t.done
}
