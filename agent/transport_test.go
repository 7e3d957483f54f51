package agent

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/boxlite/boxlite/types"
)

// linkedTransports wires two Transports back to back over in-memory pipes,
// so tests can exercise both the host and guest sides of the protocol
// without spawning a real VM.
func linkedTransports(t *testing.T) (host, guest *Transport) {
	t.Helper()
	r1, w1 := io.Pipe() // host writes -> guest reads
	r2, w2 := io.Pipe() // guest writes -> host reads

	host = NewTransport(w1, r2)
	guest = NewTransport(w2, r1)
	return host, guest
}

func TestHelloHandshakeSucceeds(t *testing.T) {
	host, guest := linkedTransports(t)

	done := make(chan struct{})
	guest.OnControl(types.ControlHello, func(payload json.RawMessage) {
		go func() {
			_ = guest.SendControl(types.ControlHelloAck, types.HelloAckMsg{Version: "1.0", ABI: 1})
			close(done)
		}()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := host.Hello(ctx, "1.0", 1); err != nil {
		t.Fatalf("Hello: %v", err)
	}
	<-done
}

func TestHelloHandshakeTimesOut(t *testing.T) {
	host, _ := linkedTransports(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := host.Hello(ctx, "1.0", 1); err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestChannelDataOrdering(t *testing.T) {
	host, guest := linkedTransports(t)

	hostCh := host.OpenChannel(1)
	guestCh := guest.OpenChannel(1)

	msgs := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	go func() {
		for _, m := range msgs {
			_ = hostCh.Write(m)
		}
		_ = hostCh.CloseWrite()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, want := range msgs {
		got, err := guestCh.Read(ctx)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if string(got) != string(want) {
			t.Fatalf("got %q, want %q", got, want)
		}
	}

	if _, err := guestCh.Read(ctx); err != io.EOF {
		t.Fatalf("got %v, want io.EOF", err)
	}
}

func TestChannelCloseUnregisters(t *testing.T) {
	host, _ := linkedTransports(t)
	ch := host.OpenChannel(5)
	ch.Close()

	host.mu.Lock()
	_, exists := host.channels[5]
	host.mu.Unlock()
	if exists {
		t.Fatalf("channel 5 still registered after Close")
	}
}
