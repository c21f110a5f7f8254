package ws

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gameoverstudios/deeperhub/internal/domain"
)

// recordingHandler captures every dispatched message for the test to drain.
type recordingHandler struct{ ch chan []byte }

func (h recordingHandler) HandleMessage(_ context.Context, _ *Conn, data []byte) {
	h.ch <- data
}

type connHarness struct {
	conn    *Conn
	client  net.Conn
	br      *bufio.Reader
	handled chan []byte
	done    chan struct{}
}

// startConn runs a real worker over net.Pipe and returns the client end.
// The worker uses the real clock; net deadlines do not observe a fake one.
func startConn(t *testing.T, opts Options) *connHarness {
	t.Helper()
	server, client := net.Pipe()

	handled := make(chan []byte, 8)
	brw := bufio.NewReadWriter(bufio.NewReader(server), bufio.NewWriter(server))
	c := NewConn(
		domain.GenerateConnectionID(),
		"10.0.0.1",
		server,
		brw,
		opts,
		domain.RealClock{},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		recordingHandler{handled},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		client.Close()
		cancel()
		<-done
	})

	return &connHarness{conn: c, client: client, br: bufio.NewReader(client), handled: handled, done: done}
}

func defaultConnOptions() Options {
	return Options{
		MaxFrameBytes:     1 << 20,
		IdleTimeout:       5 * time.Second,
		HeartbeatInterval: time.Minute,
		WriteTimeout:      2 * time.Second,
		MailboxSize:       8,
	}
}

// sendFrame writes one masked client frame.
func (h *connHarness) sendFrame(t *testing.T, fin bool, opcode byte, payload []byte) {
	t.Helper()
	require.NoError(t, h.client.SetWriteDeadline(time.Now().Add(2*time.Second)))

	key := [4]byte{0xA1, 0x5C, 0x3E, 0x77}
	hdr := []byte{opcode}
	if fin {
		hdr[0] |= 0x80
	}
	switch n := len(payload); {
	case n < 126:
		hdr = append(hdr, 0x80|byte(n))
	case n < 1<<16:
		hdr = append(hdr, 0x80|126, byte(n>>8), byte(n))
	default:
		t.Fatalf("test frame too large: %d bytes", n)
	}
	hdr = append(hdr, key[:]...)
	masked := append([]byte(nil), payload...)
	MaskBytes(key, 0, masked)

	_, err := h.client.Write(append(hdr, masked...))
	require.NoError(t, err)
}

func (h *connHarness) readFrame(t *testing.T, within time.Duration) Frame {
	t.Helper()
	require.NoError(t, h.client.SetReadDeadline(time.Now().Add(within)))
	frame, err := ReadFrame(h.br, 1<<20, false)
	require.NoError(t, err)
	return frame
}

func (h *connHarness) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit")
	}
	assert.Equal(t, StateClosed, h.conn.State())
}

func TestConnPingEchoesPayload(t *testing.T) {
	h := startConn(t, defaultConnOptions())

	h.sendFrame(t, true, OpPing, []byte("keepalive"))
	frame := h.readFrame(t, 2*time.Second)
	require.Equal(t, OpPong, frame.Opcode)
	assert.Equal(t, []byte("keepalive"), frame.Payload)
}

func TestConnCloseReciprocated(t *testing.T) {
	h := startConn(t, defaultConnOptions())

	h.sendFrame(t, true, OpClose, EncodeClosePayload(CloseNormal, "bye"))
	frame := h.readFrame(t, 2*time.Second)
	require.Equal(t, OpClose, frame.Opcode)

	code, _ := DecodeClosePayload(frame.Payload)
	assert.Equal(t, CloseNormal, code)
	h.waitClosed(t)
}

func TestConnHeartbeatPings(t *testing.T) {
	opts := defaultConnOptions()
	opts.HeartbeatInterval = 50 * time.Millisecond
	h := startConn(t, opts)

	for i := 0; i < 2; i++ {
		frame := h.readFrame(t, 2*time.Second)
		require.Equal(t, OpPing, frame.Opcode, "expected heartbeat ping %d", i+1)
	}
}

func TestConnIdleTimeoutCloses(t *testing.T) {
	opts := defaultConnOptions()
	opts.IdleTimeout = 100 * time.Millisecond
	h := startConn(t, opts)

	frame := h.readFrame(t, 2*time.Second)
	require.Equal(t, OpClose, frame.Opcode)

	code, reason := DecodeClosePayload(frame.Payload)
	assert.Equal(t, CloseGoingAway, code)
	assert.Equal(t, "idle timeout", reason)
	h.waitClosed(t)
}

func TestConnFragmentedTextReassembled(t *testing.T) {
	h := startConn(t, defaultConnOptions())

	h.sendFrame(t, false, OpText, []byte(`{"type":"hea`))
	h.sendFrame(t, true, OpContinuation, []byte(`rtbeat"}`))

	select {
	case data := <-h.handled:
		assert.Equal(t, `{"type":"heartbeat"}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("reassembled message was not dispatched")
	}
}

func TestConnBinaryFramesRejected(t *testing.T) {
	h := startConn(t, defaultConnOptions())

	h.sendFrame(t, true, OpBinary, []byte(`{"type":"heartbeat"}`))
	frame := h.readFrame(t, 2*time.Second)
	require.Equal(t, OpClose, frame.Opcode)

	code, _ := DecodeClosePayload(frame.Payload)
	assert.Equal(t, CloseUnsupported, code)
	h.waitClosed(t)

	select {
	case data := <-h.handled:
		t.Fatalf("binary payload reached the handler: %s", data)
	default:
	}
}
