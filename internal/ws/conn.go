package ws

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gameoverstudios/deeperhub/internal/domain"
	"github.com/gameoverstudios/deeperhub/pkg/protocol"
)

var meter = otel.Meter("ws")

// Connection lifecycle states. A connection is created open-unauthenticated
// (the handshake already succeeded) and moves forward only.
type State int32

const (
	StateOpenUnauth State = iota
	StateOpenAuth
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpenUnauth:
		return "open_unauth"
	case StateOpenAuth:
		return "open_auth"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// MessageHandler consumes one complete inbound message. Implementations
// reply through the connection's Send methods.
type MessageHandler interface {
	HandleMessage(ctx context.Context, c *Conn, data []byte)
}

// Options bounds a single connection's runtime behavior.
type Options struct {
	MaxFrameBytes     int64
	IdleTimeout       time.Duration
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	MailboxSize       int
}

type outFrame struct {
	opcode  byte
	payload []byte
}

// Conn is one WebSocket connection worker. All writes go through the
// outbound mailbox and are serialized by the write loop; the read loop is
// the only reader. A full mailbox drops the message rather than blocking
// the sender.
type Conn struct {
	ID domain.ConnectionID
	IP string

	netConn net.Conn
	br      *bufio.Reader
	bw      *bufio.Writer
	opts    Options
	clock   domain.Clock
	logger  *slog.Logger
	handler MessageHandler

	outbox chan outFrame
	ctrl   chan outFrame
	done   chan struct{}

	state        atomic.Int32
	lastActivity atomic.Int64 // unix millis
	connectedAt  time.Time

	closeOnce sync.Once

	mu        sync.RWMutex
	userID    domain.UserID
	sessionID domain.SessionID

	dropped metric.Int64Counter
}

// NewConn wraps a hijacked connection. The caller starts the worker with
// Run.
func NewConn(
	id domain.ConnectionID,
	ip string,
	netConn net.Conn,
	rw *bufio.ReadWriter,
	opts Options,
	clock domain.Clock,
	logger *slog.Logger,
	handler MessageHandler,
) *Conn {
	dropped, _ := meter.Int64Counter("ws_outbox_dropped_total",
		metric.WithDescription("Outbound messages dropped on a full connection mailbox"))

	c := &Conn{
		ID:          id,
		IP:          ip,
		netConn:     netConn,
		br:          rw.Reader,
		bw:          rw.Writer,
		opts:        opts,
		clock:       clock,
		logger:      logger.With(slog.String("connection_id", id.String())),
		handler:     handler,
		outbox:      make(chan outFrame, opts.MailboxSize),
		ctrl:        make(chan outFrame, 8),
		done:        make(chan struct{}),
		connectedAt: clock.Now().UTC(),
		dropped:     dropped,
	}
	c.state.Store(int32(StateOpenUnauth))
	c.touch()
	return c
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Authenticate binds the connection to a user and session and moves it to
// the authenticated state.
func (c *Conn) Authenticate(userID domain.UserID, sessionID domain.SessionID) {
	c.mu.Lock()
	c.userID = userID
	c.sessionID = sessionID
	c.mu.Unlock()
	c.state.CompareAndSwap(int32(StateOpenUnauth), int32(StateOpenAuth))
}

// Identity returns the bound user and session; ok is false before auth.
func (c *Conn) Identity() (domain.UserID, domain.SessionID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.userID.IsZero() {
		return domain.UserID{}, domain.SessionID{}, false
	}
	return c.userID, c.sessionID, true
}

// LastActivity returns the time of the last inbound frame.
func (c *Conn) LastActivity() time.Time {
	return domain.FromMillis(c.lastActivity.Load())
}

// ConnectedAt returns when the worker started.
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

func (c *Conn) touch() {
	c.lastActivity.Store(c.clock.Now().UTC().UnixMilli())
}

// Send enqueues one envelope for delivery. A full mailbox returns
// domain.ErrBackpressure and the envelope is dropped.
func (c *Conn) Send(env protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return c.enqueue(outFrame{opcode: OpText, payload: data})
}

// Deliver enqueues a channel broadcast. Satisfies the broker's subscriber
// contract: it never blocks, reporting drop via error.
func (c *Conn) Deliver(b protocol.Broadcast) error {
	data, err := protocol.EncodeBroadcast(b)
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}
	return c.enqueue(outFrame{opcode: OpText, payload: data})
}

// SubscriberID identifies this connection to the broker.
func (c *Conn) SubscriberID() string { return c.ID.String() }

func (c *Conn) enqueue(f outFrame) error {
	if c.State() >= StateClosing {
		return domain.ErrConnectionGone
	}
	select {
	case c.outbox <- f:
		return nil
	default:
		c.dropped.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("connection_id", c.ID.String())))
		return domain.ErrBackpressure
	}
}

// Run drives the connection until the peer closes, an error occurs, or ctx
// is canceled. It blocks; the caller runs it in its own goroutine.
func (c *Conn) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx)
	}()

	c.readLoop(ctx)

	// Let the write loop flush a queued close frame before the socket goes
	// away; writes carry deadlines, so this wait is bounded.
	close(c.done)
	c.state.Store(int32(StateClosed))
	wg.Wait()
	c.netConn.Close()
}

// Close initiates a server-side close with the given status. Safe to call
// from any goroutine; only the first call sends a close frame.
func (c *Conn) Close(code uint16, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		select {
		case c.ctrl <- outFrame{opcode: OpClose, payload: EncodeClosePayload(code, reason)}:
		default:
			c.netConn.Close()
		}
	})
}

func (c *Conn) readLoop(ctx context.Context) {
	var fragments []byte

	for {
		if err := c.netConn.SetReadDeadline(c.clock.Now().Add(c.opts.IdleTimeout)); err != nil {
			return
		}

		frame, err := ReadFrame(c.br, c.opts.MaxFrameBytes, true)
		if err != nil {
			c.handleReadError(ctx, err)
			return
		}
		c.touch()

		switch frame.Opcode {
		case OpText, OpBinary:
			if frame.Opcode == OpBinary {
				// The protocol is JSON over text frames only.
				c.Close(CloseUnsupported, "binary frames unsupported")
				return
			}
			if !frame.FIN {
				fragments = append([]byte(nil), frame.Payload...)
				continue
			}
			c.handler.HandleMessage(ctx, c, frame.Payload)

		case OpContinuation:
			if fragments == nil {
				c.Close(CloseProtocolError, "unexpected continuation")
				return
			}
			fragments = append(fragments, frame.Payload...)
			if int64(len(fragments)) > c.opts.MaxFrameBytes {
				c.Close(CloseTooLarge, "message too large")
				return
			}
			if frame.FIN {
				data := fragments
				fragments = nil
				c.handler.HandleMessage(ctx, c, data)
			}

		case OpPing:
			select {
			case c.ctrl <- outFrame{opcode: OpPong, payload: frame.Payload}:
			default:
			}

		case OpPong:
			// Heartbeat liveness; touch already happened.

		case OpClose:
			code, _ := DecodeClosePayload(frame.Payload)
			c.Close(code, "")
			return
		}
	}
}

func (c *Conn) handleReadError(ctx context.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrFrameTooLarge):
		c.Close(CloseTooLarge, "frame too large")
	case errors.Is(err, domain.ErrProtocolError):
		c.Close(CloseProtocolError, "protocol error")
	case errors.Is(err, os.ErrDeadlineExceeded):
		c.logger.InfoContext(ctx, "closing idle connection",
			slog.Duration("idle_timeout", c.opts.IdleTimeout))
		c.Close(CloseGoingAway, "idle timeout")
	default:
		// Peer went away; nothing to send.
		c.state.Store(int32(StateClosing))
	}
}

func (c *Conn) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.writeFrame(outFrame{opcode: OpClose, payload: EncodeClosePayload(CloseGoingAway, "server shutdown")})
			c.netConn.Close()
			return
		case <-c.done:
			select {
			case f := <-c.ctrl:
				c.writeFrame(f)
			default:
			}
			return
		case f := <-c.ctrl:
			if !c.writeFrame(f) {
				return
			}
			if f.opcode == OpClose {
				c.netConn.Close()
				return
			}
		case f := <-c.outbox:
			if !c.writeFrame(f) {
				return
			}
		case <-ticker.C:
			if !c.writeFrame(outFrame{opcode: OpPing}) {
				return
			}
		}
	}
}

func (c *Conn) writeFrame(f outFrame) bool {
	if err := c.netConn.SetWriteDeadline(c.clock.Now().Add(c.opts.WriteTimeout)); err != nil {
		return false
	}
	if err := WriteFrame(c.bw, true, f.opcode, f.payload); err != nil {
		c.state.Store(int32(StateClosing))
		return false
	}
	return true
}
