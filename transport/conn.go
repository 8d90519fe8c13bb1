// Package transport owns the single stream connection between a DCOP client and its broker.
//
// Conn performs the ICE-style setup handshake, then runs a background read loop that
// answers ICE core traffic (ping, shutdown) itself and queues DCOP frames for the owner to
// process. Processing is driven by the owner: nothing in this package dispatches messages.
//
//	recvLoop:  ←── DCOP frame ──→ inbound queue ──→ owner pumps (ProcessOne / call loop)
//	           ←── ICE Ping   ──→ PingReply written immediately
package transport

import (
	"errors"
	"go.uber.org/zap"
	"mini-dcop/protocol"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

var (
	// ErrClosed is reported when the connection has been shut down or has failed.
	ErrClosed = errors.New("transport: connection closed")
	// ErrPeerClosed is reported when the peer requested shutdown with WantToClose.
	ErrPeerClosed = errors.New("transport: peer closed the connection")
)

const (
	defaultPingInterval = 30 * time.Second
	inboundQueueSize    = 256
)

// Frame is one decoded DCOP frame.
type Frame struct {
	Header protocol.Header
	Body   []byte
}

// Conn manages one framed connection.
type Conn struct {
	conn         net.Conn
	logger       *zap.Logger
	pingInterval time.Duration

	seq     atomic.Uint32 // Last key handed out by NextKey
	sending sync.Mutex    // Serializes whole frames on the wire

	inbound chan *Frame
	ready   chan struct{} // Signalled (non-blocking) whenever a frame is queued
	done    chan struct{}

	closeOnce sync.Once
	err       error // Set once, before done is closed
	started   atomic.Bool
}

type Option func(*Conn)

func WithLogger(l *zap.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithPingInterval sets the heartbeat period. Zero or negative disables heartbeats.
func WithPingInterval(d time.Duration) Option {
	return func(c *Conn) {
		c.pingInterval = d
	}
}

// New wraps conn. Call Handshake (or Accept on the broker side) and then Start.
func New(conn net.Conn, opts ...Option) *Conn {
	c := &Conn{
		conn:         conn,
		logger:       zap.NewNop(),
		pingInterval: defaultPingInterval,
		inbound:      make(chan *Frame, inboundQueueSize),
		ready:        make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the read loop and, if enabled, the heartbeat loop.
func (c *Conn) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.recvLoop()
	if c.pingInterval > 0 {
		go c.heartbeatLoop(c.pingInterval)
	}
}

// NextKey returns a fresh sequence number for an outgoing call. Keys are never zero.
func (c *Conn) NextKey() uint32 {
	for {
		if k := c.seq.Add(1); k != 0 {
			return k
		}
	}
}

// WriteFrame writes one frame. A write failure closes the connection; an oversized body
// is refused with protocol.ErrBodyTooLarge and leaves the connection up.
func (c *Conn) WriteFrame(h *protocol.Header, body []byte) error {
	if uint64(len(body)) > uint64(protocol.MaxBodyLen) {
		return protocol.ErrBodyTooLarge
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.sending.Lock()
	err := protocol.Encode(c.conn, h, body)
	c.sending.Unlock()
	if err != nil {
		c.fail(err)
		return err
	}
	return nil
}

// Inbound returns the queue of received DCOP frames.
func (c *Conn) Inbound() <-chan *Frame {
	return c.inbound
}

// Ready is signalled when at least one frame has been queued since the last signal.
func (c *Conn) Ready() <-chan struct{} {
	return c.ready
}

// Done is closed when the connection fails or is shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection ended, or nil while it is alive.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Fd returns the underlying OS descriptor, or -1 if it has none.
func (c *Conn) Fd() int {
	sc, ok := c.conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	if err := raw.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return -1
	}
	return fd
}

// Shutdown announces WantToClose and closes the connection. It returns an error if the
// announcement could not be written, the connection is closed regardless.
func (c *Conn) Shutdown() error {
	err := c.WriteFrame(&protocol.Header{Major: protocol.MajorICE, Minor: protocol.ICEWantToClose}, nil)
	c.fail(ErrClosed)
	return err
}

// Close closes the connection without the shutdown announcement.
func (c *Conn) Close() error {
	c.fail(ErrClosed)
	return nil
}

func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		c.conn.Close()
	})
}

// recvLoop is the only reader of the connection. ICE core frames are answered here,
// DCOP frames are queued in arrival order.
func (c *Conn) recvLoop() {
	for {
		header, body, err := protocol.Decode(c.conn)
		if err != nil {
			c.fail(err)
			return
		}

		if header.Major == protocol.MajorICE {
			if !c.handleCore(header, body) {
				return
			}
			continue
		}

		select {
		case c.inbound <- &Frame{Header: *header, Body: body}:
		case <-c.done:
			return
		}
		select {
		case c.ready <- struct{}{}:
		default:
		}
	}
}

// handleCore processes an ICE core frame and reports whether reading should continue.
func (c *Conn) handleCore(h *protocol.Header, body []byte) bool {
	switch h.Minor {
	case protocol.ICEPing:
		c.WriteFrame(&protocol.Header{Major: protocol.MajorICE, Minor: protocol.ICEPingReply}, nil)
	case protocol.ICEPingReply:
	case protocol.ICEConnectionSetup, protocol.ICEProtocolSetup:
		se := protocol.SetupError{
			Offending: h.Minor,
			Severity:  protocol.CanContinue,
			Class:     protocol.ClassAlreadyActive,
			Reason:    "already active",
		}
		c.WriteFrame(&protocol.Header{Major: protocol.MajorICE, Minor: protocol.ICEError}, se.Marshal())
	case protocol.ICEWantToClose:
		c.fail(ErrPeerClosed)
		return false
	case protocol.ICEError:
		var se protocol.SetupError
		if err := se.Unmarshal(body); err != nil {
			c.logger.Warn("malformed ICE error frame", zap.Error(err))
			break
		}
		c.logger.Warn("ICE error from peer",
			zap.Uint8("offending", se.Offending), zap.Uint8("severity", se.Severity), zap.String("reason", se.Reason))
		if se.Severity == protocol.FatalToConnection {
			c.fail(&se)
			return false
		}
	default:
		c.logger.Warn("unexpected ICE core message", zap.Uint8("minor", h.Minor))
	}
	return true
}

// heartbeatLoop sends periodic Ping frames so a dead peer is noticed by the write failing.
func (c *Conn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.WriteFrame(&protocol.Header{Major: protocol.MajorICE, Minor: protocol.ICEPing}, nil); err != nil {
				return
			}
		}
	}
}
