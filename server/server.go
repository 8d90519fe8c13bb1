// Package server implements the DCOP broker: it accepts client connections, assigns
// application ids, and relays messages between applications.
//
// Relay pipeline:
//
//	Accept conn → handshake → handleConn (one goroutine per client, pumps its inbound queue)
//	  → Send/Call/Find: middleware chain → DCOPServer built-in, or forward under a fresh key
//	  → Reply kinds: look the key up in the route table → forward to the caller under its key
package server

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"mini-dcop/codec"
	"mini-dcop/message"
	"mini-dcop/middleware"
	"mini-dcop/protocol"
	"mini-dcop/registry"
	"mini-dcop/transport"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// ID is the application id of the broker's own object.
	ID = "DCOPServer"

	vendor           = "KDE"
	release          = "2.0"
	handshakeTimeout = 10 * time.Second
	registrationTTL  = 10 // seconds, renewed while the broker runs
)

// Server is the DCOP broker.
type Server struct {
	id           string // Instance id, advertised as the registry version
	logger       *zap.Logger
	middlewares  []middleware.Middleware
	handler      middleware.HandlerFunc // middleware(...(dispatch)), built once in Serve
	requireAuth  bool
	pingInterval time.Duration

	listener      net.Listener
	advertiseAddr string              // Network id written to the registries
	registries    []registry.Registry // Rendezvous file, etcd, redis; nil entries skipped
	wg            sync.WaitGroup      // Tracks connection goroutines for graceful shutdown
	shutdown      atomic.Bool         // Set during shutdown to suppress Accept errors

	mu    sync.Mutex
	peers map[*peer]struct{}
	apps  map[string]*peer // Registered application id → connection
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMiddleware wraps the handling of every Send, Call and Find the broker receives.
// A middleware that reports a message as not handled makes the broker answer a Call or
// Find with ReplyFailed instead of relaying it.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(s *Server) {
		s.middlewares = append(s.middlewares, mws...)
	}
}

// RequireAuth makes the broker reject every client, since no authentication scheme is
// implemented.
func RequireAuth() Option {
	return func(s *Server) {
		s.requireAuth = true
	}
}

func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		s.pingInterval = d
	}
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		id:           uuid.NewString(),
		logger:       zap.NewNop(),
		pingInterval: 30 * time.Second,
		peers:        make(map[*peer]struct{}),
		apps:         make(map[string]*peer),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)
	return s
}

// InstanceID returns the id the broker advertises itself with.
func (s *Server) InstanceID() string {
	return s.id
}

// ListenAndServe listens on the network id address (see transport.ParseAddr) and serves.
func (s *Server) ListenAndServe(address string, regs ...registry.Registry) error {
	addr, err := transport.ParseAddr(address)
	if err != nil {
		return err
	}
	l, err := transport.Listen(addr)
	if err != nil {
		return err
	}
	return s.Serve(l, transport.AddrOf(l), regs...)
}

// Serve accepts connections on l until Shutdown. The broker advertises advertiseAddr in
// every registry given, and withdraws it on Shutdown.
//
// Parameters:
//   - advertiseAddr: the network id clients should dial, e.g. "tcp/10.0.0.5:5000". It
//     differs from the listen address when listening on a wildcard interface.
//   - regs: registries to advertise in. A registry that fails is logged and skipped.
func (s *Server) Serve(l net.Listener, advertiseAddr string, regs ...registry.Registry) error {
	s.mu.Lock()
	s.listener = l
	s.advertiseAddr = advertiseAddr
	s.mu.Unlock()

	for _, reg := range regs {
		if reg == nil {
			continue
		}
		inst := registry.ServiceInstance{Addr: advertiseAddr, Version: s.id}
		if err := reg.Register(registry.ServiceName, inst, registrationTTL); err != nil {
			s.logger.Error("cannot advertise broker", zap.String("addr", advertiseAddr), zap.Error(err))
			continue
		}
		s.mu.Lock()
		s.registries = append(s.registries, reg)
		s.mu.Unlock()
	}
	s.logger.Info("DCOP server listening", zap.String("addr", advertiseAddr), zap.String("id", s.id))

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Addr returns the advertised network id, or "" before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advertiseAddr
}

// handleConn runs the handshake, then processes the client's messages in arrival order
// until it disconnects.
func (s *Server) handleConn(nc net.Conn) {
	defer s.wg.Done()

	tc := transport.New(nc, transport.WithLogger(s.logger), transport.WithPingInterval(s.pingInterval))
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	err := tc.Accept(ctx, transport.AcceptConfig{Vendor: vendor, Release: release, RequireAuth: s.requireAuth})
	cancel()
	if err != nil {
		s.logger.Info("rejected connection", zap.String("remote", nc.RemoteAddr().String()), zap.Error(err))
		tc.Close()
		return
	}
	tc.Start()

	p := newPeer(tc)
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		tc.Shutdown()
		return
	}
	s.peers[p] = struct{}{}
	s.mu.Unlock()

	for {
		select {
		case f := <-tc.Inbound():
			s.handleFrame(p, f)
		case <-tc.Done():
			s.drain(p)
			s.removePeer(p)
			return
		}
	}
}

// drain handles the frames queued before the connection went away.
func (s *Server) drain(p *peer) {
	for {
		select {
		case f := <-p.conn.Inbound():
			s.handleFrame(p, f)
		default:
			return
		}
	}
}

func (s *Server) handleFrame(p *peer, f *transport.Frame) {
	var c codec.BinaryCodec
	var msg message.Message
	if err := c.Decode(message.Kind(f.Header.Minor), f.Body, &msg); err != nil {
		s.logger.Warn("dropping malformed message", zap.String("app", s.appOf(p)), zap.Uint8("kind", f.Header.Minor), zap.Error(err))
		return
	}
	msg.Key = f.Header.Key

	if msg.Kind.IsReply() {
		s.relayReply(p, &msg)
		return
	}

	req := &request{peer: p}
	res := s.handler(context.WithValue(context.Background(), requestKey{}, req), &msg)
	if req.relayed || msg.Kind == message.Send {
		return
	}
	reply := &message.Message{Key: msg.Key, SenderID: msg.DestID, DestID: msg.SenderID}
	if res.Handled {
		reply.Kind = message.Reply
		reply.ReplyType = res.ReplyType
		reply.Data = res.ReplyData
	} else {
		reply.Kind = message.ReplyFailed
	}
	s.write(p, reply)
}

// write encodes msg and sends it to p. Failures are logged: a dead peer is cleaned up by
// its own connection goroutine.
func (s *Server) write(p *peer, msg *message.Message) {
	var c codec.BinaryCodec
	body, err := c.Encode(msg)
	if err != nil {
		s.logger.Error("cannot encode message", zap.Stringer("kind", msg.Kind), zap.Error(err))
		return
	}
	h := &protocol.Header{Major: protocol.MajorDCOP, Minor: byte(msg.Kind), Key: msg.Key}
	if err := p.conn.WriteFrame(h, body); err != nil {
		s.logger.Debug("write to client failed", zap.Stringer("kind", msg.Kind), zap.String("to", msg.DestID), zap.Error(err))
	}
}

// removePeer forgets a disconnected client: calls routed to it fail, routes back to it
// are dropped, and subscribers learn that its application is gone.
func (s *Server) removePeer(p *peer) {
	s.mu.Lock()
	delete(s.peers, p)
	appID := p.appID
	if appID != "" && s.apps[appID] == p {
		delete(s.apps, appID)
	}
	var failed []*route
	for _, r := range p.takeRoutes() {
		if r.caller != p && r.settle(message.ReplyFailed) {
			failed = append(failed, r)
		}
	}
	s.mu.Unlock()

	for _, r := range failed {
		s.write(r.caller, &message.Message{Kind: message.ReplyFailed, Key: r.callerKey, SenderID: appID, DestID: r.callerApp})
	}
	if appID != "" {
		s.logger.Info("application unregistered", zap.String("app", appID))
		s.notify(p, funApplicationRemoved, appID)
	}
}

// Shutdown performs graceful shutdown:
//  1. Withdraw the advertised address (clients stop discovering this broker)
//  2. Set the shutdown flag and close the listener
//  3. Announce WantToClose to every client
//  4. Wait for the connection goroutines to finish (with timeout)
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	regs := s.registries
	s.registries = nil
	addr := s.advertiseAddr
	l := s.listener
	s.mu.Unlock()

	var errs []error
	for _, reg := range regs {
		if err := reg.Deregister(registry.ServiceName, addr); err != nil {
			errs = append(errs, err)
		}
	}

	s.shutdown.Store(true)
	if l != nil {
		l.Close()
	}

	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		p.conn.Shutdown()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		errs = append(errs, fmt.Errorf("timeout waiting for connections to close"))
	}
	return errors.Join(errs...)
}
