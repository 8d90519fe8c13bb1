// Package client implements a DCOP client: one connection to the broker, over which the
// process sends one-way messages, issues blocking calls, and serves calls addressed to its
// registered objects.
//
// The client is event-loop agnostic. Incoming messages are processed only when the owner
// pumps: Serve, ProcessOne and ProcessPending drive processing explicitly, and a blocked
// Call pumps by itself until its reply arrives. While a Call waits, other incoming calls
// are dispatched on the same goroutine, so handlers may be re-entered.
//
//	Call(seq=7) ──→ broker ──→ peer
//	   pump: ←── Call from someone else → dispatch → Reply
//	   pump: ←── Reply(key=7) → pending[7] done → Call returns
package client

import (
	"context"
	"errors"
	"fmt"
	"go.uber.org/zap"
	"mini-dcop/codec"
	"mini-dcop/loadbalance"
	"mini-dcop/middleware"
	"mini-dcop/protocol"
	"mini-dcop/registry"
	"mini-dcop/transport"
	"os"
	"sync"
	"time"
)

const (
	// ServerID addresses the broker's own functions (registerAs, registeredApplications, ...).
	ServerID = "DCOPServer"
	// Wildcard as destination broadcasts a Send or Find to every application.
	Wildcard = "*"

	vendor          = "KDE"
	release         = "2.0"
	defaultMaxDepth = 32
)

// Client is one DCOP connection. The zero value is not usable; call New.
type Client struct {
	logger          *zap.Logger
	serverAddr      string
	discoverer      registry.Discoverer
	balancer        loadbalance.Balancer
	middlewares     []middleware.Middleware
	authRequired    bool
	pingInterval    time.Duration
	maxDepth        int
	processHook     Handler
	onAttachFailed  func(*AttachError)
	onAppRegistered func(string)
	onAppRemoved    func(string)

	codec    codec.BinaryCodec
	objects  objectRegistry
	dispatch middleware.HandlerFunc

	mu           sync.Mutex
	conn         *transport.Conn
	appID        string
	registered   bool
	pending      map[uint32]*pendingCall
	transactions map[uint32]*Transaction
	txSeq        uint32
	apps         map[string]struct{} // Applications announced by the server
}

func New(opts ...Option) *Client {
	c := &Client{
		logger:       zap.NewNop(),
		balancer:     loadbalance.FirstBalancer{},
		pingInterval: 30 * time.Second,
		maxDepth:     defaultMaxDepth,
		objects:      objectRegistry{objects: make(map[string]Handler)},
		pending:      make(map[uint32]*pendingCall),
		transactions: make(map[uint32]*Transaction),
		apps:         make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.dispatch = middleware.Chain(c.middlewares...)(c.receive)
	return c
}

// Attach connects to the server and registers anonymously as "anonymous-<pid>".
// Attaching while attached detaches first.
func (c *Client) Attach(ctx context.Context) error {
	if err := c.attachInternal(ctx); err != nil {
		return err
	}
	_, err := c.RegisterAs(ctx, "anonymous", true)
	return err
}

// AttachWithRetry retries Attach with exponential backoff. Internal attach errors are
// not retried.
func (c *Client) AttachWithRetry(ctx context.Context, attempts int, baseDelay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = c.Attach(ctx); err == nil {
			return nil
		}
		var ae *AttachError
		if errors.As(err, &ae) && ae.Internal {
			return err
		}
		if i == attempts-1 {
			break
		}
		c.logger.Info("attach failed, retrying", zap.Int("attempt", i+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay * time.Duration(1<<i)):
		}
	}
	return err
}

func (c *Client) attachFailed(ae *AttachError) error {
	c.logger.Warn("attach failed", zap.String("reason", ae.Reason), zap.Bool("internal", ae.Internal), zap.Error(ae.Err))
	if c.onAttachFailed != nil {
		c.onAttachFailed(ae)
	}
	return ae
}

// attachInternal opens and sets up the connection without registering.
func (c *Client) attachInternal(ctx context.Context) error {
	if c.currentConn() != nil {
		c.Detach()
	}

	instances, err := c.discover()
	if err != nil {
		return c.attachFailed(&AttachError{Reason: "cannot locate the DCOP server", Err: err})
	}
	ordered, err := loadbalance.Order(c.balancer, instances)
	if err != nil {
		return c.attachFailed(&AttachError{Reason: "cannot locate the DCOP server", Err: err})
	}
	c.logger.Debug("discovered DCOP servers", zap.Int("count", len(ordered)), zap.String("balancer", c.balancer.Name()))

	var lastErr *AttachError
	for _, inst := range ordered {
		addr, err := transport.ParseAddr(inst.Addr)
		if err != nil {
			lastErr = &AttachError{Reason: "unusable server address " + inst.Addr, Err: err}
			continue
		}
		netConn, err := transport.Dial(ctx, addr)
		if err != nil {
			lastErr = &AttachError{Reason: "cannot connect to " + addr.String(), Err: err}
			continue
		}

		tc := transport.New(netConn, transport.WithLogger(c.logger), transport.WithPingInterval(c.pingInterval))
		setup := transport.SetupConfig{Vendor: vendor, Release: release, MustAuthenticate: c.authRequired}
		if c.authRequired {
			setup.AuthNames = []string{"MIT-MAGIC-COOKIE-1"}
		}
		if err := tc.Handshake(ctx, setup); err != nil {
			tc.Close()
			ae := &AttachError{Reason: "the DCOP server rejected the connection", Err: err}
			var se *protocol.SetupError
			if errors.As(err, &se) {
				ae.Reason = se.Reason
				ae.Internal = se.Class == protocol.ClassAlreadyActive
			}
			return c.attachFailed(ae)
		}
		tc.Start()

		c.mu.Lock()
		c.conn = tc
		c.appID = ""
		c.registered = false
		c.mu.Unlock()
		c.logger.Info("attached to DCOP server", zap.String("server", addr.String()))
		return nil
	}
	return c.attachFailed(lastErr)
}

// Detach shuts the connection down. Outstanding calls fail. An error is returned when the
// shutdown could not be announced to the server; the client is detached regardless.
func (c *Client) Detach() error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil
	}
	c.resetLocked()
	c.mu.Unlock()

	if err := conn.Shutdown(); err != nil {
		return fmt.Errorf("detach: %w", err)
	}
	return nil
}

// resetLocked drops the connection state and fails every outstanding call.
func (c *Client) resetLocked() {
	c.conn = nil
	c.appID = ""
	c.registered = false
	for _, pc := range c.pending {
		pc.finish(ErrConnectionClosed, "", nil)
	}
	clear(c.transactions)
	clear(c.apps)
}

// connectionLost resets the client if conn is still its current connection.
func (c *Client) connectionLost(conn *transport.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.resetLocked()
	c.mu.Unlock()
	c.logger.Warn("connection to DCOP server lost", zap.Error(conn.Err()))
}

// IsAttached reports whether a connection exists and the server accepted it.
func (c *Client) IsAttached() bool {
	conn := c.currentConn()
	return conn != nil && conn.Err() == nil
}

// Socket returns the connection's OS descriptor, or -1 when not attached.
func (c *Client) Socket() int {
	conn := c.currentConn()
	if conn == nil {
		return -1
	}
	return conn.Fd()
}

func (c *Client) currentConn() *transport.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) activeConn() *transport.Conn {
	conn := c.currentConn()
	if conn == nil || conn.Err() != nil {
		return nil
	}
	return conn
}

// RegisterAs registers appID with the server, attaching first if needed, and returns the
// id the server assigned (which may differ when appID is taken). With addPID the process
// id is appended. Registering again renames the application.
func (c *Client) RegisterAs(ctx context.Context, appID string, addPID bool) (string, error) {
	if !c.IsAttached() {
		if err := c.attachInternal(ctx); err != nil {
			return "", err
		}
	}

	id := appID
	if addPID {
		id = fmt.Sprintf("%s-%d", appID, os.Getpid())
	}
	w := codec.NewWriter()
	w.PutString(id)

	replyType, data, err := c.Call(ctx, ServerID, "", "registerAs(QCString)", w.Bytes())
	if err != nil {
		c.setRegistration("", false)
		return "", fmt.Errorf("registerAs %q: %w", id, err)
	}
	assigned := ""
	if replyType == "QCString" {
		assigned, _ = codec.NewReader(data).String()
	}
	if assigned == "" {
		c.setRegistration("", false)
		return "", fmt.Errorf("registerAs %q: %w", id, ErrNotRegistered)
	}

	c.setRegistration(assigned, true)
	c.logger.Info("registered with DCOP server", zap.String("app", assigned))
	return assigned, nil
}

func (c *Client) setRegistration(appID string, registered bool) {
	c.mu.Lock()
	c.appID = appID
	c.registered = registered
	c.mu.Unlock()
}

func (c *Client) IsRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

// AppID returns the id assigned by the server, or "" when not registered.
func (c *Client) AppID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appID
}
