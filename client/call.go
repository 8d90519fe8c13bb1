package client

import (
	"context"
	"errors"
	"fmt"
	"go.uber.org/zap"
	"mini-dcop/codec"
	"mini-dcop/message"
	"mini-dcop/protocol"
	"mini-dcop/transport"
)

// pendingCall is an outgoing Call or Find waiting for its reply. Fields are written under
// Client.mu before done is closed.
type pendingCall struct {
	key           uint32
	done          chan struct{}
	finished      bool
	err           error // ErrCallFailed or ErrConnectionClosed when the call did not succeed
	replyType     string
	replyData     []byte
	waiting       bool // A ReplyWait arrived; the answer comes as ReplyDelayed
	transactionID uint32
}

func (pc *pendingCall) finish(err error, replyType string, replyData []byte) {
	if pc.finished {
		return
	}
	pc.finished = true
	pc.err = err
	pc.replyType = replyType
	pc.replyData = replyData
	close(pc.done)
}

// Ref names an object inside an application, as returned by Find.
type Ref struct {
	App    string
	Object string
}

func (c *Client) writeMessage(conn *transport.Conn, msg *message.Message) error {
	body, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	return conn.WriteFrame(&protocol.Header{Major: protocol.MajorDCOP, Minor: byte(msg.Kind), Key: msg.Key}, body)
}

// writeFailed classifies an error from writeMessage. Only a failed connection resets the
// client; a message that cannot be framed is the caller's error.
func (c *Client) writeFailed(conn *transport.Conn, err error) error {
	if conn.Err() == nil {
		return err
	}
	c.connectionLost(conn)
	return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
}

// Send delivers a one-way message. It never waits for the peer; success means the message
// was written and the connection is still up.
func (c *Client) Send(ctx context.Context, app, obj, fun string, data []byte) error {
	conn := c.activeConn()
	if conn == nil {
		return ErrNotAttached
	}
	msg := &message.Message{
		Kind:     message.Send,
		SenderID: c.AppID(),
		DestID:   app,
		ObjectID: obj,
		Function: codec.NormalizeFunctionSignature(fun),
		Data:     data,
	}
	if err := c.writeMessage(conn, msg); err != nil {
		return c.writeFailed(conn, err)
	}
	if conn.Err() != nil {
		return ErrConnectionClosed
	}
	return nil
}

// Call invokes fun on obj in app and blocks until the reply arrives, pumping incoming
// messages meanwhile. A handler that declines yields ErrCallFailed. Call waits without a
// time limit unless ctx carries a deadline or is cancelled.
func (c *Client) Call(ctx context.Context, app, obj, fun string, data []byte) (replyType string, replyData []byte, err error) {
	pc, err := c.call(ctx, &message.Message{Kind: message.Call, DestID: app, ObjectID: obj, Function: fun, Data: data})
	if err != nil {
		return "", nil, err
	}
	return pc.replyType, pc.replyData, nil
}

// Find asks app (or every application, with Wildcard) for the first object matching
// objPattern whose fun returns true. A trailing '*' in objPattern matches by prefix.
// An empty fun matches any object.
func (c *Client) Find(ctx context.Context, app, objPattern, fun string, data []byte) (Ref, error) {
	pc, err := c.call(ctx, &message.Message{Kind: message.Find, DestID: app, ObjectID: objPattern, Function: fun, Data: data})
	if err != nil {
		return Ref{}, err
	}
	if pc.replyType != "DCOPRef" {
		return Ref{}, fmt.Errorf("find: unexpected reply type %q", pc.replyType)
	}
	r := codec.NewReader(pc.replyData)
	var ref Ref
	if ref.App, err = r.String(); err != nil {
		return Ref{}, fmt.Errorf("find: %w", err)
	}
	if ref.Object, err = r.String(); err != nil {
		return Ref{}, fmt.Errorf("find: %w", err)
	}
	return ref, nil
}

func (c *Client) call(ctx context.Context, msg *message.Message) (*pendingCall, error) {
	if dispatchDepth(ctx) >= c.maxDepth {
		return nil, ErrDispatchDepth
	}
	conn := c.activeConn()
	if conn == nil {
		return nil, ErrNotAttached
	}

	msg.Key = conn.NextKey()
	msg.SenderID = c.AppID()
	msg.Function = codec.NormalizeFunctionSignature(msg.Function)

	// Register before writing so a fast reply always finds its caller.
	pc := &pendingCall{key: msg.Key, done: make(chan struct{})}
	c.mu.Lock()
	c.pending[msg.Key] = pc
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.Key)
		c.mu.Unlock()
	}()

	if err := c.writeMessage(conn, msg); err != nil {
		return nil, c.writeFailed(conn, err)
	}

	if err := c.pumpUntil(ctx, conn, pc.done); err != nil {
		return nil, err
	}
	if pc.err != nil {
		return nil, fmt.Errorf("%w: %s %s %s", pc.err, msg.DestID, msg.ObjectID, msg.Function)
	}
	return pc, nil
}

// pumpUntil processes incoming frames until done is closed.
func (c *Client) pumpUntil(ctx context.Context, conn *transport.Conn, done <-chan struct{}) error {
	for {
		select {
		case <-done:
			return nil
		default:
		}

		select {
		case <-done:
			return nil
		case f := <-conn.Inbound():
			c.handleFrame(ctx, conn, f)
		case <-conn.Done():
			// A reply queued before the connection went away still counts.
			c.drain(ctx, conn)
			c.connectionLost(conn)
			select {
			case <-done:
				return nil
			default:
				return fmt.Errorf("%w: %v", ErrConnectionClosed, conn.Err())
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drain processes every frame still queued on conn without blocking.
func (c *Client) drain(ctx context.Context, conn *transport.Conn) int {
	n := 0
	for {
		select {
		case f := <-conn.Inbound():
			c.handleFrame(ctx, conn, f)
			n++
		default:
			return n
		}
	}
}

// ProcessOne waits for one incoming message and processes it.
func (c *Client) ProcessOne(ctx context.Context) error {
	conn := c.currentConn()
	if conn == nil {
		return ErrNotAttached
	}
	select {
	case f := <-conn.Inbound():
		c.handleFrame(ctx, conn, f)
		return nil
	case <-conn.Done():
		c.drain(ctx, conn)
		c.connectionLost(conn)
		return fmt.Errorf("%w: %v", ErrConnectionClosed, conn.Err())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessPending processes the messages already queued and returns how many it handled.
// It is meant to be called when Ready fires in an external event loop.
func (c *Client) ProcessPending(ctx context.Context) int {
	conn := c.currentConn()
	if conn == nil {
		return 0
	}
	n := c.drain(ctx, conn)
	if conn.Err() != nil {
		n += c.drain(ctx, conn)
		c.connectionLost(conn)
	}
	return n
}

// Ready is signalled when messages are waiting to be processed. It returns nil (blocks
// forever in a select) when not attached.
func (c *Client) Ready() <-chan struct{} {
	conn := c.currentConn()
	if conn == nil {
		return nil
	}
	return conn.Ready()
}

// Serve processes incoming messages until ctx is done or the connection fails.
func (c *Client) Serve(ctx context.Context) error {
	for {
		if err := c.ProcessOne(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, conn *transport.Conn, f *transport.Frame) {
	var msg message.Message
	if err := c.codec.Decode(message.Kind(f.Header.Minor), f.Body, &msg); err != nil {
		c.logger.Warn("dropping malformed message", zap.Uint8("kind", f.Header.Minor), zap.Error(err))
		return
	}
	msg.Key = f.Header.Key

	if msg.Kind.IsReply() {
		c.handleReply(&msg)
		return
	}
	c.handleIncoming(ctx, conn, &msg)
}

func (c *Client) handleReply(msg *message.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pc, ok := c.pending[msg.Key]
	if !ok || pc.finished {
		c.logger.Warn("very strange: reply without a pending call",
			zap.Stringer("kind", msg.Kind), zap.Uint32("key", msg.Key), zap.String("from", msg.SenderID))
		return
	}

	switch msg.Kind {
	case message.Reply:
		pc.finish(nil, msg.ReplyType, msg.Data)
	case message.ReplyFailed:
		pc.finish(ErrCallFailed, "", nil)
	case message.ReplyWait:
		pc.waiting = true
		pc.transactionID = msg.TransactionID
	case message.ReplyDelayed:
		if pc.waiting && pc.transactionID != msg.TransactionID {
			c.logger.Warn("very strange: delayed reply for another transaction",
				zap.Uint32("key", msg.Key), zap.Uint32("want", pc.transactionID), zap.Uint32("got", msg.TransactionID))
			return
		}
		pc.finish(nil, msg.ReplyType, msg.Data)
	}
}
