package client

import (
	"context"
	"go.uber.org/zap"
	"mini-dcop/codec"
	"mini-dcop/message"
	"mini-dcop/transport"
)

// Functions of the connection object (empty object id) handled by the client itself.
const (
	funApplicationRegistered = "applicationRegistered(QCString)"
	funApplicationRemoved    = "applicationRemoved(QCString)"
	funObjects               = "objects()"
)

type callContextKey struct{}

// callContext describes the incoming message being dispatched. It travels in the ctx
// handed to handlers, so nested dispatch never confuses whose transaction is whose.
type callContext struct {
	conn        *transport.Conn
	msg         *message.Message
	depth       int
	transaction *Transaction
}

func callContextFrom(ctx context.Context) (*callContext, bool) {
	cc, ok := ctx.Value(callContextKey{}).(*callContext)
	return cc, ok
}

func dispatchDepth(ctx context.Context) int {
	if cc, ok := callContextFrom(ctx); ok {
		return cc.depth
	}
	return 0
}

// SenderID returns the application that sent the message being dispatched in ctx.
func SenderID(ctx context.Context) (string, bool) {
	cc, ok := callContextFrom(ctx)
	if !ok {
		return "", false
	}
	return cc.msg.SenderID, true
}

func (c *Client) addressedToUs(dest string) bool {
	return dest == "" || dest == Wildcard || dest == c.AppID()
}

// handleIncoming dispatches a Send, Call or Find. Calls and Finds are always answered:
// Reply when handled, ReplyWait when the handler deferred into a transaction, ReplyFailed
// otherwise. Sends are never answered.
func (c *Client) handleIncoming(ctx context.Context, conn *transport.Conn, msg *message.Message) {
	cc := &callContext{conn: conn, msg: msg, depth: dispatchDepth(ctx) + 1}
	ctx = context.WithValue(ctx, callContextKey{}, cc)

	var res message.Result
	if c.addressedToUs(msg.DestID) {
		res = c.dispatch(ctx, msg)
	} else {
		c.logger.Warn("very strange: message for another application",
			zap.String("dest", msg.DestID), zap.String("app", c.AppID()), zap.String("fun", msg.Function))
	}

	if msg.Kind == message.Send {
		return
	}

	reply := &message.Message{Key: msg.Key, SenderID: c.AppID(), DestID: msg.SenderID}
	switch {
	case res.Handled && cc.transaction != nil:
		reply.Kind = message.ReplyWait
		reply.TransactionID = cc.transaction.id
	case res.Handled:
		reply.Kind = message.Reply
		reply.ReplyType = res.ReplyType
		reply.Data = res.ReplyData
	default:
		if cc.transaction != nil {
			c.dropTransaction(cc.transaction)
		}
		reply.Kind = message.ReplyFailed
	}
	if err := c.writeMessage(conn, reply); err != nil {
		c.logger.Warn("cannot send reply", zap.Stringer("kind", reply.Kind), zap.String("to", reply.DestID), zap.Error(err))
	}
	if reply.Kind == message.ReplyWait {
		c.transactionDispatched(cc.transaction)
	}
}

// receive locates the target of msg: the connection object, a registered object, then
// each proxy in installation order.
func (c *Client) receive(ctx context.Context, msg *message.Message) message.Result {
	if msg.Kind == message.Find {
		return c.find(ctx, msg)
	}
	if msg.ObjectID == "" {
		return c.receiveSelf(ctx, msg)
	}

	if h, ok := c.objects.lookup(msg.ObjectID); ok {
		if replyType, replyData, ok := h.Process(ctx, msg.Function, msg.Data); ok {
			return message.Result{Handled: true, ReplyType: replyType, ReplyData: replyData}
		}
	}
	for _, p := range c.objects.proxyList() {
		if replyType, replyData, ok := p.Process(ctx, msg.ObjectID, msg.Function, msg.Data); ok {
			return message.Result{Handled: true, ReplyType: replyType, ReplyData: replyData}
		}
	}

	c.logger.Warn("no object or proxy handles message",
		zap.String("from", msg.SenderID), zap.String("obj", msg.ObjectID), zap.String("fun", msg.Function))
	return message.Result{}
}

func (c *Client) receiveSelf(ctx context.Context, msg *message.Message) message.Result {
	switch msg.Function {
	case funApplicationRegistered, funApplicationRemoved:
		app, err := codec.NewReader(msg.Data).String()
		if err != nil {
			c.logger.Warn("malformed registration notification", zap.Error(err))
			return message.Result{}
		}
		registered := msg.Function == funApplicationRegistered
		c.mu.Lock()
		if registered {
			c.apps[app] = struct{}{}
		} else {
			delete(c.apps, app)
		}
		c.mu.Unlock()

		if registered && c.onAppRegistered != nil {
			c.onAppRegistered(app)
		} else if !registered && c.onAppRemoved != nil {
			c.onAppRemoved(app)
		}
		return message.Result{Handled: true, ReplyType: "void"}
	}

	if msg.Function == funObjects {
		w := codec.NewWriter()
		w.PutStringList(c.Objects())
		return message.Result{Handled: true, ReplyType: "QCStringList", ReplyData: w.Bytes()}
	}
	if c.processHook != nil {
		if replyType, replyData, ok := c.processHook.Process(ctx, msg.Function, msg.Data); ok {
			return message.Result{Handled: true, ReplyType: replyType, ReplyData: replyData}
		}
	}
	return message.Result{}
}

// find invokes fun on each object matching the pattern and answers with a reference to
// the first one returning true.
func (c *Client) find(ctx context.Context, msg *message.Message) message.Result {
	for _, path := range c.objects.match(msg.ObjectID) {
		if msg.Function != "" {
			h, ok := c.objects.lookup(path)
			if !ok {
				continue
			}
			replyType, replyData, ok := h.Process(ctx, msg.Function, msg.Data)
			if !ok || replyType != "bool" {
				continue
			}
			if found, err := codec.NewReader(replyData).Bool(); err != nil || !found {
				continue
			}
		}
		w := codec.NewWriter()
		w.PutString(c.AppID())
		w.PutString(path)
		return message.Result{Handled: true, ReplyType: "DCOPRef", ReplyData: w.Bytes()}
	}
	return message.Result{}
}

// KnownApplications returns the applications announced through registration
// notifications since notifications were enabled.
func (c *Client) KnownApplications() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	apps := make([]string, 0, len(c.apps))
	for app := range c.apps {
		apps = append(apps, app)
	}
	return apps
}
