package client

import (
	"context"
	"go.uber.org/zap"
	"mini-dcop/message"
	"mini-dcop/transport"
)

// Transaction defers the reply to an incoming Call. The handler that begins it returns
// true without a result; the caller is told to keep waiting (ReplyWait) and the result is
// delivered later by EndTransaction, while the connection keeps processing other messages.
type Transaction struct {
	id       uint32
	key      uint32
	senderID string
	conn     *transport.Conn
	ended    bool

	dispatched bool             // ReplyWait has been written
	held       *message.Message // ReplyDelayed ended before ReplyWait went out
}

func (t *Transaction) ID() uint32 {
	return t.id
}

// BeginTransaction captures the Call being dispatched in ctx. Calling it twice for the
// same call returns the same transaction.
func (c *Client) BeginTransaction(ctx context.Context) (*Transaction, error) {
	cc, ok := callContextFrom(ctx)
	if !ok || cc.msg.Kind != message.Call {
		return nil, ErrNoTransaction
	}
	if cc.transaction != nil {
		return cc.transaction, nil
	}

	c.mu.Lock()
	c.txSeq++
	if c.txSeq == 0 {
		c.txSeq++
	}
	t := &Transaction{id: c.txSeq, key: cc.msg.Key, senderID: cc.msg.SenderID, conn: cc.conn}
	c.transactions[t.id] = t
	c.mu.Unlock()

	cc.transaction = t
	return t, nil
}

// EndTransaction sends the deferred reply and releases t. Ending a transaction while its
// call is still being dispatched is allowed: the reply is sent right after ReplyWait.
func (c *Client) EndTransaction(t *Transaction, replyType string, replyData []byte) error {
	if t == nil {
		return ErrTransactionEnded
	}
	reply := &message.Message{
		Kind:          message.ReplyDelayed,
		Key:           t.key,
		SenderID:      c.AppID(),
		DestID:        t.senderID,
		TransactionID: t.id,
		ReplyType:     replyType,
		Data:          replyData,
	}

	c.mu.Lock()
	if t.ended {
		c.mu.Unlock()
		return ErrTransactionEnded
	}
	t.ended = true
	_, live := c.transactions[t.id]
	delete(c.transactions, t.id)
	if live && !t.dispatched {
		t.held = reply
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if !live {
		// The connection it belonged to is gone.
		return ErrConnectionClosed
	}
	return c.writeMessage(t.conn, reply)
}

// transactionDispatched is called once ReplyWait for t has been written. It sends the
// delayed reply if the transaction already ended.
func (c *Client) transactionDispatched(t *Transaction) {
	c.mu.Lock()
	t.dispatched = true
	held := t.held
	t.held = nil
	c.mu.Unlock()

	if held == nil {
		return
	}
	if err := c.writeMessage(t.conn, held); err != nil {
		c.logger.Warn("cannot send delayed reply", zap.Uint32("transaction", t.id), zap.Error(err))
	}
}

// dropTransaction discards a transaction whose handler declined the call.
func (c *Client) dropTransaction(t *Transaction) {
	c.mu.Lock()
	t.ended = true
	t.held = nil
	delete(c.transactions, t.id)
	c.mu.Unlock()
}
