package codec

import (
	"errors"
	"fmt"
	"mini-dcop/message"
)

// BinaryCodec encodes and decodes DCOP message bodies. The message kind and key travel in
// the frame header, not in the body.
//
// Body layout per kind (each field length-prefixed unless noted):
//
//	Send, Call, Find: senderId destId objectId function data
//	Reply:            senderId destId replyType data
//	ReplyFailed:      senderId destId
//	ReplyWait:        senderId destId transactionId(uint32)
//	ReplyDelayed:     senderId destId transactionId(uint32) replyType data
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(msg *message.Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("BinaryCodec: nil message")
	}
	w := NewWriter()
	w.PutString(msg.SenderID)
	w.PutString(msg.DestID)

	switch msg.Kind {
	case message.Send, message.Call, message.Find:
		w.PutString(msg.ObjectID)
		w.PutString(msg.Function)
		w.PutBytes(msg.Data)
	case message.Reply:
		w.PutString(msg.ReplyType)
		w.PutBytes(msg.Data)
	case message.ReplyFailed:
	case message.ReplyWait:
		w.PutUint32(msg.TransactionID)
	case message.ReplyDelayed:
		w.PutUint32(msg.TransactionID)
		w.PutString(msg.ReplyType)
		w.PutBytes(msg.Data)
	default:
		return nil, fmt.Errorf("BinaryCodec: unknown message kind %v", msg.Kind)
	}
	return w.Bytes(), nil
}

// Decode fills msg from a body of the given kind. A field whose declared length runs past
// the body, or bytes left over after the last field, are rejected.
func (c *BinaryCodec) Decode(kind message.Kind, data []byte, msg *message.Message) error {
	if !kind.Valid() {
		return fmt.Errorf("BinaryCodec: unknown message kind %v", kind)
	}
	r := NewReader(data)
	msg.Kind = kind

	var err error
	if msg.SenderID, err = r.String(); err != nil {
		return fmt.Errorf("decode senderId: %w", err)
	}
	if msg.DestID, err = r.String(); err != nil {
		return fmt.Errorf("decode destId: %w", err)
	}

	switch kind {
	case message.Send, message.Call, message.Find:
		if msg.ObjectID, err = r.String(); err != nil {
			return fmt.Errorf("decode objectId: %w", err)
		}
		if msg.Function, err = r.String(); err != nil {
			return fmt.Errorf("decode function: %w", err)
		}
		if msg.Data, err = r.Bytes(); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	case message.Reply:
		if msg.ReplyType, err = r.String(); err != nil {
			return fmt.Errorf("decode replyType: %w", err)
		}
		if msg.Data, err = r.Bytes(); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	case message.ReplyWait:
		if msg.TransactionID, err = r.Uint32(); err != nil {
			return fmt.Errorf("decode transactionId: %w", err)
		}
	case message.ReplyDelayed:
		if msg.TransactionID, err = r.Uint32(); err != nil {
			return fmt.Errorf("decode transactionId: %w", err)
		}
		if msg.ReplyType, err = r.String(); err != nil {
			return fmt.Errorf("decode replyType: %w", err)
		}
		if msg.Data, err = r.Bytes(); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}

	if r.Remaining() != 0 {
		return fmt.Errorf("%w: %d bytes", ErrTrailingData, r.Remaining())
	}
	return nil
}
