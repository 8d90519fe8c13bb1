// Package message defines the DCOP message envelope exchanged between clients and the broker.
//
// Message is created per send/call/reply, serialized by the codec layer and wrapped in a
// protocol frame for transmission. It is consumed once and never reused.
package message

import "fmt"

// Kind is the DCOP minor opcode carried in the frame header.
type Kind byte

const (
	Send         Kind = 1 // One-way message, never answered
	Call         Kind = 2 // Request that blocks the caller until a reply arrives
	Reply        Kind = 3 // Successful answer to a Call or Find
	ReplyFailed  Kind = 4 // The callee could not handle the Call
	ReplyWait    Kind = 5 // The callee deferred its answer into a transaction
	ReplyDelayed Kind = 6 // The deferred answer of a transaction
	Find         Kind = 7 // Call addressed to every object matching a pattern
)

func (k Kind) String() string {
	switch k {
	case Send:
		return "Send"
	case Call:
		return "Call"
	case Reply:
		return "Reply"
	case ReplyFailed:
		return "ReplyFailed"
	case ReplyWait:
		return "ReplyWait"
	case ReplyDelayed:
		return "ReplyDelayed"
	case Find:
		return "Find"
	}
	return fmt.Sprintf("Kind(%d)", byte(k))
}

// Valid reports whether k is one of the DCOP message kinds.
func (k Kind) Valid() bool {
	return k >= Send && k <= Find
}

// IsReply reports whether k answers an earlier Call or Find.
func (k Kind) IsReply() bool {
	return k == Reply || k == ReplyFailed || k == ReplyWait || k == ReplyDelayed
}

// Message carries the fields of a single DCOP message.
//
//   - Send, Call, Find: ObjectID, Function and Data are set.
//   - Reply:            ReplyType and Data are set.
//   - ReplyWait:        TransactionID is set.
//   - ReplyDelayed:     TransactionID, ReplyType and Data are set.
type Message struct {
	Kind          Kind
	Key           uint32 // Frame key: the caller's sequence number, echoed by every reply
	SenderID      string
	DestID        string
	ObjectID      string
	Function      string // Normalized function signature, e.g. "doIt(int)"
	ReplyType     string
	TransactionID uint32
	Data          []byte // Opaque argument or return payload
}

// Result is the outcome of dispatching an incoming message to a local target.
type Result struct {
	Handled   bool
	ReplyType string
	ReplyData []byte
}
