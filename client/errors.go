package client

import (
	"errors"
	"fmt"
)

var (
	ErrNotAttached      = errors.New("dcop: not attached to a server")
	ErrNotRegistered    = errors.New("dcop: registration failed")
	ErrCallFailed       = errors.New("dcop: call failed")
	ErrConnectionClosed = errors.New("dcop: connection closed")
	ErrDispatchDepth    = errors.New("dcop: dispatch nested too deeply")
	ErrNoTransaction    = errors.New("dcop: no call is being dispatched")
	ErrTransactionEnded = errors.New("dcop: transaction already ended")
	ErrEmptyObjectID    = errors.New("dcop: empty object id is reserved for the connection")
)

// AttachError reports why attaching to a server failed. Internal marks protocol invariant
// violations (a setup that was already active); retrying those is pointless.
type AttachError struct {
	Reason   string
	Internal bool
	Err      error
}

func (e *AttachError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dcop: attach failed: %s: %v", e.Reason, e.Err)
	}
	return "dcop: attach failed: " + e.Reason
}

func (e *AttachError) Unwrap() error {
	return e.Err
}
