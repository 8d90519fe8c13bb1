package transport

import (
	"context"
	"errors"
	"fmt"
	"go.uber.org/zap"
	"mini-dcop/protocol"
	"time"
)

// DefaultVersions are the DCOP protocol versions this implementation speaks.
var DefaultVersions = []protocol.Version{{Major: 1, Minor: 0}}

// SetupConfig describes the client side of the setup handshake.
type SetupConfig struct {
	Vendor           string
	Release          string
	Versions         []protocol.Version
	MustAuthenticate bool
	AuthNames        []string
}

// AcceptConfig describes the broker side of the setup handshake.
type AcceptConfig struct {
	Vendor      string
	Release     string
	Versions    []protocol.Version
	RequireAuth bool
}

var errHandshakeStarted = errors.New("transport: handshake after Start")

// deadlineFromContext arms the connection deadline from ctx and returns a cleanup func.
func (c *Conn) deadlineFromContext(ctx context.Context) func() {
	if d, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(d)
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now())
	})
	return func() {
		stop()
		c.conn.SetDeadline(time.Time{})
	}
}

// readSetupFrame reads the next ICE core frame during setup. An Error frame is returned
// as *protocol.SetupError.
func (c *Conn) readSetupFrame(want byte) ([]byte, error) {
	header, body, err := protocol.Decode(c.conn)
	if err != nil {
		return nil, fmt.Errorf("read setup reply: %w", err)
	}
	if header.Major != protocol.MajorICE {
		return nil, fmt.Errorf("unexpected major opcode %d during setup", header.Major)
	}
	switch header.Minor {
	case want:
		return body, nil
	case protocol.ICEError:
		se := &protocol.SetupError{}
		if err := se.Unmarshal(body); err != nil {
			return nil, fmt.Errorf("malformed setup error: %w", err)
		}
		return nil, se
	case protocol.ICEAuthRequired:
		return nil, &protocol.SetupError{
			Offending: protocol.ICEConnectionSetup,
			Severity:  protocol.FatalToConnection,
			Class:     protocol.ClassNoAuth,
			Reason:    "authentication requested but no authentication protocol is available",
		}
	}
	return nil, fmt.Errorf("unexpected setup message %d, want %d", header.Minor, want)
}

func (c *Conn) writeCore(minor byte, body []byte) error {
	return protocol.Encode(c.conn, &protocol.Header{Major: protocol.MajorICE, Minor: minor}, body)
}

// Handshake performs ConnectionSetup followed by ProtocolSetup for DCOP.
func (c *Conn) Handshake(ctx context.Context, cfg SetupConfig) error {
	if c.started.Load() {
		return errHandshakeStarted
	}
	defer c.deadlineFromContext(ctx)()

	versions := cfg.Versions
	if len(versions) == 0 {
		versions = DefaultVersions
	}

	setup := protocol.ConnectionSetup{
		Vendor:           cfg.Vendor,
		Release:          cfg.Release,
		Versions:         versions,
		MustAuthenticate: cfg.MustAuthenticate,
		AuthNames:        cfg.AuthNames,
	}
	if err := c.writeCore(protocol.ICEConnectionSetup, setup.Marshal()); err != nil {
		return fmt.Errorf("write connection setup: %w", err)
	}
	body, err := c.readSetupFrame(protocol.ICEConnectionReply)
	if err != nil {
		return err
	}
	var connReply protocol.SetupReply
	if err := connReply.Unmarshal(body); err != nil {
		return fmt.Errorf("malformed connection reply: %w", err)
	}

	ps := protocol.ProtocolSetup{
		Protocol:         protocol.ProtocolName,
		Vendor:           cfg.Vendor,
		Release:          cfg.Release,
		Versions:         versions,
		MustAuthenticate: cfg.MustAuthenticate,
	}
	if err := c.writeCore(protocol.ICEProtocolSetup, ps.Marshal()); err != nil {
		return fmt.Errorf("write protocol setup: %w", err)
	}
	body, err = c.readSetupFrame(protocol.ICEProtocolReply)
	if err != nil {
		return err
	}
	var protoReply protocol.SetupReply
	if err := protoReply.Unmarshal(body); err != nil {
		return fmt.Errorf("malformed protocol reply: %w", err)
	}
	if int(protoReply.VersionIndex) >= len(versions) {
		return fmt.Errorf("broker chose version index %d out of %d offered", protoReply.VersionIndex, len(versions))
	}

	c.logger.Debug("connection set up",
		zap.String("vendor", protoReply.Vendor), zap.String("release", protoReply.Release),
		zap.Uint32("major", versions[protoReply.VersionIndex].Major))
	return nil
}

// reject sends an Error frame to the peer and returns it as an error.
func (c *Conn) reject(offending byte, class protocol.ErrorClass, reason string) error {
	se := &protocol.SetupError{
		Offending: offending,
		Severity:  protocol.FatalToConnection,
		Class:     class,
		Reason:    reason,
	}
	c.writeCore(protocol.ICEError, se.Marshal())
	return se
}

// Accept performs the broker side of the setup handshake.
func (c *Conn) Accept(ctx context.Context, cfg AcceptConfig) error {
	if c.started.Load() {
		return errHandshakeStarted
	}
	defer c.deadlineFromContext(ctx)()

	supported := cfg.Versions
	if len(supported) == 0 {
		supported = DefaultVersions
	}

	header, body, err := protocol.Decode(c.conn)
	if err != nil {
		return fmt.Errorf("read connection setup: %w", err)
	}
	if header.Major != protocol.MajorICE || header.Minor != protocol.ICEConnectionSetup {
		return c.reject(header.Minor, protocol.ClassBadState, "expected ConnectionSetup")
	}
	var setup protocol.ConnectionSetup
	if err := setup.Unmarshal(body); err != nil {
		return c.reject(protocol.ICEConnectionSetup, protocol.ClassBadState, "malformed ConnectionSetup")
	}
	idx, ok := protocol.NegotiateVersion(setup.Versions, supported)
	if !ok {
		return c.reject(protocol.ICEConnectionSetup, protocol.ClassNoVersion, "no common protocol version")
	}
	if cfg.RequireAuth || setup.MustAuthenticate {
		return c.reject(protocol.ICEConnectionSetup, protocol.ClassNoAuth,
			"None of the authentication protocols specified are supported")
	}
	reply := protocol.SetupReply{VersionIndex: idx, Vendor: cfg.Vendor, Release: cfg.Release}
	if err := c.writeCore(protocol.ICEConnectionReply, reply.Marshal()); err != nil {
		return err
	}

	header, body, err = protocol.Decode(c.conn)
	if err != nil {
		return fmt.Errorf("read protocol setup: %w", err)
	}
	if header.Major != protocol.MajorICE || header.Minor != protocol.ICEProtocolSetup {
		return c.reject(header.Minor, protocol.ClassBadState, "expected ProtocolSetup")
	}
	var ps protocol.ProtocolSetup
	if err := ps.Unmarshal(body); err != nil {
		return c.reject(protocol.ICEProtocolSetup, protocol.ClassBadState, "malformed ProtocolSetup")
	}
	if ps.Protocol != protocol.ProtocolName {
		return c.reject(protocol.ICEProtocolSetup, protocol.ClassUnknownProtocol, "unknown protocol "+ps.Protocol)
	}
	idx, ok = protocol.NegotiateVersion(ps.Versions, supported)
	if !ok {
		return c.reject(protocol.ICEProtocolSetup, protocol.ClassNoVersion, "no common DCOP version")
	}
	reply = protocol.SetupReply{VersionIndex: idx, Vendor: cfg.Vendor, Release: cfg.Release}
	return c.writeCore(protocol.ICEProtocolReply, reply.Marshal())
}
