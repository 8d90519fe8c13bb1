package protocol

import (
	"errors"
	"fmt"
	"mini-dcop/codec"
)

// ProtocolName is the sub-protocol negotiated in ProtocolSetup.
const ProtocolName = "DCOP"

// Version is a (major, minor) protocol version pair offered during setup.
type Version struct {
	Major, Minor uint32
}

// ConnectionSetup opens an ICE connection.
type ConnectionSetup struct {
	Vendor           string
	Release          string
	Versions         []Version
	MustAuthenticate bool
	AuthNames        []string
}

// ProtocolSetup activates a sub-protocol on an open connection.
type ProtocolSetup struct {
	Protocol         string
	Vendor           string
	Release          string
	Versions         []Version
	MustAuthenticate bool
}

// SetupReply accepts a ConnectionSetup or a ProtocolSetup.
type SetupReply struct {
	VersionIndex uint32
	Vendor       string
	Release      string
}

// ErrorClass identifies why the peer refused a setup step.
type ErrorClass uint32

const (
	ClassBadState ErrorClass = iota + 1
	ClassNoVersion
	ClassNoAuth
	ClassSetupFailed
	ClassUnknownProtocol
	ClassAlreadyActive
)

// Error frame severities.
const (
	CanContinue       byte = 0
	FatalToProtocol   byte = 1
	FatalToConnection byte = 2
)

// SetupError is the body of an ICE Error frame.
type SetupError struct {
	Offending byte // Minor opcode of the message that was refused
	Severity  byte
	Class     ErrorClass
	Reason    string
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("setup refused (opcode %d, class %d): %s", e.Offending, e.Class, e.Reason)
}

var errShortVersions = errors.New("protocol: version list truncated")

func putVersions(w *codec.Writer, versions []Version) {
	w.PutUint32(uint32(len(versions)))
	for _, v := range versions {
		w.PutUint32(v.Major)
		w.PutUint32(v.Minor)
	}
}

func readVersions(r *codec.Reader) ([]Version, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if uint64(n)*8 > uint64(r.Remaining()) {
		return nil, errShortVersions
	}
	versions := make([]Version, n)
	for i := range versions {
		versions[i].Major, _ = r.Uint32()
		versions[i].Minor, _ = r.Uint32()
	}
	return versions, nil
}

func (m *ConnectionSetup) Marshal() []byte {
	w := codec.NewWriter()
	w.PutString(m.Vendor)
	w.PutString(m.Release)
	putVersions(w, m.Versions)
	w.PutBool(m.MustAuthenticate)
	w.PutStringList(m.AuthNames)
	return w.Bytes()
}

func (m *ConnectionSetup) Unmarshal(data []byte) error {
	r := codec.NewReader(data)
	var err error
	if m.Vendor, err = r.String(); err != nil {
		return err
	}
	if m.Release, err = r.String(); err != nil {
		return err
	}
	if m.Versions, err = readVersions(r); err != nil {
		return err
	}
	if m.MustAuthenticate, err = r.Bool(); err != nil {
		return err
	}
	m.AuthNames, err = r.StringList()
	return err
}

func (m *ProtocolSetup) Marshal() []byte {
	w := codec.NewWriter()
	w.PutString(m.Protocol)
	w.PutString(m.Vendor)
	w.PutString(m.Release)
	putVersions(w, m.Versions)
	w.PutBool(m.MustAuthenticate)
	return w.Bytes()
}

func (m *ProtocolSetup) Unmarshal(data []byte) error {
	r := codec.NewReader(data)
	var err error
	if m.Protocol, err = r.String(); err != nil {
		return err
	}
	if m.Vendor, err = r.String(); err != nil {
		return err
	}
	if m.Release, err = r.String(); err != nil {
		return err
	}
	if m.Versions, err = readVersions(r); err != nil {
		return err
	}
	m.MustAuthenticate, err = r.Bool()
	return err
}

func (m *SetupReply) Marshal() []byte {
	w := codec.NewWriter()
	w.PutUint32(m.VersionIndex)
	w.PutString(m.Vendor)
	w.PutString(m.Release)
	return w.Bytes()
}

func (m *SetupReply) Unmarshal(data []byte) error {
	r := codec.NewReader(data)
	var err error
	if m.VersionIndex, err = r.Uint32(); err != nil {
		return err
	}
	if m.Vendor, err = r.String(); err != nil {
		return err
	}
	m.Release, err = r.String()
	return err
}

func (e *SetupError) Marshal() []byte {
	w := codec.NewWriter()
	w.PutUint32(uint32(e.Offending))
	w.PutUint32(uint32(e.Severity))
	w.PutUint32(uint32(e.Class))
	w.PutString(e.Reason)
	return w.Bytes()
}

func (e *SetupError) Unmarshal(data []byte) error {
	r := codec.NewReader(data)
	offending, err := r.Uint32()
	if err != nil {
		return err
	}
	severity, err := r.Uint32()
	if err != nil {
		return err
	}
	class, err := r.Uint32()
	if err != nil {
		return err
	}
	e.Offending, e.Severity, e.Class = byte(offending), byte(severity), ErrorClass(class)
	e.Reason, err = r.String()
	return err
}

// NegotiateVersion returns the index in offered of the first version that supported
// contains, or false if none match.
func NegotiateVersion(offered, supported []Version) (uint32, bool) {
	for i, o := range offered {
		for _, s := range supported {
			if o == s {
				return uint32(i), true
			}
		}
	}
	return 0, false
}
