package transport

import (
	"context"
	"fmt"
	"github.com/mdlayher/vsock"
	"net"
	"strconv"
	"strings"
)

// Addr is a parsed broker network id. Accepted forms:
//
//	local/host:/tmp/.ICE-unix/dcop123   unix socket (host part ignored)
//	unix/host:/path, unix:/path          unix socket
//	tcp/host:port                        TCP
//	vsock/cid:port                       AF_VSOCK
//	host:port                            TCP
//	/path                                unix socket
type Addr struct {
	Network   string // "unix", "tcp" or "vsock"
	Address   string // Path for unix, host:port for tcp
	ContextID uint32 // vsock only
	Port      uint32 // vsock only
}

func (a Addr) String() string {
	switch a.Network {
	case "unix":
		return "local/:" + a.Address
	case "vsock":
		return "vsock/" + strconv.FormatUint(uint64(a.ContextID), 10) + ":" + strconv.FormatUint(uint64(a.Port), 10)
	}
	return a.Network + "/" + a.Address
}

// ParseAddr parses a network id as written in the rendezvous file.
func ParseAddr(s string) (Addr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Addr{}, fmt.Errorf("empty server address")
	}
	if strings.HasPrefix(s, "/") {
		return Addr{Network: "unix", Address: s}, nil
	}
	if rest, ok := strings.CutPrefix(s, "unix:"); ok {
		return Addr{Network: "unix", Address: rest}, nil
	}

	proto, rest, ok := strings.Cut(s, "/")
	if !ok {
		if _, _, err := net.SplitHostPort(s); err != nil {
			return Addr{}, fmt.Errorf("invalid server address %q: %w", s, err)
		}
		return Addr{Network: "tcp", Address: s}, nil
	}

	switch proto {
	case "local", "unix":
		// host:/path; the host is informational only.
		_, path, found := strings.Cut(rest, ":")
		if !found || path == "" {
			return Addr{}, fmt.Errorf("invalid unix address %q", s)
		}
		return Addr{Network: "unix", Address: path}, nil
	case "tcp":
		if _, _, err := net.SplitHostPort(rest); err != nil {
			return Addr{}, fmt.Errorf("invalid tcp address %q: %w", s, err)
		}
		return Addr{Network: "tcp", Address: rest}, nil
	case "vsock":
		cidStr, portStr, found := strings.Cut(rest, ":")
		if !found {
			return Addr{}, fmt.Errorf("invalid vsock address %q", s)
		}
		cid, err := strconv.ParseUint(cidStr, 10, 32)
		if err != nil {
			return Addr{}, fmt.Errorf("invalid vsock context id %q: %w", cidStr, err)
		}
		port, err := strconv.ParseUint(portStr, 10, 32)
		if err != nil {
			return Addr{}, fmt.Errorf("invalid vsock port %q: %w", portStr, err)
		}
		return Addr{Network: "vsock", ContextID: uint32(cid), Port: uint32(port)}, nil
	}
	return Addr{}, fmt.Errorf("unsupported transport %q in %q", proto, s)
}

// Dial opens a stream connection to a.
func Dial(ctx context.Context, a Addr) (net.Conn, error) {
	switch a.Network {
	case "vsock":
		// vsock.Dial has no context variant.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return vsock.Dial(a.ContextID, a.Port, nil)
	case "unix", "tcp":
		var d net.Dialer
		return d.DialContext(ctx, a.Network, a.Address)
	}
	return nil, fmt.Errorf("unsupported network %q", a.Network)
}

// Listen opens a listener for a. For vsock a zero ContextID listens on the local context.
func Listen(a Addr) (net.Listener, error) {
	switch a.Network {
	case "vsock":
		if a.ContextID == 0 {
			return vsock.Listen(a.Port, nil)
		}
		return vsock.ListenContextID(a.ContextID, a.Port, nil)
	case "unix", "tcp":
		return net.Listen(a.Network, a.Address)
	}
	return nil, fmt.Errorf("unsupported network %q", a.Network)
}

// AddrOf returns the network id a client would use to reach l.
func AddrOf(l net.Listener) string {
	switch la := l.Addr().(type) {
	case *net.UnixAddr:
		return Addr{Network: "unix", Address: la.Name}.String()
	case *net.TCPAddr:
		return Addr{Network: "tcp", Address: la.String()}.String()
	case *vsock.Addr:
		return Addr{Network: "vsock", ContextID: la.ContextID, Port: la.Port}.String()
	}
	return l.Addr().String()
}
