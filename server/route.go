package server

import (
	"context"
	"go.uber.org/zap"
	"mini-dcop/message"
	"mini-dcop/transport"
)

// Wildcard as destination broadcasts a Send or Find.
const Wildcard = "*"

// peer is one connected client. Fields other than conn are guarded by Server.mu.
type peer struct {
	conn   *transport.Conn
	appID  string
	notify bool              // Wants applicationRegistered / applicationRemoved
	routes map[uint32]*route // Calls forwarded to this peer, by the key used on its connection
}

func newPeer(conn *transport.Conn) *peer {
	return &peer{conn: conn, routes: make(map[uint32]*route)}
}

func (p *peer) takeRoutes() []*route {
	routes := make([]*route, 0, len(p.routes))
	for _, r := range p.routes {
		routes = append(routes, r)
	}
	clear(p.routes)
	return routes
}

// route leads a reply back to the caller. The destination sees its own key, never the
// caller's, so keys chosen by different callers cannot collide.
type route struct {
	caller    *peer
	callerKey uint32
	callerApp string
	fanout    *fanout // Shared by the routes of one broadcast Find
}

// fanout tracks a Find sent to several applications: the first Reply wins, and the caller
// gets ReplyFailed only once every application has failed.
type fanout struct {
	pending  int
	answered bool
}

// settle records a reply of the given kind and reports whether it should reach the
// caller. Called with Server.mu held.
func (r *route) settle(kind message.Kind) bool {
	if r.fanout == nil {
		return true
	}
	switch kind {
	case message.ReplyWait:
		return false
	case message.ReplyFailed:
		r.fanout.pending--
		return !r.fanout.answered && r.fanout.pending == 0
	}
	if r.fanout.answered {
		return false
	}
	r.fanout.answered = true
	return true
}

type requestKey struct{}

// request carries the connection a message came from through the middleware chain.
type request struct {
	peer    *peer
	relayed bool // Forwarded to another application; the reply comes from there
}

func (s *Server) appOf(p *peer) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return p.appID
}

// dispatch is the innermost handler: built-in functions for messages addressed to the
// broker, relaying for everything else.
func (s *Server) dispatch(ctx context.Context, msg *message.Message) message.Result {
	req := ctx.Value(requestKey{}).(*request)
	if msg.DestID == ID {
		return s.builtin(req.peer, msg)
	}

	req.relayed = true
	switch msg.Kind {
	case message.Send:
		s.relaySend(req.peer, msg)
	case message.Call, message.Find:
		s.relayCall(req.peer, msg)
	}
	return message.Result{Handled: true}
}

// registeredExcept returns every registered peer other than p.
func (s *Server) registeredExcept(p *peer) []*peer {
	peers := make([]*peer, 0, len(s.apps))
	for _, other := range s.apps {
		if other != p {
			peers = append(peers, other)
		}
	}
	return peers
}

func (s *Server) relaySend(p *peer, msg *message.Message) {
	s.mu.Lock()
	if p.appID != "" {
		msg.SenderID = p.appID
	}
	var targets []*peer
	if msg.DestID == Wildcard {
		targets = s.registeredExcept(p)
	} else if t, ok := s.apps[msg.DestID]; ok {
		targets = []*peer{t}
	}
	s.mu.Unlock()

	if len(targets) == 0 && msg.DestID != Wildcard {
		s.logger.Warn("send to unknown application dropped",
			zap.String("from", msg.SenderID), zap.String("dest", msg.DestID), zap.String("fun", msg.Function))
		return
	}
	for _, t := range targets {
		fwd := *msg
		fwd.Key = 0
		s.write(t, &fwd)
	}
}

// relayCall forwards a Call or Find under a fresh key per destination and records the
// route back. A destination that does not exist fails the call at once.
func (s *Server) relayCall(p *peer, msg *message.Message) {
	type outgoing struct {
		to  *peer
		key uint32
	}

	s.mu.Lock()
	if p.appID != "" {
		msg.SenderID = p.appID
	}
	var targets []*peer
	broadcast := msg.Kind == message.Find && msg.DestID == Wildcard
	if broadcast {
		targets = s.registeredExcept(p)
	} else if t, ok := s.apps[msg.DestID]; ok {
		targets = []*peer{t}
	}
	if len(targets) == 0 {
		s.mu.Unlock()
		s.logger.Warn("call to unknown application",
			zap.String("from", msg.SenderID), zap.String("dest", msg.DestID), zap.String("fun", msg.Function))
		s.write(p, &message.Message{Kind: message.ReplyFailed, Key: msg.Key, SenderID: msg.DestID, DestID: msg.SenderID})
		return
	}

	var fo *fanout
	if broadcast {
		fo = &fanout{pending: len(targets)}
	}
	out := make([]outgoing, 0, len(targets))
	for _, t := range targets {
		key := t.conn.NextKey()
		t.routes[key] = &route{caller: p, callerKey: msg.Key, callerApp: msg.SenderID, fanout: fo}
		out = append(out, outgoing{to: t, key: key})
	}
	s.mu.Unlock()

	for _, o := range out {
		fwd := *msg
		fwd.Key = o.key
		s.write(o.to, &fwd)
	}
}

// relayReply maps a reply from p back to the caller waiting for it. ReplyWait keeps the
// route for the ReplyDelayed that follows, every other kind consumes it.
func (s *Server) relayReply(p *peer, msg *message.Message) {
	s.mu.Lock()
	r, ok := p.routes[msg.Key]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("very strange: reply without a route",
			zap.Stringer("kind", msg.Kind), zap.Uint32("key", msg.Key), zap.String("from", msg.SenderID))
		return
	}
	if msg.Kind != message.ReplyWait {
		delete(p.routes, msg.Key)
	}
	forward := r.settle(msg.Kind)
	if p.appID != "" {
		msg.SenderID = p.appID
	}
	s.mu.Unlock()

	if !forward {
		return
	}
	fwd := *msg
	fwd.Key = r.callerKey
	s.write(r.caller, &fwd)
}
