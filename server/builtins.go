package server

import (
	"fmt"
	"go.uber.org/zap"
	"mini-dcop/codec"
	"mini-dcop/message"
	"slices"
)

const (
	funRegisterAs              = "registerAs(QCString)"
	funRegisteredApplications  = "registeredApplications()"
	funIsApplicationRegistered = "isApplicationRegistered(QCString)"
	funSetNotifications        = "setNotifications(bool)"

	funApplicationRegistered = "applicationRegistered(QCString)"
	funApplicationRemoved    = "applicationRemoved(QCString)"
)

// builtin answers the functions of the broker's own object.
func (s *Server) builtin(p *peer, msg *message.Message) message.Result {
	r := codec.NewReader(msg.Data)
	switch msg.Function {
	case funRegisterAs:
		want, err := r.String()
		if err != nil || want == "" {
			return message.Result{}
		}
		id := s.register(p, want)
		w := codec.NewWriter()
		w.PutString(id)
		return message.Result{Handled: true, ReplyType: "QCString", ReplyData: w.Bytes()}

	case funRegisteredApplications:
		s.mu.Lock()
		apps := make([]string, 0, len(s.apps))
		for app := range s.apps {
			apps = append(apps, app)
		}
		s.mu.Unlock()
		slices.Sort(apps)
		w := codec.NewWriter()
		w.PutStringList(apps)
		return message.Result{Handled: true, ReplyType: "QCStringList", ReplyData: w.Bytes()}

	case funIsApplicationRegistered:
		app, err := r.String()
		if err != nil {
			return message.Result{}
		}
		s.mu.Lock()
		_, ok := s.apps[app]
		s.mu.Unlock()
		w := codec.NewWriter()
		w.PutBool(ok)
		return message.Result{Handled: true, ReplyType: "bool", ReplyData: w.Bytes()}

	case funSetNotifications:
		enabled, err := r.Bool()
		if err != nil {
			return message.Result{}
		}
		s.mu.Lock()
		p.notify = enabled
		s.mu.Unlock()
		return message.Result{Handled: true, ReplyType: "void"}
	}

	s.logger.Warn("unknown DCOPServer function", zap.String("from", msg.SenderID), zap.String("fun", msg.Function))
	return message.Result{}
}

// register assigns p an application id based on want, appending "-2", "-3", ... when
// another connection holds it. Registering again renames the application.
func (s *Server) register(p *peer, want string) string {
	s.mu.Lock()
	old := p.appID
	if old == want {
		s.mu.Unlock()
		return want
	}
	if old != "" && s.apps[old] == p {
		delete(s.apps, old)
	}
	id := want
	for n := 2; ; n++ {
		if _, taken := s.apps[id]; !taken {
			break
		}
		id = fmt.Sprintf("%s-%d", want, n)
	}
	p.appID = id
	s.apps[id] = p
	s.mu.Unlock()

	if old != "" {
		s.notify(p, funApplicationRemoved, old)
	}
	s.logger.Info("application registered", zap.String("app", id))
	s.notify(p, funApplicationRegistered, id)
	return id
}

// notify sends fun(app) to the connection object of every subscriber except p.
func (s *Server) notify(p *peer, fun, app string) {
	s.mu.Lock()
	var subscribers []*peer
	var ids []string
	for _, other := range s.apps {
		if other != p && other.notify {
			subscribers = append(subscribers, other)
			ids = append(ids, other.appID)
		}
	}
	s.mu.Unlock()

	w := codec.NewWriter()
	w.PutString(app)
	data := w.Bytes()
	for i, sub := range subscribers {
		s.write(sub, &message.Message{Kind: message.Send, SenderID: ID, DestID: ids[i], Function: fun, Data: data})
	}
}
