package server

import (
	"encoding/json"
	"net"

	"github.com/matst80/httpstunnel/internal/control"
	"github.com/matst80/httpstunnel/internal/httpx"
	"github.com/matst80/httpstunnel/internal/obs"
	"github.com/matst80/httpstunnel/internal/proto"
	"github.com/matst80/httpstunnel/internal/registry"
	"github.com/matst80/httpstunnel/internal/tunnel"
)

func (s *Server) agentConnected(sess *control.Session) {
	sess.On(proto.EventCreateTunnelTimeout, s.onTargetTimeout)
	sess.On(proto.EventCreateTunnelError, func(data json.RawMessage) {
		s.onAgentError(tunnel.KindTargetConnect, data)
	})
	sess.On(proto.EventCreateAgentTunnelError, func(data json.RawMessage) {
		s.onAgentError(tunnel.KindAgentTunnel, data)
	})
	s.observer.Notify(tunnel.Event{Kind: tunnel.EventAgentConnect, Remote: sess.Remote(), Session: sess.ID()})
}

// agentDisconnected fails every client still waiting on the departed
// session: nobody is left to deliver the other half.
func (s *Server) agentDisconnected(sess *control.Session, reason string, current bool) {
	s.observer.Notify(tunnel.Event{Kind: tunnel.EventAgentDisconnect, Session: sess.ID(), Reason: reason})
	if !current {
		obs.Debug("control.session.replaced_closed", obs.Fields{"session": sess.ID()})
	}
	for _, e := range s.reg.TakeOwnedBy(sess.ID()) {
		s.release(e, httpx.InternalError("Agent disconnected"))
		s.fail(tunnel.Errorf(tunnel.KindAgentGone, e.Request.ID, "agent session %s disconnected: %s", sess.ID(), reason))
	}
}

func (s *Server) onTargetTimeout(data json.RawMessage) {
	var msg proto.TunnelTimeout
	if err := json.Unmarshal(data, &msg); err != nil {
		s.fail(tunnel.Wrap(tunnel.KindProtocol, "", err))
		return
	}
	req := msg.TunnelData
	if e := s.reg.Take(req.ID); e != nil {
		go s.release(e, httpx.ConnectTimeout(e.Request.Addr()))
	}
	s.timeouts.Add(1)
	obs.TunnelTimeoutTotal.WithLabelValues("server").Inc()
	s.fail(tunnel.Errorf(tunnel.KindTargetTimeout, req.ID, "Agent connection to target timed out. Tunnel ID: %s.", req.ID))
}

func (s *Server) onAgentError(kind tunnel.Kind, data json.RawMessage) {
	var msg proto.TunnelError
	if err := json.Unmarshal(data, &msg); err != nil {
		s.fail(tunnel.Wrap(tunnel.KindProtocol, "", err))
		return
	}
	id := msg.TunnelData.ID
	if e := s.reg.Take(id); e != nil {
		go s.release(e, httpx.InternalError(msg.Err))
	}
	s.fail(tunnel.Errorf(kind, id, "%s", msg.Err))
}

// release writes line to a client taken from the registry and closes it.
// Control event handlers call it on its own goroutine so that a client that
// stopped reading cannot hold up the session's read loop.
func (s *Server) release(e *registry.Entry, line []byte) {
	if err := httpx.Reject(e.Conn, line); err != nil {
		obs.Debug("tunnel.release.write", obs.Fields{"id": e.Request.ID, "err": err})
	}
}

func (s *Server) track(id string, a, b net.Conn) {
	s.mu.Lock()
	s.active[id] = [2]net.Conn{a, b}
	s.mu.Unlock()
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}
