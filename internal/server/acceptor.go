package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/matst80/httpstunnel/internal/httpx"
	"github.com/matst80/httpstunnel/internal/obs"
	"github.com/matst80/httpstunnel/internal/tunnel"
)

// serveControl multiplexes the control port: websocket upgrades on the
// control path carry the control channel, CONNECT requests carry the agent
// half of a tunnel keyed by its id.
func (s *Server) serveControl(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodConnect:
		s.acceptAgentTunnel(w, r)
	case r.Method == http.MethodGet && r.URL.Path == s.opts.ControlPath && isUpgrade(r):
		s.hub.ServeHTTP(w, r)
	default:
		methodNotAllowed(w)
	}
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func (s *Server) acceptAgentTunnel(w http.ResponseWriter, r *http.Request) {
	agent, err := hijack(w)
	if err != nil {
		obs.Error("acceptor.hijack", obs.Fields{"remote": r.RemoteAddr, "err": err})
		obs.ErrorsTotal.WithLabelValues("server", "hijack").Inc()
		return
	}

	id := TunnelID(r.RequestURI)
	if id == "" {
		_ = httpx.Reject(agent, httpx.BadRequest("No tunnelId in request"))
		s.fail(tunnel.Errorf(tunnel.KindTunnelAccept, "", "no tunnel id in agent CONNECT from %s", r.RemoteAddr))
		return
	}
	e := s.reg.Take(id)
	if e == nil {
		msg := fmt.Sprintf("No client socket for tunnelId: %s or socket is destroyed", id)
		_ = httpx.Reject(agent, httpx.BadRequest(msg))
		s.fail(tunnel.Errorf(tunnel.KindTunnelAccept, id, "%s", msg))
		return
	}
	client := e.Conn

	if err := httpx.Send(agent, httpx.ConnectEstablished); err != nil {
		_ = agent.Close()
		s.release(e, httpx.InternalError(err.Error()))
		s.fail(tunnel.Wrap(tunnel.KindTunnelAccept, id, fmt.Errorf("agent socket: %w", err)))
		return
	}
	if err := httpx.Send(client, httpx.ConnectEstablished); err != nil {
		_ = client.Close()
		_ = httpx.Reject(agent, httpx.InternalError(err.Error()))
		s.fail(tunnel.Wrap(tunnel.KindTunnelAccept, id, fmt.Errorf("client socket destroyed: %w", err)))
		return
	}

	s.totalTunnels.Add(1)
	obs.TunnelEstablishedTotal.WithLabelValues("server").Inc()
	s.track(id, client, agent)
	defer s.untrack(id)
	s.observer.Notify(tunnel.Event{Kind: tunnel.EventTunnelCompleted, TunnelID: id, Request: &e.Request})

	res, err := tunnel.Splice(id, client, agent)
	obs.TunnelDurationSeconds.WithLabelValues("server").Observe(res.Duration.Seconds())
	obs.TunnelBytesTotal.WithLabelValues("server", "client_to_agent").Add(float64(res.AtoB))
	obs.TunnelBytesTotal.WithLabelValues("server", "agent_to_client").Add(float64(res.BtoA))
	obs.Debug("tunnel.closed", obs.Fields{"id": id, "up": res.AtoB, "down": res.BtoA, "duration": res.Duration.String()})
	if err != nil {
		s.fail(err)
	}
}
