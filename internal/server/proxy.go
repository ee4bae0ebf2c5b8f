package server

import (
	"bufio"
	"errors"
	"net"
	"net/http"

	"github.com/google/uuid"

	"github.com/matst80/httpstunnel/internal/httpx"
	"github.com/matst80/httpstunnel/internal/obs"
	"github.com/matst80/httpstunnel/internal/proto"
	"github.com/matst80/httpstunnel/internal/tunnel"
)

var errNotHijackable = errors.New("connection cannot be hijacked")

// serveProxy is the client-facing port. Only CONNECT is meaningful here.
func (s *Server) serveProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodConnect {
		methodNotAllowed(w)
		return
	}
	conn, err := hijack(w)
	if err != nil {
		obs.Error("proxy.hijack", obs.Fields{"remote": r.RemoteAddr, "err": err})
		obs.ErrorsTotal.WithLabelValues("server", "hijack").Inc()
		return
	}

	if !s.opts.Limiter.Allow(remoteHost(r.RemoteAddr)) {
		obs.Warn("proxy.rate_limited", obs.Fields{"remote": r.RemoteAddr, "target": r.RequestURI})
		obs.ErrorsTotal.WithLabelValues("server", "rate_limited").Inc()
		_ = httpx.Reject(conn, httpx.TooManyRequests())
		return
	}

	sess := s.hub.Current()
	if sess == nil {
		obs.Warn("proxy.no_agent", obs.Fields{"remote": r.RemoteAddr, "target": r.RequestURI})
		obs.ErrorsTotal.WithLabelValues("server", "no_agent").Inc()
		_ = httpx.Reject(conn, httpx.NoAgent())
		return
	}

	host, port, err := ParseTarget(r.RequestURI)
	if err != nil {
		_ = httpx.Reject(conn, httpx.BadRequest(""))
		s.fail(tunnel.Wrap(tunnel.KindProtocol, "", err))
		return
	}

	req := proto.TunnelRequest{ID: newTunnelID(), HostName: host, Port: port}
	if err := s.reg.Put(req, conn, sess.ID()); err != nil {
		_ = httpx.Reject(conn, httpx.InternalError(err.Error()))
		s.fail(tunnel.Wrap(tunnel.KindProtocol, req.ID, err))
		return
	}
	obs.TunnelRequestsTotal.WithLabelValues("server").Inc()
	s.observer.Notify(tunnel.Event{Kind: tunnel.EventTunnelRequest, TunnelID: req.ID, Request: &req})

	// The client hears nothing until the agent delivers the other half.
	if err := sess.Send(proto.EventCreateTunnel, req); err != nil {
		if e := s.reg.Take(req.ID); e != nil {
			s.release(e, httpx.NoAgent())
		}
		s.fail(tunnel.Wrap(tunnel.KindConnect, req.ID, err))
	}
}

// newTunnelID returns a time-ordered unique id.
func newTunnelID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func methodNotAllowed(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusMethodNotAllowed)
	_, _ = w.Write([]byte("Method not allowed"))
}

// hijack takes the raw socket, keeping bytes the client pipelined after its
// request headers.
func hijack(w http.ResponseWriter) (net.Conn, error) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return nil, errNotHijackable
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		return nil, err
	}
	var br *bufio.Reader
	if rw != nil {
		br = rw.Reader
	}
	return httpx.WrapBuffered(conn, br), nil
}
