// Package server is the public half of the tunnel: the CONNECT proxy clients
// use, the control port the agent dials and the pairing between them.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/matst80/httpstunnel/internal/control"
	"github.com/matst80/httpstunnel/internal/httpx"
	"github.com/matst80/httpstunnel/internal/obs"
	"github.com/matst80/httpstunnel/internal/ratelimit"
	"github.com/matst80/httpstunnel/internal/registry"
	"github.com/matst80/httpstunnel/internal/transport"
	"github.com/matst80/httpstunnel/internal/tunnel"
)

// Options configures a Server. Zero durations take the defaults below.
type Options struct {
	TLS transport.Files
	// Insecure serves the control port over plain TCP. Test deployments only.
	Insecure bool

	ControlPath     string
	PendingTimeout  time.Duration
	CleanupInterval time.Duration
	PingInterval    time.Duration

	Limiter  *ratelimit.RateLimiter
	Observer tunnel.Observer
}

const (
	DefaultControlPath     = "/control"
	DefaultPendingTimeout  = 30 * time.Second
	DefaultCleanupInterval = 5 * time.Second
	DefaultPingInterval    = 25 * time.Second

	shutdownGrace = 5 * time.Second
	limiterIdle   = 10 * time.Minute
)

// Server owns the registry of waiting clients and the agent control hub.
type Server struct {
	opts     Options
	tls      *tls.Config
	hub      *control.Hub
	reg      *registry.Registry
	observer tunnel.Observer

	ready   atomic.Bool
	closing atomic.Bool

	totalTunnels atomic.Int64
	timeouts     atomic.Int64

	mu     sync.Mutex
	active map[string][2]net.Conn
}

// New validates opts. Missing key material outside insecure mode is a
// KindConfig error.
func New(opts Options) (*Server, error) {
	if opts.ControlPath == "" {
		opts.ControlPath = DefaultControlPath
	}
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = DefaultPendingTimeout
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	s := &Server{
		opts:     opts,
		reg:      registry.New(),
		observer: opts.Observer,
		active:   make(map[string][2]net.Conn),
	}
	if s.observer == nil {
		s.observer = tunnel.LogObserver()
	}
	if !opts.Insecure {
		cfg, err := transport.ServerConfig(opts.TLS)
		if err != nil {
			return nil, err
		}
		s.tls = cfg
	}
	s.hub = control.NewHub(control.HubOptions{
		PingInterval: opts.PingInterval,
		OnConnect:    s.agentConnected,
		OnDisconnect: s.agentDisconnected,
	})
	return s, nil
}

// ListenAndServe binds both ports and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, controlAddr, proxyAddr string) error {
	controlLn, err := transport.Listen(controlAddr, s.tls)
	if err != nil {
		return err
	}
	proxyLn, err := net.Listen("tcp", proxyAddr)
	if err != nil {
		_ = controlLn.Close()
		return err
	}
	return s.serve(ctx, controlLn, proxyLn)
}

// Serve runs the control port on controlLn (TLS unless insecure) and the
// client proxy on proxyLn until ctx is done. Listener failures end Serve with
// their error.
func (s *Server) Serve(ctx context.Context, controlLn, proxyLn net.Listener) error {
	return s.serve(ctx, transport.Secure(controlLn, s.tls), proxyLn)
}

func (s *Server) serve(ctx context.Context, controlLn, proxyLn net.Listener) error {
	controlSrv := &http.Server{
		Handler:           http.HandlerFunc(s.serveControl),
		ReadHeaderTimeout: 10 * time.Second,
		// http/1.1 only, CONNECT must be hijackable
		TLSNextProto: map[string]func(*http.Server, *tls.Conn, http.Handler){},
	}
	proxySrv := &http.Server{
		Handler:           http.HandlerFunc(s.serveProxy),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveHTTP(controlSrv, controlLn) })
	g.Go(func() error { return serveHTTP(proxySrv, proxyLn) })
	g.Go(func() error {
		s.cleanupLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.shutdown(controlSrv, proxySrv)
		return nil
	})

	s.ready.Store(true)
	obs.Info("server.listen", obs.Fields{"control": controlLn.Addr().String(), "proxy": proxyLn.Addr().String(), "tls": s.tls != nil})
	s.observer.Notify(tunnel.Event{Kind: tunnel.EventReady})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func serveHTTP(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) shutdown(servers ...*http.Server) {
	s.closing.Store(true)
	s.ready.Store(false)
	obs.Info("server.shutdown.start", obs.Fields{})

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(ctx)
	}
	s.hub.Close()
	for _, e := range s.reg.TakeAll() {
		s.release(e, httpx.InternalError("Server shutting down"))
	}
	s.mu.Lock()
	for _, pair := range s.active {
		_ = pair[0].Close()
		_ = pair[1].Close()
	}
	s.mu.Unlock()
	obs.Info("server.shutdown.complete", obs.Fields{})
}

// Ready reports whether both ports are serving and shutdown has not begun.
func (s *Server) Ready() bool { return s.ready.Load() && !s.closing.Load() }

// AgentConnected reports whether a current agent session exists.
func (s *Server) AgentConnected() bool { return s.hub.Current() != nil }

// Stats is a point in time view for the state endpoint.
type Stats struct {
	AgentConnected bool   `json:"agent_connected"`
	AgentSessions  int    `json:"agent_sessions"`
	Pending        int    `json:"pending"`
	Active         int    `json:"active"`
	TotalTunnels   int64  `json:"total_tunnels"`
	Timeouts       int64  `json:"timeouts"`
	Now            string `json:"now"`
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	active := len(s.active)
	s.mu.Unlock()
	return Stats{
		AgentConnected: s.AgentConnected(),
		AgentSessions:  s.hub.Sessions(),
		Pending:        s.reg.Len(),
		Active:         active,
		TotalTunnels:   s.totalTunnels.Load(),
		Timeouts:       s.timeouts.Load(),
		Now:            time.Now().UTC().Format(time.RFC3339),
	}
}

func (s *Server) cleanupLoop(ctx context.Context) {
	t := time.NewTicker(s.opts.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sweepPending()
			if n := s.opts.Limiter.CleanupIdle(limiterIdle); n > 0 {
				obs.Debug("ratelimit.cleanup", obs.Fields{"removed": n})
			}
		}
	}
}

// sweepPending fails clients whose tunnel was never paired in time.
func (s *Server) sweepPending() {
	for _, e := range s.reg.TakeExpired(s.opts.PendingTimeout) {
		s.timeouts.Add(1)
		obs.TunnelTimeoutTotal.WithLabelValues("server").Inc()
		s.release(e, httpx.GatewayTimeout())
		s.fail(tunnel.Errorf(tunnel.KindPendingTimeout, e.Request.ID, "tunnel not paired within %s", s.opts.PendingTimeout))
	}
}

func (s *Server) fail(err error) {
	kind, _ := tunnel.KindOf(err)
	obs.ErrorsTotal.WithLabelValues("server", string(kind)).Inc()
	s.observer.Notify(tunnel.Event{Kind: tunnel.EventError, TunnelID: tunnelIDOf(err), Err: err})
}

func tunnelIDOf(err error) string {
	var te *tunnel.Error
	if errors.As(err, &te) {
		return te.TunnelID
	}
	return ""
}
