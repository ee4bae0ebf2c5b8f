// Package agent is the private half of the tunnel. It keeps the control
// channel to the server open and, for every tunnel the server asks for,
// connects to the target, connects back to the server and splices the two.
package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/matst80/httpstunnel/internal/control"
	"github.com/matst80/httpstunnel/internal/obs"
	"github.com/matst80/httpstunnel/internal/proto"
	"github.com/matst80/httpstunnel/internal/transport"
	"github.com/matst80/httpstunnel/internal/tunnel"
	"github.com/matst80/httpstunnel/internal/upstream"
)

// Options configures an Agent. Zero values take the defaults below.
type Options struct {
	ServerHost  string
	ServerPort  int
	ControlPath string

	TLS transport.Files
	// Insecure talks plain TCP to the server. Test deployments only.
	Insecure bool

	// HTTPProxy is the upstream forward proxy. Empty falls back to the
	// environment; NoProxy disables both.
	HTTPProxy string
	NoProxy   bool

	TargetConnectTimeout time.Duration
	ServerConnectTimeout time.Duration
	ReconnectDelay       time.Duration
	ReconnectAttempts    int
	PingInterval         time.Duration

	Observer tunnel.Observer
}

const (
	DefaultServerPort           = 443
	DefaultControlPath          = "/control"
	DefaultTargetConnectTimeout = 10 * time.Second
	DefaultServerConnectTimeout = 30 * time.Second
	DefaultReconnectDelay       = time.Second
	DefaultReconnectAttempts    = 10
	DefaultPingInterval         = 25 * time.Second
)

type Agent struct {
	opts     Options
	tls      *tls.Config
	dialer   *upstream.Dialer
	client   *control.Client
	observer tunnel.Observer
	runCtx   context.Context
}

// New validates opts. Missing key material outside insecure mode is a
// KindConfig error. ReconnectAttempts of 0 means the default; pass a
// negative value to retry forever.
func New(opts Options) (*Agent, error) {
	if opts.ServerHost == "" {
		return nil, tunnel.Errorf(tunnel.KindConfig, "", "server host is required")
	}
	if opts.ServerPort == 0 {
		opts.ServerPort = DefaultServerPort
	}
	if opts.ControlPath == "" {
		opts.ControlPath = DefaultControlPath
	}
	if opts.TargetConnectTimeout <= 0 {
		opts.TargetConnectTimeout = DefaultTargetConnectTimeout
	}
	if opts.ServerConnectTimeout <= 0 {
		opts.ServerConnectTimeout = DefaultServerConnectTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.ReconnectAttempts == 0 {
		opts.ReconnectAttempts = DefaultReconnectAttempts
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}

	a := &Agent{opts: opts, observer: opts.Observer}
	if a.observer == nil {
		a.observer = tunnel.LogObserver()
	}
	if !opts.Insecure {
		if opts.TLS.CertFile == "" || opts.TLS.KeyFile == "" {
			return nil, tunnel.Errorf(tunnel.KindConfig, "", "tls key and certificate are required")
		}
		cfg, err := transport.ClientConfig(opts.TLS, opts.ServerHost)
		if err != nil {
			return nil, err
		}
		a.tls = cfg
	}
	resolver, err := upstream.NewResolver(opts.HTTPProxy, opts.NoProxy)
	if err != nil {
		return nil, tunnel.Wrap(tunnel.KindConfig, "", err)
	}
	a.dialer = &upstream.Dialer{Resolver: resolver}
	if resolver.Enabled() {
		obs.Info("agent.proxy", obs.Fields{"server_via_proxy": a.dialer.Proxied(a.serverAddr())})
	}
	a.client = a.newControlClient()
	return a, nil
}

func (a *Agent) serverAddr() string {
	return net.JoinHostPort(a.opts.ServerHost, strconv.Itoa(a.opts.ServerPort))
}

func (a *Agent) controlURL() string {
	scheme := "wss"
	if a.opts.Insecure {
		scheme = "ws"
	}
	u := url.URL{Scheme: scheme, Host: a.serverAddr(), Path: a.opts.ControlPath}
	return u.String()
}

// Run keeps the control channel up and serves tunnel requests until ctx is
// done or reconnection gives up. Tunnels in flight are torn down when ctx
// ends.
func (a *Agent) Run(ctx context.Context) error {
	a.runCtx = ctx
	obs.Info("agent.start", obs.Fields{"url": a.controlURL(), "tls": a.tls != nil})
	err := a.client.Run(ctx)
	if errors.Is(err, control.ErrReconnectExhausted) {
		err = tunnel.Wrap(tunnel.KindConnect, "", err)
		a.observer.Notify(tunnel.Event{Kind: tunnel.EventConnectError, Err: err})
		return err
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *Agent) newControlClient() *control.Client {
	c := control.NewClient(control.ClientOptions{
		URL: a.controlURL(),
		TLS: a.tls,
		Proxy: func(r *http.Request) (*url.URL, error) {
			return a.dialer.Resolver.ProxyFor(r.URL.Host)
		},
		PingInterval:      a.opts.PingInterval,
		ReconnectDelay:    a.opts.ReconnectDelay,
		ReconnectAttempts: a.opts.ReconnectAttempts,
		OnReady: func(s *control.Session) {
			obs.Info("agent.connected", obs.Fields{"server": a.serverAddr(), "session": s.ID()})
			a.observer.Notify(tunnel.Event{Kind: tunnel.EventReady, Session: s.ID()})
		},
		OnConnectError: func(err error) {
			a.observer.Notify(tunnel.Event{Kind: tunnel.EventConnectError, Err: tunnel.Wrap(tunnel.KindConnect, "", err)})
		},
		OnDisconnect: func(reason string) {
			a.observer.Notify(tunnel.Event{Kind: tunnel.EventDisconnect, Reason: reason})
		},
	})
	// Handlers run on the read loop, which only exists inside Run.
	c.On(proto.EventCreateTunnel, func(data json.RawMessage) {
		var req proto.TunnelRequest
		if err := json.Unmarshal(data, &req); err != nil {
			a.fail(tunnel.Wrap(tunnel.KindProtocol, "", err))
			return
		}
		go a.createTunnel(a.runCtx, req)
	})
	return c
}

// Connected reports whether the control channel is up.
func (a *Agent) Connected() bool {
	return a.client.Connected()
}

func (a *Agent) fail(err error) {
	kind, _ := tunnel.KindOf(err)
	obs.ErrorsTotal.WithLabelValues("agent", string(kind)).Inc()
	var te *tunnel.Error
	id := ""
	if errors.As(err, &te) {
		id = te.TunnelID
	}
	a.observer.Notify(tunnel.Event{Kind: tunnel.EventError, TunnelID: id, Err: err})
}

// send reports back to the server. A dead control channel only loses the
// report; the server sweeps the entry on its own.
func (a *Agent) send(event string, payload any) {
	if err := a.client.Send(event, payload); err != nil {
		obs.Warn("agent.control.send", obs.Fields{"event": event, "err": fmt.Sprint(err)})
	}
}
