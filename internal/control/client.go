package control

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/matst80/httpstunnel/internal/obs"
)

// ClientOptions configures the agent side of the control channel.
type ClientOptions struct {
	URL   string // ws:// or wss:// including the control path
	TLS   *tls.Config
	Proxy func(*http.Request) (*url.URL, error)

	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	// ReconnectDelay is the fixed pause between attempts. ReconnectAttempts
	// caps consecutive failed reconnections; negative retries forever.
	ReconnectDelay    time.Duration
	ReconnectAttempts int

	OnReady        func(s *Session)
	OnConnectError func(err error)
	OnDisconnect   func(reason string)
}

// Client keeps one control session to the server alive, reconnecting after
// failures until the attempts run out.
type Client struct {
	opts ClientOptions

	mu       sync.Mutex
	handlers map[string]Handler
	current  *Session
}

func NewClient(opts ClientOptions) *Client {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 45 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	return &Client{opts: opts, handlers: make(map[string]Handler)}
}

// On registers h for event on the current and all future sessions.
func (c *Client) On(event string, h Handler) {
	c.mu.Lock()
	c.handlers[event] = h
	cur := c.current
	c.mu.Unlock()
	if cur != nil {
		cur.On(event, h)
	}
}

// Send writes on the current session.
func (c *Client) Send(event string, payload any) error {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur == nil {
		return ErrSessionClosed
	}
	return cur.Send(event, payload)
}

// Connected reports whether a session is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// Run connects and serves sessions until ctx is done, returning ctx.Err(),
// or until reconnection gives up, returning ErrReconnectExhausted.
func (c *Client) Run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    c.opts.ReconnectDelay,
		Max:    c.opts.ReconnectDelay,
		Factor: 1,
	}
	for {
		connected, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			b.Reset()
		} else if c.opts.OnConnectError != nil {
			c.opts.OnConnectError(err)
		}

		attempt := int(b.Attempt())
		if c.opts.ReconnectAttempts >= 0 && attempt >= c.opts.ReconnectAttempts {
			return fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, attempt)
		}
		d := b.Duration()
		obs.ControlReconnectsTotal.Inc()
		obs.Info("control.reconnect", obs.Fields{"attempt": attempt + 1, "max": c.opts.ReconnectAttempts, "delay": d.String()})
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// runOnce dials and, on success, blocks until the session ends.
func (c *Client) runOnce(ctx context.Context) (bool, error) {
	d := websocket.Dialer{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: c.opts.HandshakeTimeout,
		TLSClientConfig:  c.opts.TLS,
		Proxy:            c.opts.Proxy,
	}
	conn, resp, err := d.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %s)", err, resp.Status)
		}
		return false, err
	}

	s := newSession(conn, c.opts.PingInterval)
	c.mu.Lock()
	for ev, h := range c.handlers {
		s.On(ev, h)
	}
	c.current = s
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	if c.opts.OnReady != nil {
		c.opts.OnReady(s)
	}
	reason := s.run()

	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
	if c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect(reason)
	}
	return true, nil
}
