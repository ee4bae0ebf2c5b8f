package upstream

import (
	"context"
	"fmt"
	"net"
	"net/url"
)

// Dialer opens TCP connections to host:port, through the resolved forward
// proxy when there is one.
type Dialer struct {
	Resolver *Resolver
	Net      net.Dialer
}

// DialContext connects to addr. Through a proxy the returned conn is the
// proxy socket after a successful CONNECT. The ctx deadline covers the whole
// exchange.
func (d *Dialer) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	proxyURL, err := d.Resolver.ProxyFor(addr)
	if err != nil {
		return nil, fmt.Errorf("resolve proxy for %s: %w", addr, err)
	}
	if proxyURL == nil {
		return d.Net.DialContext(ctx, "tcp", addr)
	}
	conn, err := d.Net.DialContext(ctx, "tcp", proxyAddr(proxyURL))
	if err != nil {
		return nil, fmt.Errorf("dial proxy %s: %w", proxyURL.Host, err)
	}
	tc, err := Connect(ctx, conn, addr, proxyURL.User)
	if err != nil {
		return nil, fmt.Errorf("proxy CONNECT %s via %s: %w", addr, proxyURL.Host, err)
	}
	return tc, nil
}

// Proxied reports whether addr would go through a proxy.
func (d *Dialer) Proxied(addr string) bool {
	u, err := d.Resolver.ProxyFor(addr)
	return err == nil && u != nil
}

func proxyAddr(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	return net.JoinHostPort(u.Hostname(), "80")
}
