// Package upstream resolves the forward proxy the agent must cross to leave
// its network and speaks the HTTP CONNECT handshake through it.
package upstream

import (
	"fmt"
	"net/url"

	"golang.org/x/net/http/httpproxy"
)

// Resolver decides, per destination, whether to go through a forward proxy.
// Loopback and "localhost" destinations never use the proxy.
type Resolver struct {
	proxy func(*url.URL) (*url.URL, error)
	cfg   httpproxy.Config
}

// NewResolver builds a resolver. An explicit URL wins over the environment;
// disabled ignores both. With neither, HTTPS_PROXY, HTTP_PROXY and NO_PROXY
// are read from the environment, HTTP_PROXY also serving HTTPS destinations
// when HTTPS_PROXY is unset.
func NewResolver(explicit string, disabled bool) (*Resolver, error) {
	var cfg httpproxy.Config
	switch {
	case disabled:
	case explicit != "":
		u, err := parseProxyURL(explicit)
		if err != nil {
			return nil, err
		}
		cfg.HTTPProxy = u.String()
		cfg.HTTPSProxy = u.String()
	default:
		cfg = *httpproxy.FromEnvironment()
		if cfg.HTTPSProxy == "" {
			cfg.HTTPSProxy = cfg.HTTPProxy
		}
	}
	return &Resolver{proxy: cfg.ProxyFunc(), cfg: cfg}, nil
}

// Enabled reports whether any proxy is configured at all.
func (r *Resolver) Enabled() bool {
	return r != nil && r.cfg.HTTPSProxy != ""
}

// ProxyFor returns the proxy to use for hostport, or nil for a direct
// connection.
func (r *Resolver) ProxyFor(hostport string) (*url.URL, error) {
	if !r.Enabled() {
		return nil, nil
	}
	return r.proxy(&url.URL{Scheme: "https", Host: hostport})
}

func parseProxyURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		// bare host:port
		u, err = url.Parse("http://" + raw)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url %q: %w", raw, err)
	}
	if u.Scheme != "http" {
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid proxy url %q: missing host", raw)
	}
	return u, nil
}
