package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const defaultTargetPort = 443

var errNoHost = errors.New("no host in CONNECT target")

// ParseTarget extracts host and port from a client CONNECT request target
// ("host:port", "host" or "[v6]:port"). The port defaults to 443.
func ParseTarget(requestURI string) (host string, port int, err error) {
	target := strings.TrimSpace(requestURI)
	if target == "" {
		return "", 0, errNoHost
	}
	u, err := url.Parse("//" + target)
	if err != nil {
		return "", 0, fmt.Errorf("bad CONNECT target %q: %w", target, err)
	}
	if u.Path != "" || u.RawQuery != "" || u.User != nil {
		return "", 0, fmt.Errorf("bad CONNECT target %q", target)
	}
	host = strings.ToLower(u.Hostname())
	if host == "" {
		return "", 0, errNoHost
	}
	port = defaultTargetPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return "", 0, fmt.Errorf("bad port in CONNECT target %q", target)
		}
	}
	return host, port, nil
}

// TunnelID extracts the tunnel id an agent puts in place of the CONNECT
// target.
func TunnelID(requestURI string) string {
	return strings.TrimPrefix(strings.TrimSpace(requestURI), "/")
}

// remoteHost strips the port from a remote address, for per-source limits.
func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
