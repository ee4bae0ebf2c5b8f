// Package transport builds the TLS configuration shared by the server
// listeners and the agent dialers, and opens TLS or plain TCP sockets with it.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/matst80/httpstunnel/internal/obs"
	"github.com/matst80/httpstunnel/internal/tunnel"
)

// Files names the key material and the peer verification policy.
type Files struct {
	CertFile string
	KeyFile  string
	CAFile   string // trusted roots for the peer; system pool when empty

	// VerifyPeer rejects peers whose certificate does not chain to CAFile.
	// Disable only for self-signed test deployments.
	VerifyPeer bool
	// RequestClientCert asks agents for a certificate on the server side.
	// Together with VerifyPeer a missing or untrusted certificate fails the
	// handshake.
	RequestClientCert bool
}

// ServerConfig loads the server key pair and derives the client certificate
// policy. Missing key or certificate is a config error.
func ServerConfig(f Files) (*tls.Config, error) {
	if f.CertFile == "" || f.KeyFile == "" {
		return nil, tunnel.Errorf(tunnel.KindConfig, "", "tls key and certificate are required")
	}
	cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
	if err != nil {
		return nil, tunnel.Wrap(tunnel.KindConfig, "", fmt.Errorf("load key pair: %w", err))
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		// CONNECT needs HTTP/1.1 hijacking.
		NextProtos: []string{"http/1.1"},
	}

	if f.CAFile != "" {
		pool, err := loadPool(f.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
	}
	// nil ClientCAs verifies against the system roots.
	switch {
	case f.RequestClientCert && f.VerifyPeer:
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		obs.Info("tls.mtls_enabled", obs.Fields{"ca_file": f.CAFile})
	case f.RequestClientCert:
		cfg.ClientAuth = tls.RequestClientCert
		obs.Warn("tls.client_cert_unverified", obs.Fields{})
	default:
		cfg.ClientAuth = tls.NoClientCert
		obs.Warn("tls.client_cert_disabled", obs.Fields{})
	}
	return cfg, nil
}

// ClientConfig builds the agent side. The key pair is optional and presented
// to servers that ask for it.
func ClientConfig(f Files, serverName string) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS12,
		NextProtos:         []string{"http/1.1"},
		InsecureSkipVerify: !f.VerifyPeer,
	}
	if f.CertFile != "" || f.KeyFile != "" {
		if f.CertFile == "" || f.KeyFile == "" {
			return nil, tunnel.Errorf(tunnel.KindConfig, "", "tls key and certificate must be set together")
		}
		cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
		if err != nil {
			return nil, tunnel.Wrap(tunnel.KindConfig, "", fmt.Errorf("load key pair: %w", err))
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if f.CAFile != "" {
		pool, err := loadPool(f.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, tunnel.Wrap(tunnel.KindConfig, "", fmt.Errorf("read ca file: %w", err))
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, tunnel.Wrap(tunnel.KindConfig, "", errors.New("failed to parse CA certificate"))
	}
	return pool, nil
}

// Listen creates either a plain TCP or TLS listener based on cfg.
func Listen(addr string, cfg *tls.Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return Secure(ln, cfg), nil
}

// Secure wraps ln in TLS. A nil cfg returns ln as is.
func Secure(ln net.Listener, cfg *tls.Config) net.Listener {
	if cfg == nil {
		return ln
	}
	return tls.NewListener(ln, cfg)
}

// Client runs the TLS handshake over an already established conn, for
// example one tunnelled through a forward proxy. A nil cfg returns conn as is.
func Client(ctx context.Context, conn net.Conn, cfg *tls.Config) (net.Conn, error) {
	if cfg == nil {
		return conn, nil
	}
	tc := tls.Client(conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tc, nil
}
