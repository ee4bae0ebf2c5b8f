package agent

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/matst80/httpstunnel/internal/httpx"
	"github.com/matst80/httpstunnel/internal/obs"
	"github.com/matst80/httpstunnel/internal/proto"
	"github.com/matst80/httpstunnel/internal/transport"
	"github.com/matst80/httpstunnel/internal/tunnel"
	"github.com/matst80/httpstunnel/internal/upstream"
)

// createTunnel serves one createTunnel request end to end.
func (a *Agent) createTunnel(ctx context.Context, req proto.TunnelRequest) {
	obs.TunnelRequestsTotal.WithLabelValues("agent").Inc()
	a.observer.Notify(tunnel.Event{Kind: tunnel.EventTunnelRequest, TunnelID: req.ID, Request: &req})

	target, err := a.connectToTarget(ctx, req)
	if err != nil {
		var te *tunnel.Error
		if errors.As(err, &te) && te.Kind == tunnel.KindTargetTimeout {
			obs.TunnelTimeoutTotal.WithLabelValues("agent").Inc()
			a.send(proto.EventCreateTunnelTimeout, proto.TunnelTimeout{TunnelData: req})
		} else {
			a.send(proto.EventCreateTunnelError, proto.TunnelError{
				TunnelData: req,
				Err:        fmt.Sprintf("Failed to connect to target. Tunnel Id: %s. %v", req.ID, errors.Unwrap(err)),
			})
		}
		a.fail(err)
		return
	}

	server, err := a.connectToServer(ctx, req)
	if err != nil {
		_ = httpx.Reject(target, httpx.InternalError(""))
		a.send(proto.EventCreateAgentTunnelError, proto.TunnelError{
			TunnelData: req,
			Err:        fmt.Sprintf("Failed to create agent tunnel. Tunnel Id: %s. %v", req.ID, err),
		})
		a.fail(tunnel.Wrap(tunnel.KindAgentTunnel, req.ID, err))
		return
	}

	obs.TunnelEstablishedTotal.WithLabelValues("agent").Inc()
	stop := context.AfterFunc(ctx, func() {
		_ = target.Close()
		_ = server.Close()
	})
	defer stop()
	a.observer.Notify(tunnel.Event{Kind: tunnel.EventTunnelCompleted, TunnelID: req.ID, Request: &req})

	res, err := tunnel.Splice(req.ID, target, server)
	obs.TunnelDurationSeconds.WithLabelValues("agent").Observe(res.Duration.Seconds())
	obs.TunnelBytesTotal.WithLabelValues("agent", "target_to_server").Add(float64(res.AtoB))
	obs.TunnelBytesTotal.WithLabelValues("agent", "server_to_target").Add(float64(res.BtoA))
	obs.Debug("tunnel.closed", obs.Fields{"id": req.ID, "up": res.BtoA, "down": res.AtoB, "duration": res.Duration.String()})
	if err != nil {
		a.fail(err)
	}
}

// connectToTarget opens the target leg, through the upstream proxy when one
// applies. The whole attempt, proxy CONNECT included, is bounded by the
// target connect timeout; exceeding it yields a KindTargetTimeout error and
// any other failure a KindTargetConnect error, never both.
func (a *Agent) connectToTarget(ctx context.Context, req proto.TunnelRequest) (net.Conn, error) {
	tctx, cancel := context.WithTimeout(ctx, a.opts.TargetConnectTimeout)
	defer cancel()
	conn, err := a.dialer.DialContext(tctx, req.Addr())
	if err == nil {
		return conn, nil
	}
	if errors.Is(tctx.Err(), context.DeadlineExceeded) || isTimeout(err) {
		return nil, tunnel.Errorf(tunnel.KindTargetTimeout, req.ID, "Connection to target timed out. Tunnel Id: %s", req.ID)
	}
	return nil, tunnel.Wrap(tunnel.KindTargetConnect, req.ID, err)
}

// connectToServer opens the tunnel leg: CONNECT <id> to the server control
// port, through the upstream proxy unless the server is a loopback address.
func (a *Agent) connectToServer(ctx context.Context, req proto.TunnelRequest) (net.Conn, error) {
	sctx, cancel := context.WithTimeout(ctx, a.opts.ServerConnectTimeout)
	defer cancel()
	raw, err := a.dialer.DialContext(sctx, a.serverAddr())
	if err != nil {
		return nil, err
	}
	conn, err := transport.Client(sctx, raw, a.tls)
	if err != nil {
		return nil, err
	}
	return upstream.Connect(sctx, conn, req.ID, nil)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
