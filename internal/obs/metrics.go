package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AgentConnected         = promauto.NewGauge(prometheus.GaugeOpts{Name: "httpstunnel_agent_connected", Help: "1 while an agent control session is current"})
	PendingTunnels         = promauto.NewGauge(prometheus.GaugeOpts{Name: "httpstunnel_pending_tunnels", Help: "Client sockets waiting for the agent to pair"})
	TunnelRequestsTotal    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "httpstunnel_tunnel_requests_total", Help: "Tunnel requests seen"}, []string{"role"})
	TunnelEstablishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "httpstunnel_tunnel_established_total", Help: "Tunnels paired and spliced"}, []string{"role"})
	TunnelTimeoutTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "httpstunnel_tunnel_timeout_total", Help: "Tunnels that timed out before pairing"}, []string{"role"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "httpstunnel_errors_total", Help: "Errors by kind"}, []string{"role", "kind"})
	TunnelDurationSeconds  = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "httpstunnel_tunnel_duration_seconds", Help: "Spliced tunnel lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)}, []string{"role"})
	TunnelBytesTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "httpstunnel_tunnel_bytes_total", Help: "Bytes spliced by direction"}, []string{"role", "direction"})
	ControlReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "httpstunnel_control_reconnects_total", Help: "Agent control channel dial attempts after the first"})
)
