package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/matst80/httpstunnel/internal/eventsink"
	"github.com/matst80/httpstunnel/internal/obs"
	"github.com/matst80/httpstunnel/internal/ratelimit"
	"github.com/matst80/httpstunnel/internal/server"
	"github.com/matst80/httpstunnel/internal/transport"
	"github.com/matst80/httpstunnel/internal/tunnel"
)

func main() {
	kingpin.CommandLine.Help = "Reverse HTTPS CONNECT tunnel server."
	kingpin.Parse()

	obs.SetComponent("server")
	if err := run(); err != nil {
		obs.Error("server.exit", obs.Fields{"err": err})
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	obs.EnableDebug(cfg.Debug())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	instance := "server-" + uuid.NewString()
	observers := tunnel.Observers{tunnel.LogObserver()}
	sink, err := eventsink.FromConfig(ctx, cfg.Redis, "server", instance)
	if err != nil {
		return err
	}
	if sink != nil {
		defer sink.Close()
		observers = append(observers, sink)
	}

	rl := cfg.Server.RateLimit
	srv, err := server.New(server.Options{
		TLS: transport.Files{
			CertFile:          cfg.TLS.CertFile,
			KeyFile:           cfg.TLS.KeyFile,
			CAFile:            cfg.TLS.CAFile,
			VerifyPeer:        cfg.VerifyPeerEnabled(),
			RequestClientCert: cfg.RequestClientCertEnabled(),
		},
		Insecure:        cfg.TLS.Insecure,
		ControlPath:     cfg.Server.ControlPath,
		PendingTimeout:  cfg.Server.PendingTimeout,
		CleanupInterval: cfg.Server.CleanupInterval,
		PingInterval:    cfg.Server.PingInterval,
		Limiter:         ratelimit.NewRateLimiter(rl.Global, rl.PerSource, rl.Burst),
		Observer:        observers,
	})
	if err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		go startMetricsServer(ctx, cfg.Metrics.Addr, srv)
	}
	obs.Info("server.start", obs.Fields{
		"control":  cfg.Server.ControlAddr,
		"proxy":    cfg.Server.ProxyAddr,
		"metrics":  cfg.Metrics.Addr,
		"insecure": cfg.TLS.Insecure,
		"instance": instance,
	})
	return srv.ListenAndServe(ctx, cfg.Server.ControlAddr, cfg.Server.ProxyAddr)
}
