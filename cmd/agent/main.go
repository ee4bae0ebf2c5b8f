package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/matst80/httpstunnel/internal/agent"
	"github.com/matst80/httpstunnel/internal/eventsink"
	"github.com/matst80/httpstunnel/internal/obs"
	"github.com/matst80/httpstunnel/internal/transport"
	"github.com/matst80/httpstunnel/internal/tunnel"
)

func main() {
	kingpin.CommandLine.Help = "Reverse HTTPS CONNECT tunnel agent."
	kingpin.Parse()

	obs.SetComponent("agent")
	if err := run(); err != nil {
		obs.Error("agent.exit", obs.Fields{"err": err})
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	obs.EnableDebug(cfg.Debug())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	instance := "agent-" + uuid.NewString()
	observers := tunnel.Observers{tunnel.LogObserver()}
	sink, err := eventsink.FromConfig(ctx, cfg.Redis, "agent", instance)
	if err != nil {
		return err
	}
	if sink != nil {
		defer sink.Close()
		observers = append(observers, sink)
	}

	a, err := agent.New(agent.Options{
		ServerHost:  cfg.Agent.ServerHost,
		ServerPort:  cfg.Agent.ServerPort,
		ControlPath: cfg.Agent.ControlPath,
		TLS: transport.Files{
			CertFile:   cfg.TLS.CertFile,
			KeyFile:    cfg.TLS.KeyFile,
			CAFile:     cfg.TLS.CAFile,
			VerifyPeer: cfg.VerifyPeerEnabled(),
		},
		Insecure:             cfg.TLS.Insecure,
		HTTPProxy:            cfg.Agent.HTTPProxy,
		NoProxy:              cfg.Agent.NoProxy,
		TargetConnectTimeout: cfg.Agent.TargetConnectTimeout,
		ReconnectDelay:       cfg.Agent.ReconnectDelay,
		ReconnectAttempts:    cfg.Agent.ReconnectAttempts,
		PingInterval:         cfg.Agent.PingInterval,
		Observer:             observers,
	})
	if err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		go startMetricsServer(ctx, cfg.Metrics.Addr, a)
	}
	obs.Info("agent.config", obs.Fields{
		"server":   cfg.Agent.ServerHost,
		"port":     cfg.Agent.ServerPort,
		"insecure": cfg.TLS.Insecure,
		"instance": instance,
	})
	return a.Run(ctx)
}
