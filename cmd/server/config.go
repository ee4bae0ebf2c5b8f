package main

import (
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/matst80/httpstunnel/internal/config"
	"github.com/matst80/httpstunnel/internal/obs"
)

var (
	configFile     = kingpin.Flag("config.file", "Path to configuration file.").Default("config.yaml").String()
	controlAddr    = kingpin.Flag("control-addr", "TLS address the agent connects to (default :443).").String()
	proxyAddr      = kingpin.Flag("proxy-addr", "Address clients send CONNECT requests to (default :8080).").String()
	controlPath    = kingpin.Flag("control-path", "HTTP path of the agent control channel.").String()
	metricsAddr    = kingpin.Flag("metrics-addr", "Address for /metrics, health and the dashboard.").String()
	certFile       = kingpin.Flag("cert", "TLS certificate (PEM).").String()
	keyFile        = kingpin.Flag("key", "TLS private key (PEM).").String()
	caFile         = kingpin.Flag("ca", "CA bundle used to verify agent certificates.").String()
	skipClientCert = kingpin.Flag("skip-client-cert", "Do not ask agents for a client certificate.").Bool()
	skipVerify     = kingpin.Flag("skip-verify", "Accept agent certificates without verification.").Bool()
	insecure       = kingpin.Flag("insecure", "Serve the control port over plain TCP. Testing only.").Bool()
	pendingTimeout = kingpin.Flag("pending-timeout", "How long a client waits for the agent to pair.").Duration()
	redisAddr      = kingpin.Flag("redis-addr", "Publish tunnel events to this Redis server.").String()
	debug          = kingpin.Flag("debug", "Enable debug logging.").Bool()
)

// loadConfig reads the config file (falling back to defaults) and applies flags.
func loadConfig() *config.Config {
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		obs.Warn("config.load", obs.Fields{"err": err, "file": *configFile, "using": "defaults"})
		cfg = config.Default()
		cfg.ApplyEnvOverrides()
	}
	config.OverrideString(&cfg.Server.ControlAddr, *controlAddr)
	config.OverrideString(&cfg.Server.ProxyAddr, *proxyAddr)
	config.OverrideString(&cfg.Server.ControlPath, *controlPath)
	config.OverrideString(&cfg.Metrics.Addr, *metricsAddr)
	config.OverrideString(&cfg.TLS.CertFile, *certFile)
	config.OverrideString(&cfg.TLS.KeyFile, *keyFile)
	config.OverrideString(&cfg.TLS.CAFile, *caFile)
	config.OverrideDuration(&cfg.Server.PendingTimeout, *pendingTimeout)
	config.OverrideString(&cfg.Redis.Addr, *redisAddr)
	if *skipClientCert {
		v := false
		cfg.TLS.RequestClientCert = &v
	}
	if *skipVerify {
		v := false
		cfg.TLS.VerifyPeer = &v
	}
	if *insecure {
		cfg.TLS.Insecure = true
	}
	if *debug {
		cfg.Log.Level = "debug"
	}
	return cfg
}
