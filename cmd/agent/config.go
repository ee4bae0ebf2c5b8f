package main

import (
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/matst80/httpstunnel/internal/config"
	"github.com/matst80/httpstunnel/internal/obs"
)

var (
	configFile        = kingpin.Flag("config.file", "Path to configuration file.").Default("config.yaml").String()
	serverHost        = kingpin.Flag("server-host", "Tunnel server hostname.").String()
	serverPort        = kingpin.Flag("server-port", "Tunnel server control port (default 443).").Int()
	controlPath       = kingpin.Flag("control-path", "HTTP path of the control channel on the server.").String()
	metricsAddr       = kingpin.Flag("metrics-addr", "Address for /metrics and health. Empty disables.").String()
	certFile          = kingpin.Flag("cert", "TLS client certificate (PEM).").String()
	keyFile           = kingpin.Flag("key", "TLS client private key (PEM).").String()
	caFile            = kingpin.Flag("ca", "CA bundle used to verify the server.").String()
	skipVerify        = kingpin.Flag("skip-verify", "Do not verify the server certificate.").Bool()
	insecure          = kingpin.Flag("insecure", "Talk plain TCP to the server. Testing only.").Bool()
	httpProxy         = kingpin.Flag("http-proxy", "Upstream HTTP proxy URL. Defaults to HTTPS_PROXY/HTTP_PROXY.").String()
	noProxy           = kingpin.Flag("direct", "Never use an upstream proxy, ignoring the environment.").Bool()
	targetTimeout     = kingpin.Flag("target-timeout", "Timeout for connecting to a tunnel target.").Duration()
	reconnectAttempts = kingpin.Flag("reconnect-attempts", "Control channel reconnect attempts, -1 retries forever.").Int()
	redisAddr         = kingpin.Flag("redis-addr", "Publish tunnel events to this Redis server.").String()
	debug             = kingpin.Flag("debug", "Enable debug logging.").Bool()
)

// loadConfig reads the config file (falling back to defaults) and applies flags.
func loadConfig() *config.Config {
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		obs.Warn("config.load", obs.Fields{"err": err, "file": *configFile, "using": "defaults"})
		cfg = config.Default()
		cfg.ApplyEnvOverrides()
	}
	config.OverrideString(&cfg.Agent.ServerHost, *serverHost)
	config.OverrideInt(&cfg.Agent.ServerPort, *serverPort)
	config.OverrideString(&cfg.Agent.ControlPath, *controlPath)
	config.OverrideString(&cfg.Metrics.Addr, *metricsAddr)
	config.OverrideString(&cfg.TLS.CertFile, *certFile)
	config.OverrideString(&cfg.TLS.KeyFile, *keyFile)
	config.OverrideString(&cfg.TLS.CAFile, *caFile)
	config.OverrideString(&cfg.Agent.HTTPProxy, *httpProxy)
	config.OverrideDuration(&cfg.Agent.TargetConnectTimeout, *targetTimeout)
	config.OverrideInt(&cfg.Agent.ReconnectAttempts, *reconnectAttempts)
	config.OverrideString(&cfg.Redis.Addr, *redisAddr)
	if *skipVerify {
		v := false
		cfg.TLS.VerifyPeer = &v
	}
	if *insecure {
		cfg.TLS.Insecure = true
	}
	if *noProxy {
		cfg.Agent.NoProxy = true
	}
	if *debug {
		cfg.Log.Level = "debug"
	}
	return cfg
}
