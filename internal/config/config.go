// Package config loads the YAML configuration shared by the server and agent
// binaries. Command line flags are applied on top by the binaries.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	TLS     TLSConfig     `yaml:"tls"`
	Server  ServerConfig  `yaml:"server"`
	Agent   AgentConfig   `yaml:"agent"`
	Metrics MetricsConfig `yaml:"metrics"`
	Redis   RedisConfig   `yaml:"redis"`
	Log     LogConfig     `yaml:"log"`
}

// TLSConfig key material and peer verification, used by both sides.
type TLSConfig struct {
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	CAFile            string `yaml:"ca_file"`             // trusted roots for the peer
	VerifyPeer        *bool  `yaml:"verify_peer"`         // default true
	RequestClientCert *bool  `yaml:"request_client_cert"` // server only, default true
	Insecure          bool   `yaml:"insecure"`            // plain TCP control port, tests only
}

// ServerConfig tunnel server listeners and timers.
type ServerConfig struct {
	ControlAddr     string          `yaml:"control_addr"`
	ProxyAddr       string          `yaml:"proxy_addr"`
	ControlPath     string          `yaml:"control_path"`
	PendingTimeout  time.Duration   `yaml:"pending_timeout"`
	CleanupInterval time.Duration   `yaml:"cleanup_interval"`
	PingInterval    time.Duration   `yaml:"ping_interval"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig CONNECT admission, requests per second. Zero disables.
type RateLimitConfig struct {
	Global    float64 `yaml:"global"`
	PerSource float64 `yaml:"per_source"`
	Burst     int     `yaml:"burst"`
}

// AgentConfig where the agent connects and how it reaches targets.
type AgentConfig struct {
	ServerHost           string        `yaml:"server_host"`
	ServerPort           int           `yaml:"server_port"`
	ControlPath          string        `yaml:"control_path"`
	HTTPProxy            string        `yaml:"http_proxy"` // empty: HTTP(S)_PROXY from the environment
	NoProxy              bool          `yaml:"no_proxy"`   // never use an upstream proxy
	TargetConnectTimeout time.Duration `yaml:"target_connect_timeout"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	ReconnectAttempts    int           `yaml:"reconnect_attempts"`
	PingInterval         time.Duration `yaml:"ping_interval"`
}

// MetricsConfig the /metrics and health listener. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// RedisConfig optional event sink. Empty Addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// LogConfig log configuration
type LogConfig struct {
	Level string `yaml:"level"`
}

// LoadConfig loads configuration from file, then fills defaults and applies
// environment overrides. An empty path yields defaults plus environment.
func LoadConfig(configPath string) (*Config, error) {
	var config Config
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	config.SetDefaults()
	config.ApplyEnvOverrides()
	return &config, nil
}

// Default returns a config with only defaults applied.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// SetDefaults sets default values
func (c *Config) SetDefaults() {
	if c.TLS.VerifyPeer == nil {
		v := true
		c.TLS.VerifyPeer = &v
	}
	if c.TLS.RequestClientCert == nil {
		v := true
		c.TLS.RequestClientCert = &v
	}

	if c.Server.ControlAddr == "" {
		c.Server.ControlAddr = ":443"
	}
	if c.Server.ProxyAddr == "" {
		c.Server.ProxyAddr = ":8080"
	}
	if c.Server.ControlPath == "" {
		c.Server.ControlPath = "/control"
	}
	if c.Server.PendingTimeout == 0 {
		c.Server.PendingTimeout = 30 * time.Second
	}
	if c.Server.CleanupInterval == 0 {
		c.Server.CleanupInterval = 5 * time.Second
	}
	if c.Server.PingInterval == 0 {
		c.Server.PingInterval = 25 * time.Second
	}
	if c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = 20
	}

	if c.Agent.ServerPort == 0 {
		c.Agent.ServerPort = 443
	}
	if c.Agent.ControlPath == "" {
		c.Agent.ControlPath = "/control"
	}
	if c.Agent.TargetConnectTimeout == 0 {
		c.Agent.TargetConnectTimeout = 10 * time.Second
	}
	if c.Agent.ReconnectDelay == 0 {
		c.Agent.ReconnectDelay = time.Second
	}
	if c.Agent.ReconnectAttempts == 0 {
		c.Agent.ReconnectAttempts = 10
	}
	if c.Agent.PingInterval == 0 {
		c.Agent.PingInterval = 25 * time.Second
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "httpstunnel:events"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// VerifyPeerEnabled reports the effective peer verification policy.
func (c *Config) VerifyPeerEnabled() bool {
	return c.TLS.VerifyPeer == nil || *c.TLS.VerifyPeer
}

// RequestClientCertEnabled reports whether the server demands agent
// certificates.
func (c *Config) RequestClientCertEnabled() bool {
	return c.TLS.RequestClientCert == nil || *c.TLS.RequestClientCert
}

// Debug reports whether debug logging is on.
func (c *Config) Debug() bool { return c.Log.Level == "debug" }

// ApplyEnvOverrides applies environment variable overrides
func (c *Config) ApplyEnvOverrides() {
	envString("TLS_CERT_FILE", &c.TLS.CertFile)
	envString("TLS_KEY_FILE", &c.TLS.KeyFile)
	envString("TLS_CA_FILE", &c.TLS.CAFile)
	if val := os.Getenv("TLS_VERIFY_PEER"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.TLS.VerifyPeer = &b
		}
	}
	if val := os.Getenv("TLS_REQUEST_CLIENT_CERT"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.TLS.RequestClientCert = &b
		}
	}
	envBool("TUNNEL_INSECURE", &c.TLS.Insecure)

	envString("CONTROL_ADDR", &c.Server.ControlAddr)
	envString("PROXY_ADDR", &c.Server.ProxyAddr)
	envDuration("PENDING_TIMEOUT", &c.Server.PendingTimeout)

	envString("SERVER_HOST", &c.Agent.ServerHost)
	envInt("SERVER_PORT", &c.Agent.ServerPort)
	envString("TUNNEL_HTTP_PROXY", &c.Agent.HTTPProxy)
	envBool("TUNNEL_NO_PROXY", &c.Agent.NoProxy)
	envDuration("TARGET_CONNECT_TIMEOUT", &c.Agent.TargetConnectTimeout)
	envInt("RECONNECT_ATTEMPTS", &c.Agent.ReconnectAttempts)

	envString("METRICS_ADDR", &c.Metrics.Addr)
	envString("REDIS_ADDR", &c.Redis.Addr)
	envString("REDIS_PASSWORD", &c.Redis.Password)
	envInt("REDIS_DB", &c.Redis.DB)
	envString("REDIS_CHANNEL", &c.Redis.Channel)

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

func envBool(key string, dst *bool) {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}

// Command line flags win over file and environment when set. These helpers
// apply a flag value only when it differs from its zero value.

func OverrideString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func OverrideInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func OverrideDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}
