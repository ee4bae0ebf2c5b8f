package proto

import (
	"encoding/json"
	"net"
	"strconv"
)

// Control event names. Wire compatible with the socket.io based agents.
const (
	EventCreateTunnel           = "createTunnel"
	EventCreateTunnelTimeout    = "createTunnel_timeout"
	EventCreateTunnelError      = "createTunnel_error"
	EventCreateAgentTunnelError = "createAgentTunnel_error"
)

// Envelope is one control channel frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// TunnelRequest server -> agent asking to open a tunnel to HostName:Port.
type TunnelRequest struct {
	ID       string `json:"id"`
	HostName string `json:"hostName"`
	Port     int    `json:"port"`
}

// Addr returns the dialable host:port of the target.
func (r TunnelRequest) Addr() string {
	return net.JoinHostPort(r.HostName, strconv.Itoa(r.Port))
}

// TunnelTimeout agent -> server, target connect timed out.
type TunnelTimeout struct {
	TunnelData TunnelRequest `json:"tunnelData"`
}

// TunnelError agent -> server, used for both createTunnel_error and
// createAgentTunnel_error.
type TunnelError struct {
	TunnelData TunnelRequest `json:"tunnelData"`
	Err        string        `json:"err"`
}

// Encode wraps payload into an envelope frame.
func Encode(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = b
	}
	return json.Marshal(env)
}
