package tunnel

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so embedders and metrics can tell them apart.
type Kind string

const (
	KindConfig         Kind = "config"          // missing key/cert material, fatal at construction
	KindConnect        Kind = "connect"         // control channel cannot be established
	KindTargetConnect  Kind = "target_connect"  // agent cannot reach the target
	KindTargetTimeout  Kind = "target_timeout"  // agent target connect exceeded its deadline
	KindTunnelAccept   Kind = "tunnel_accept"   // server cannot match an agent CONNECT
	KindAgentTunnel    Kind = "agent_tunnel"    // agent cannot CONNECT back to the server
	KindPipe           Kind = "pipe"            // a spliced peer failed
	KindProtocol       Kind = "protocol"        // bad method or CONNECT target
	KindPendingTimeout Kind = "pending_timeout" // registry entry swept before pairing
	KindAgentGone      Kind = "agent_gone"      // serving agent disconnected before pairing
)

// Error is a tunnel failure tagged with its kind and, when known, the tunnel id.
type Error struct {
	Kind     Kind
	TunnelID string
	Err      error
}

func (e *Error) Error() string {
	if e.TunnelID != "" {
		return fmt.Sprintf("%s: %v (tunnel %s)", e.Kind, e.Err, e.TunnelID)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error around a formatted cause.
func Errorf(kind Kind, id, format string, args ...any) *Error {
	return &Error{Kind: kind, TunnelID: id, Err: fmt.Errorf(format, args...)}
}

// Wrap tags err with kind and id. A nil err stays nil.
func Wrap(kind Kind, id string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, TunnelID: id, Err: err}
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return "", false
}
