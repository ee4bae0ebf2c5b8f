// Package tunnel holds what the server and the agent share: the pairing
// discipline for two live sockets, lifecycle notifications and the error
// taxonomy.
package tunnel

import (
	"sync"

	"github.com/matst80/httpstunnel/internal/proto"
)

// EventKind names a lifecycle notification.
type EventKind string

const (
	EventReady           EventKind = "ready"
	EventError           EventKind = "error"
	EventAgentConnect    EventKind = "agent-connect"
	EventAgentDisconnect EventKind = "agent-disconnect"
	EventConnectError    EventKind = "connect_error"
	EventDisconnect      EventKind = "disconnect"
	EventTunnelRequest   EventKind = "tunnel-request"
	EventTunnelCompleted EventKind = "tunnel-completed"
)

// Event is a read-only notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind     EventKind
	TunnelID string
	Request  *proto.TunnelRequest
	Remote   string // agent-connect: remote address of the control session
	Session  string // agent-connect / agent-disconnect: control session id
	Reason   string // disconnect / agent-disconnect
	Err      error
}

// Observer receives events. Implementations must not block for long: they are
// called on the goroutine that drives the tunnel.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Notify(e Event) { f(e) }

// Observers fans an event out to every member in order. nil members are skipped.
type Observers []Observer

func (o Observers) Notify(e Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Notify(e)
		}
	}
}

// Recorder keeps every event it sees, for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Notify(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a snapshot.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many recorded events have kind k.
func (r *Recorder) Count(k EventKind) int {
	n := 0
	for _, e := range r.Events() {
		if e.Kind == k {
			n++
		}
	}
	return n
}
