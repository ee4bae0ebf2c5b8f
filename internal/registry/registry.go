// Package registry tracks client sockets that wait for the agent to deliver
// the other half of their tunnel.
package registry

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/matst80/httpstunnel/internal/obs"
	"github.com/matst80/httpstunnel/internal/proto"
)

// ErrDuplicateID is returned by Put when the id is already pending. Ids are
// generated once per request, so this indicates a logic error upstream.
var ErrDuplicateID = errors.New("registry: tunnel id already pending")

// Entry is a client socket awaiting pairing.
type Entry struct {
	Conn    net.Conn
	Request proto.TunnelRequest
	Owner   string // control session asked to serve it
	Created time.Time
}

// Registry maps tunnel id to its pending Entry. Each id is written once and
// removed exactly once, by whichever of pairing, timeout or error gets there
// first: every removal goes through Take, which hands the entry to a single
// caller.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*Entry
}

func New() *Registry {
	return &Registry{pending: make(map[string]*Entry)}
}

// Put stores conn under req.ID.
func (r *Registry) Put(req proto.TunnelRequest, conn net.Conn, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pending[req.ID]; exists {
		return ErrDuplicateID
	}
	r.pending[req.ID] = &Entry{Conn: conn, Request: req, Owner: owner, Created: time.Now()}
	obs.PendingTunnels.Set(float64(len(r.pending)))
	return nil
}

// Get returns the entry without removing it.
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.pending[id]
	return e, ok
}

// Take removes and returns the entry for id, or nil if it is gone. The caller
// owns the returned socket.
func (r *Registry) Take(id string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.pending[id]
	if e == nil {
		return nil
	}
	delete(r.pending, id)
	obs.PendingTunnels.Set(float64(len(r.pending)))
	return e
}

// Delete removes id and closes its socket. It reports whether an entry existed.
func (r *Registry) Delete(id string) bool {
	e := r.Take(id)
	if e == nil {
		return false
	}
	_ = e.Conn.Close()
	return true
}

// TakeOwnedBy removes every entry served by owner.
func (r *Registry) TakeOwnedBy(owner string) []*Entry {
	return r.takeWhere(func(e *Entry) bool { return e.Owner == owner })
}

// TakeExpired removes entries created more than maxAge ago.
func (r *Registry) TakeExpired(maxAge time.Duration) []*Entry {
	cutoff := time.Now().Add(-maxAge)
	return r.takeWhere(func(e *Entry) bool { return e.Created.Before(cutoff) })
}

// TakeAll empties the registry.
func (r *Registry) TakeAll() []*Entry {
	return r.takeWhere(func(*Entry) bool { return true })
}

func (r *Registry) takeWhere(match func(*Entry) bool) []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Entry
	for id, e := range r.pending {
		if match(e) {
			out = append(out, e)
			delete(r.pending, id)
		}
	}
	obs.PendingTunnels.Set(float64(len(r.pending)))
	return out
}

// Len returns the number of pending entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
