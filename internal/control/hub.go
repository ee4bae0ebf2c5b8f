package control

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matst80/httpstunnel/internal/obs"
)

// HubOptions configures the server side of the control channel.
type HubOptions struct {
	PingInterval time.Duration
	// OnConnect runs before the session reads its first frame, so handlers
	// registered here see every inbound event.
	OnConnect func(s *Session)
	// OnDisconnect runs once per session after it ended. current tells
	// whether it still held the slot, i.e. was not replaced meanwhile.
	OnDisconnect func(s *Session, reason string, current bool)
}

// Hub accepts agent control sessions. The most recently connected session is
// the current agent; older ones stay open until they drop on their own.
type Hub struct {
	opts     HubOptions
	upgrader websocket.Upgrader

	mu       sync.Mutex
	current  *Session
	sessions map[*Session]struct{}
}

func NewHub(opts HubOptions) *Hub {
	return &Hub{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// agents are not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[*Session]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the session until it ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		obs.Error("control.upgrade", obs.Fields{"remote": r.RemoteAddr, "err": err})
		obs.ErrorsTotal.WithLabelValues("server", "control_upgrade").Inc()
		return
	}
	s := newSession(conn, h.opts.PingInterval)

	h.mu.Lock()
	replaced := h.current
	h.current = s
	h.sessions[s] = struct{}{}
	obs.AgentConnected.Set(1)
	h.mu.Unlock()
	if replaced != nil {
		obs.Warn("control.session.replaced", obs.Fields{"session": replaced.ID(), "by": s.ID()})
	}

	if h.opts.OnConnect != nil {
		h.opts.OnConnect(s)
	}
	reason := s.run()

	h.mu.Lock()
	wasCurrent := h.current == s
	if wasCurrent {
		h.current = nil
		obs.AgentConnected.Set(0)
	}
	delete(h.sessions, s)
	h.mu.Unlock()

	if h.opts.OnDisconnect != nil {
		h.opts.OnDisconnect(s, reason, wasCurrent)
	}
}

// Current returns the authoritative agent session, or nil.
func (h *Hub) Current() *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Sessions counts every open session, replaced ones included.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close ends all sessions.
func (h *Hub) Close() {
	h.mu.Lock()
	all := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		all = append(all, s)
	}
	h.mu.Unlock()
	for _, s := range all {
		_ = s.Close()
	}
}
