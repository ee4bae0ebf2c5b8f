// Package control carries named JSON events between the tunnel server and
// its agent over one websocket per agent.
package control

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/matst80/httpstunnel/internal/obs"
	"github.com/matst80/httpstunnel/internal/proto"
)

var (
	// ErrSessionClosed is returned by Send once the session is gone.
	ErrSessionClosed = errors.New("control: session closed")
	// ErrReconnectExhausted ends the agent client after its last retry.
	ErrReconnectExhausted = errors.New("control: reconnection attempts exhausted")
)

// Disconnect reasons.
const (
	ReasonClientClose    = "client close"
	ReasonTransportClose = "transport close"
	ReasonTransportError = "transport error"
	ReasonPingTimeout    = "ping timeout"
)

const (
	maxFrameSize = 64 * 1024
	writeWait    = 10 * time.Second
	sendQueue    = 256
)

// Handler receives the raw payload of one inbound event. Handlers run on the
// read loop one at a time in arrival order, so they must hand slow work off.
type Handler func(data json.RawMessage)

// Session is one live control connection. Events sent on a session are
// written in Send order.
type Session struct {
	id     string
	conn   *websocket.Conn
	remote string
	ping   time.Duration

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	handlers map[string]Handler
	reason   string
}

func newSession(conn *websocket.Conn, ping time.Duration) *Session {
	return &Session{
		id:       uuid.NewString(),
		conn:     conn,
		remote:   conn.RemoteAddr().String(),
		ping:     ping,
		send:     make(chan []byte, sendQueue),
		done:     make(chan struct{}),
		handlers: make(map[string]Handler),
	}
}

func (s *Session) ID() string     { return s.id }
func (s *Session) Remote() string { return s.remote }

// On registers h for event, replacing any previous handler.
func (s *Session) On(event string, h Handler) {
	s.mu.Lock()
	s.handlers[event] = h
	s.mu.Unlock()
}

// Send queues event with its JSON payload.
func (s *Session) Send(event string, payload any) error {
	frame, err := proto.Encode(event, payload)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- frame:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// Reason tells why the session ended. Empty while it is alive.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Close ends the session from this side.
func (s *Session) Close() error {
	s.shutdown(ReasonClientClose)
	return nil
}

func (s *Session) shutdown(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
		if reason == ReasonClientClose {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		_ = s.conn.Close()
	})
}

// run pumps frames until the connection drops or Close is called, then
// returns the disconnect reason.
func (s *Session) run() string {
	go s.writePump()
	s.readLoop()
	<-s.done
	return s.Reason()
}

func (s *Session) readLoop() {
	s.conn.SetReadLimit(maxFrameSize)
	if s.ping > 0 {
		pongWait := 2 * s.ping
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}
	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			s.shutdown(readFailure(err))
			return
		}
		if s.ping > 0 {
			// any frame proves the peer is alive
			_ = s.conn.SetReadDeadline(time.Now().Add(2 * s.ping))
		}
		var env proto.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			obs.Error("control.frame.json", obs.Fields{"session": s.id, "err": err})
			obs.ErrorsTotal.WithLabelValues("control", "frame_json").Inc()
			continue
		}
		s.mu.Lock()
		h := s.handlers[env.Event]
		s.mu.Unlock()
		if h == nil {
			obs.Debug("control.event.unhandled", obs.Fields{"session": s.id, "event": env.Event})
			continue
		}
		h(env.Data)
	}
}

func readFailure(err error) string {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return ReasonTransportClose
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ReasonPingTimeout
	}
	return ReasonTransportError + ": " + err.Error()
}

func (s *Session) writePump() {
	var tick <-chan time.Time
	if s.ping > 0 {
		t := time.NewTicker(s.ping)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				obs.Error("control.write", obs.Fields{"session": s.id, "err": err})
				s.shutdown(ReasonTransportError + ": " + err.Error())
				return
			}
		case <-tick:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.shutdown(ReasonTransportError + ": " + err.Error())
				return
			}
		case <-s.done:
			return
		}
	}
}
