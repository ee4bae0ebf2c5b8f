package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matst80/httpstunnel/internal/proto"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// startClient runs a client in the background. stop cancels it and waits for
// Run to return; it is safe to call more than once.
func startClient(t *testing.T, opts ClientOptions) (c *Client, stop func()) {
	t.Helper()
	c = NewClient(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(stop)
	return c, stop
}

func TestEventsFlowBothWaysInOrder(t *testing.T) {
	got := make(chan proto.TunnelError, 100)
	hub := NewHub(HubOptions{
		OnConnect: func(s *Session) {
			s.On(proto.EventCreateTunnelError, func(data json.RawMessage) {
				var te proto.TunnelError
				if err := json.Unmarshal(data, &te); err == nil {
					got <- te
				}
			})
		},
	})
	srv := httptest.NewServer(hub)
	defer srv.Close()

	c, _ := startClient(t, ClientOptions{URL: wsURL(srv), ReconnectDelay: 10 * time.Millisecond})
	c.On(proto.EventCreateTunnel, func(data json.RawMessage) {
		var req proto.TunnelRequest
		if err := json.Unmarshal(data, &req); err != nil {
			t.Errorf("bad payload: %v", err)
			return
		}
		_ = c.Send(proto.EventCreateTunnelError, proto.TunnelError{TunnelData: req, Err: "nope"})
	})

	waitFor(t, "agent session", func() bool { return hub.Current() != nil })
	s := hub.Current()
	for i := 0; i < 50; i++ {
		req := proto.TunnelRequest{ID: fmt.Sprintf("t-%d", i), HostName: "example.com", Port: 1000 + i}
		if err := s.Send(proto.EventCreateTunnel, req); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 50; i++ {
		select {
		case te := <-got:
			if te.TunnelData.Port != 1000+i || te.Err != "nope" {
				t.Fatalf("event %d out of order or wrong: %+v", i, te)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestNewSessionReplacesCurrent(t *testing.T) {
	var mu sync.Mutex
	var disconnects []bool
	hub := NewHub(HubOptions{
		OnDisconnect: func(_ *Session, _ string, current bool) {
			mu.Lock()
			disconnects = append(disconnects, current)
			mu.Unlock()
		},
	})
	srv := httptest.NewServer(hub)
	defer srv.Close()

	_, stop1 := startClient(t, ClientOptions{URL: wsURL(srv)})
	waitFor(t, "first session", func() bool { return hub.Current() != nil })
	first := hub.Current()

	startClient(t, ClientOptions{URL: wsURL(srv)})
	waitFor(t, "second session", func() bool { return hub.Current() != nil && hub.Current() != first })
	second := hub.Current()
	if hub.Sessions() != 2 {
		t.Fatalf("replaced session should stay open, have %d sessions", hub.Sessions())
	}

	stop1()
	waitFor(t, "first disconnect", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(disconnects) == 1
	})
	mu.Lock()
	if disconnects[0] {
		t.Fatal("replaced session must not report itself as current")
	}
	mu.Unlock()
	if hub.Current() != second {
		t.Fatal("disconnect of a replaced session cleared the current slot")
	}
}

func TestReconnectExhausted(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close() // nothing listens here now

	var mu sync.Mutex
	failures := 0
	c := NewClient(ClientOptions{
		URL:               "ws://" + addr + "/control",
		ReconnectDelay:    5 * time.Millisecond,
		ReconnectAttempts: 3,
		OnConnectError: func(error) {
			mu.Lock()
			failures++
			mu.Unlock()
		},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = c.Run(ctx)
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("Run = %v, want ErrReconnectExhausted", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if failures != 4 { // first attempt + 3 reconnections
		t.Fatalf("connect errors = %d, want 4", failures)
	}
}

func TestClientReconnectsAfterServerDrop(t *testing.T) {
	hub := NewHub(HubOptions{})
	srv := httptest.NewServer(hub)
	defer srv.Close()

	var mu sync.Mutex
	ready, reasons := 0, []string{}
	startClient(t, ClientOptions{
		URL:            wsURL(srv),
		ReconnectDelay: 5 * time.Millisecond,
		OnReady: func(*Session) {
			mu.Lock()
			ready++
			mu.Unlock()
		},
		OnDisconnect: func(reason string) {
			mu.Lock()
			reasons = append(reasons, reason)
			mu.Unlock()
		},
	})
	waitFor(t, "first session", func() bool { return hub.Current() != nil })
	hub.Close()
	waitFor(t, "reconnect", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ready == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 1 || reasons[0] != ReasonTransportClose {
		t.Fatalf("disconnect reasons = %v", reasons)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	hub := NewHub(HubOptions{})
	srv := httptest.NewServer(hub)
	defer srv.Close()
	c, _ := startClient(t, ClientOptions{URL: wsURL(srv)})
	waitFor(t, "session", func() bool { return hub.Current() != nil && c.Connected() })
	s := hub.Current()
	_ = s.Close()
	if err := s.Send(proto.EventCreateTunnel, nil); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Send after close = %v", err)
	}
	if s.Reason() != ReasonClientClose {
		t.Fatalf("reason = %q", s.Reason())
	}
}
