package eventsink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matst80/httpstunnel/internal/config"
	"github.com/matst80/httpstunnel/internal/proto"
	"github.com/matst80/httpstunnel/internal/tunnel"
)

type fakePublisher struct {
	mu    sync.Mutex
	msgs  [][]byte
	chans []string
	err   error
	block chan struct{}
}

func (f *fakePublisher) Publish(_ context.Context, channel string, msg []byte) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	f.chans = append(f.chans, channel)
	return f.err
}

func (f *fakePublisher) records(t *testing.T) []Record {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Record, 0, len(f.msgs))
	for _, m := range f.msgs {
		var r Record
		if err := json.Unmarshal(m, &r); err != nil {
			t.Fatalf("bad payload %s: %v", m, err)
		}
		out = append(out, r)
	}
	return out
}

func TestNewRecord(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	req := &proto.TunnelRequest{ID: "t1", HostName: "example.com", Port: 443}
	err := tunnel.Errorf(tunnel.KindTargetTimeout, "t1", "Connection to target timed out. Tunnel Id: t1")

	r := NewRecord("agent", "a-1", tunnel.Event{Kind: tunnel.EventError, Request: req, Err: err}, at)
	if r.Kind != "error" || r.Role != "agent" || r.Instance != "a-1" || !r.Time.Equal(at) {
		t.Errorf("header = %+v", r)
	}
	if r.TunnelID != "t1" || r.Host != "example.com" || r.Port != 443 {
		t.Errorf("request fields = %+v", r)
	}
	if r.ErrorKind != string(tunnel.KindTargetTimeout) || r.Error == "" {
		t.Errorf("error fields = %q %q", r.ErrorKind, r.Error)
	}

	r = NewRecord("server", "s-1", tunnel.Event{Kind: tunnel.EventAgentDisconnect, Session: "sess", Reason: "ping timeout"}, at)
	if r.Session != "sess" || r.Reason != "ping timeout" || r.TunnelID != "" || r.Error != "" {
		t.Errorf("disconnect record = %+v", r)
	}
}

func TestSinkPublishesInOrder(t *testing.T) {
	pub := &fakePublisher{}
	s := New(pub, "events", "server", "s-1")
	for i, k := range []tunnel.EventKind{tunnel.EventAgentConnect, tunnel.EventTunnelRequest, tunnel.EventTunnelCompleted} {
		s.Notify(tunnel.Event{Kind: k, TunnelID: string(rune('a' + i))})
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	recs := pub.records(t)
	if len(recs) != 3 {
		t.Fatalf("published %d, want 3", len(recs))
	}
	want := []string{"agent-connect", "tunnel-request", "tunnel-completed"}
	for i, r := range recs {
		if r.Kind != want[i] || r.Role != "server" || pub.chans[i] != "events" {
			t.Errorf("record %d = %+v on %q", i, r, pub.chans[i])
		}
	}
}

func TestSinkDropsWhenFull(t *testing.T) {
	pub := &fakePublisher{block: make(chan struct{})}
	s := New(pub, "events", "server", "s-1")
	// one message is held by the worker, queueSize more fill the buffer
	for i := 0; i < queueSize+10; i++ {
		s.Notify(tunnel.Event{Kind: tunnel.EventTunnelRequest})
	}
	if s.Dropped() == 0 {
		t.Error("expected drops with a blocked publisher")
	}
	close(pub.block)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestSinkSurvivesPublishErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("READONLY")}
	s := New(pub, "events", "agent", "a-1")
	s.Notify(tunnel.Event{Kind: tunnel.EventReady})
	s.Notify(tunnel.Event{Kind: tunnel.EventDisconnect, Reason: "transport close"})
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if n := len(pub.records(t)); n != 2 {
		t.Errorf("attempted %d publishes, want 2", n)
	}
	s.Notify(tunnel.Event{Kind: tunnel.EventReady}) // after Close: ignored
}

func TestFromConfigDisabled(t *testing.T) {
	s, err := FromConfig(context.Background(), config.RedisConfig{}, "server", "s-1")
	if err != nil || s != nil {
		t.Errorf("FromConfig without addr = %v, %v", s, err)
	}
}
