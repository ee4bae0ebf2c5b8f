package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/matst80/httpstunnel/internal/control"
	"github.com/matst80/httpstunnel/internal/httpx"
	"github.com/matst80/httpstunnel/internal/proto"
	"github.com/matst80/httpstunnel/internal/ratelimit"
	"github.com/matst80/httpstunnel/internal/tunnel"
	"github.com/matst80/httpstunnel/internal/upstream"
)

type testServer struct {
	*Server
	controlAddr string
	proxyAddr   string
	rec         *tunnel.Recorder
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	return ln
}

func startServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	rec := tunnel.NewRecorder()
	opts.Insecure = true
	opts.Observer = rec
	srv, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	controlLn, proxyLn := listen(t), listen(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, controlLn, proxyLn) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	waitFor(t, "ready", srv.Ready)
	return &testServer{Server: srv, controlAddr: controlLn.Addr().String(), proxyAddr: proxyLn.Addr().String(), rec: rec}
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

// fakeAgent connects a bare control client and lets the test script its
// reaction to createTunnel.
func fakeAgent(t *testing.T, ts *testServer, onCreate func(c *control.Client, req proto.TunnelRequest)) (stop func()) {
	t.Helper()
	c := control.NewClient(control.ClientOptions{
		URL:               "ws://" + ts.controlAddr + DefaultControlPath,
		ReconnectDelay:    10 * time.Millisecond,
		ReconnectAttempts: 0,
	})
	c.On(proto.EventCreateTunnel, func(data json.RawMessage) {
		var req proto.TunnelRequest
		if err := json.Unmarshal(data, &req); err != nil {
			t.Errorf("createTunnel payload: %v", err)
			return
		}
		go onCreate(c, req)
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	stopped := false
	stop = func() {
		if !stopped {
			stopped = true
			cancel()
			<-done
		}
	}
	t.Cleanup(stop)
	waitFor(t, "agent session", ts.AgentConnected)
	return stop
}

func sendConnect(t *testing.T, addr, target string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.WriteString(conn, "CONNECT "+target+" HTTP/1.1\r\nHost: "+target+"\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	return conn
}

// readRejection reads a single status line written before the server closed.
func readRejection(t *testing.T, conn net.Conn) string {
	t.Helper()
	b, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read rejection: %v", err)
	}
	return string(b)
}

func errorKinds(rec *tunnel.Recorder) []tunnel.Kind {
	var kinds []tunnel.Kind
	for _, e := range rec.Events() {
		if e.Kind == tunnel.EventError {
			k, _ := tunnel.KindOf(e.Err)
			kinds = append(kinds, k)
		}
	}
	return kinds
}

func TestNewRequiresKeyMaterial(t *testing.T) {
	_, err := New(Options{})
	if k, ok := tunnel.KindOf(err); !ok || k != tunnel.KindConfig {
		t.Fatalf("New without key/cert = %v, want config error", err)
	}
}

func TestNoAgentRejectsWith500(t *testing.T) {
	ts := startServer(t, Options{})
	conn := sendConnect(t, ts.proxyAddr, "example.com:443")
	if got := readRejection(t, conn); got != "HTTP/1.1 500 No agent connected\r\n" {
		t.Fatalf("got %q", got)
	}
	if ts.reg.Len() != 0 || ts.rec.Count(tunnel.EventTunnelRequest) != 0 {
		t.Fatal("rejected request created tunnel state")
	}
}

func TestNonConnectMethodsGet405(t *testing.T) {
	ts := startServer(t, Options{})
	for _, url := range []string{
		"http://" + ts.proxyAddr + "/",
		"http://" + ts.controlAddr + "/",
		"http://" + ts.controlAddr + DefaultControlPath, // no upgrade headers
	} {
		resp, err := http.Post(url, "text/plain", strings.NewReader("x"))
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed || string(body) != "Method not allowed" {
			t.Errorf("%s: %d %q", url, resp.StatusCode, body)
		}
	}
	if ts.reg.Len() != 0 {
		t.Fatal("405 created registry state")
	}
}

func TestUnknownTunnelIDGets400(t *testing.T) {
	ts := startServer(t, Options{})
	conn := sendConnect(t, ts.controlAddr, "does-not-exist")
	want := "HTTP/1.1 400 No client socket for tunnelId: does-not-exist or socket is destroyed\r\n"
	if got := readRejection(t, conn); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	waitFor(t, "error event", func() bool { return ts.rec.Count(tunnel.EventError) == 1 })
	if k := errorKinds(ts.rec); k[0] != tunnel.KindTunnelAccept {
		t.Fatalf("error kinds = %v", k)
	}
}

func TestUnparseableTargetGets400(t *testing.T) {
	ts := startServer(t, Options{})
	fakeAgent(t, ts, func(*control.Client, proto.TunnelRequest) {
		t.Error("agent must not be asked for a bad target")
	})
	conn := sendConnect(t, ts.proxyAddr, ":443")
	if got := readRejection(t, conn); got != "HTTP/1.1 400 Bad Request\r\n" {
		t.Fatalf("got %q", got)
	}
	if ts.reg.Len() != 0 {
		t.Fatal("registry entry created for bad target")
	}
}

func TestPairingSplicesBothWays(t *testing.T) {
	ts := startServer(t, Options{})
	fakeAgent(t, ts, func(_ *control.Client, req proto.TunnelRequest) {
		raw, err := net.Dial("tcp", ts.controlAddr)
		if err != nil {
			t.Error(err)
			return
		}
		conn, err := upstream.Connect(context.Background(), raw, req.ID, nil)
		if err != nil {
			t.Errorf("agent CONNECT: %v", err)
			return
		}
		defer conn.Close()
		_, _ = io.Copy(conn, conn) // the "target" echoes
	})

	conn := sendConnect(t, ts.proxyAddr, "example.com:443")
	head := make([]byte, len(httpx.ConnectEstablished))
	if _, err := io.ReadFull(conn, head); err != nil {
		t.Fatal(err)
	}
	if string(head) != string(httpx.ConnectEstablished) {
		t.Fatalf("success line = %q", head)
	}
	payload := strings.Repeat("0123456789", 10000)
	go func() { _, _ = io.WriteString(conn, payload) }()
	echo := make([]byte, len(payload))
	if _, err := io.ReadFull(conn, echo); err != nil {
		t.Fatal(err)
	}
	if string(echo) != payload {
		t.Fatal("echo differs from payload")
	}

	var reqID, doneID string
	for _, e := range ts.rec.Events() {
		switch e.Kind {
		case tunnel.EventTunnelRequest:
			reqID = e.Request.ID
			if e.Request.HostName != "example.com" || e.Request.Port != 443 {
				t.Errorf("request = %+v", e.Request)
			}
		case tunnel.EventTunnelCompleted:
			doneID = e.TunnelID
		}
	}
	if reqID == "" || reqID != doneID {
		t.Fatalf("tunnel-request %q / tunnel-completed %q", reqID, doneID)
	}
	if ts.reg.Len() != 0 {
		t.Fatal("paired entry still registered")
	}
	if st := ts.Stats(); st.TotalTunnels != 1 || !st.AgentConnected {
		t.Fatalf("stats = %+v", st)
	}
}

func TestTargetTimeoutAnswers504Once(t *testing.T) {
	ts := startServer(t, Options{})
	fakeAgent(t, ts, func(c *control.Client, req proto.TunnelRequest) {
		_ = c.Send(proto.EventCreateTunnelTimeout, proto.TunnelTimeout{TunnelData: req})
	})
	conn := sendConnect(t, ts.proxyAddr, "unreachable.example:8443")
	if got := readRejection(t, conn); got != "HTTP/1.1 504 connect ETIMEDOUT unreachable.example:8443\r\n" {
		t.Fatalf("got %q", got)
	}
	waitFor(t, "error event", func() bool { return ts.rec.Count(tunnel.EventError) >= 1 })
	time.Sleep(20 * time.Millisecond)
	if k := errorKinds(ts.rec); len(k) != 1 || k[0] != tunnel.KindTargetTimeout {
		t.Fatalf("error kinds = %v", k)
	}
	if ts.reg.Len() != 0 {
		t.Fatal("timed out entry still registered")
	}
}

func TestTargetErrorAnswers500(t *testing.T) {
	ts := startServer(t, Options{})
	fakeAgent(t, ts, func(c *control.Client, req proto.TunnelRequest) {
		_ = c.Send(proto.EventCreateTunnelError, proto.TunnelError{TunnelData: req, Err: "connect ECONNREFUSED"})
	})
	conn := sendConnect(t, ts.proxyAddr, "example.com:1")
	if got := readRejection(t, conn); got != "HTTP/1.1 500 connect ECONNREFUSED\r\n" {
		t.Fatalf("got %q", got)
	}
	waitFor(t, "error event", func() bool { return ts.rec.Count(tunnel.EventError) == 1 })
	if k := errorKinds(ts.rec); k[0] != tunnel.KindTargetConnect {
		t.Fatalf("error kinds = %v", k)
	}
}

func TestPendingSweepAnswers504(t *testing.T) {
	ts := startServer(t, Options{PendingTimeout: 50 * time.Millisecond, CleanupInterval: 10 * time.Millisecond})
	fakeAgent(t, ts, func(*control.Client, proto.TunnelRequest) {})
	conn := sendConnect(t, ts.proxyAddr, "example.com:443")
	if got := readRejection(t, conn); got != "HTTP/1.1 504 Gateway Timeout\r\n" {
		t.Fatalf("got %q", got)
	}
	if ts.Stats().Timeouts != 1 {
		t.Fatalf("timeouts = %d", ts.Stats().Timeouts)
	}
}

func TestAgentDisconnectReleasesPending(t *testing.T) {
	ts := startServer(t, Options{})
	stop := fakeAgent(t, ts, func(*control.Client, proto.TunnelRequest) {})
	conn := sendConnect(t, ts.proxyAddr, "example.com:443")
	waitFor(t, "pending entry", func() bool { return ts.reg.Len() == 1 })
	stop()
	if got := readRejection(t, conn); got != "HTTP/1.1 500 Agent disconnected\r\n" {
		t.Fatalf("got %q", got)
	}
	waitFor(t, "slot cleared", func() bool { return !ts.AgentConnected() })
	if ts.rec.Count(tunnel.EventAgentDisconnect) != 1 {
		t.Fatal("missing agent-disconnect event")
	}
}

func TestRateLimitedConnectGets429(t *testing.T) {
	ts := startServer(t, Options{Limiter: ratelimit.NewRateLimiter(0, 0.001, 1)})
	first := sendConnect(t, ts.proxyAddr, "example.com:443")
	if got := readRejection(t, first); got != "HTTP/1.1 500 No agent connected\r\n" {
		t.Fatalf("first: %q", got)
	}
	second := sendConnect(t, ts.proxyAddr, "example.com:443")
	if got := readRejection(t, second); got != "HTTP/1.1 429 Too Many Requests\r\n" {
		t.Fatalf("second: %q", got)
	}
}

func TestAgentReportsDoNotWaitOnStalledClients(t *testing.T) {
	srv, err := New(Options{Insecure: true, Observer: tunnel.NewRecorder()})
	if err != nil {
		t.Fatal(err)
	}
	// net.Pipe is unbuffered: writes block until the client side reads.
	clientEnd, serverEnd := net.Pipe()
	defer clientEnd.Close()
	req := proto.TunnelRequest{ID: "stalled", HostName: "example.com", Port: 443}
	if err := srv.reg.Put(req, serverEnd, "session"); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(proto.TunnelTimeout{TunnelData: req})
	if err != nil {
		t.Fatal(err)
	}

	handled := make(chan struct{})
	go func() {
		srv.onTargetTimeout(data)
		close(handled)
	}()
	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("timeout handler blocked on a client that is not reading")
	}

	_ = clientEnd.SetReadDeadline(time.Now().Add(5 * time.Second))
	line := make([]byte, len(httpx.ConnectTimeout(req.Addr())))
	if _, err := io.ReadFull(clientEnd, line); err != nil {
		t.Fatalf("read 504: %v", err)
	}
	if string(line) != string(httpx.ConnectTimeout(req.Addr())) {
		t.Fatalf("got %q", line)
	}
}
