package upstream

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matst80/httpstunnel/internal/httpx"
)

// StatusError is a CONNECT answered with anything but 200.
type StatusError struct {
	Code int
	Line string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("CONNECT refused: %s", e.Line)
}

// Connect sends "CONNECT target HTTP/1.1" over conn and waits for a 200.
// target is whatever the peer expects on the request line: host:port for a
// forward proxy, a tunnel id for the tunnel server. user adds
// Proxy-Authorization when set.
//
// Bytes the peer sent after its response are preserved in the returned conn.
// On failure conn is closed.
func Connect(ctx context.Context, conn net.Conn, target string, user *url.Userinfo) (net.Conn, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})

	rc, err := connect(conn, target, user)
	if !stop() || ctx.Err() != nil {
		if err == nil {
			err = ctx.Err()
		} else {
			err = fmt.Errorf("%w: %v", ctx.Err(), err)
		}
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return rc, nil
}

func connect(conn net.Conn, target string, user *url.Userinfo) (net.Conn, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if user != nil {
		pass, _ := user.Password()
		auth := base64.StdEncoding.EncodeToString([]byte(user.Username() + ":" + pass))
		fmt.Fprintf(&b, "Proxy-Authorization: Basic %s\r\n", auth)
	}
	b.WriteString("\r\n")
	if _, err := conn.Write([]byte(b.String())); err != nil {
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	// The tunnel server answers failures with a bare status line and closes,
	// so the status line is read on its own before any headers.
	br := bufio.NewReader(conn)
	tp := textproto.NewReader(br)
	line, err := tp.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	code, err := parseStatus(line)
	if err != nil {
		return nil, err
	}
	if code != 200 {
		return nil, &StatusError{Code: code, Line: line}
	}
	if _, err := tp.ReadMIMEHeader(); err != nil {
		return nil, fmt.Errorf("read CONNECT response headers: %w", err)
	}
	return httpx.WrapBuffered(conn, br), nil
}

func parseStatus(line string) (int, error) {
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return 0, fmt.Errorf("malformed CONNECT response %q", line)
	}
	codeStr, _, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 100 || code > 999 {
		return 0, fmt.Errorf("malformed CONNECT status %q", line)
	}
	return code, nil
}
