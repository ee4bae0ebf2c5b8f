package httpx

import (
	"bufio"
	"net"
)

// BufferedConn replays bytes a bufio.Reader already pulled off the wire
// (after a hijack or a CONNECT response) before reading from the conn itself.
type BufferedConn struct {
	net.Conn
	r *bufio.Reader
}

// Read implements io.Reader interface
func (bc *BufferedConn) Read(b []byte) (int, error) {
	return bc.r.Read(b)
}

// WrapBuffered returns c unchanged when r holds nothing, otherwise a conn
// that drains r first.
func WrapBuffered(c net.Conn, r *bufio.Reader) net.Conn {
	if r == nil || r.Buffered() == 0 {
		return c
	}
	return &BufferedConn{Conn: c, r: r}
}
