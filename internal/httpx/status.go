// Package httpx holds the raw-socket HTTP bits of the CONNECT protocol:
// canned single-line status responses and hijacked connection helpers.
package httpx

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// ProxyAgent is the value of the Proxy-agent header sent on success. Agents
// in the field match on the exact success bytes, so it never changes.
const ProxyAgent = "Node-VPN"

// ConnectEstablished is written to both ends of a paired tunnel.
var ConnectEstablished = []byte("HTTP/1.1 200 Connection Established\r\nProxy-agent: " + ProxyAgent + "\r\n\r\n")

// StatusLine builds "HTTP/1.1 <code> <reason>\r\n". CR and LF in reason are
// replaced so the response stays a single line.
func StatusLine(code int, reason string) []byte {
	reason = strings.NewReplacer("\r", " ", "\n", " ").Replace(reason)
	return []byte("HTTP/1.1 " + strconv.Itoa(code) + " " + reason + "\r\n")
}

func BadRequest(reason string) []byte {
	if reason == "" {
		reason = "Bad Request"
	}
	return StatusLine(400, reason)
}

func TooManyRequests() []byte { return StatusLine(429, "Too Many Requests") }

// InternalError carries an arbitrary failure message. An empty message still
// yields a valid line ("HTTP/1.1 500 \r\n").
func InternalError(msg string) []byte { return StatusLine(500, msg) }

func NoAgent() []byte { return InternalError("No agent connected") }

// ConnectTimeout is sent to the client when the agent could not reach addr
// (host:port) in time.
func ConnectTimeout(addr string) []byte { return StatusLine(504, "connect ETIMEDOUT "+addr) }

func GatewayTimeout() []byte { return StatusLine(504, "Gateway Timeout") }

// writeTimeout bounds writes of canned lines to peers that stopped reading.
const writeTimeout = 5 * time.Second

// Reject writes line to c and closes it.
func Reject(c net.Conn, line []byte) error {
	_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.Write(line)
	if cerr := c.Close(); err == nil {
		err = cerr
	}
	return err
}

// Send writes line to c with a bounded deadline, leaving c open.
func Send(c net.Conn, line []byte) error {
	_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.Write(line)
	_ = c.SetWriteDeadline(time.Time{})
	return err
}
