package tunnel

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/matst80/httpstunnel/internal/httpx"
)

const spliceBufferSize = 32 * 1024

// Result describes a finished splice.
type Result struct {
	AtoB     int64 // bytes read from a and written to b
	BtoA     int64
	Duration time.Duration
}

// Splice joins a and b into one full-duplex stream and blocks until the pair
// is torn down. Both conns are closed when it returns.
//
// The first peer to finish decides the outcome and the other peer's handler
// never fires:
//   - a peer that ends cleanly closes the other peer; Splice returns nil.
//   - a peer that fails gets "HTTP/1.1 500 <message>" written to the other
//     peer before both are closed; Splice returns a KindPipe *Error.
//
// End of stream on one leg is never forwarded as a half-close to the other.
func Splice(id string, a, b net.Conn) (Result, error) {
	s := &splice{id: id, start: time.Now()}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.res.AtoB = s.copy(b, a) }()
	go func() { defer wg.Done(); s.res.BtoA = s.copy(a, b) }()
	wg.Wait()
	s.res.Duration = time.Since(s.start)
	return s.res, s.err
}

type splice struct {
	id    string
	start time.Time
	once  sync.Once
	res   Result
	err   error
}

// copy moves src -> dst until one of them stops. A read failure belongs to
// src, a write failure belongs to dst.
func (s *splice) copy(dst, src net.Conn) int64 {
	buf := make([]byte, spliceBufferSize)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			total += int64(w)
			if werr == nil && w != n {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				s.finish(dst, src, werr)
				return total
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				rerr = nil
			}
			s.finish(src, dst, rerr)
			return total
		}
	}
}

// finish runs the teardown for the peer that stopped first. Later calls (the
// other direction noticing the closed sockets) are ignored.
func (s *splice) finish(peer, other net.Conn, err error) {
	s.once.Do(func() {
		if err != nil {
			_ = httpx.Send(other, httpx.InternalError(err.Error()))
			s.err = &Error{Kind: KindPipe, TunnelID: s.id, Err: err}
		}
		_ = other.Close()
		_ = peer.Close()
	})
}
