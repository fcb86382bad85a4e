package transport

import (
	"context"
	"io"
	"net"
	"sync"
)

const readChunk = 32 << 10

// Stream carries envelopes over any reader/writer pair: pipes, stdio, TCP.
type Stream struct {
	r io.Reader
	w io.Writer
	c io.Closer

	writeMu sync.Mutex
	buf     []byte
}

// NewStream wraps r and w. When either one is an io.Closer it is closed by
// Close.
func NewStream(r io.Reader, w io.Writer) *Stream {
	s := &Stream{r: r, w: w, buf: make([]byte, readChunk)}
	if c, ok := r.(io.Closer); ok {
		s.c = c
	} else if c, ok := w.(io.Closer); ok {
		s.c = c
	}
	return s
}

// NewNetConn wraps a net.Conn.
func NewNetConn(conn net.Conn) *Stream {
	return NewStream(conn, conn)
}

// DialTCP connects to a peer listening on addr.
func DialTCP(ctx context.Context, addr string) (*Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewNetConn(conn), nil
}

func (s *Stream) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := io.WriteString(s.w, text)
	return err
}

// Receive returns whatever the next read produced. Callers must not call it
// concurrently.
func (s *Stream) Receive(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n, err := s.r.Read(s.buf)
	if n > 0 {
		return string(s.buf[:n]), nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return "", err
}

func (s *Stream) Close() error {
	if s.c == nil {
		return nil
	}
	return s.c.Close()
}
