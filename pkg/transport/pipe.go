package transport

import (
	"context"
	"sync"

	"github.com/gotd/td/bin"
)

type pipeShared struct {
	once sync.Once
	done chan struct{}
}

func (s *pipeShared) close() {
	s.once.Do(func() { close(s.done) })
}

type pipeConn struct {
	in     <-chan []byte
	out    chan<- []byte
	shared *pipeShared
}

// Pipe returns an in-memory connection pair. Closing either end closes both.
func Pipe() (Conn, Conn) {
	shared := &pipeShared{done: make(chan struct{})}
	a := make(chan []byte, 64)
	b := make(chan []byte, 64)
	return &pipeConn{in: a, out: b, shared: shared}, &pipeConn{in: b, out: a, shared: shared}
}

func (c *pipeConn) Send(ctx context.Context, b *bin.Buffer) error {
	data := append([]byte(nil), b.Buf...)
	select {
	case <-c.shared.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- data:
		return nil
	case <-c.shared.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeConn) Recv(ctx context.Context, b *bin.Buffer) error {
	select {
	case data := <-c.in:
		b.ResetTo(data)
		return nil
	case <-c.shared.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeConn) Close() error {
	c.shared.close()
	return nil
}
