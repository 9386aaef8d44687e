// Package transport contains connections carrying MTProto frames.
package transport

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
)

// ErrClosed is returned by operations on closed connection.
var ErrClosed = errors.New("connection closed")

// Conn is a packet connection to one DC. Each Send and Recv carries exactly
// one frame.
//
// One goroutine may Send while another one does Recv.
type Conn interface {
	Send(ctx context.Context, b *bin.Buffer) error
	Recv(ctx context.Context, b *bin.Buffer) error
	Close() error
}

// Dialer creates connections.
type Dialer interface {
	DialContext(ctx context.Context, dc int, addr string) (Conn, error)
}

// DialFunc is a function implementing Dialer.
type DialFunc func(ctx context.Context, dc int, addr string) (Conn, error)

// DialContext implements Dialer.
func (f DialFunc) DialContext(ctx context.Context, dc int, addr string) (Conn, error) {
	return f(ctx, dc, addr)
}
