// Package exchange creates auth keys for sessions that have none yet.
package exchange

import (
	"context"

	"github.com/gotd/td/crypto"

	"go.mau.fi/mtcore/pkg/transport"
)

// Result contains client part of key exchange result.
type Result struct {
	AuthKey    crypto.AuthKey
	ServerSalt int64
}

// Exchanger negotiates a new auth key over conn.
type Exchanger interface {
	Exchange(ctx context.Context, dc int, conn transport.Conn) (Result, error)
}

// Func is a function implementing Exchanger.
type Func func(ctx context.Context, dc int, conn transport.Conn) (Result, error)

// Exchange implements Exchanger.
func (f Func) Exchange(ctx context.Context, dc int, conn transport.Conn) (Result, error) {
	return f(ctx, dc, conn)
}
