package rpc

import (
	"go.uber.org/zap"

	"go.mau.fi/mtcore/pkg/rpcerr"
	"go.mau.fi/mtcore/pkg/session"
)

// Options of Dispatcher.
type Options struct {
	Logger *zap.Logger
	// Executor runs handler invocations, e.g. on the caller's goroutine.
	// Defaults to calling inline.
	Executor func(f func())
	// OnFail is called before the fail handler. Returning true keeps the
	// handlers registered and skips delivery, e.g. when request is going to
	// be reissued after flood wait.
	OnFail func(id session.RequestID, err *rpcerr.Error) bool
	// OnSettled is called once handlers of request are taken for delivery.
	// Err is nil for a response.
	OnSettled func(id session.RequestID, err *rpcerr.Error)
}

func (cfg *Options) setDefaults() {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Executor == nil {
		cfg.Executor = func(f func()) { f() }
	}
	if cfg.OnFail == nil {
		cfg.OnFail = func(session.RequestID, *rpcerr.Error) bool { return false }
	}
	if cfg.OnSettled == nil {
		cfg.OnSettled = func(session.RequestID, *rpcerr.Error) {}
	}
}
