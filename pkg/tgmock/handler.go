// Package tgmock contains rpc handlers for tgtest servers: an ordered
// expectation mock and a router by query type.
package tgmock

import (
	"sync"

	"github.com/gotd/td/bin"

	"go.mau.fi/mtcore/pkg/rpcerr"
	"go.mau.fi/mtcore/pkg/tgtest"
)

// HandlerFunc answers one call.
type HandlerFunc = tgtest.HandlerFunc

// Result returns handler always answering with v.
func Result(v bin.Encoder) HandlerFunc {
	return func(*tgtest.Request) (bin.Encoder, error) {
		return v, nil
	}
}

// Error returns handler always answering with rpc error.
func Error(code int, typ string) HandlerFunc {
	return func(*tgtest.Request) (bin.Encoder, error) {
		return nil, rpcerr.New(code, typ)
	}
}

// Hold returns handler that never answers.
func Hold() HandlerFunc {
	return func(*tgtest.Request) (bin.Encoder, error) {
		return nil, tgtest.ErrNoAnswer
	}
}

// Router dispatches calls by query type id.
type Router struct {
	mux      sync.RWMutex
	routes   map[uint32]tgtest.Handler
	fallback tgtest.Handler
}

// NewRouter creates router answering unknown calls with fallback, or
// 400 METHOD_INVALID if fallback is nil.
func NewRouter(fallback tgtest.Handler) *Router {
	if fallback == nil {
		fallback = Error(400, "METHOD_INVALID")
	}
	return &Router{routes: map[uint32]tgtest.Handler{}, fallback: fallback}
}

// On sets handler of type id.
func (r *Router) On(typeID uint32, h tgtest.Handler) *Router {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.routes[typeID] = h
	return r
}

// Handle implements tgtest.Handler.
func (r *Router) Handle(req *tgtest.Request) (bin.Encoder, error) {
	r.mux.RLock()
	h, ok := r.routes[req.TypeID]
	r.mux.RUnlock()
	if !ok {
		h = r.fallback
	}
	return h.Handle(req)
}
