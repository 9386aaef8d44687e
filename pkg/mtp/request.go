package mtp

import (
	"context"
	"time"

	"github.com/gotd/td/bin"

	"go.mau.fi/mtcore/pkg/rpc"
	"go.mau.fi/mtcore/pkg/rpcerr"
	"go.mau.fi/mtcore/pkg/session"
)

// RequestBuilder describes one request answered with T.
type RequestBuilder[T any, PT interface {
	*T
	bin.Decoder
}] struct {
	inst  *Instance
	ctx   context.Context
	input bin.Encoder
	owner *rpc.Sender
	done  func(v *T)
	fail  func(err *rpcerr.Error) bool
	opt   SendOptions
}

// Request starts building request, e.g.
//
//	mtp.Request[tg.Config](inst, &tg.HelpGetConfigRequest{}).Done(f).Send()
func Request[T any, PT interface {
	*T
	bin.Decoder
}](inst *Instance, input bin.Encoder) *RequestBuilder[T, PT] {
	return &RequestBuilder[T, PT]{inst: inst, ctx: context.Background(), input: input}
}

// Context sets parent context of request span.
func (b *RequestBuilder[T, PT]) Context(ctx context.Context) *RequestBuilder[T, PT] {
	b.ctx = ctx
	return b
}

// Done sets response handler.
func (b *RequestBuilder[T, PT]) Done(f func(v *T)) *RequestBuilder[T, PT] {
	b.done = f
	return b
}

// Fail sets error handler. Returning false leaves error unhandled.
func (b *RequestBuilder[T, PT]) Fail(f func(err *rpcerr.Error) bool) *RequestBuilder[T, PT] {
	b.fail = f
	return b
}

// OwnedBy binds handlers to s, so none of them runs after s.Invalidate.
func (b *RequestBuilder[T, PT]) OwnedBy(s *rpc.Sender) *RequestBuilder[T, PT] {
	b.owner = s
	return b
}

// ToDC sends request to bare dc instead of the main one.
func (b *RequestBuilder[T, PT]) ToDC(dc int) *RequestBuilder[T, PT] {
	b.opt.DC = dc
	return b
}

// Shifted sends request on a separate session with the DC.
func (b *RequestBuilder[T, PT]) Shifted(shift int) *RequestBuilder[T, PT] {
	b.opt.Shift = shift
	return b
}

// After holds request until request id has left the wire.
func (b *RequestBuilder[T, PT]) After(id session.RequestID) *RequestBuilder[T, PT] {
	b.opt.After = id
	return b
}

// CanWait allows batching request with others for up to d.
func (b *RequestBuilder[T, PT]) CanWait(d time.Duration) *RequestBuilder[T, PT] {
	b.opt.CanWait = d
	return b
}

// NoLayer disables initConnection wrapping.
func (b *RequestBuilder[T, PT]) NoLayer() *RequestBuilder[T, PT] {
	b.opt.NoLayer = true
	return b
}

// Send queues request.
func (b *RequestBuilder[T, PT]) Send() (session.RequestID, error) {
	var (
		done rpc.DoneHandler
		fail rpc.FailHandler
	)
	doneFunc := b.done
	if doneFunc == nil {
		doneFunc = func(*T) {}
	}
	if b.owner != nil {
		done = rpc.OwnedDone[T, PT](b.owner, doneFunc)
		if b.fail != nil {
			fail = rpc.OwnedFail(b.owner, b.fail)
		}
	} else {
		done = rpc.Done[T, PT](doneFunc)
		if b.fail != nil {
			fail = rpc.Fail(b.fail)
		}
	}
	return b.inst.Send(b.ctx, b.input, done, fail, b.opt)
}
