package mtp

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"go.mau.fi/mtcore/pkg/dcs"
	"go.mau.fi/mtcore/pkg/mtproto"
	"go.mau.fi/mtcore/pkg/rpc"
	"go.mau.fi/mtcore/pkg/rpcerr"
	"go.mau.fi/mtcore/pkg/session"
	"go.mau.fi/mtcore/pkg/wire"
)

// SendOptions of Instance.Send.
type SendOptions struct {
	// DC is a bare DC id. Zero means main DC.
	DC int
	// Shift selects a separate session with the DC, e.g. dcs.LogoutShift.
	Shift int
	// CanWait is how long request may be held to be batched with others.
	CanWait time.Duration
	// After holds request until that request has left the wire.
	After session.RequestID
	// NoLayer disables invokeWithLayer(initConnection(...)) wrapping.
	NoLayer bool
}

// Send queues request and returns its id immediately. Exactly one of handlers
// is called later, unless request is cancelled.
func (i *Instance) Send(ctx context.Context, input bin.Encoder, done rpc.DoneHandler, fail rpc.FailHandler, opt SendOptions) (session.RequestID, error) {
	body, err := wire.Encode(input)
	if err != nil {
		return session.RequestID{}, errors.Wrap(err, "encode")
	}
	dc := opt.DC
	if dc == 0 {
		dc = i.registry.MainDC()
	}
	sdc := dcs.Shift(dc, opt.Shift)
	s, err := i.session(sdc)
	if err != nil {
		return session.RequestID{}, err
	}

	id := session.NextRequestID()
	typeID, _ := (&bin.Buffer{Buf: body}).PeekID()
	r := &route{
		dc:   sdc,
		body: body,
		opt: mtproto.SendOptions{
			CanWait:    opt.CanWait,
			NeedsLayer: !opt.NoLayer,
			After:      opt.After,
		},
		span: i.startSpan(ctx, typeID, sdc),
	}

	i.mux.Lock()
	i.routes[id] = r
	i.mux.Unlock()

	i.dispatcher.Register(id, done, fail)
	s.SendRaw(id, body, r.opt)
	return id, nil
}

// Cancel drops request and its handlers. Idempotent.
func (i *Instance) Cancel(id session.RequestID) {
	i.mux.Lock()
	r, ok := i.routes[id]
	delete(i.routes, id)
	var s *mtproto.Session
	if ok {
		if r.stop != nil {
			close(r.stop)
			r.stop = nil
		}
		s = i.sessions[r.dc]
	}
	i.mux.Unlock()

	i.dispatcher.Forget(id)
	if s != nil {
		s.Cancel(id)
	}
	if ok && r.span != nil {
		r.span.SetStatus(codes.Error, "cancelled")
		r.span.End()
	}
}

// State returns mtproto.RequestSent, RequestSending, RequestConnecting or
// negative milliseconds until reconnect. Unknown requests are reported as
// sent.
func (i *Instance) State(id session.RequestID) int {
	i.mux.Lock()
	r, ok := i.routes[id]
	var (
		s       *mtproto.Session
		waiting bool
	)
	if ok {
		s = i.sessions[r.dc]
		waiting = r.stop != nil
	}
	i.mux.Unlock()

	switch {
	case waiting:
		return mtproto.RequestSending
	case s == nil:
		return mtproto.RequestSent
	default:
		return s.RequestState(id)
	}
}

// Elapsed returns time since request was first written.
func (i *Instance) Elapsed(id session.RequestID) time.Duration {
	i.mux.Lock()
	r, ok := i.routes[id]
	var s *mtproto.Session
	if ok {
		s = i.sessions[r.dc]
	}
	i.mux.Unlock()
	if s == nil {
		return 0
	}
	return s.RequestElapsed(id)
}

// Invoke sends request and waits for the answer. It implements tg.Invoker.
func (i *Instance) Invoke(ctx context.Context, input bin.Encoder, output bin.Decoder) error {
	f := newFuture[struct{}]()
	id, err := i.Send(ctx, input,
		rpc.DoneRaw(func(b *bin.Buffer) error {
			if err := output.Decode(b); err != nil {
				return err
			}
			f.Set(struct{}{})
			return nil
		}),
		rpc.Fail(func(err *rpcerr.Error) bool {
			f.Fail(err)
			return true
		}),
		SendOptions{DC: dcFromContext(ctx)},
	)
	if err != nil {
		return err
	}
	if _, err := f.Get(ctx); err != nil {
		if ctx.Err() != nil {
			i.log.Debug("Invoke cancelled", zap.Stringer("request_id", id))
			i.Cancel(id)
		}
		return err
	}
	return nil
}

type dcKey struct{}

// WithDC returns context making Invoke use bare dc instead of the main one.
func WithDC(ctx context.Context, dc int) context.Context {
	return context.WithValue(ctx, dcKey{}, dc)
}

func dcFromContext(ctx context.Context) int {
	dc, _ := ctx.Value(dcKey{}).(int)
	return dc
}
