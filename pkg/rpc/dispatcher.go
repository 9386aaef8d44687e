package rpc

import (
	"sync"

	"go.uber.org/zap"

	"go.mau.fi/mtcore/pkg/rpcerr"
	"go.mau.fi/mtcore/pkg/session"
)

type handlers struct {
	done DoneHandler
	fail FailHandler
}

// Dispatcher maps request ids to their handlers.
//
// Handlers are removed before invocation, so each request gets at most one
// call of either done or fail handler.
type Dispatcher struct {
	mux      sync.Mutex
	handlers map[session.RequestID]handlers

	log    *zap.Logger
	exec   func(f func())
	onFail func(id session.RequestID, err *rpcerr.Error) bool
	settle func(id session.RequestID, err *rpcerr.Error)
}

// NewDispatcher creates new Dispatcher.
func NewDispatcher(opt Options) *Dispatcher {
	opt.setDefaults()
	return &Dispatcher{
		handlers: map[session.RequestID]handlers{},
		log:      opt.Logger,
		exec:     opt.Executor,
		onFail:   opt.OnFail,
		settle:   opt.OnSettled,
	}
}

func ownerOf(h any) *Sender {
	if o, ok := h.(owned); ok {
		return o.owner()
	}
	return nil
}

// Register binds handlers to request id. Both handlers may be nil.
func (d *Dispatcher) Register(id session.RequestID, done DoneHandler, fail FailHandler) {
	d.mux.Lock()
	d.handlers[id] = handlers{done: done, fail: fail}
	d.mux.Unlock()

	for _, s := range []*Sender{ownerOf(done), ownerOf(fail)} {
		if s != nil {
			s.track(id, d)
		}
	}
}

// Has reports whether request has registered handlers.
func (d *Dispatcher) Has(id session.RequestID) bool {
	d.mux.Lock()
	defer d.mux.Unlock()
	_, ok := d.handlers[id]
	return ok
}

// Len returns count of registered requests.
func (d *Dispatcher) Len() int {
	d.mux.Lock()
	defer d.mux.Unlock()
	return len(d.handlers)
}

// Forget removes handlers without calling them. Idempotent.
func (d *Dispatcher) Forget(id session.RequestID) {
	d.take(id)
}

func (d *Dispatcher) take(id session.RequestID) (handlers, bool) {
	d.mux.Lock()
	h, ok := d.handlers[id]
	delete(d.handlers, id)
	d.mux.Unlock()
	if ok {
		for _, s := range []*Sender{ownerOf(h.done), ownerOf(h.fail)} {
			if s != nil {
				s.untrack(id)
			}
		}
	}
	return h, ok
}

// invoke runs f through executor, skipping it if owner of h is gone.
func (d *Dispatcher) invoke(h any, f func()) {
	d.exec(func() {
		s := ownerOf(h)
		if s == nil {
			f()
			return
		}
		if !s.run(f) {
			d.log.Debug("Handler owner invalidated, skipping")
		}
	})
}

// Done delivers response. Returns false if no handler was registered.
func (d *Dispatcher) Done(r Response) bool {
	h, ok := d.take(r.RequestID)
	if !ok {
		return false
	}
	d.settle(r.RequestID, nil)
	if h.done == nil {
		return true
	}
	d.invoke(h.done, func() {
		err := h.done.OnDone(r)
		if err == nil {
			return
		}
		d.log.Warn("Failed to parse response",
			zap.Stringer("request_id", r.RequestID),
			zap.Error(err),
		)
		rpcErr := rpcerr.New(0, rpcerr.TypeResponseParseFailed)
		rpcErr.Description = err.Error()
		deliver := func() { d.deliverFail(r.RequestID, h.fail, rpcErr) }
		// Done owner lock is already held here.
		if s := ownerOf(h.fail); s != nil && s != ownerOf(h.done) {
			s.run(deliver)
			return
		}
		deliver()
	})
	return true
}

// Fail delivers error. Returns false if no handler was registered.
func (d *Dispatcher) Fail(id session.RequestID, err *rpcerr.Error) bool {
	if !d.Has(id) {
		return false
	}
	if d.onFail(id, err) {
		return true
	}
	h, ok := d.take(id)
	if !ok {
		return false
	}
	d.settle(id, err)
	d.invoke(h.fail, func() {
		d.deliverFail(id, h.fail, err)
	})
	return true
}

func (d *Dispatcher) deliverFail(id session.RequestID, fail FailHandler, err *rpcerr.Error) {
	if fail != nil && fail.OnFail(id, err) {
		return
	}
	d.log.Info("Unhandled request error",
		zap.Stringer("request_id", id),
		zap.Int("code", err.Code),
		zap.String("type", err.Type),
		zap.String("description", err.Description),
	)
}

// FailAll delivers error to every registered request.
func (d *Dispatcher) FailAll(err *rpcerr.Error) {
	d.mux.Lock()
	ids := make([]session.RequestID, 0, len(d.handlers))
	for id := range d.handlers {
		ids = append(ids, id)
	}
	d.mux.Unlock()

	for _, id := range ids {
		h, ok := d.take(id)
		if !ok {
			continue
		}
		d.settle(id, err)
		d.invoke(h.fail, func() {
			d.deliverFail(id, h.fail, err)
		})
	}
}
