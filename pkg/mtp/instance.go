// Package mtp runs sessions with every DC on top of a shared key registry,
// callback dispatcher and config loader.
package mtp

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/clock"
	"github.com/gotd/td/tmap"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"go.mau.fi/mtcore/pkg/dcconfig"
	"go.mau.fi/mtcore/pkg/dcs"
	"go.mau.fi/mtcore/pkg/mtproto"
	"go.mau.fi/mtcore/pkg/rpc"
	"go.mau.fi/mtcore/pkg/rpcerr"
	"go.mau.fi/mtcore/pkg/session"
)

// ErrClosed is returned when sending through closed Instance.
var ErrClosed = errors.New("instance closed")

// route is what is needed to reissue a request and finish its span.
type route struct {
	dc   dcs.ShiftedDC
	body []byte
	opt  mtproto.SendOptions
	span trace.Span
	// stop is set while request waits out a flood wait.
	stop chan struct{}
}

// Instance owns one session per shifted DC.
type Instance struct {
	log    *zap.Logger
	clock  clock.Clock
	types  *tmap.Map
	tracer trace.Tracer
	opts   Options

	registry   *dcs.Registry
	table      *dcconfig.Table
	config     *dcconfig.Loader
	dispatcher *rpc.Dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mux      sync.Mutex
	sessions map[dcs.ShiftedDC]*mtproto.Session
	routes   map[session.RequestID]*route
	closed   bool

	unsubscribe func()
}

// New creates new Instance. Sessions are started on first request.
func New(opt Options) (*Instance, error) {
	opt.setDefaults()
	if opt.Dialer == nil {
		return nil, errors.New("no dialer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	i := &Instance{
		log:      opt.Logger,
		clock:    opt.Clock,
		types:    opt.Types,
		opts:     opt,
		registry: opt.Registry,
		table:    dcconfig.NewTable(opt.Bootstrap),
		ctx:      ctx,
		cancel:   cancel,
		sessions: map[dcs.ShiftedDC]*mtproto.Session{},
		routes:   map[session.RequestID]*route{},
	}
	if opt.TracerProvider != nil {
		i.tracer = opt.TracerProvider.Tracer("go.mau.fi/mtcore/pkg/mtp")
	}
	i.dispatcher = rpc.NewDispatcher(rpc.Options{
		Logger:    opt.Logger.Named("rpc"),
		Executor:  opt.Executor,
		OnFail:    i.onFail,
		OnSettled: i.onSettled,
	})
	i.config = dcconfig.NewLoader(dcconfig.Options{
		Logger:      opt.Logger,
		Clock:       opt.Clock,
		Client:      loaderClient{i: i},
		Table:       i.table,
		MainDC:      i.registry.MainDC,
		EnumTimeout: opt.EnumTimeout,
		MaxRounds:   opt.MaxRounds,
		OnChange:    opt.OnDCChange,
	})
	i.unsubscribe = i.registry.Subscribe(i.onKey)
	return i, nil
}

// Registry returns key registry.
func (i *Instance) Registry() *dcs.Registry { return i.registry }

// Dispatcher returns callback dispatcher shared by every session.
func (i *Instance) Dispatcher() *rpc.Dispatcher { return i.dispatcher }

// ConfigLoader returns config loader.
func (i *Instance) ConfigLoader() *dcconfig.Loader { return i.config }

// Run loads stored keys and config, then blocks until ctx is done or
// Instance is closed.
func (i *Instance) Run(ctx context.Context) error {
	if err := i.registry.Load(ctx); err != nil {
		return err
	}
	i.config.Load()

	select {
	case <-ctx.Done():
	case <-i.ctx.Done():
	}
	return multierr.Append(ctx.Err(), i.Close())
}

// Sessions returns sorted ids of live sessions.
func (i *Instance) Sessions() []dcs.ShiftedDC {
	i.mux.Lock()
	defer i.mux.Unlock()
	return slices.Sorted(maps.Keys(i.sessions))
}

func (i *Instance) session(dc dcs.ShiftedDC) (*mtproto.Session, error) {
	i.mux.Lock()
	s, err := i.sessionLocked(dc)
	i.mux.Unlock()
	if err != nil {
		return nil, err
	}

	// Shifted sessions never create keys, the regular one does.
	if dc.Shift() != 0 && i.opts.Exchanger != nil {
		if _, ok := i.registry.Key(dc.Bare()); !ok {
			i.mux.Lock()
			_, err = i.sessionLocked(dcs.Shift(dc.Bare(), 0))
			i.mux.Unlock()
			if err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

func (i *Instance) sessionLocked(dc dcs.ShiftedDC) (*mtproto.Session, error) {
	if i.closed {
		return nil, ErrClosed
	}
	if s, ok := i.sessions[dc]; ok {
		return s, nil
	}

	opt := mtproto.Options{
		Logger:        i.log.Named("session"),
		Clock:         i.clock,
		Random:        i.opts.Random,
		Types:         i.types,
		Dialer:        i.opts.Dialer,
		Addr:          i.table.Addr,
		Keys:          i.registry,
		Dispatcher:    i.dispatcher,
		Handler:       updateHandler{i: i},
		APIID:         i.opts.APIID,
		Layer:         i.opts.Layer,
		Device:        i.opts.Device,
		PingInterval:  i.opts.PingInterval,
		PingTimeout:   i.opts.PingTimeout,
		ResendTimeout: i.opts.ResendTimeout,
	}
	if dc.Shift() == 0 {
		opt.Exchanger = i.opts.Exchanger
	}
	s, err := mtproto.New(dc, opt)
	if err != nil {
		return nil, errors.Wrapf(err, "create session %s", dc)
	}
	i.sessions[dc] = s

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		if err := s.Run(i.ctx); err != nil && !errors.Is(err, mtproto.ErrClosed) && !errors.Is(err, context.Canceled) {
			i.log.Warn("Session stopped", zap.Stringer("dc", dc), zap.Error(err))
		}
	}()
	i.log.Debug("Session started", zap.Stringer("dc", dc))
	return s, nil
}

// sessionsOf returns live sessions of bare dc.
func (i *Instance) sessionsOf(dc int) []*mtproto.Session {
	i.mux.Lock()
	defer i.mux.Unlock()
	var r []*mtproto.Session
	for id, s := range i.sessions {
		if id.Bare() == dc {
			r = append(r, s)
		}
	}
	return r
}

// KillSession closes session of dc, failing its pending requests with
// CLIENT_SESSION_CLOSED. Safe to call from handlers.
func (i *Instance) KillSession(dc dcs.ShiftedDC) {
	i.mux.Lock()
	s, ok := i.sessions[dc]
	if !ok || i.closed {
		i.mux.Unlock()
		return
	}
	delete(i.sessions, dc)
	i.wg.Add(1)
	i.mux.Unlock()

	i.log.Debug("Killing session", zap.Stringer("dc", dc))
	go func() {
		defer i.wg.Done()
		_ = s.Close()
	}()
}

// Restart reconnects every session of bare dc.
func (i *Instance) Restart(dc int) {
	for _, s := range i.sessionsOf(dc) {
		s.Restart()
	}
}

// Close stops every session. Requests that are still pending fail with
// CLIENT_SESSION_CLOSED.
func (i *Instance) Close() error {
	i.mux.Lock()
	if i.closed {
		i.mux.Unlock()
		return nil
	}
	i.closed = true
	sessions := slices.Collect(maps.Values(i.sessions))
	clear(i.sessions)
	for _, r := range i.routes {
		if r.stop != nil {
			close(r.stop)
			r.stop = nil
		}
	}
	i.mux.Unlock()

	i.unsubscribe()
	i.config.Close()

	var err error
	for _, s := range sessions {
		err = multierr.Append(err, s.Close())
	}
	i.cancel()
	i.wg.Wait()
	i.dispatcher.FailAll(rpcerr.New(0, rpcerr.TypeSessionClosed))
	return err
}

// loaderClient adapts Instance for config loader.
type loaderClient struct {
	i *Instance
}

func (c loaderClient) Send(dc dcs.ShiftedDC, input bin.Encoder, done rpc.DoneHandler, fail rpc.FailHandler) (session.RequestID, error) {
	return c.i.Send(c.i.ctx, input, done, fail, SendOptions{DC: dc.Bare(), Shift: dc.Shift()})
}

func (c loaderClient) Cancel(id session.RequestID) { c.i.Cancel(id) }

func (c loaderClient) KillSession(dc dcs.ShiftedDC) { c.i.KillSession(dc) }

func (c loaderClient) Restart(dc int) { c.i.Restart(dc) }
