// Package mtproto implements the session orchestrator: one session with one
// DC, its live connection, request lifecycle and retry policy.
package mtproto

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/clock"
	"github.com/gotd/td/crypto"
	"github.com/gotd/td/proto"
	"github.com/gotd/td/tmap"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go.mau.fi/mtcore/pkg/dcs"
	"go.mau.fi/mtcore/pkg/rpc"
	"go.mau.fi/mtcore/pkg/rpcerr"
	"go.mau.fi/mtcore/pkg/session"
	"go.mau.fi/mtcore/pkg/transport"
)

// Connection states reported through RequestState.
const (
	RequestSent       = 0
	RequestConnecting = 1
	RequestSending    = 2
)

const (
	stateDisconnected int32 = iota
	stateConnecting
	stateConnected
	stateWaiting
)

// ErrClosed is returned by Run after Close.
var ErrClosed = errors.New("session closed")

var errRestart = errors.New("restart requested")

// Session is a session with one (possibly shifted) DC.
type Session struct {
	dc     dcs.ShiftedDC
	data   *session.Data
	cipher crypto.Cipher

	log        *zap.Logger
	clock      clock.Clock
	messageID  MessageIDSource
	timeOffset atomic.Duration
	types      *tmap.Map

	dialer     transport.Dialer
	addr       func(dc int) (string, error)
	keys       Keys
	opts       Options
	dispatcher *rpc.Dispatcher
	handler    Handler

	state       atomic.Int32
	reconnectAt atomic.Time
	lastPong    atomic.Time
	pingID      atomic.Int64
	salts       salts

	forceContainer atomic.Bool

	acksMux sync.Mutex
	acks    []int64
	acksAt  time.Time

	wake      chan struct{}
	received  chan struct{}
	restart   chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	running   atomic.Bool
	done      chan struct{}
}

// New creates new session with DC.
func New(dc dcs.ShiftedDC, opt Options) (*Session, error) {
	opt.setDefaults()
	if opt.Dialer == nil {
		return nil, errors.New("no dialer")
	}
	if opt.Addr == nil {
		return nil, errors.New("no address resolver")
	}
	if opt.Keys == nil {
		return nil, errors.New("no key provider")
	}

	data, err := session.NewData(opt.Random)
	if err != nil {
		return nil, errors.Wrap(err, "init session")
	}

	s := &Session{
		dc:         dc,
		data:       data,
		cipher:     crypto.NewClientCipher(opt.Random),
		log:        opt.Logger.With(zap.Stringer("dc", dc)),
		clock:      opt.Clock,
		types:      opt.Types,
		dialer:     opt.Dialer,
		addr:       opt.Addr,
		keys:       opt.Keys,
		opts:       opt,
		dispatcher: opt.Dispatcher,
		handler:    opt.Handler,

		wake:     make(chan struct{}, 1),
		received: make(chan struct{}, 1),
		restart:  make(chan struct{}, 1),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.messageID = opt.MessageID
	if s.messageID == nil {
		s.messageID = proto.NewMessageIDGen(s.now)
	}
	return s, nil
}

// DC returns session DC.
func (s *Session) DC() dcs.ShiftedDC {
	return s.dc
}

// Data returns session state.
func (s *Session) Data() *session.Data {
	return s.data
}

// now returns local time adjusted by server time offset.
func (s *Session) now() time.Time {
	return s.clock.Now().Add(s.timeOffset.Load())
}

func (s *Session) newMessageID() int64 {
	return s.messageID.New(proto.MessageFromClient)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *Session) wakeup() { signal(s.wake) }

// SetKey sets auth key. Session restarts with a new session id if key changed.
func (s *Session) SetKey(key crypto.AuthKey) error {
	changed, err := s.data.SetKey(key)
	if err != nil {
		return err
	}
	if changed {
		s.clearAcks()
		s.log.Debug("Auth key changed, restarting", zap.Int64("session_id", s.data.SessionID()))
		signal(s.restart)
	}
	return nil
}

// Restart drops current connection and reconnects immediately.
func (s *Session) Restart() {
	signal(s.restart)
}

// Run runs session until Close or context cancellation.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("session already running")
	}
	defer close(s.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.dispatchLoop(gCtx) })
	g.Go(func() error { return s.connectLoop(gCtx) })
	err := g.Wait()

	select {
	case <-s.closed:
		return ErrClosed
	default:
		return err
	}
}

func (s *Session) connectLoop(ctx context.Context) error {
	b := s.opts.Backoff()
	for {
		err := s.runConn(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errRestart) {
			b.Reset()
			continue
		}

		delay := b.NextBackOff()
		s.log.Info("Connection failed, reconnecting", zap.Error(err), zap.Duration("delay", delay))
		s.reconnectAt.Store(s.clock.Now().Add(delay))
		s.state.Store(stateWaiting)

		timer := s.clock.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.restart:
			timer.Stop()
			b.Reset()
		case <-timer.C():
		}
	}
}

func (s *Session) runConn(ctx context.Context) error {
	s.state.Store(stateConnecting)
	defer s.state.Store(stateDisconnected)

	addr, err := s.addr(s.dc.Bare())
	if err != nil {
		return errors.Wrap(err, "resolve address")
	}
	conn, err := s.dialer.DialContext(ctx, s.dc.Bare(), addr)
	if err != nil {
		return errors.Wrap(err, "dial")
	}
	defer func() { _ = conn.Close() }()

	if err := s.ensureKey(ctx, conn); err != nil {
		return errors.Wrap(err, "key")
	}

	s.state.Store(stateConnected)
	s.lastPong.Store(s.clock.Now())
	s.log.Debug("Connected", zap.String("addr", addr), zap.Int64("session_id", s.data.SessionID()))
	s.ResendAll()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gCtx, conn) })
	g.Go(func() error { return s.flushLoop(gCtx, conn) })
	g.Go(func() error { return s.pingLoop(gCtx) })
	g.Go(func() error {
		select {
		case <-gCtx.Done():
			return gCtx.Err()
		case <-s.restart:
			return errRestart
		}
	})
	return g.Wait()
}

func (s *Session) ensureKey(ctx context.Context, conn transport.Conn) error {
	dc := s.dc.Bare()
	key, ok := s.keys.Key(dc)
	if !ok && s.opts.Exchanger != nil {
		s.log.Info("Creating auth key")
		res, err := s.opts.Exchanger.Exchange(ctx, dc, conn)
		if err != nil {
			return errors.Wrap(err, "exchange")
		}
		key = res.AuthKey
		s.data.SetSalt(res.ServerSalt)
		if _, err := s.data.SetKey(key); err != nil {
			return err
		}
		return s.keys.SetKey(ctx, dc, key)
	}
	if !ok {
		s.log.Debug("Waiting for auth key")
		var err error
		if key, err = s.keys.WaitKey(ctx, dc); err != nil {
			return err
		}
	}
	if changed, err := s.data.SetKey(key); err != nil {
		return err
	} else if changed {
		s.clearAcks()
	}
	return nil
}

// Close stops the session and fails every pending request with
// CLIENT_SESSION_CLOSED. Buffered responses are delivered first.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.running.Load() {
			<-s.done
		}
		s.dispatchReceived()

		ids := s.data.Clear()
		closedErr := rpcerr.New(0, rpcerr.TypeSessionClosed)
		for _, id := range ids {
			s.dispatcher.Fail(id, closedErr)
		}
		s.log.Debug("Session closed", zap.Int("failed", len(ids)))
	})
	return nil
}
