// Package tgtest implements an in-process DC server speaking encrypted
// MTProto frames over transport.Conn, for tests and local runs.
package tgtest

import (
	"context"
	"io"
	"slices"
	"sync"

	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/clock"
	"github.com/gotd/td/crypto"
	tdexchange "github.com/gotd/td/exchange"
	"github.com/gotd/td/mt"
	"github.com/gotd/td/proto"
	"github.com/gotd/td/tmap"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"go.mau.fi/mtcore/pkg/exchange"
	"go.mau.fi/mtcore/pkg/transport"
	"go.mau.fi/mtcore/pkg/wire"
)

// Received is a message received by Server, recorded in arrival order.
type Received struct {
	SessionID int64
	Message   wire.Message
	TypeID    uint32
}

type serverSession struct {
	id  int64
	key crypto.AuthKey

	mux  sync.Mutex
	conn transport.Conn
	seq  int32
	seen map[int64]struct{}
}

func (s *serverSession) nextSeqNo(contentRelated bool) int32 {
	s.mux.Lock()
	defer s.mux.Unlock()
	seq := wire.SeqNo(s.seq, contentRelated)
	if contentRelated {
		s.seq++
	}
	return seq
}

// Server is a single test DC.
type Server struct {
	dc      int
	log     *zap.Logger
	clock   clock.Clock
	msgID   MessageIDSource
	types   *tmap.Map
	random  io.Reader
	handler Handler
	noAcks  bool
	salt    int64
	cipher  crypto.Cipher
	private tdexchange.PrivateKey

	muted atomic.Bool

	mux      sync.Mutex
	keys     map[[8]byte]crypto.AuthKey
	sessions map[int64]*serverSession
	conns    map[transport.Conn]struct{}
	received []Received
	calls    []*Request
}

// NewServer creates new test DC.
func NewServer(opt ServerOptions) *Server {
	opt.setDefaults()
	salt, _ := crypto.RandInt64(opt.Random)
	return &Server{
		dc:       opt.DC,
		log:      opt.Logger.Named("tgtest").With(zap.Int("dc", opt.DC)),
		clock:    opt.Clock,
		msgID:    opt.MessageID,
		types:    opt.Types,
		random:   opt.Random,
		handler:  opt.Handler,
		noAcks:   opt.NoAcks,
		salt:     salt,
		cipher:   crypto.NewServerCipher(opt.Random),
		private:  opt.PrivateKey,
		keys:     map[[8]byte]crypto.AuthKey{},
		sessions: map[int64]*serverSession{},
		conns:    map[transport.Conn]struct{}{},
	}
}

// DC returns id of this server.
func (s *Server) DC() int { return s.dc }

// Salt returns current server salt.
func (s *Server) Salt() int64 { return s.salt }

// Mute stops (or resumes) every answer of the server, imitating stalled DC.
// Incoming messages are still recorded.
func (s *Server) Mute(v bool) { s.muted.Store(v) }

// AddKey makes server accept frames with key.
func (s *Server) AddKey(key crypto.AuthKey) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.keys[key.ID] = key
}

// Exchanger issues new auth keys in-process.
func (s *Server) Exchanger() exchange.Exchanger {
	return exchange.Func(func(ctx context.Context, dc int, _ transport.Conn) (exchange.Result, error) {
		if dc != s.dc {
			return exchange.Result{}, errors.Errorf("exchange with DC %d on DC %d", dc, s.dc)
		}
		var k crypto.Key
		if _, err := io.ReadFull(s.random, k[:]); err != nil {
			return exchange.Result{}, errors.Wrap(err, "generate key")
		}
		key := k.WithID()
		s.AddKey(key)
		s.log.Debug("Issued auth key")
		return exchange.Result{AuthKey: key, ServerSalt: s.salt}, nil
	})
}

// Received returns copy of every message received so far.
func (s *Server) Received() []Received {
	s.mux.Lock()
	defer s.mux.Unlock()
	return slices.Clone(s.received)
}

// Calls returns rpc calls received so far, in order.
func (s *Server) Calls() []*Request {
	s.mux.Lock()
	defer s.mux.Unlock()
	return slices.Clone(s.calls)
}

// Sessions returns ids of sessions seen by server.
func (s *Server) Sessions() []int64 {
	s.mux.Lock()
	defer s.mux.Unlock()
	ids := make([]int64, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Drop closes every live connection.
func (s *Server) Drop() {
	s.mux.Lock()
	conns := make([]transport.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mux.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

// Serve handles connection until it is closed or ctx is done.
func (s *Server) Serve(ctx context.Context, conn transport.Conn) error {
	s.mux.Lock()
	s.conns[conn] = struct{}{}
	s.mux.Unlock()
	defer func() {
		s.mux.Lock()
		delete(s.conns, conn)
		s.mux.Unlock()
		_ = conn.Close()
	}()

	var b bin.Buffer
	for {
		b.Reset()
		if err := conn.Recv(ctx, &b); err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "recv")
		}
		keyID, err := wire.PacketKeyID(b.Buf)
		if err != nil {
			s.log.Warn("Bad packet", zap.Error(err))
			continue
		}
		if keyID == ([8]byte{}) {
			if err := s.exchange(ctx, conn, &b); err != nil {
				return errors.Wrap(err, "key exchange")
			}
			continue
		}
		if err := s.handleFrame(ctx, conn, keyID, &b); err != nil {
			s.log.Warn("Failed to handle frame", zap.Error(err))
		}
	}
}

// replayConn returns first packet from Recv before reading the connection.
type replayConn struct {
	transport.Conn
	first []byte
}

func (c *replayConn) Recv(ctx context.Context, b *bin.Buffer) error {
	if c.first != nil {
		b.ResetTo(c.first)
		c.first = nil
		return nil
	}
	return c.Conn.Recv(ctx, b)
}

// exchange runs server side of key exchange started by packet in b.
func (s *Server) exchange(ctx context.Context, conn transport.Conn, b *bin.Buffer) error {
	if s.private.Zero() {
		return errors.New("key exchange is disabled")
	}
	r, err := tdexchange.NewExchanger(&replayConn{Conn: conn, first: b.Copy()}, s.dc).
		WithClock(s.clock).
		WithRand(s.random).
		WithLogger(s.log.Named("exchange")).
		Server(s.private).
		Run(ctx)
	if err != nil {
		return err
	}
	s.AddKey(r.Key)
	s.log.Debug("Created auth key over connection")
	return nil
}

// key returns auth key accepted by server.
func (s *Server) key(id [8]byte) (crypto.AuthKey, bool) {
	s.mux.Lock()
	defer s.mux.Unlock()
	key, ok := s.keys[id]
	return key, ok
}

func (s *Server) session(ctx context.Context, conn transport.Conn, key crypto.AuthKey, f wire.Frame) (*serverSession, error) {
	s.mux.Lock()
	sess, ok := s.sessions[f.SessionID]
	created := !ok
	if created {
		sess = &serverSession{id: f.SessionID, key: key, seen: map[int64]struct{}{}}
		s.sessions[f.SessionID] = sess
	}
	s.mux.Unlock()

	sess.mux.Lock()
	sess.conn = conn
	sess.mux.Unlock()

	if created {
		uniqueID, err := crypto.RandInt64(s.random)
		if err != nil {
			return nil, err
		}
		if err := s.send(ctx, sess, &mt.NewSessionCreated{
			FirstMsgID: f.Message.ID,
			UniqueID:   uniqueID,
			ServerSalt: s.salt,
		}, false); err != nil {
			return nil, errors.Wrap(err, "new_session_created")
		}
	}
	return sess, nil
}

// send writes single message to the last connection of session.
func (s *Server) send(ctx context.Context, sess *serverSession, msg bin.Encoder, contentRelated bool) error {
	if s.muted.Load() {
		return nil
	}
	body, err := wire.Encode(msg)
	if err != nil {
		return errors.Wrap(err, "encode")
	}
	frame := wire.Frame{
		Salt:      s.salt,
		SessionID: sess.id,
		Message: wire.Message{
			ID:    s.msgID.New(proto.MessageServerResponse),
			SeqNo: sess.nextSeqNo(contentRelated),
			Body:  body,
		},
	}
	var b bin.Buffer
	if err := frame.Seal(s.cipher, sess.key, &b); err != nil {
		return errors.Wrap(err, "seal frame")
	}

	sess.mux.Lock()
	conn := sess.conn
	sess.mux.Unlock()
	if conn == nil {
		return errors.New("session has no connection")
	}
	return conn.Send(ctx, &b)
}

// Send writes message to the session as the server would.
func (s *Server) Send(ctx context.Context, sessionID int64, msg bin.Encoder, contentRelated bool) error {
	s.mux.Lock()
	sess, ok := s.sessions[sessionID]
	s.mux.Unlock()
	if !ok {
		return errors.Errorf("unknown session %d", sessionID)
	}
	return s.send(ctx, sess, msg, contentRelated)
}

// Push sends update to every session with a live connection. It fails only
// if no session got the update.
func (s *Server) Push(ctx context.Context, update bin.Encoder) error {
	s.mux.Lock()
	var live []*serverSession
	for _, sess := range s.sessions {
		sess.mux.Lock()
		_, ok := s.conns[sess.conn]
		sess.mux.Unlock()
		if ok {
			live = append(live, sess)
		}
	}
	s.mux.Unlock()
	if len(live) == 0 {
		return errors.New("no live sessions")
	}

	var sent int
	for _, sess := range live {
		if err := s.send(ctx, sess, update, true); err != nil {
			s.log.Debug("Push failed", zap.Int64("session_id", sess.id), zap.Error(err))
			continue
		}
		sent++
	}
	if sent == 0 {
		return errors.New("push failed on every session")
	}
	return nil
}
