package mtproto_test

import (
	"context"
	crand "crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/crypto"
	tdexchange "github.com/gotd/td/exchange"
	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"go.mau.fi/mtcore/pkg/dcs"
	"go.mau.fi/mtcore/pkg/exchange"
	"go.mau.fi/mtcore/pkg/mtproto"
	"go.mau.fi/mtcore/pkg/rpc"
	"go.mau.fi/mtcore/pkg/rpcerr"
	"go.mau.fi/mtcore/pkg/session"
	"go.mau.fi/mtcore/pkg/tgmock"
	"go.mau.fi/mtcore/pkg/tgtest"
)

const waitFor = 5 * time.Second

type result struct {
	cfg     *tg.Config
	nearest *tg.NearestDC
	err     *rpcerr.Error
}

type env struct {
	t       *testing.T
	cluster *tgtest.Cluster
	reg     *dcs.Registry
	d       *rpc.Dispatcher
	s       *mtproto.Session
	runErr  chan error

	mux     sync.Mutex
	results map[session.RequestID][]result
	updates [][]byte
}

type updateHandler struct{ e *env }

func (h updateHandler) OnMessage(b *bin.Buffer) error {
	h.e.mux.Lock()
	defer h.e.mux.Unlock()
	h.e.updates = append(h.e.updates, append([]byte(nil), b.Buf...))
	return nil
}

func (updateHandler) OnSession(int64) error { return nil }

func newEnv(t *testing.T, h tgtest.Handler, withKey bool) *env {
	t.Helper()
	log := zaptest.NewLogger(t)
	ctx, cancel := context.WithCancel(context.Background())

	clusterOpt := tgtest.ClusterOptions{DCs: []int{1, 2}, Logger: log, Handler: h}
	// Sessions without a key create one over the connection.
	var exchanger exchange.Exchanger
	if !withKey {
		rsaKey, err := rsa.GenerateKey(crand.Reader, crypto.RSAKeyBits)
		require.NoError(t, err)
		clusterOpt.PrivateKey = tdexchange.PrivateKey{RSA: rsaKey}
		exchanger = exchange.Client{
			PublicKeys: []tdexchange.PublicKey{clusterOpt.PrivateKey.Public()},
			Logger:     log,
		}
	}

	e := &env{
		t:       t,
		cluster: tgtest.NewCluster(clusterOpt),
		reg:     dcs.NewRegistry(dcs.Options{Logger: log}),
		d:       rpc.NewDispatcher(rpc.Options{Logger: log}),
		runErr:  make(chan error, 1),
		results: map[session.RequestID][]result{},
	}
	if withKey {
		res, err := e.cluster.DC(2).Exchanger().Exchange(ctx, 2, nil)
		require.NoError(t, err)
		require.NoError(t, e.reg.SetKey(ctx, 2, res.AuthKey))
		exchanger = e.cluster.Exchanger()
	}

	s, err := mtproto.New(dcs.Shift(2, 0), mtproto.Options{
		Logger:     log,
		Dialer:     e.cluster.Dialer(),
		Addr:       e.cluster.Addr,
		Keys:       e.reg,
		Exchanger:  exchanger,
		Dispatcher: e.d,
		Handler:    updateHandler{e: e},
		APIID:      17,
	})
	require.NoError(t, err)
	e.s = s

	go func() { e.runErr <- s.Run(ctx) }()
	t.Cleanup(func() {
		_ = s.Close()
		cancel()
		e.cluster.Close()
	})
	return e
}

func (e *env) send(opt mtproto.SendOptions) session.RequestID {
	id := session.NextRequestID()
	e.d.Register(id,
		rpc.Done[tg.Config](func(v *tg.Config) { e.record(id, result{cfg: v}) }),
		rpc.Fail(func(err *rpcerr.Error) bool { e.record(id, result{err: err}); return true }),
	)
	require.NoError(e.t, e.s.Send(id, &tg.HelpGetConfigRequest{}, opt))
	return id
}

func (e *env) call(opt mtproto.SendOptions) session.RequestID {
	id := session.NextRequestID()
	e.d.Register(id,
		rpc.Done[tg.NearestDC](func(v *tg.NearestDC) { e.record(id, result{nearest: v}) }),
		rpc.Fail(func(err *rpcerr.Error) bool { e.record(id, result{err: err}); return true }),
	)
	require.NoError(e.t, e.s.Send(id, &tg.HelpGetNearestDCRequest{}, opt))
	return id
}

func (e *env) record(id session.RequestID, r result) {
	e.mux.Lock()
	defer e.mux.Unlock()
	e.results[id] = append(e.results[id], r)
}

func (e *env) wait(id session.RequestID) result {
	e.t.Helper()
	var r result
	require.Eventually(e.t, func() bool {
		e.mux.Lock()
		defer e.mux.Unlock()
		if len(e.results[id]) == 0 {
			return false
		}
		r = e.results[id][0]
		return true
	}, waitFor, 5*time.Millisecond)
	return r
}

func (e *env) count(id session.RequestID) int {
	e.mux.Lock()
	defer e.mux.Unlock()
	return len(e.results[id])
}

func (e *env) waitCalls(dc, n int) []*tgtest.Request {
	e.t.Helper()
	var calls []*tgtest.Request
	require.Eventually(e.t, func() bool {
		calls = e.cluster.DC(dc).Calls()
		return len(calls) >= n
	}, waitFor, 5*time.Millisecond)
	return calls
}

func TestSession_RoundTrip(t *testing.T) {
	a := require.New(t)
	e := newEnv(t, nil, true)

	first := e.send(mtproto.SendOptions{NeedsLayer: true})
	r := e.wait(first)
	a.Nil(r.err)
	a.Len(r.cfg.DCOptions, 2)
	a.True(e.reg.ConnectionInited(2))

	second := e.send(mtproto.SendOptions{NeedsLayer: true})
	a.Nil(e.wait(second).err)

	calls := e.waitCalls(2, 2)
	a.Equal(tg.Layer, calls[0].Layer)
	a.Zero(calls[1].Layer)
	a.Equal(uint32(tg.HelpGetConfigRequestTypeID), calls[1].TypeID)
	a.Equal(0, e.d.Len())
}

func TestSession_RPCError(t *testing.T) {
	a := require.New(t)
	m := tgmock.New(t)
	m.Expect().ExpectType(tg.HelpGetNearestDCRequestTypeID).ThenRPCErr(rpcerr.New(420, "FLOOD_WAIT_3"))
	e := newEnv(t, m, true)

	id := e.call(mtproto.SendOptions{})
	r := e.wait(id)
	a.NotNil(r.err)
	a.Equal(420, r.err.Code)
	d, ok := r.err.FloodWait()
	a.True(ok)
	a.Equal(3*time.Second, d)
	a.True(m.AllWereMet())
}

func TestSession_ResendAfterReconnect(t *testing.T) {
	a := require.New(t)
	e := newEnv(t, tgmock.Result(&tg.NearestDC{ThisDC: 2, NearestDC: 2}), true)
	srv := e.cluster.DC(2)

	// Warm up so that the session exists on server.
	a.Nil(e.wait(e.send(mtproto.SendOptions{})).err)

	srv.Mute(true)
	id := e.call(mtproto.SendOptions{})
	calls := e.waitCalls(2, 2)
	firstMsgID := calls[1].MsgID

	srv.Drop()
	srv.Mute(false)

	calls = e.waitCalls(2, 3)
	a.NotEqual(firstMsgID, calls[2].MsgID)
	a.Equal(uint32(tg.HelpGetNearestDCRequestTypeID), calls[2].TypeID)

	r := e.wait(id)
	a.Nil(r.err)
	a.Equal(2, r.nearest.ThisDC)

	time.Sleep(50 * time.Millisecond)
	a.Equal(1, e.count(id))
	a.Len(srv.Sessions(), 1)
}

func TestSession_KeyRotation(t *testing.T) {
	a := require.New(t)
	e := newEnv(t, nil, true)
	srv := e.cluster.DC(2)

	a.Nil(e.wait(e.send(mtproto.SendOptions{})).err)
	before := e.s.Data().SessionID()

	var k crypto.Key
	k[0] = 42
	key := k.WithID()
	srv.AddKey(key)
	a.NoError(e.reg.SetKey(context.Background(), 2, key))
	a.NoError(e.s.SetKey(key))
	a.NotEqual(before, e.s.Data().SessionID())

	a.Nil(e.wait(e.send(mtproto.SendOptions{})).err)
	a.Len(srv.Sessions(), 2)
}

func TestSession_Exchange(t *testing.T) {
	a := require.New(t)
	e := newEnv(t, nil, false)

	a.Nil(e.wait(e.send(mtproto.SendOptions{})).err)
	key, ok := e.reg.Key(2)
	a.True(ok)
	sessionKey, _ := e.s.Data().Key()
	a.Equal(key, sessionKey)
	a.Len(e.cluster.DC(2).Sessions(), 1)
}

func TestSession_Updates(t *testing.T) {
	a := require.New(t)
	e := newEnv(t, nil, true)
	a.Nil(e.wait(e.send(mtproto.SendOptions{})).err)

	ctx := context.Background()
	a.NoError(e.cluster.DC(2).Push(ctx, &tg.UpdatesTooLong{}))
	require.Eventually(t, func() bool {
		e.mux.Lock()
		defer e.mux.Unlock()
		return len(e.updates) == 1
	}, waitFor, 5*time.Millisecond)

	e.mux.Lock()
	b := &bin.Buffer{Buf: e.updates[0]}
	e.mux.Unlock()
	id, err := b.PeekID()
	a.NoError(err)
	a.Equal(uint32(tg.UpdatesTooLongTypeID), id)
}

func TestSession_CloseFailsHeld(t *testing.T) {
	a := require.New(t)
	e := newEnv(t, tgmock.Hold(), true)

	id := e.call(mtproto.SendOptions{})
	e.waitCalls(2, 1)

	a.NoError(e.s.Close())
	r := e.wait(id)
	a.NotNil(r.err)
	a.Equal(rpcerr.TypeSessionClosed, r.err.Type)
	a.True(r.err.IsLocal())

	select {
	case err := <-e.runErr:
		a.True(errors.Is(err, mtproto.ErrClosed))
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}
}
