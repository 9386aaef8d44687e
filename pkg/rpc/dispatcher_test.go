package rpc

import (
	"sync"
	"testing"

	"github.com/gotd/td/bin"
	"github.com/gotd/td/mt"
	"github.com/stretchr/testify/require"

	"go.mau.fi/mtcore/pkg/rpcerr"
	"go.mau.fi/mtcore/pkg/session"
	"go.mau.fi/mtcore/pkg/wire"
)

func pongBody(t *testing.T, pingID int64) []byte {
	t.Helper()
	body, err := wire.Encode(&mt.Pong{MsgID: 1, PingID: pingID})
	require.NoError(t, err)
	return body
}

func TestDispatcher_Done(t *testing.T) {
	a := require.New(t)
	d := NewDispatcher(Options{})
	id := session.NextRequestID()

	var (
		got   []int64
		fails int
	)
	d.Register(id, Done(func(p *mt.Pong) {
		got = append(got, p.PingID)
	}), Fail(func(err *rpcerr.Error) bool {
		fails++
		return true
	}))
	a.True(d.Has(id))

	body := pongBody(t, 42)
	a.True(d.Done(Response{RequestID: id, Body: body}))
	a.False(d.Done(Response{RequestID: id, Body: body}))
	a.False(d.Fail(id, rpcerr.New(400, "BAD")))

	a.Equal([]int64{42}, got)
	a.Zero(fails)
	a.Zero(d.Len())
}

func TestDispatcher_Fail(t *testing.T) {
	a := require.New(t)
	d := NewDispatcher(Options{})
	id := session.NextRequestID()

	var got []*rpcerr.Error
	d.Register(id, Done(func(p *mt.Pong) {
		t.Fatal("done called")
	}), FailWithID(func(rid session.RequestID, err *rpcerr.Error) bool {
		a.Equal(id, rid)
		got = append(got, err)
		return true
	}))

	a.True(d.Fail(id, rpcerr.Parse(400, "PEER_ID_INVALID")))
	a.False(d.Fail(id, rpcerr.Parse(400, "PEER_ID_INVALID")))
	a.False(d.Done(Response{RequestID: id, Body: pongBody(t, 1)}))
	a.Len(got, 1)
	a.Equal("PEER_ID_INVALID", got[0].Type)
}

func TestDispatcher_ParseFailed(t *testing.T) {
	a := require.New(t)
	d := NewDispatcher(Options{})
	id := session.NextRequestID()

	var got *rpcerr.Error
	d.Register(id, Done(func(p *mt.Pong) {
		t.Fatal("done called")
	}), Fail(func(err *rpcerr.Error) bool {
		got = err
		return true
	}))

	a.True(d.Done(Response{RequestID: id, Body: []byte{1, 2, 3, 4}}))
	a.NotNil(got)
	a.Equal(rpcerr.TypeResponseParseFailed, got.Type)
	a.True(got.IsLocal())
}

func TestDispatcher_DoneRaw(t *testing.T) {
	a := require.New(t)
	d := NewDispatcher(Options{})
	id := session.NextRequestID()

	var typeID uint32
	d.Register(id, DoneRaw(func(b *bin.Buffer) error {
		var err error
		typeID, err = b.PeekID()
		return err
	}), nil)
	a.True(d.Done(Response{RequestID: id, Body: pongBody(t, 1)}))
	a.Equal(uint32(mt.PongTypeID), typeID)
}

func TestDispatcher_OnFail(t *testing.T) {
	a := require.New(t)
	intercept := true
	d := NewDispatcher(Options{
		OnFail: func(id session.RequestID, err *rpcerr.Error) bool {
			return intercept && err.IsFlood()
		},
	})
	id := session.NextRequestID()

	fails := 0
	d.Register(id, nil, Fail(func(err *rpcerr.Error) bool {
		fails++
		return true
	}))

	a.True(d.Fail(id, rpcerr.Parse(420, "FLOOD_WAIT_3")))
	a.Zero(fails)
	a.True(d.Has(id))

	intercept = false
	a.True(d.Fail(id, rpcerr.Parse(420, "FLOOD_WAIT_3")))
	a.Equal(1, fails)
	a.False(d.Has(id))
}

func TestDispatcher_FailAll(t *testing.T) {
	a := require.New(t)
	d := NewDispatcher(Options{})

	var (
		mux sync.Mutex
		got = map[session.RequestID]string{}
	)
	fail := FailWithID(func(id session.RequestID, err *rpcerr.Error) bool {
		mux.Lock()
		defer mux.Unlock()
		got[id] = err.Type
		return true
	})
	first, second := session.NextRequestID(), session.NextRequestID()
	d.Register(first, nil, fail)
	d.Register(second, nil, fail)

	d.FailAll(rpcerr.New(0, rpcerr.TypeSessionClosed))
	a.Equal(map[session.RequestID]string{
		first:  rpcerr.TypeSessionClosed,
		second: rpcerr.TypeSessionClosed,
	}, got)
	a.Zero(d.Len())
}

func TestDispatcher_Executor(t *testing.T) {
	a := require.New(t)
	var queue []func()
	d := NewDispatcher(Options{
		Executor: func(f func()) { queue = append(queue, f) },
	})
	id := session.NextRequestID()

	called := 0
	d.Register(id, Done(func(p *mt.Pong) { called++ }), nil)
	a.True(d.Done(Response{RequestID: id, Body: pongBody(t, 1)}))
	a.Zero(called)
	a.Len(queue, 1)

	queue[0]()
	a.Equal(1, called)
}

func TestDispatcher_OnSettled(t *testing.T) {
	a := require.New(t)
	settled := map[session.RequestID]*rpcerr.Error{}
	d := NewDispatcher(Options{
		OnSettled: func(id session.RequestID, err *rpcerr.Error) {
			settled[id] = err
		},
	})

	ok, failed, forgotten := session.NextRequestID(), session.NextRequestID(), session.NextRequestID()
	for _, id := range []session.RequestID{ok, failed, forgotten} {
		d.Register(id, nil, nil)
	}
	a.True(d.Done(Response{RequestID: ok, Body: pongBody(t, 1)}))
	a.True(d.Fail(failed, rpcerr.New(400, "BAD")))
	d.Forget(forgotten)

	a.Len(settled, 2)
	a.Nil(settled[ok])
	a.Equal("BAD", settled[failed].Type)
}
