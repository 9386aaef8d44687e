package mtp_test

import (
	"context"
	"testing"
	"time"

	"github.com/gotd/td/bin"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"

	"go.mau.fi/mtcore/pkg/dcconfig"
	"go.mau.fi/mtcore/pkg/dcs"
	"go.mau.fi/mtcore/pkg/mtp"
	"go.mau.fi/mtcore/pkg/mtproto"
	"go.mau.fi/mtcore/pkg/rpc"
	"go.mau.fi/mtcore/pkg/rpcerr"
	"go.mau.fi/mtcore/pkg/tgmock"
	"go.mau.fi/mtcore/pkg/tgtest"
)

const waitFor = 5 * time.Second

func newInstance(t *testing.T, h tgtest.Handler, opt mtp.Options) (*mtp.Instance, *tgtest.Cluster) {
	t.Helper()
	log := zaptest.NewLogger(t)
	c := tgtest.NewCluster(tgtest.ClusterOptions{DCs: []int{1, 2}, Logger: log, Handler: h})

	opt.Logger = log
	opt.Dialer = c.Dialer()
	opt.Exchanger = c.Exchanger()
	opt.Bootstrap = dcconfig.FromTL(c.Config().DCOptions)
	opt.APIID = 17
	inst, err := mtp.New(opt)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, inst.Close())
		c.Close()
	})
	return inst, c
}

func TestInstance_Invoke(t *testing.T) {
	a := require.New(t)
	inst, _ := newInstance(t, nil, mtp.Options{})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	cfg, err := tg.NewClient(inst).HelpGetConfig(ctx)
	a.NoError(err)
	a.Equal(1, cfg.ThisDC)
	a.Equal([]dcs.ShiftedDC{dcs.Shift(2, 0)}, inst.Sessions())

	_, ok := inst.Registry().Key(2)
	a.True(ok)
	a.True(inst.Registry().ConnectionInited(2))
}

func TestInstance_InvokeError(t *testing.T) {
	a := require.New(t)
	inst, _ := newInstance(t, tgmock.Error(400, "PEER_ID_INVALID"), mtp.Options{})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, err := tg.NewClient(inst).HelpGetNearestDC(ctx)
	a.True(tgerr.Is(err, "PEER_ID_INVALID"))
	a.True(rpcerr.Is(err, "PEER_ID_INVALID"))
}

func TestInstance_RequestBuilder(t *testing.T) {
	a := require.New(t)
	inst, c := newInstance(t, nil, mtp.Options{TracerProvider: noop.NewTracerProvider()})

	// Calls stay unanswered, so the first one is still in flight when the
	// second one is written.
	c.DC(1).Mute(true)
	first, err := mtp.Request[tg.Config](inst, &tg.HelpGetConfigRequest{}).
		ToDC(1).
		Send()
	a.NoError(err)

	var owner rpc.Sender
	second, err := mtp.Request[tg.Config](inst, &tg.HelpGetConfigRequest{}).
		ToDC(1).
		After(first).
		OwnedBy(&owner).
		Done(func(*tg.Config) { t.Error("invalidated handler called") }).
		Send()
	a.NoError(err)
	a.NotEqual(first, second)
	a.Equal(1, owner.Pending())

	a.Eventually(func() bool { return len(c.DC(1).Calls()) == 2 }, waitFor, time.Millisecond)
	calls := c.DC(1).Calls()
	a.Zero(calls[0].AfterMsgID)
	a.Equal(calls[0].MsgID, calls[1].AfterMsgID)

	owner.Invalidate()
	a.Zero(owner.Pending())
	inst.Cancel(first)
	inst.Cancel(second)

	c.DC(1).Mute(false)
	got := make(chan *tg.Config, 1)
	_, err = mtp.Request[tg.Config](inst, &tg.HelpGetConfigRequest{}).
		ToDC(1).
		Done(func(cfg *tg.Config) { got <- cfg }).
		Send()
	a.NoError(err)
	select {
	case cfg := <-got:
		a.Len(cfg.DCOptions, 2)
	case <-time.After(waitFor):
		t.Fatal("no answer")
	}
}

func TestInstance_FloodRetry(t *testing.T) {
	a := require.New(t)
	var calls atomic.Int32
	h := tgtest.HandlerFunc(func(req *tgtest.Request) (bin.Encoder, error) {
		if calls.Inc() == 1 {
			return nil, rpcerr.New(420, "FLOOD_WAIT_1")
		}
		return &tg.NearestDC{Country: "NL", ThisDC: 2, NearestDC: 2}, nil
	})
	inst, _ := newInstance(t, h, mtp.Options{MaxFloodWait: 2 * time.Second})

	got := make(chan any, 2)
	id, err := mtp.Request[tg.NearestDC](inst, &tg.HelpGetNearestDCRequest{}).
		Done(func(v *tg.NearestDC) { got <- v }).
		Fail(func(err *rpcerr.Error) bool { got <- err; return true }).
		Send()
	a.NoError(err)

	a.Eventually(func() bool {
		return calls.Load() == 1 && inst.State(id) == mtproto.RequestSending
	}, waitFor, time.Millisecond)

	select {
	case v := <-got:
		nearest, ok := v.(*tg.NearestDC)
		a.True(ok, "got %v", v)
		a.Equal("NL", nearest.Country)
	case <-time.After(waitFor):
		t.Fatal("no answer")
	}
	a.EqualValues(2, calls.Load())
	a.False(inst.Dispatcher().Has(id))
}

func TestInstance_LongFloodIsDelivered(t *testing.T) {
	a := require.New(t)
	inst, _ := newInstance(t, tgmock.Error(420, "FLOOD_WAIT_3600"), mtp.Options{})

	got := make(chan *rpcerr.Error, 1)
	_, err := mtp.Request[tg.NearestDC](inst, &tg.HelpGetNearestDCRequest{}).
		Fail(func(err *rpcerr.Error) bool { got <- err; return true }).
		Send()
	a.NoError(err)

	select {
	case err := <-got:
		d, ok := err.FloodWait()
		a.True(ok)
		a.Equal(time.Hour, d)
	case <-time.After(waitFor):
		t.Fatal("no answer")
	}
}

func TestInstance_Cancel(t *testing.T) {
	a := require.New(t)
	inst, c := newInstance(t, tgmock.Hold(), mtp.Options{})

	id, err := mtp.Request[tg.NearestDC](inst, &tg.HelpGetNearestDCRequest{}).
		Done(func(*tg.NearestDC) { t.Error("done called") }).
		Send()
	a.NoError(err)
	a.Eventually(func() bool { return len(c.DC(2).Calls()) == 1 }, waitFor, time.Millisecond)
	a.Equal(mtproto.RequestSent, inst.State(id))

	inst.Cancel(id)
	inst.Cancel(id)
	a.False(inst.Dispatcher().Has(id))
	a.Zero(inst.Elapsed(id))
}

func TestInstance_LogoutOtherDCs(t *testing.T) {
	a := require.New(t)
	router := tgmock.NewRouter(nil).
		On(tg.AuthLogOutRequestTypeID, tgmock.Result(&tg.AuthLoggedOut{}))
	inst, c := newInstance(t, router, mtp.Options{MainDC: 2})

	ctx := context.Background()
	for _, dc := range []int{1, 2} {
		res, err := c.DC(dc).Exchanger().Exchange(ctx, dc, nil)
		a.NoError(err)
		a.NoError(inst.SetKey(ctx, dc, res.AuthKey))
	}

	inst.LogoutOtherDCs()
	logout := dcs.Shift(1, dcs.LogoutShift)

	a.Eventually(func() bool {
		calls := c.DC(1).Calls()
		return len(calls) == 1 && calls[0].TypeID == tg.AuthLogOutRequestTypeID
	}, waitFor, time.Millisecond)
	a.Eventually(func() bool {
		for _, dc := range inst.Sessions() {
			if dc == logout {
				return false
			}
		}
		return true
	}, waitFor, time.Millisecond)
	a.Empty(c.DC(2).Calls())
}

func TestInstance_Run(t *testing.T) {
	a := require.New(t)
	storage := &dcs.StorageMemory{}
	var changes atomic.Int32
	inst, c := newInstance(t, nil, mtp.Options{
		Storage:    storage,
		OnDCChange: func([]int) { changes.Inc() },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- inst.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(ctx, waitFor)
	defer waitCancel()
	a.NoError(inst.ConfigLoader().Wait(waitCtx))
	cfg, ok := inst.ConfigLoader().Config()
	a.True(ok)
	a.Equal(1, cfg.ThisDC)
	a.Zero(changes.Load())
	a.Positive(storage.Saves())

	// Pushed DC options reach the table.
	_, err := tg.NewClient(inst).HelpGetConfig(waitCtx)
	a.NoError(err)
	a.NoError(c.DC(2).Push(ctx, &tg.Updates{Updates: []tg.UpdateClass{
		&tg.UpdateDCOptions{DCOptions: []tg.DCOption{{ID: 4, IPAddress: "127.0.0.4", Port: 443}}},
	}}))
	a.Eventually(func() bool { return changes.Load() == 1 }, waitFor, time.Millisecond)
	addr, err := inst.ConfigLoader().Table().Addr(4)
	a.NoError(err)
	a.Equal("127.0.0.4:443", addr)

	cancel()
	select {
	case err := <-done:
		a.ErrorIs(err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}
	a.Empty(inst.Sessions())

	_, err = inst.Send(context.Background(), &tg.HelpGetConfigRequest{}, nil, nil, mtp.SendOptions{})
	a.ErrorIs(err, mtp.ErrClosed)
}

func TestInstance_CloseFailsPending(t *testing.T) {
	a := require.New(t)
	inst, c := newInstance(t, tgmock.Hold(), mtp.Options{})

	got := make(chan *rpcerr.Error, 1)
	_, err := mtp.Request[tg.NearestDC](inst, &tg.HelpGetNearestDCRequest{}).
		Fail(func(err *rpcerr.Error) bool { got <- err; return true }).
		Send()
	a.NoError(err)
	a.Eventually(func() bool { return len(c.DC(2).Calls()) == 1 }, waitFor, time.Millisecond)

	a.NoError(inst.Close())
	select {
	case err := <-got:
		a.Equal(rpcerr.TypeSessionClosed, err.Type)
	default:
		t.Fatal("pending request not failed")
	}
}
