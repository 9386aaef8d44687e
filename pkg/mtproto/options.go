package mtproto

import (
	"context"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/clock"
	"github.com/gotd/td/crypto"
	"github.com/gotd/td/mt"
	"github.com/gotd/td/proto"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tmap"
	"go.uber.org/zap"

	"go.mau.fi/mtcore/pkg/exchange"
	"go.mau.fi/mtcore/pkg/rpc"
	"go.mau.fi/mtcore/pkg/transport"
)

// MessageIDSource generates message ids.
type MessageIDSource interface {
	New(t proto.MessageType) int64
}

// Keys provides auth keys of bare DC ids.
type Keys interface {
	Key(dc int) (crypto.AuthKey, bool)
	WaitKey(ctx context.Context, dc int) (crypto.AuthKey, error)
	SetKey(ctx context.Context, dc int, key crypto.AuthKey) error
	SetConnectionInited(dc int, v bool)
}

// Handler receives messages that are not handled by the session itself.
type Handler interface {
	// OnMessage is called for every update-like message.
	OnMessage(b *bin.Buffer) error
	// OnSession is called on new_session_created.
	OnSession(firstMsgID int64) error
}

type nopHandler struct{}

func (nopHandler) OnMessage(*bin.Buffer) error { return nil }
func (nopHandler) OnSession(int64) error       { return nil }

// Device is the initConnection client description.
type Device struct {
	DeviceModel    string
	SystemVersion  string
	AppVersion     string
	SystemLangCode string
	LangPack       string
	LangCode       string
}

// Options of Session.
type Options struct {
	Logger *zap.Logger
	Clock  clock.Clock
	Random io.Reader
	// MessageID generator. Creates a new proto.MessageIDGen by default,
	// adjusted by server time offset.
	MessageID MessageIDSource
	// Types map, used in verbose logging of incoming messages.
	Types *tmap.Map

	Dialer transport.Dialer
	// Addr resolves address of bare DC id.
	Addr      func(dc int) (string, error)
	Keys      Keys
	Exchanger exchange.Exchanger

	Dispatcher *rpc.Dispatcher
	Handler    Handler

	APIID  int
	Layer  int
	Device Device

	PingInterval  time.Duration
	PingTimeout   time.Duration
	ResendTimeout time.Duration
	AckDelay      time.Duration
	// Backoff creates reconnect policy.
	Backoff func() backoff.BackOff
}

func (opt *Options) setDefaults() {
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.Clock == nil {
		opt.Clock = clock.System
	}
	if opt.Random == nil {
		opt.Random = crypto.DefaultRand()
	}
	if opt.Types == nil {
		opt.Types = tmap.New(
			tg.TypesMap(),
			mt.TypesMap(),
			proto.TypesMap(),
		)
	}
	if opt.Dispatcher == nil {
		opt.Dispatcher = rpc.NewDispatcher(rpc.Options{Logger: opt.Logger})
	}
	if opt.Handler == nil {
		opt.Handler = nopHandler{}
	}
	if opt.Layer == 0 {
		opt.Layer = tg.Layer
	}
	if opt.Device.DeviceModel == "" {
		opt.Device.DeviceModel = "mtcore"
	}
	if opt.Device.SystemVersion == "" {
		opt.Device.SystemVersion = "linux"
	}
	if opt.Device.AppVersion == "" {
		opt.Device.AppVersion = "0.1.0"
	}
	if opt.Device.SystemLangCode == "" {
		opt.Device.SystemLangCode = "en"
	}
	if opt.Device.LangCode == "" {
		opt.Device.LangCode = "en"
	}
	if opt.PingInterval == 0 {
		opt.PingInterval = time.Minute
	}
	if opt.PingTimeout == 0 {
		opt.PingTimeout = 15 * time.Second
	}
	if opt.ResendTimeout == 0 {
		opt.ResendTimeout = 10 * time.Second
	}
	if opt.AckDelay == 0 {
		opt.AckDelay = time.Second
	}
	if opt.Backoff == nil {
		opt.Backoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
}
