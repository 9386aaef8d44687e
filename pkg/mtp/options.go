package mtp

import (
	"io"
	"time"

	"github.com/gotd/td/clock"
	"github.com/gotd/td/crypto"
	"github.com/gotd/td/mt"
	"github.com/gotd/td/proto"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tmap"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"go.mau.fi/mtcore/pkg/dcconfig"
	"go.mau.fi/mtcore/pkg/dcs"
	"go.mau.fi/mtcore/pkg/exchange"
	"go.mau.fi/mtcore/pkg/mtproto"
	"go.mau.fi/mtcore/pkg/transport"
)

// Options of Instance.
type Options struct {
	Logger *zap.Logger
	Clock  clock.Clock
	Random io.Reader
	Types  *tmap.Map
	// TracerProvider enables request spans.
	TracerProvider trace.TracerProvider

	// Registry of auth keys. Created from Storage and MainDC if nil.
	Registry *dcs.Registry
	Storage  dcs.Storage
	MainDC   int
	// Bootstrap addresses used until config is loaded.
	Bootstrap []dcconfig.Option

	Dialer    transport.Dialer
	Exchanger exchange.Exchanger
	// Handler receives updates of every session.
	Handler mtproto.Handler

	APIID  int
	Layer  int
	Device mtproto.Device

	PingInterval  time.Duration
	PingTimeout   time.Duration
	ResendTimeout time.Duration

	// EnumTimeout and MaxRounds of config loader.
	EnumTimeout time.Duration
	MaxRounds   int
	// OnDCChange is called with DCs whose addresses changed.
	OnDCChange func(changed []int)

	// MaxFloodWait is the longest FLOOD_WAIT that is waited out and retried
	// instead of being delivered to the fail handler.
	MaxFloodWait time.Duration
	// Executor runs handlers. Inline by default.
	Executor func(f func())
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
	if opt.Registry == nil {
		opt.Registry = dcs.NewRegistry(dcs.Options{
			Logger:  opt.Logger.Named("dcs"),
			Storage: opt.Storage,
			MainDC:  opt.MainDC,
		})
	}
	if opt.MaxFloodWait == 0 {
		opt.MaxFloodWait = time.Minute
	}
}
