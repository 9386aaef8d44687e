package tgtest

import (
	"io"

	"github.com/gotd/td/bin"
	"github.com/gotd/td/clock"
	"github.com/gotd/td/crypto"
	tdexchange "github.com/gotd/td/exchange"
	"github.com/gotd/td/mt"
	"github.com/gotd/td/proto"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tmap"
	"go.uber.org/zap"

	"go.mau.fi/mtcore/pkg/rpcerr"
)

// MessageIDSource generates server message ids.
type MessageIDSource interface {
	New(t proto.MessageType) int64
}

// ServerOptions of Server.
type ServerOptions struct {
	// DC ID of this server. Default to 2.
	DC int
	// Random is random source. Defaults to crypto.DefaultRand.
	Random io.Reader
	// Logger is instance of zap.Logger. No logs by default.
	Logger *zap.Logger
	// Clock to use. Defaults to clock.System.
	Clock clock.Clock
	// MessageID generator. Creates a new proto.MessageIDGen by default.
	// Clock will be used for creation.
	MessageID MessageIDSource
	// Types map, used in verbose logging of incoming message.
	Types *tmap.Map
	// Handler answers rpc calls. Every call fails with 400 METHOD_INVALID by
	// default.
	Handler Handler
	// NoAcks disables acknowledgment of client messages.
	NoAcks bool
	// PrivateKey enables key exchange over connections. Without it keys are
	// only issued by Exchanger.
	PrivateKey tdexchange.PrivateKey
}

func (opt *ServerOptions) setDefaults() {
	if opt.DC == 0 {
		opt.DC = 2
	}
	if opt.Random == nil {
		opt.Random = crypto.DefaultRand()
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.Clock == nil {
		opt.Clock = clock.System
	}
	if opt.MessageID == nil {
		opt.MessageID = proto.NewMessageIDGen(opt.Clock.Now)
	}
	if opt.Types == nil {
		opt.Types = tmap.New(
			tg.TypesMap(),
			mt.TypesMap(),
			proto.TypesMap(),
		)
	}
	if opt.Handler == nil {
		opt.Handler = HandlerFunc(func(*Request) (bin.Encoder, error) {
			return nil, rpcerr.New(400, "METHOD_INVALID")
		})
	}
}
