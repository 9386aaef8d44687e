package exchange

import (
	"context"
	_ "embed"
	"io"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/clock"
	"github.com/gotd/td/crypto"
	tdexchange "github.com/gotd/td/exchange"
	"go.uber.org/zap"

	"go.mau.fi/mtcore/pkg/transport"
)

// Telegram production keys for PQInnerData encryption. The current list is
// published at https://my.telegram.org/apps.
//
//go:embed _data/public_keys.pem
var publicKeysPEM []byte

var publicKeys = sync.OnceValues(func() ([]tdexchange.PublicKey, error) {
	return ParsePublicKeys(publicKeysPEM)
})

// ParsePublicKeys parses PEM-encoded RSA public keys of server.
func ParsePublicKeys(data []byte) ([]tdexchange.PublicKey, error) {
	rsaKeys, err := crypto.ParseRSAPublicKeys(data)
	if err != nil {
		return nil, errors.Wrap(err, "parse keys")
	}
	if len(rsaKeys) == 0 {
		return nil, errors.New("no keys")
	}
	keys := make([]tdexchange.PublicKey, 0, len(rsaKeys))
	for _, key := range rsaKeys {
		keys = append(keys, tdexchange.PublicKey{RSA: key})
	}
	return keys, nil
}

// Client runs the client side of the MTProto key exchange over an
// unencrypted connection.
type Client struct {
	// PublicKeys of server. Defaults to Telegram production keys.
	PublicKeys []tdexchange.PublicKey
	// Logger defaults to no logs.
	Logger *zap.Logger
	// Clock defaults to clock.System.
	Clock clock.Clock
	// Random defaults to crypto.DefaultRand.
	Random io.Reader
	// Timeout of every exchange step. Defaults to one minute.
	Timeout time.Duration
}

var _ Exchanger = Client{}

// Exchange implements Exchanger.
func (c Client) Exchange(ctx context.Context, dc int, conn transport.Conn) (Result, error) {
	keys := c.PublicKeys
	if len(keys) == 0 {
		var err error
		if keys, err = publicKeys(); err != nil {
			return Result{}, errors.Wrap(err, "public keys")
		}
	}

	e := tdexchange.NewExchanger(conn, dc)
	if c.Logger != nil {
		e = e.WithLogger(c.Logger.Named("exchange"))
	}
	if c.Clock != nil {
		e = e.WithClock(c.Clock)
	}
	if c.Random != nil {
		e = e.WithRand(c.Random)
	}
	if c.Timeout > 0 {
		e = e.WithTimeout(c.Timeout)
	}
	r, err := e.Client(keys).Run(ctx)
	if err != nil {
		return Result{}, errors.Wrapf(err, "exchange with DC %d", dc)
	}
	return Result{AuthKey: r.AuthKey, ServerSalt: r.ServerSalt}, nil
}
