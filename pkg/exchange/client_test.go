package exchange_test

import (
	"context"
	crand "crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/gotd/td/bin"
	"github.com/gotd/td/crypto"
	tdexchange "github.com/gotd/td/exchange"
	"github.com/gotd/td/mt"
	"github.com/gotd/td/proto"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"go.mau.fi/mtcore/pkg/exchange"
	"go.mau.fi/mtcore/pkg/tgtest"
	"go.mau.fi/mtcore/pkg/transport"
	"go.mau.fi/mtcore/pkg/wire"
)

func TestClient_Exchange(t *testing.T) {
	a := require.New(t)
	log := zaptest.NewLogger(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	rsaKey, err := rsa.GenerateKey(crand.Reader, crypto.RSAKeyBits)
	a.NoError(err)
	private := tdexchange.PrivateKey{RSA: rsaKey}
	srv := tgtest.NewServer(tgtest.ServerOptions{DC: 2, Logger: log, PrivateKey: private})

	client, server := transport.Pipe()
	defer func() { _ = client.Close() }()
	go func() { _ = srv.Serve(ctx, server) }()

	res, err := exchange.Client{
		PublicKeys: []tdexchange.PublicKey{private.Public()},
		Logger:     log,
	}.Exchange(ctx, 2, client)
	a.NoError(err)
	a.NotZero(res.AuthKey.ID)

	// Server accepts frames encrypted with the new key.
	body, err := wire.Encode(&mt.PingRequest{PingID: 7})
	a.NoError(err)
	msgID := proto.NewMessageIDGen(time.Now).New(proto.MessageFromClient)
	f := wire.Frame{
		Salt:      res.ServerSalt,
		SessionID: 1,
		Message:   wire.Message{ID: msgID, SeqNo: 1, Body: body},
	}
	var b bin.Buffer
	a.NoError(f.Seal(crypto.NewClientCipher(crand.Reader), res.AuthKey, &b))
	a.NoError(client.Send(ctx, &b))

	clientCipher := crypto.NewClientCipher(crand.Reader)
	for {
		b.Reset()
		a.NoError(client.Recv(ctx, &b))
		var reply wire.Frame
		a.NoError(reply.Open(clientCipher, res.AuthKey, &b))
		typeID, err := reply.Message.TypeID()
		a.NoError(err)
		if typeID != mt.PongTypeID {
			continue
		}
		var pong mt.Pong
		a.NoError(pong.Decode(&bin.Buffer{Buf: reply.Message.Body}))
		a.Equal(msgID, pong.MsgID)
		a.Equal(int64(7), pong.PingID)
		return
	}
}

func TestClient_ExchangeDisabled(t *testing.T) {
	a := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := tgtest.NewServer(tgtest.ServerOptions{DC: 2, Logger: zaptest.NewLogger(t)})
	client, server := transport.Pipe()
	defer func() { _ = client.Close() }()
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, server) }()

	rsaKey, err := rsa.GenerateKey(crand.Reader, crypto.RSAKeyBits)
	a.NoError(err)
	_, err = exchange.Client{
		PublicKeys: []tdexchange.PublicKey{{RSA: &rsaKey.PublicKey}},
		Timeout:    time.Second,
	}.Exchange(ctx, 2, client)
	a.Error(err)
	a.Error(<-done)
}

func TestParsePublicKeys(t *testing.T) {
	_, err := exchange.ParsePublicKeys([]byte("not a key"))
	require.Error(t, err)
}
