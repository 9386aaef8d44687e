package tgmock

import (
	"context"
	"crypto/rand"

	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/crypto"

	"go.mau.fi/mtcore/pkg/tgtest"
	"go.mau.fi/mtcore/pkg/wire"
)

// Invoke implements tg.Invoker, answering from expectations without any
// server in between.
func (m *Mock) Invoke(ctx context.Context, input bin.Encoder, output bin.Decoder) error {
	id, err := crypto.RandInt64(rand.Reader)
	if err != nil {
		return errors.Wrap(err, "generate id")
	}
	body, err := wire.Encode(input)
	if err != nil {
		return errors.Wrap(err, "encode input")
	}
	req := &tgtest.Request{MsgID: id, Body: body}
	req.TypeID, _ = req.Buffer().PeekID()

	result, err := m.Handle(req)
	if err != nil {
		return errors.Wrap(err, "mock invoke")
	}

	buf := new(bin.Buffer)
	if err := result.Encode(buf); err != nil {
		return errors.Wrap(err, "encode")
	}
	if err := output.Decode(buf); err != nil {
		return errors.Wrap(err, "decode")
	}
	return nil
}
