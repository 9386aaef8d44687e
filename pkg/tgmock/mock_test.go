package tgmock

import (
	"context"
	"testing"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/stretchr/testify/require"

	"go.mau.fi/mtcore/pkg/rpcerr"
	"go.mau.fi/mtcore/pkg/tgtest"
)

func TestMock_Invoke(t *testing.T) {
	a := require.New(t)
	m := New(t)
	defer m.Close()

	m.Expect().ExpectCall(&tg.HelpGetConfigRequest{}).ThenResult(&tg.Config{ThisDC: 4})
	m.Expect().ExpectType(tg.AuthLogOutRequestTypeID).ThenRPCErr(rpcerr.New(401, "AUTH_KEY_UNREGISTERED"))

	var cfg tg.Config
	a.NoError(m.Invoke(context.Background(), &tg.HelpGetConfigRequest{}, &cfg))
	a.Equal(4, cfg.ThisDC)

	var out tg.AuthLoggedOut
	err := m.Invoke(context.Background(), &tg.AuthLogOutRequest{}, &out)
	a.True(tgerr.Is(err, "AUTH_KEY_UNREGISTERED"))
	a.True(m.AllWereMet())
}

func TestRouter(t *testing.T) {
	a := require.New(t)
	r := NewRouter(nil).
		On(tg.HelpGetConfigRequestTypeID, Result(&tg.Config{ThisDC: 2})).
		On(tg.AuthLogOutRequestTypeID, Hold())

	req := func(typeID uint32) *tgtest.Request {
		return &tgtest.Request{TypeID: typeID}
	}

	v, err := r.Handle(req(tg.HelpGetConfigRequestTypeID))
	a.NoError(err)
	a.Equal(2, v.(*tg.Config).ThisDC)

	_, err = r.Handle(req(tg.AuthLogOutRequestTypeID))
	a.ErrorIs(err, tgtest.ErrNoAnswer)

	_, err = r.Handle(req(tg.HelpGetNearestDCRequestTypeID))
	e, ok := rpcerr.As(err)
	a.True(ok)
	a.Equal("METHOD_INVALID", e.Type)
}
