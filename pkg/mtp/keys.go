package mtp

import (
	"context"

	"github.com/gotd/td/bin"
	"github.com/gotd/td/crypto"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"go.mau.fi/mtcore/pkg/dcs"
	"go.mau.fi/mtcore/pkg/rpc"
	"go.mau.fi/mtcore/pkg/rpcerr"
)

// SetKey replaces auth key of dc. Sessions with it restart with a new
// session id.
func (i *Instance) SetKey(ctx context.Context, dc int, key crypto.AuthKey) error {
	return i.registry.SetKey(ctx, dc, key)
}

// DestroyKey removes auth key of dc.
func (i *Instance) DestroyKey(ctx context.Context, dc int) error {
	return i.registry.DestroyKey(ctx, dc)
}

// SetMainDC sets home DC. With firstOnly it only applies if main DC was not
// chosen yet.
func (i *Instance) SetMainDC(ctx context.Context, dc int, firstOnly bool) error {
	return i.registry.SetMainDC(ctx, dc, firstOnly)
}

// LogoutOtherDCs sends auth.logOut to every keyed DC except the main one,
// each on its own logout session that is killed after the answer.
func (i *Instance) LogoutOtherDCs() {
	i.registry.LogoutOtherDCs(func(dc dcs.ShiftedDC) {
		kill := func() { i.KillSession(dc) }
		_, err := i.Send(i.ctx, &tg.AuthLogOutRequest{},
			rpc.DoneRaw(func(*bin.Buffer) error {
				kill()
				return nil
			}),
			rpc.Fail(func(err *rpcerr.Error) bool {
				i.log.Debug("Logout failed", zap.Stringer("dc", dc), zap.Error(err))
				kill()
				return true
			}),
			SendOptions{DC: dc.Bare(), Shift: dc.Shift()},
		)
		if err != nil {
			i.log.Warn("Failed to send logout", zap.Stringer("dc", dc), zap.Error(err))
		}
	})
}

func (i *Instance) onKey(ev dcs.KeyEvent) {
	for _, s := range i.sessionsOf(ev.DC) {
		if ev.Destroyed {
			s.Restart()
			continue
		}
		if err := s.SetKey(ev.Key); err != nil {
			i.log.Warn("Failed to set key", zap.Int("dc", ev.DC), zap.Error(err))
		}
	}
}
