package mtp

import (
	"github.com/gotd/td/bin"
	"github.com/gotd/td/tg"
)

// updateHandler reloads config on updateConfig and updateDcOptions before
// passing updates on.
type updateHandler struct {
	i *Instance
}

func (h updateHandler) OnMessage(b *bin.Buffer) error {
	if updates, err := tg.DecodeUpdates(&bin.Buffer{Buf: b.Copy()}); err == nil {
		h.i.updateInterceptor(updates)
	}
	if h.i.opts.Handler == nil {
		return nil
	}
	return h.i.opts.Handler.OnMessage(b)
}

func (h updateHandler) OnSession(firstMsgID int64) error {
	if h.i.opts.Handler == nil {
		return nil
	}
	return h.i.opts.Handler.OnSession(firstMsgID)
}

func (i *Instance) updateInterceptor(updates tg.UpdatesClass) {
	var list []tg.UpdateClass
	switch u := updates.(type) {
	case *tg.Updates:
		list = u.Updates
	case *tg.UpdatesCombined:
		list = u.Updates
	case *tg.UpdateShort:
		list = []tg.UpdateClass{u.Update}
	}
	for _, update := range list {
		switch u := update.(type) {
		case *tg.UpdateConfig:
			i.config.OnUpdateConfig()
		case *tg.UpdateDCOptions:
			i.config.OnUpdateDCOptions(u.DCOptions)
		}
	}
}
