package mtp

import (
	"go.uber.org/zap"

	"go.mau.fi/mtcore/pkg/rpcerr"
	"go.mau.fi/mtcore/pkg/session"
)

// onFail intercepts short flood waits: request is reissued with the same id
// after the wait and its handlers stay registered.
func (i *Instance) onFail(id session.RequestID, err *rpcerr.Error) bool {
	wait, ok := err.FloodWait()
	if !ok || wait > i.opts.MaxFloodWait {
		return false
	}

	i.mux.Lock()
	r, ok := i.routes[id]
	if !ok || i.closed {
		i.mux.Unlock()
		return false
	}
	stop := make(chan struct{})
	r.stop = stop
	i.wg.Add(1)
	i.mux.Unlock()

	i.log.Info("Flood wait, retrying later",
		zap.Stringer("request_id", id),
		zap.Stringer("dc", r.dc),
		zap.Duration("wait", wait),
	)
	timer := i.clock.Timer(wait)
	go func() {
		defer i.wg.Done()
		select {
		case <-timer.C():
			i.reissue(id, stop)
		case <-stop:
			timer.Stop()
		case <-i.ctx.Done():
			timer.Stop()
		}
	}()
	return true
}

func (i *Instance) reissue(id session.RequestID, stop chan struct{}) {
	i.mux.Lock()
	r, ok := i.routes[id]
	if !ok || r.stop != stop {
		i.mux.Unlock()
		return
	}
	r.stop = nil
	i.mux.Unlock()

	s, err := i.session(r.dc)
	if err != nil {
		i.dispatcher.Fail(id, rpcerr.New(0, rpcerr.TypeSessionClosed))
		return
	}
	i.log.Debug("Reissuing request", zap.Stringer("request_id", id), zap.Stringer("dc", r.dc))
	s.SendRaw(id, r.body, r.opt)
}
