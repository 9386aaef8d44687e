package mtproto

import (
	"context"

	"go.uber.org/zap"

	"go.mau.fi/mtcore/pkg/rpc"
	"go.mau.fi/mtcore/pkg/session"
)

func (s *Session) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.received:
			s.dispatchReceived()
		}
	}
}

// dispatchReceived delivers buffered responses to their handlers.
func (s *Session) dispatchReceived() {
	received := s.data.HaveReceived.Take()
	for id, resp := range received {
		s.deliver(id, resp)
	}
}

func (s *Session) deliver(id session.RequestID, resp session.Response) {
	if id.Internal() {
		return
	}
	if resp.Err != nil {
		if !s.dispatcher.Fail(id, resp.Err) {
			s.log.Debug("No handler for failed request", zap.Stringer("request_id", id))
		}
		return
	}
	if !s.dispatcher.Done(rpc.Response{
		RequestID: id,
		MsgID:     resp.MsgID,
		Body:      resp.Body,
	}) {
		s.log.Debug("No handler for response", zap.Stringer("request_id", id))
	}
}
