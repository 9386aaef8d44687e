package mtproto

import (
	"time"

	"github.com/gotd/td/mt"
	"go.uber.org/zap"

	"go.mau.fi/mtcore/pkg/session"
	"go.mau.fi/mtcore/pkg/wire"
)

// Resend requeues request sent in message msgID keeping its request id.
//
// With forceContainer the next packet is a container even if it carries a
// single message. If message is unknown and sendStateInfo is set, server is
// told that nothing is known about it.
func (s *Session) Resend(msgID int64, canWait time.Duration, forceContainer, sendStateInfo bool) bool {
	if s.data.Requeue(msgID, canWait, s.clock.Now()) {
		s.log.Debug("Resending", zap.Int64("msg_id", msgID))
		if forceContainer {
			s.forceContainer.Store(true)
		}
		s.wakeup()
		return true
	}
	if sendStateInfo {
		if _, err := s.SendPrepared(&wire.StateInfo{
			RequestMsgID: msgID,
			Info:         []byte{wire.StateNothingKnown},
		}, false, 0); err != nil {
			s.log.Warn("Failed to send state info", zap.Error(err))
		}
	}
	return false
}

// ResendAll requeues every sent and not yet answered request.
func (s *Session) ResendAll() {
	if n := s.data.RequeueAll(s.clock.Now()); n > 0 {
		s.log.Debug("Resending all", zap.Int("count", n))
		s.wakeup()
	}
}

// Cancel drops request from every queue. Late responses for it are
// ignored. Idempotent.
func (s *Session) Cancel(id session.RequestID) {
	s.dispatcher.Forget(id)
	if s.data.Remove(id) {
		s.log.Debug("Request cancelled", zap.Stringer("request_id", id))
	}
}

// RequestState reports RequestSent, RequestSending or RequestConnecting.
// A negative value is milliseconds left until reconnect attempt.
func (s *Session) RequestState(id session.RequestID) int {
	switch s.state.Load() {
	case stateConnected:
	case stateWaiting:
		left := s.reconnectAt.Load().Sub(s.clock.Now())
		if left < time.Millisecond {
			return RequestConnecting
		}
		return -int(left.Milliseconds())
	default:
		return RequestConnecting
	}
	if s.data.ToSend.Has(id) {
		return RequestSending
	}
	return RequestSent
}

// RequestElapsed returns time since request was first written, or zero if
// it was never sent.
func (s *Session) RequestElapsed(id session.RequestID) time.Duration {
	first, ok := s.data.FirstSent(id)
	if !ok {
		return 0
	}
	return s.clock.Now().Sub(first)
}

// queryStale asks server about requests that stay unanswered too long.
func (s *Session) queryStale() {
	if n := s.data.QueryStale(s.clock.Now().Add(-s.opts.ResendTimeout)); n > 0 {
		s.log.Debug("Querying state of stale requests", zap.Int("count", n))
		s.wakeup()
	}
}

// handleStateInfo resolves answer to our msgs_state_req.
func (s *Session) handleStateInfo(info wire.StateInfo) {
	ids, ok := s.data.TakeStateQuery(info.RequestMsgID)
	if !ok {
		s.log.Debug("State info for unknown request", zap.Int64("msg_id", info.RequestMsgID))
		return
	}
	if len(ids) != len(info.Info) {
		s.log.Warn("State info count mismatch",
			zap.Int("requested", len(ids)),
			zap.Int("received", len(info.Info)),
		)
	}
	for i, id := range ids {
		if i >= len(info.Info) {
			break
		}
		s.applyState(id, info.Info[i])
	}
}

func (s *Session) applyState(msgID int64, state byte) {
	switch state & 0x07 {
	case wire.StateNothingKnown, wire.StateNotReceived, wire.StateIDTooHigh:
		s.Resend(msgID, 0, false, false)
	case wire.StateReceived:
		if state&wire.StateAckedByClient == 0 {
			// Server got it, answer is on the way.
			s.data.Ack([]int64{msgID})
		}
	}
}

// answerStateRequest replies to msgs_state_req of server.
func (s *Session) answerStateRequest(req mt.MsgsStateReq, reqMsgID int64) {
	info := make([]byte, len(req.MsgIDs))
	for i, id := range req.MsgIDs {
		info[i] = s.receivedState(id)
	}
	if _, err := s.SendPrepared(&wire.StateInfo{RequestMsgID: reqMsgID, Info: info}, false, 0); err != nil {
		s.log.Warn("Failed to answer state request", zap.Error(err))
	}
}

func (s *Session) receivedState(msgID int64) byte {
	received := &s.data.ReceivedIDs
	if msgID > s.now().Add(30*time.Second).Unix()<<32 {
		return wire.StateIDTooHigh
	}
	if ok, _ := received.Lookup(msgID); ok {
		return wire.StateReceived | wire.StateAckedByClient
	}
	if msgID < received.Min() {
		return wire.StateNothingKnown
	}
	return wire.StateNotReceived
}
