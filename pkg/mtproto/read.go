package mtproto

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/mt"
	"github.com/gotd/td/proto"
	"go.uber.org/zap"

	"go.mau.fi/mtcore/pkg/rpcerr"
	"go.mau.fi/mtcore/pkg/session"
	"go.mau.fi/mtcore/pkg/transport"
	"go.mau.fi/mtcore/pkg/wire"
)

func (s *Session) readLoop(ctx context.Context, conn transport.Conn) error {
	var b bin.Buffer
	for {
		b.Reset()
		if err := conn.Recv(ctx, &b); err != nil {
			return errors.Wrap(err, "recv")
		}
		if err := s.handleFrame(&b); err != nil {
			s.log.Warn("Failed to handle frame", zap.Error(err))
		}
	}
}

func (s *Session) handleFrame(b *bin.Buffer) error {
	key, ok := s.data.Key()
	if !ok {
		return errors.New("no auth key")
	}
	var f wire.Frame
	if err := f.Open(s.cipher, key, b); err != nil {
		return errors.Wrap(err, "open")
	}
	if f.SessionID != s.data.SessionID() {
		s.log.Debug("Ignoring frame of other session", zap.Int64("session_id", f.SessionID))
		return nil
	}
	return s.handleMessage(f.Message)
}

func (s *Session) handleMessage(m wire.Message) error {
	contentRelated := m.ContentRelated()
	if !s.data.ReceivedIDs.Register(m.ID, contentRelated) {
		if contentRelated {
			// Our ack was probably lost.
			s.queueAck(m.ID)
			s.wakeup()
		}
		s.log.Debug("Duplicate message", zap.Int64("msg_id", m.ID))
		return nil
	}
	if contentRelated {
		s.queueAck(m.ID)
		defer s.wakeup()
	}
	return s.handlePayload(m.ID, m.Body)
}

func (s *Session) handlePayload(msgID int64, body []byte) error {
	b := &bin.Buffer{Buf: body}
	id, err := b.PeekID()
	if err != nil {
		return errors.Wrap(err, "peek type")
	}
	if ce := s.log.Check(zap.DebugLevel, "Received"); ce != nil {
		ce.Write(zap.Int64("msg_id", msgID), zap.String("type", s.typeName(id)))
	}

	switch id {
	case proto.MessageContainerTypeID:
		msgs, err := wire.DecodeContainer(b)
		if err != nil {
			return errors.Wrap(err, "container")
		}
		for _, m := range msgs {
			if err := s.handleMessage(m); err != nil {
				s.log.Warn("Failed to handle message of container", zap.Int64("msg_id", m.ID), zap.Error(err))
			}
		}
		return nil
	case proto.GZIPTypeID:
		unpacked, err := wire.Unpack(body)
		if err != nil {
			return errors.Wrap(err, "gzip")
		}
		return s.handlePayload(msgID, unpacked)
	case mt.RPCResultTypeID:
		return s.handleResult(b)
	case mt.MsgsAckTypeID:
		var ack mt.MsgsAck
		if err := ack.Decode(b); err != nil {
			return errors.Wrap(err, "msgs_ack")
		}
		s.data.Ack(ack.MsgIDs)
		return nil
	case mt.PongTypeID:
		var pong mt.Pong
		if err := pong.Decode(b); err != nil {
			return errors.Wrap(err, "pong")
		}
		s.data.Take(pong.MsgID)
		s.lastPong.Store(s.clock.Now())
		return nil
	case mt.BadMsgNotificationTypeID:
		var bad mt.BadMsgNotification
		if err := bad.Decode(b); err != nil {
			return errors.Wrap(err, "bad_msg_notification")
		}
		return s.handleBadMsg(msgID, bad)
	case mt.BadServerSaltTypeID:
		var bad mt.BadServerSalt
		if err := bad.Decode(b); err != nil {
			return errors.Wrap(err, "bad_server_salt")
		}
		s.log.Debug("Bad server salt", zap.Int64("bad_msg_id", bad.BadMsgID))
		s.salts.Reset()
		s.data.SetSalt(bad.NewServerSalt)
		s.Resend(bad.BadMsgID, 0, false, false)
		return nil
	case mt.NewSessionCreatedTypeID:
		var created mt.NewSessionCreated
		if err := created.Decode(b); err != nil {
			return errors.Wrap(err, "new_session_created")
		}
		return s.handleSessionCreated(created)
	case mt.MsgResendReqTypeID:
		var req mt.MsgResendReq
		if err := req.Decode(b); err != nil {
			return errors.Wrap(err, "msg_resend_req")
		}
		for _, id := range req.MsgIDs {
			s.Resend(id, 0, false, true)
		}
		return nil
	case mt.MsgsStateReqTypeID:
		var req mt.MsgsStateReq
		if err := req.Decode(b); err != nil {
			return errors.Wrap(err, "msgs_state_req")
		}
		s.answerStateRequest(req, msgID)
		return nil
	case mt.MsgsStateInfoTypeID:
		var info wire.StateInfo
		if err := info.Decode(b); err != nil {
			return errors.Wrap(err, "msgs_state_info")
		}
		s.handleStateInfo(info)
		return nil
	case mt.MsgDetailedInfoTypeID:
		var info mt.MsgDetailedInfo
		if err := info.Decode(b); err != nil {
			return errors.Wrap(err, "msg_detailed_info")
		}
		s.handleDetailedInfo(info.AnswerMsgID)
		return nil
	case mt.MsgNewDetailedInfoTypeID:
		var info mt.MsgNewDetailedInfo
		if err := info.Decode(b); err != nil {
			return errors.Wrap(err, "msg_new_detailed_info")
		}
		s.handleDetailedInfo(info.AnswerMsgID)
		return nil
	case mt.FutureSaltsTypeID:
		return s.handleFutureSalts(b)
	default:
		return s.handler.OnMessage(b)
	}
}

func (s *Session) handleResult(b *bin.Buffer) error {
	var res wire.Result
	if err := res.Decode(b); err != nil {
		return errors.Wrap(err, "rpc_result")
	}
	body := res.Body
	if wire.IsPacked(body) {
		unpacked, err := wire.Unpack(body)
		if err != nil {
			return errors.Wrap(err, "gzip")
		}
		body = unpacked
	}

	req, ok := s.data.Take(res.RequestMsgID)
	if !ok {
		s.log.Debug("Result for unknown message", zap.Int64("msg_id", res.RequestMsgID))
		return nil
	}
	if req.NeedsLayer && !s.data.LayerInited() {
		s.data.SetLayerInited(true)
		s.keys.SetConnectionInited(s.dc.Bare(), true)
	}

	resp := session.Response{RequestID: req.ID, MsgID: res.RequestMsgID, Body: body}
	rb := &bin.Buffer{Buf: body}
	typeID, _ := rb.PeekID()
	switch typeID {
	case mt.RPCErrorTypeID:
		var rpcErr mt.RPCError
		if err := rpcErr.Decode(rb); err != nil {
			resp.Err = rpcerr.New(0, rpcerr.TypeResponseParseFailed)
		} else {
			resp.Err = rpcerr.Parse(rpcErr.ErrorCode, rpcErr.ErrorMessage)
		}
		resp.Body = nil
	case mt.PongTypeID:
		s.lastPong.Store(s.clock.Now())
	case mt.FutureSaltsTypeID:
		var salts mt.FutureSalts
		if err := salts.Decode(rb); err == nil {
			s.salts.Store(salts.Salts)
		}
	}

	if req.ID.Internal() {
		if resp.Err != nil {
			s.log.Debug("Internal request failed", zap.Error(resp.Err))
		}
		return nil
	}
	s.data.HaveReceived.Set(req.ID, resp)
	signal(s.received)
	return nil
}

func (s *Session) handleBadMsg(msgID int64, bad mt.BadMsgNotification) error {
	log := s.log.With(zap.Int64("bad_msg_id", bad.BadMsgID), zap.Int("code", bad.ErrorCode))
	switch bad.ErrorCode {
	case 16, 17:
		// Message id too low or too high: sync clock with server.
		serverTime := time.Unix(msgID>>32, 0)
		offset := serverTime.Sub(s.clock.Now())
		s.timeOffset.Store(offset)
		log.Info("Adjusted time offset", zap.Duration("offset", offset))
		s.Resend(bad.BadMsgID, 0, false, false)
	case 32, 33:
		// Sequence number mismatch: start new session.
		log.Info("Bad sequence number, resetting session")
		if err := s.data.ResetSession(); err != nil {
			return errors.Wrap(err, "reset session")
		}
		s.clearAcks()
		s.ResendAll()
	default:
		log.Debug("Bad message")
		s.Resend(bad.BadMsgID, 0, false, false)
	}
	return nil
}

func (s *Session) handleSessionCreated(created mt.NewSessionCreated) error {
	s.log.Debug("Session created",
		zap.Int64("first_msg_id", created.FirstMsgID),
		zap.Int64("unique_id", created.UniqueID),
	)
	s.data.SetSalt(created.ServerSalt)

	for _, msgID := range s.data.SentBefore(created.FirstMsgID) {
		s.Resend(msgID, 0, false, false)
	}
	return s.handler.OnSession(created.FirstMsgID)
}

// handleDetailedInfo acks answer we already have or asks to resend it.
func (s *Session) handleDetailedInfo(answerMsgID int64) {
	if ok, _ := s.data.ReceivedIDs.Lookup(answerMsgID); ok {
		s.queueAck(answerMsgID)
		s.wakeup()
		return
	}
	if _, err := s.SendPrepared(&mt.MsgResendReq{MsgIDs: []int64{answerMsgID}}, false, 0); err != nil {
		s.log.Warn("Failed to request resend", zap.Error(err))
	}
}
