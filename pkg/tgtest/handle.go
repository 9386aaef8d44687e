package tgtest

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/mt"
	"github.com/gotd/td/proto"
	"go.uber.org/zap"

	"go.mau.fi/mtcore/pkg/rpcerr"
	"go.mau.fi/mtcore/pkg/transport"
	"go.mau.fi/mtcore/pkg/wire"
)

func (s *Server) handleFrame(ctx context.Context, conn transport.Conn, keyID [8]byte, b *bin.Buffer) error {
	key, ok := s.key(keyID)
	if !ok {
		return errors.New("unknown auth key")
	}
	var f wire.Frame
	if err := f.Open(s.cipher, key, b); err != nil {
		return errors.Wrap(err, "open")
	}
	sess, err := s.session(ctx, conn, key, f)
	if err != nil {
		return err
	}

	var acks []int64
	if err := s.handleMessage(ctx, sess, f.Message, &acks); err != nil {
		return err
	}
	if len(acks) > 0 && !s.noAcks {
		if err := s.send(ctx, sess, &mt.MsgsAck{MsgIDs: acks}, false); err != nil {
			return errors.Wrap(err, "ack")
		}
	}
	return nil
}

func (s *Server) record(sess *serverSession, m wire.Message, typeID uint32) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.received = append(s.received, Received{SessionID: sess.id, Message: m, TypeID: typeID})
}

func (s *Server) handleMessage(ctx context.Context, sess *serverSession, m wire.Message, acks *[]int64) error {
	typeID, err := m.TypeID()
	if err != nil {
		return errors.Wrap(err, "peek type")
	}
	s.record(sess, m, typeID)
	if ce := s.log.Check(zap.DebugLevel, "Received"); ce != nil {
		ce.Write(zap.Int64("msg_id", m.ID), zap.String("type", s.types.Get(typeID)))
	}

	sess.mux.Lock()
	sess.seen[m.ID] = struct{}{}
	sess.mux.Unlock()
	if m.ContentRelated() {
		*acks = append(*acks, m.ID)
	}

	b := &bin.Buffer{Buf: m.Body}
	switch typeID {
	case proto.MessageContainerTypeID:
		msgs, err := wire.DecodeContainer(b)
		if err != nil {
			return errors.Wrap(err, "container")
		}
		for _, inner := range msgs {
			if err := s.handleMessage(ctx, sess, inner, acks); err != nil {
				return err
			}
		}
		return nil
	case mt.MsgsAckTypeID, mt.MsgsStateInfoTypeID, mt.MsgResendReqTypeID:
		return nil
	case mt.PingRequestTypeID:
		var ping mt.PingRequest
		if err := ping.Decode(b); err != nil {
			return errors.Wrap(err, "ping")
		}
		return s.send(ctx, sess, &mt.Pong{MsgID: m.ID, PingID: ping.PingID}, false)
	case mt.MsgsStateReqTypeID:
		var req mt.MsgsStateReq
		if err := req.Decode(b); err != nil {
			return errors.Wrap(err, "msgs_state_req")
		}
		info := make([]byte, len(req.MsgIDs))
		sess.mux.Lock()
		for i, id := range req.MsgIDs {
			if _, ok := sess.seen[id]; ok {
				info[i] = wire.StateReceived
			} else {
				info[i] = wire.StateNotReceived
			}
		}
		sess.mux.Unlock()
		return s.send(ctx, sess, &wire.StateInfo{RequestMsgID: m.ID, Info: info}, false)
	case mt.GetFutureSaltsRequestTypeID:
		now := int(s.clock.Now().Unix())
		return s.send(ctx, sess, &mt.FutureSalts{
			ReqMsgID: m.ID,
			Now:      now,
			Salts: []mt.FutureSalt{{
				ValidSince: now,
				ValidUntil: now + 3600,
				Salt:       s.salt,
			}},
		}, false)
	default:
		return s.handleCall(ctx, sess, m)
	}
}

func (s *Server) handleCall(ctx context.Context, sess *serverSession, m wire.Message) error {
	req := &Request{
		DC:        s.dc,
		SessionID: sess.id,
		MsgID:     m.ID,
		Body:      m.Body,
	}
	if err := unwrap(req); err != nil {
		return errors.Wrap(err, "unwrap")
	}
	s.mux.Lock()
	s.calls = append(s.calls, req)
	s.mux.Unlock()

	result, err := s.handler.Handle(req)
	if errors.Is(err, ErrNoAnswer) {
		return nil
	}
	if err != nil {
		var e *rpcerr.Error
		if !errors.As(err, &e) {
			e = rpcerr.New(500, rpcerr.TypeInternalServerError)
		}
		text := e.Type
		if e.Description != "" {
			text += ": " + e.Description
		}
		result = &mt.RPCError{ErrorCode: e.Code, ErrorMessage: text}
	}

	body, err := wire.Encode(result)
	if err != nil {
		return errors.Wrap(err, "encode result")
	}
	if len(body) > packThreshold {
		if body, err = wire.Pack(body); err != nil {
			return errors.Wrap(err, "pack")
		}
	}
	return s.send(ctx, sess, &wire.Result{RequestMsgID: m.ID, Body: body}, true)
}

// packThreshold is the size of result that is sent gzip_packed.
const packThreshold = 4096
