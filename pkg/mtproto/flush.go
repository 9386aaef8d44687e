package mtproto

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/clock"
	"github.com/gotd/td/mt"
	"github.com/gotd/td/proto"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"go.mau.fi/mtcore/pkg/session"
	"go.mau.fi/mtcore/pkg/transport"
	"go.mau.fi/mtcore/pkg/wire"
)

// maxBatch leaves room in container for acks and state query.
const maxBatch = wire.MaxContainerSize - 4

// maxAcks is the limit of ids in single msgs_ack.
const maxAcks = 8192

func (s *Session) flushLoop(ctx context.Context, conn transport.Conn) error {
	for {
		now := s.clock.Now()
		due, ok := s.nextDue()
		if ok && !due.After(now) {
			if err := s.flush(ctx, conn); err != nil {
				return err
			}
			continue
		}

		var (
			timer  clock.Timer
			timerC <-chan time.Time
		)
		if ok {
			timer = s.clock.Timer(due.Sub(now))
			timerC = timer.C()
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-s.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// held reports whether request waits for its predecessor to be sent.
func held(r *session.Request, toSend map[session.RequestID]*session.Request) bool {
	if r.After.IsZero() {
		return false
	}
	_, queued := toSend[r.After]
	return queued
}

// nextDue returns the earliest moment something must be written.
func (s *Session) nextDue() (due time.Time, found bool) {
	consider := func(t time.Time) {
		if !found || t.Before(due) {
			due, found = t, true
		}
	}
	s.data.ToSend.View(func(toSend map[session.RequestID]*session.Request) {
		for _, r := range toSend {
			if held(r, toSend) {
				continue
			}
			consider(r.Due())
		}
	})
	if s.data.StateRequest.Len() > 0 {
		consider(s.clock.Now())
	}
	if t, ok := s.acksDue(); ok {
		consider(t)
	}
	return due, found
}

func sortRequests(m map[session.RequestID]*session.Request) []*session.Request {
	list := make([]*session.Request, 0, len(m))
	for _, r := range m {
		list = append(list, r)
	}
	slices.SortFunc(list, func(a, b *session.Request) int {
		return cmp.Or(
			a.Created.Compare(b.Created),
			cmp.Compare(a.ID.Kind, b.ID.Kind),
			cmp.Compare(a.ID.N, b.ID.N),
		)
	})
	return list
}

// sentMsgID returns message id of the last send of request.
func (s *Session) sentMsgID(id session.RequestID, haveSent map[int64]*session.Request) int64 {
	for msgID, r := range haveSent {
		if r.ID == id && !r.Container && !r.StateQuery {
			return msgID
		}
	}
	if r, ok := s.data.Acked.Get(id); ok {
		return r.MsgID
	}
	return 0
}

// wrap applies invokeWithLayer and invokeAfterMsg wrappers.
func (s *Session) wrap(r *session.Request, layerInited bool, afterMsgID int64) ([]byte, error) {
	body := r.Body
	if r.NeedsLayer && !layerInited {
		q := wire.Raw(body)
		d := s.opts.Device
		wrapped, err := wire.Encode(&tg.InvokeWithLayerRequest{
			Layer: s.opts.Layer,
			Query: &tg.InitConnectionRequest{
				APIID:          s.opts.APIID,
				DeviceModel:    d.DeviceModel,
				SystemVersion:  d.SystemVersion,
				AppVersion:     d.AppVersion,
				SystemLangCode: d.SystemLangCode,
				LangPack:       d.LangPack,
				LangCode:       d.LangCode,
				Query:          &q,
			},
		})
		if err != nil {
			return nil, errors.Wrap(err, "invokeWithLayer")
		}
		body = wrapped
	}
	if afterMsgID != 0 {
		q := wire.Raw(body)
		wrapped, err := wire.Encode(&tg.InvokeAfterMsgRequest{MsgID: afterMsgID, Query: &q})
		if err != nil {
			return nil, errors.Wrap(err, "invokeAfterMsg")
		}
		body = wrapped
	}
	return body, nil
}

// flush writes every ready request, pending acks and state queries in one
// packet.
func (s *Session) flush(ctx context.Context, conn transport.Conn) error {
	key, ok := s.data.Key()
	if !ok {
		return errors.New("no auth key")
	}
	s.rotateSalt()

	var (
		now         = s.clock.Now()
		layerInited = s.data.LayerInited()
		msgs        []wire.Message
		contentIDs  []int64
		requests    int
	)
	s.data.ToSend.Update(func(toSend map[session.RequestID]*session.Request) {
		s.data.HaveSent.Update(func(haveSent map[int64]*session.Request) {
			for _, r := range sortRequests(toSend) {
				if len(msgs) >= maxBatch {
					break
				}
				if held(r, toSend) {
					continue
				}
				var afterMsgID int64
				if !r.After.IsZero() {
					afterMsgID = s.sentMsgID(r.After, haveSent)
				}
				body, err := s.wrap(r, layerInited, afterMsgID)
				if err != nil {
					s.log.Error("Failed to prepare request", zap.Stringer("request_id", r.ID), zap.Error(err))
					continue
				}

				r.MsgID = s.newMessageID()
				r.SeqNo = s.data.NextRequestSeqNumber(r.NeedsAck)
				r.SentAt = now
				if r.FirstSentAt.IsZero() {
					r.FirstSentAt = now
				}
				delete(toSend, r.ID)
				if r.NeedsAck {
					haveSent[r.MsgID] = r
					contentIDs = append(contentIDs, r.MsgID)
				}
				msgs = append(msgs, wire.Message{ID: r.MsgID, SeqNo: r.SeqNo, Body: body})
				requests++
			}
		})
	})

	if queried := s.data.StateRequest.Take(); len(queried) > 0 {
		ids := make([]int64, 0, len(queried))
		for id := range queried {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		body, err := wire.Encode(&mt.MsgsStateReq{MsgIDs: ids})
		if err != nil {
			return errors.Wrap(err, "encode state request")
		}
		req := &session.Request{
			ID:         s.data.NextFakeRequestID(),
			TypeID:     mt.MsgsStateReqTypeID,
			MsgID:      s.newMessageID(),
			SeqNo:      s.data.NextRequestSeqNumber(false),
			StateQuery: true,
			Inner:      ids,
			Created:    now,
			SentAt:     now,
		}
		s.data.HaveSent.Set(req.MsgID, req)
		msgs = append(msgs, wire.Message{ID: req.MsgID, SeqNo: req.SeqNo, Body: body})
	}

	if acks := s.takeAcks(now, len(msgs) > 0); len(acks) > 0 {
		for chunk := range slices.Chunk(acks, maxAcks) {
			body, err := wire.Encode(&mt.MsgsAck{MsgIDs: chunk})
			if err != nil {
				return errors.Wrap(err, "encode ack")
			}
			msgs = append(msgs, wire.Message{
				ID:    s.newMessageID(),
				SeqNo: s.data.NextRequestSeqNumber(false),
				Body:  body,
			})
		}
	}

	if len(msgs) == 0 {
		return nil
	}

	top := msgs[0]
	if s.forceContainer.Swap(false) || len(msgs) > 1 {
		var b bin.Buffer
		if err := wire.EncodeContainer(&b, msgs); err != nil {
			return errors.Wrap(err, "encode container")
		}
		top = wire.Message{
			ID:    s.newMessageID(),
			SeqNo: s.data.NextRequestSeqNumber(false),
			Body:  b.Copy(),
		}
		if len(contentIDs) > 0 {
			s.data.HaveSent.Set(top.ID, &session.Request{
				ID:        s.data.NextFakeRequestID(),
				TypeID:    proto.MessageContainerTypeID,
				MsgID:     top.ID,
				Container: true,
				Inner:     contentIDs,
				Created:   now,
				SentAt:    now,
			})
		}
	}
	s.data.SweepContainers()

	frame := wire.Frame{
		Salt:      s.data.Salt(),
		SessionID: s.data.SessionID(),
		Message:   top,
	}
	var b bin.Buffer
	if err := frame.Seal(s.cipher, key, &b); err != nil {
		return errors.Wrap(err, "seal frame")
	}
	if err := conn.Send(ctx, &b); err != nil {
		return errors.Wrap(err, "send")
	}
	if ce := s.log.Check(zap.DebugLevel, "Flushed"); ce != nil {
		ce.Write(
			zap.Int64("msg_id", top.ID),
			zap.Int("messages", len(msgs)),
			zap.Int("requests", requests),
		)
	}
	return nil
}
