package mtproto

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/crypto"
	"github.com/gotd/td/mt"
	"go.uber.org/zap"

	"go.mau.fi/mtcore/pkg/session"
	"go.mau.fi/mtcore/pkg/wire"
)

// SendOptions of Send.
type SendOptions struct {
	// CanWait is how long request may be held to be batched with others.
	CanWait time.Duration
	// NeedsLayer wraps request into invokeWithLayer(initConnection(...))
	// until the connection is initialized.
	NeedsLayer bool
	// After holds request until that request has left the wire.
	After session.RequestID
}

// Send enqueues request. Handlers must be registered in the dispatcher by the
// caller before.
func (s *Session) Send(id session.RequestID, input bin.Encoder, opt SendOptions) error {
	body, err := wire.Encode(input)
	if err != nil {
		return errors.Wrap(err, "encode")
	}
	s.SendRaw(id, body, opt)
	return nil
}

// SendRaw enqueues already serialized request.
func (s *Session) SendRaw(id session.RequestID, body []byte, opt SendOptions) {
	now := s.clock.Now()
	req := &session.Request{
		ID:         id,
		Body:       body,
		NeedsAck:   true,
		NeedsLayer: opt.NeedsLayer,
		After:      opt.After,
		CanWait:    opt.CanWait,
		Created:    now,
		QueuedAt:   now,
	}
	req.TypeID, _ = (&bin.Buffer{Buf: body}).PeekID()

	s.log.Debug("Send",
		zap.Stringer("request_id", id),
		zap.String("type", s.typeName(req.TypeID)),
		zap.Duration("can_wait", opt.CanWait),
	)
	s.data.ToSend.Set(id, req)
	s.wakeup()
}

// SendPrepared enqueues internal request with fake request id, bypassing
// ordering and layer wrapping.
func (s *Session) SendPrepared(input bin.Encoder, needsAck bool, canWait time.Duration) (session.RequestID, error) {
	body, err := wire.Encode(input)
	if err != nil {
		return session.RequestID{}, errors.Wrap(err, "encode")
	}
	id := s.data.NextFakeRequestID()
	now := s.clock.Now()
	req := &session.Request{
		ID:       id,
		Body:     body,
		NeedsAck: needsAck,
		CanWait:  canWait,
		Created:  now,
		QueuedAt: now,
	}
	req.TypeID, _ = (&bin.Buffer{Buf: body}).PeekID()
	s.data.ToSend.Set(id, req)
	s.wakeup()
	return id, nil
}

// Ping sends ping with internal request id.
func (s *Session) Ping() (session.RequestID, error) {
	pingID, err := crypto.RandInt64(s.opts.Random)
	if err != nil {
		return session.RequestID{}, errors.Wrap(err, "ping id")
	}
	s.pingID.Store(pingID)
	return s.SendPrepared(&mt.PingRequest{PingID: pingID}, true, 0)
}

func (s *Session) typeName(id uint32) string {
	if name := s.types.Get(id); name != "" {
		return name
	}
	return "unknown"
}

func (s *Session) queueAck(msgID int64) {
	s.acksMux.Lock()
	defer s.acksMux.Unlock()
	if len(s.acks) == 0 {
		s.acksAt = s.clock.Now()
	}
	s.acks = append(s.acks, msgID)
}

func (s *Session) clearAcks() {
	s.acksMux.Lock()
	defer s.acksMux.Unlock()
	s.acks = nil
}

// takeAcks returns pending acks if they are due or force is set.
func (s *Session) takeAcks(now time.Time, force bool) []int64 {
	s.acksMux.Lock()
	defer s.acksMux.Unlock()
	if len(s.acks) == 0 {
		return nil
	}
	if !force && now.Before(s.acksAt.Add(s.opts.AckDelay)) {
		return nil
	}
	acks := s.acks
	s.acks = nil
	return acks
}

func (s *Session) acksDue() (time.Time, bool) {
	s.acksMux.Lock()
	defer s.acksMux.Unlock()
	if len(s.acks) == 0 {
		return time.Time{}, false
	}
	return s.acksAt.Add(s.opts.AckDelay), true
}
