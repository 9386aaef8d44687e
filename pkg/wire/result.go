package wire

import (
	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/mt"
)

// Result is rpc_result: response body bound to request message id.
type Result struct {
	RequestMsgID int64
	Body         []byte
}

// Encode implements bin.Encoder.
func (r *Result) Encode(b *bin.Buffer) error {
	b.PutID(mt.RPCResultTypeID)
	b.PutLong(r.RequestMsgID)
	b.Put(r.Body)
	return nil
}

// Decode implements bin.Decoder. Body is the rest of the buffer.
func (r *Result) Decode(b *bin.Buffer) error {
	if err := b.ConsumeID(mt.RPCResultTypeID); err != nil {
		return err
	}
	id, err := b.Long()
	if err != nil {
		return errors.Wrap(err, "req_msg_id")
	}
	r.RequestMsgID = id
	r.Body = append([]byte(nil), b.Buf...)
	b.Buf = b.Buf[len(b.Buf):]
	return nil
}

// StateInfo is msgs_state_info. Info holds one state byte per requested id.
type StateInfo struct {
	RequestMsgID int64
	Info         []byte
}

// Message state values, low three bits of a state byte.
const (
	StateNothingKnown  = 1
	StateNotReceived   = 2
	StateIDTooHigh     = 3
	StateReceived      = 4
	StateAckedByClient = 8
)

// Encode implements bin.Encoder.
func (s *StateInfo) Encode(b *bin.Buffer) error {
	b.PutID(mt.MsgsStateInfoTypeID)
	b.PutLong(s.RequestMsgID)
	b.PutBytes(s.Info)
	return nil
}

// Decode implements bin.Decoder.
func (s *StateInfo) Decode(b *bin.Buffer) error {
	if err := b.ConsumeID(mt.MsgsStateInfoTypeID); err != nil {
		return err
	}
	id, err := b.Long()
	if err != nil {
		return errors.Wrap(err, "req_msg_id")
	}
	info, err := b.Bytes()
	if err != nil {
		return errors.Wrap(err, "info")
	}
	s.RequestMsgID = id
	s.Info = info
	return nil
}

// Raw is an already serialized TL object.
//
// Used as query of wrapping requests like invokeWithLayer.
type Raw []byte

// Encode implements bin.Encoder.
func (r Raw) Encode(b *bin.Buffer) error {
	b.Put(r)
	return nil
}

// Decode implements bin.Decoder by consuming the whole buffer.
func (r *Raw) Decode(b *bin.Buffer) error {
	*r = append((*r)[:0], b.Buf...)
	b.Buf = b.Buf[len(b.Buf):]
	return nil
}

// Encode serializes object to bytes.
func Encode(e bin.Encoder) ([]byte, error) {
	var b bin.Buffer
	if err := e.Encode(&b); err != nil {
		return nil, err
	}
	return b.Buf, nil
}
