// Package wire implements the MTProto inner message envelope used by the
// session core: frames, containers, rpc results and gzip packing.
package wire

import (
	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
)

// Message is a single MTProto message, either top-level in Frame or inside
// a container.
type Message struct {
	ID    int64
	SeqNo int32
	Body  []byte
}

// ContentRelated reports whether message requires acknowledgment.
//
// Low bit of sequence number encodes that.
func (m Message) ContentRelated() bool {
	return m.SeqNo&1 == 1
}

// TypeID returns TL type id of message body.
func (m Message) TypeID() (uint32, error) {
	b := bin.Buffer{Buf: m.Body}
	return b.PeekID()
}

// SeqNo computes sequence number from counter of content-related messages.
func SeqNo(counter int32, contentRelated bool) int32 {
	seq := counter * 2
	if contentRelated {
		seq++
	}
	return seq
}

// maxBodyLen is the upper bound for a single message body.
const maxBodyLen = 16 * 1024 * 1024

func putMessage(b *bin.Buffer, m Message) {
	b.PutLong(m.ID)
	b.PutInt32(m.SeqNo)
	b.PutInt(len(m.Body))
	b.Put(m.Body)
}

func decodeMessage(b *bin.Buffer, m *Message) error {
	id, err := b.Long()
	if err != nil {
		return errors.Wrap(err, "msg_id")
	}
	seq, err := b.Int32()
	if err != nil {
		return errors.Wrap(err, "seqno")
	}
	n, err := b.Int()
	if err != nil {
		return errors.Wrap(err, "bytes")
	}
	if n < 0 || n > maxBodyLen || n%4 != 0 {
		return errors.Errorf("invalid body length %d", n)
	}
	if n > len(b.Buf) {
		return errors.Errorf("body length %d exceeds buffer %d", n, len(b.Buf))
	}

	m.ID = id
	m.SeqNo = seq
	m.Body = append([]byte(nil), b.Buf[:n]...)
	b.Buf = b.Buf[n:]
	return nil
}
