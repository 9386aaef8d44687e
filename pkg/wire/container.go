package wire

import (
	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/proto"
)

// MaxContainerSize is the maximum count of messages in one container.
const MaxContainerSize = 1020

// EncodeContainer writes msg_container with given messages.
func EncodeContainer(b *bin.Buffer, msgs []Message) error {
	if len(msgs) > MaxContainerSize {
		return errors.Errorf("container too big: %d", len(msgs))
	}
	b.PutID(proto.MessageContainerTypeID)
	b.PutInt(len(msgs))
	for _, m := range msgs {
		putMessage(b, m)
	}
	return nil
}

// DecodeContainer reads msg_container.
func DecodeContainer(b *bin.Buffer) ([]Message, error) {
	if err := b.ConsumeID(proto.MessageContainerTypeID); err != nil {
		return nil, err
	}
	n, err := b.Int()
	if err != nil {
		return nil, errors.Wrap(err, "count")
	}
	if n < 0 || n > MaxContainerSize {
		return nil, errors.Errorf("invalid container size %d", n)
	}

	msgs := make([]Message, n)
	for i := range msgs {
		if err := decodeMessage(b, &msgs[i]); err != nil {
			return nil, errors.Wrapf(err, "message %d", i)
		}
	}
	return msgs, nil
}
