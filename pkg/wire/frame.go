package wire

import (
	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/crypto"
)

// Frame is the payload of one transport packet: salt, session id and
// exactly one top-level message (possibly a container).
//
// On the wire a frame is an MTProto 2.0 encrypted message, see Seal and Open.
type Frame struct {
	Salt      int64
	SessionID int64
	Message   Message
}

// Seal encrypts frame with key and writes the packet to b.
func (f Frame) Seal(c crypto.Cipher, key crypto.AuthKey, b *bin.Buffer) error {
	if len(f.Message.Body) > maxBodyLen {
		return errors.Errorf("message body too big (%d)", len(f.Message.Body))
	}
	if err := c.Encrypt(key, crypto.EncryptedMessageData{
		Salt:                   f.Salt,
		SessionID:              f.SessionID,
		MessageID:              f.Message.ID,
		SeqNo:                  f.Message.SeqNo,
		MessageDataLen:         int32(len(f.Message.Body)),
		MessageDataWithPadding: f.Message.Body,
	}, b); err != nil {
		return errors.Wrap(err, "encrypt")
	}
	return nil
}

// Open decrypts packet in b with key. Packets of other keys are rejected.
func (f *Frame) Open(c crypto.Cipher, key crypto.AuthKey, b *bin.Buffer) error {
	data, err := c.DecryptFromBuffer(key, b)
	if err != nil {
		return errors.Wrap(err, "decrypt")
	}
	f.Salt = data.Salt
	f.SessionID = data.SessionID
	f.Message = Message{
		ID:    data.MessageID,
		SeqNo: data.SeqNo,
		Body:  data.Data(),
	}
	return nil
}

// PacketKeyID returns auth key id of packet. Zero id means unencrypted
// message of key exchange.
func PacketKeyID(b []byte) (id [8]byte, err error) {
	if len(b) < len(id) {
		return id, errors.New("packet too short")
	}
	copy(id[:], b)
	return id, nil
}
