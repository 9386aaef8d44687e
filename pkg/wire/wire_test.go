package wire

import (
	"bytes"
	crand "crypto/rand"
	"testing"

	"github.com/gotd/td/bin"
	"github.com/gotd/td/crypto"
	"github.com/gotd/td/mt"
	"github.com/gotd/td/proto"
	"github.com/stretchr/testify/require"
)

func pingBody(t *testing.T, id int64) []byte {
	t.Helper()
	body, err := Encode(&mt.PingRequest{PingID: id})
	require.NoError(t, err)
	return body
}

func testKey(b byte) crypto.AuthKey {
	var k crypto.Key
	for i := range k {
		k[i] = b + byte(i)
	}
	return k.WithID()
}

func TestFrame(t *testing.T) {
	a := require.New(t)
	key := testKey(1)
	f := Frame{
		Salt:      10,
		SessionID: 20,
		Message:   Message{ID: 30, SeqNo: 3, Body: pingBody(t, 1)},
	}
	var b bin.Buffer
	a.NoError(f.Seal(crypto.NewClientCipher(crand.Reader), key, &b))

	id, err := PacketKeyID(b.Buf)
	a.NoError(err)
	a.Equal(key.ID, id)
	// Neither header nor body are readable without the key.
	a.False(bytes.Contains(b.Buf, f.Message.Body))
	a.Zero(len(b.Buf) % 16)

	var decoded Frame
	a.NoError(decoded.Open(crypto.NewServerCipher(crand.Reader), key, &b))
	a.Equal(f, decoded)
	a.True(decoded.Message.ContentRelated())

	typeID, err := decoded.Message.TypeID()
	a.NoError(err)
	a.Equal(uint32(mt.PingRequestTypeID), typeID)
}

func TestFrame_OpenRejects(t *testing.T) {
	a := require.New(t)
	key := testKey(1)
	f := Frame{Salt: 1, SessionID: 2, Message: Message{ID: 4, Body: pingBody(t, 1)}}

	seal := func() *bin.Buffer {
		b := new(bin.Buffer)
		a.NoError(f.Seal(crypto.NewClientCipher(crand.Reader), key, b))
		return b
	}
	server := crypto.NewServerCipher(crand.Reader)
	var decoded Frame

	a.Error(decoded.Open(server, testKey(9), seal()), "other key")
	a.Error(decoded.Open(crypto.NewClientCipher(crand.Reader), key, seal()), "own direction")

	b := seal()
	b.Buf[len(b.Buf)-1] ^= 0xff
	a.Error(decoded.Open(server, key, b), "tampered")

	_, err := PacketKeyID([]byte{1, 2})
	a.Error(err)
}

func TestContainer_BadLength(t *testing.T) {
	var b bin.Buffer
	b.PutID(proto.MessageContainerTypeID)
	b.PutInt(1)
	b.PutLong(3)
	b.PutInt32(0)
	b.PutInt(1024)

	_, err := DecodeContainer(&b)
	require.Error(t, err)
}

func TestContainer(t *testing.T) {
	a := require.New(t)
	msgs := []Message{
		{ID: 4, SeqNo: 1, Body: pingBody(t, 1)},
		{ID: 8, SeqNo: 2, Body: pingBody(t, 2)},
	}
	var b bin.Buffer
	a.NoError(EncodeContainer(&b, msgs))

	decoded, err := DecodeContainer(&b)
	a.NoError(err)
	a.Equal(msgs, decoded)

	a.Error(EncodeContainer(&b, make([]Message, MaxContainerSize+1)))
}

func TestSeqNo(t *testing.T) {
	a := require.New(t)
	a.Equal(int32(0), SeqNo(0, false))
	a.Equal(int32(1), SeqNo(0, true))
	a.Equal(int32(7), SeqNo(3, true))
}

func TestResult(t *testing.T) {
	a := require.New(t)
	r := Result{RequestMsgID: 42, Body: pingBody(t, 5)}
	var b bin.Buffer
	a.NoError(r.Encode(&b))

	var decoded Result
	a.NoError(decoded.Decode(&b))
	a.Equal(r, decoded)
}

func TestStateInfo(t *testing.T) {
	a := require.New(t)
	s := StateInfo{RequestMsgID: 1, Info: []byte{StateNotReceived, StateReceived | StateAckedByClient}}
	var b bin.Buffer
	a.NoError(s.Encode(&b))

	var decoded StateInfo
	a.NoError(decoded.Decode(&b))
	a.Equal(s, decoded)
}

func TestPack(t *testing.T) {
	a := require.New(t)
	body := bytes.Repeat(pingBody(t, 7), 64)

	packed, err := Pack(body)
	a.NoError(err)
	a.True(IsPacked(packed))

	unpacked, err := Unpack(packed)
	a.NoError(err)
	a.Equal(body, unpacked)

	plain, err := Unpack(body)
	a.NoError(err)
	a.Equal(body, plain)
}
