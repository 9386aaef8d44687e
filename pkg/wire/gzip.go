package wire

import (
	"bytes"
	"io"

	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/proto"
	"github.com/klauspost/compress/gzip"
)

// maxUnpackedSize limits decompressed gzip_packed payloads.
const maxUnpackedSize = 10 * 1024 * 1024

// IsPacked reports whether body is gzip_packed.
func IsPacked(body []byte) bool {
	b := bin.Buffer{Buf: body}
	id, err := b.PeekID()
	return err == nil && id == proto.GZIPTypeID
}

// Unpack returns inner object of gzip_packed body, or body itself if it is
// not packed.
func Unpack(body []byte) ([]byte, error) {
	if !IsPacked(body) {
		return body, nil
	}
	b := bin.Buffer{Buf: body}
	if err := b.ConsumeID(proto.GZIPTypeID); err != nil {
		return nil, err
	}
	packed, err := b.Bytes()
	if err != nil {
		return nil, errors.Wrap(err, "packed_data")
	}

	r, err := gzip.NewReader(bytes.NewReader(packed))
	if err != nil {
		return nil, errors.Wrap(err, "gzip")
	}
	defer func() { _ = r.Close() }()

	out, err := io.ReadAll(io.LimitReader(r, maxUnpackedSize+1))
	if err != nil {
		return nil, errors.Wrap(err, "decompress")
	}
	if len(out) > maxUnpackedSize {
		return nil, errors.New("gzip_packed payload too big")
	}
	return out, nil
}

// Pack wraps body into gzip_packed.
func Pack(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(body); err != nil {
		return nil, errors.Wrap(err, "compress")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "close")
	}

	var b bin.Buffer
	b.PutID(proto.GZIPTypeID)
	b.PutBytes(buf.Bytes())
	return b.Buf, nil
}
