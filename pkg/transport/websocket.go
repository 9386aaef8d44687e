package transport

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
)

// maxFrameSize limits size of a single incoming frame.
const maxFrameSize = 16*1024*1024 + 1024

// Websocket dials DCs over websocket with binary messages.
type Websocket struct {
	// URL builds endpoint from DC id and address, e.g. "ws://" + addr + "/apiws".
	URL     func(dc int, addr string) string
	Options *websocket.DialOptions
}

var _ Dialer = Websocket{}

// DialContext implements Dialer.
func (w Websocket) DialContext(ctx context.Context, dc int, addr string) (Conn, error) {
	url := fmt.Sprintf("ws://%s/apiws", addr)
	if w.URL != nil {
		url = w.URL(dc, addr)
	}
	opts := w.Options
	if opts == nil {
		opts = &websocket.DialOptions{Subprotocols: []string{"binary"}}
	}
	c, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	c.SetReadLimit(maxFrameSize)
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Send(ctx context.Context, b *bin.Buffer) error {
	if err := w.c.Write(ctx, websocket.MessageBinary, b.Buf); err != nil {
		return errors.Wrap(err, "write")
	}
	return nil
}

func (w *wsConn) Recv(ctx context.Context, b *bin.Buffer) error {
	typ, data, err := w.c.Read(ctx)
	if err != nil {
		return errors.Wrap(err, "read")
	}
	if typ != websocket.MessageBinary {
		return errors.Errorf("unexpected message type %v", typ)
	}
	b.ResetTo(data)
	return nil
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}
