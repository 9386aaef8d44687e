package transport

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-faster/errors"
	"github.com/gorilla/websocket"
	"github.com/gotd/td/bin"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	Subprotocols: []string{"binary"},
}

// Upgrade accepts server side of a websocket connection.
func Upgrade(w http.ResponseWriter, r *http.Request) (Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.Wrap(err, "upgrade")
	}
	ws.SetReadLimit(maxFrameSize)
	return &wsServerConn{ws: ws}, nil
}

type wsServerConn struct {
	ws       *websocket.Conn
	writeMux sync.Mutex
	readMux  sync.Mutex
}

func (c *wsServerConn) Send(ctx context.Context, b *bin.Buffer) error {
	c.writeMux.Lock()
	defer c.writeMux.Unlock()
	stop := context.AfterFunc(ctx, func() { _ = c.ws.Close() })
	defer stop()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b.Buf); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrap(err, "write")
	}
	return nil
}

func (c *wsServerConn) Recv(ctx context.Context, b *bin.Buffer) error {
	c.readMux.Lock()
	defer c.readMux.Unlock()
	stop := context.AfterFunc(ctx, func() { _ = c.ws.Close() })
	defer stop()
	typ, data, err := c.ws.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrap(err, "read")
	}
	if typ != websocket.BinaryMessage {
		return errors.Errorf("unexpected message type %d", typ)
	}
	b.ResetTo(data)
	return nil
}

func (c *wsServerConn) Close() error {
	return c.ws.Close()
}
