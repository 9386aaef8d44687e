package transport

import (
	"context"
	"net"
	"sync"

	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/proto/codec"
	"golang.org/x/net/proxy"
)

// TCP dials DCs over TCP using intermediate framing.
type TCP struct {
	// Proxy is optional SOCKS5 proxy address.
	Proxy     string
	ProxyAuth *proxy.Auth
}

var _ Dialer = TCP{}

func (t TCP) dial(ctx context.Context, addr string) (net.Conn, error) {
	if t.Proxy == "" {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
	d, err := proxy.SOCKS5("tcp", t.Proxy, t.ProxyAuth, proxy.Direct)
	if err != nil {
		return nil, errors.Wrap(err, "socks5")
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return d.Dial("tcp", addr)
	}
	return cd.DialContext(ctx, "tcp", addr)
}

// DialContext implements Dialer.
func (t TCP) DialContext(ctx context.Context, dc int, addr string) (Conn, error) {
	conn, err := t.dial(ctx, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial dc %d", dc)
	}
	c := &tcpConn{conn: conn}
	if err := c.codec.WriteHeader(conn); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "write header")
	}
	return c, nil
}

// ServeTCP wraps accepted server-side connection.
func ServeTCP(conn net.Conn) (Conn, error) {
	c := &tcpConn{conn: conn}
	if err := c.codec.ReadHeader(conn); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	return c, nil
}

type tcpConn struct {
	conn  net.Conn
	codec codec.Intermediate

	writeMux sync.Mutex
	readMux  sync.Mutex
}

func (c *tcpConn) Send(ctx context.Context, b *bin.Buffer) error {
	c.writeMux.Lock()
	defer c.writeMux.Unlock()
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()
	if err := c.codec.Write(c.conn, b); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrap(err, "write")
	}
	return nil
}

func (c *tcpConn) Recv(ctx context.Context, b *bin.Buffer) error {
	c.readMux.Lock()
	defer c.readMux.Unlock()
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()
	if err := c.codec.Read(c.conn, b); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrap(err, "read")
	}
	return nil
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}
