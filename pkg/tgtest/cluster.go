package tgtest

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"

	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/clock"
	tdexchange "github.com/gotd/td/exchange"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"go.mau.fi/mtcore/pkg/exchange"
	"go.mau.fi/mtcore/pkg/transport"
)

// ClusterOptions of Cluster.
type ClusterOptions struct {
	// DCs to serve. Defaults to 1, 2 and 3.
	DCs    []int
	Random io.Reader
	Logger *zap.Logger
	Clock  clock.Clock
	// Handler answers every call except help.getConfig.
	Handler Handler
	// Host and Port advertised in config. Default to 127.0.0.1:443.
	Host string
	Port int
	// PrivateKey enables key exchange over connections on every DC.
	PrivateKey tdexchange.PrivateKey
}

func (opt *ClusterOptions) setDefaults() {
	if len(opt.DCs) == 0 {
		opt.DCs = []int{1, 2, 3}
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.Clock == nil {
		opt.Clock = clock.System
	}
	if opt.Host == "" {
		opt.Host = "127.0.0.1"
	}
	if opt.Port == 0 {
		opt.Port = 443
	}
}

// Cluster is a set of test DCs answering help.getConfig with their own
// options.
type Cluster struct {
	log     *zap.Logger
	clock   clock.Clock
	host    string
	port    int
	servers map[int]*Server
	dcs     []int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mux     sync.Mutex
	handler Handler
}

// NewCluster creates new cluster.
func NewCluster(opt ClusterOptions) *Cluster {
	opt.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cluster{
		log:     opt.Logger,
		clock:   opt.Clock,
		host:    opt.Host,
		port:    opt.Port,
		servers: map[int]*Server{},
		dcs:     slices.Sorted(slices.Values(opt.DCs)),
		ctx:     ctx,
		cancel:  cancel,
		handler: opt.Handler,
	}
	for _, dc := range c.dcs {
		c.servers[dc] = NewServer(ServerOptions{
			DC:         dc,
			Random:     opt.Random,
			Logger:     opt.Logger,
			Clock:      opt.Clock,
			Handler:    HandlerFunc(c.handle),
			PrivateKey: opt.PrivateKey,
		})
	}
	return c
}

// SetHandler replaces handler of non-config calls.
func (c *Cluster) SetHandler(h Handler) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.handler = h
}

func (c *Cluster) handle(req *Request) (bin.Encoder, error) {
	if req.TypeID == tg.HelpGetConfigRequestTypeID {
		return c.Config(), nil
	}
	c.mux.Lock()
	h := c.handler
	c.mux.Unlock()
	if h == nil {
		return nil, ErrNoAnswer
	}
	return h.Handle(req)
}

// DC returns server of dc or nil.
func (c *Cluster) DC(dc int) *Server {
	return c.servers[dc]
}

// Config returns config listing every DC of cluster.
func (c *Cluster) Config() *tg.Config {
	now := int(c.clock.Now().Unix())
	cfg := &tg.Config{
		Date:    now,
		Expires: now + 3600,
		ThisDC:  c.dcs[0],
	}
	for _, dc := range c.dcs {
		cfg.DCOptions = append(cfg.DCOptions, tg.DCOption{
			ID:        dc,
			IPAddress: c.host,
			Port:      c.port,
		})
	}
	return cfg
}

// Addr returns address of dc as advertised in config.
func (c *Cluster) Addr(dc int) (string, error) {
	if _, ok := c.servers[dc]; !ok {
		return "", errors.Errorf("unknown DC %d", dc)
	}
	return net.JoinHostPort(c.host, strconv.Itoa(c.port)), nil
}

// Dialer returns in-memory dialer connecting to cluster servers.
func (c *Cluster) Dialer() transport.Dialer {
	return transport.DialFunc(func(ctx context.Context, dc int, _ string) (transport.Conn, error) {
		srv, ok := c.servers[dc]
		if !ok {
			return nil, errors.Errorf("unknown DC %d", dc)
		}
		client, server := transport.Pipe()
		c.serve(srv, server)
		return client, nil
	})
}

func (c *Cluster) serve(srv *Server, conn transport.Conn) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := srv.Serve(c.ctx, conn); err != nil {
			c.log.Debug("Serve failed", zap.Int("dc", srv.DC()), zap.Error(err))
		}
	}()
}

// Exchanger issues keys on the server of requested DC.
func (c *Cluster) Exchanger() exchange.Exchanger {
	return exchange.Func(func(ctx context.Context, dc int, conn transport.Conn) (exchange.Result, error) {
		srv, ok := c.servers[dc]
		if !ok {
			return exchange.Result{}, errors.Errorf("unknown DC %d", dc)
		}
		return srv.Exchanger().Exchange(ctx, dc, conn)
	})
}

// ServeHTTP accepts websocket connections at /apiws/{dc}.
func (c *Cluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	dc, err := strconv.Atoi(r.PathValue("dc"))
	if err != nil {
		http.Error(w, "bad dc", http.StatusBadRequest)
		return
	}
	srv, ok := c.servers[dc]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown DC %d", dc), http.StatusNotFound)
		return
	}
	conn, err := transport.Upgrade(w, r)
	if err != nil {
		c.log.Warn("Upgrade failed", zap.Error(err))
		return
	}
	c.wg.Add(1)
	defer c.wg.Done()
	if err := srv.Serve(c.ctx, conn); err != nil {
		c.log.Debug("Serve failed", zap.Int("dc", dc), zap.Error(err))
	}
}

// Handler returns HTTP handler with websocket endpoint mounted.
func (c *Cluster) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /apiws/{dc}", c)
	return mux
}

// Close stops every connection and waits for serving goroutines.
func (c *Cluster) Close() {
	c.cancel()
	for _, srv := range c.servers {
		srv.Drop()
	}
	c.wg.Wait()
}
