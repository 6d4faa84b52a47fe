package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codewandler/clstr-sharder/core/ipc"
)

type ClientConfig struct {
	// Endpoint is the orchestrator's address as reported by Server.Addr.
	Endpoint         string
	Log              *slog.Logger
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	// Reconnect redials with Backoff after the connection drops.
	Reconnect bool
	Backoff   BackoffConfig
}

// Client is the worker side of the websocket transport.
type Client struct {
	log    *slog.Logger
	cfg    ClientConfig
	dialer websocket.Dialer

	mu     sync.Mutex
	opts   ipc.ConnectOptions
	conn   *peerConn
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = DefaultBackoff()
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	network, address := ParseEndpoint(cfg.Endpoint)
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		log: log.With(slog.String("transport", "ws")),
		cfg: cfg,
		dialer: websocket.Dialer{
			NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, address)
			},
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect dials the orchestrator once. Later connection losses are retried
// in the background when Reconnect is set.
func (c *Client) Connect(ctx context.Context, opts ipc.ConnectOptions) error {
	if opts.Name == "" || opts.Handler == nil {
		return fmt.Errorf("ws: ConnectOptions.Name and Handler are required")
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ipc.ErrTransportClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("ws: already connected")
	}
	c.opts = opts
	c.mu.Unlock()

	pc, err := c.dial(ctx, opts.Name)
	if err != nil {
		return err
	}
	if !c.attach(pc) {
		pc.close()
		return ipc.ErrTransportClosed
	}

	c.wg.Add(1)
	go c.run(pc)
	return nil
}

func (c *Client) dial(ctx context.Context, name string) (*peerConn, error) {
	u := url.URL{Scheme: "ws", Host: "sharder", Path: "/", RawQuery: url.Values{"name": {name}}.Encode()}
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ipc.ErrNotConnected, c.cfg.Endpoint, err)
	}
	return newPeerConn(conn, c.log, c.cfg.WriteTimeout), nil
}

func (c *Client) attach(pc *peerConn) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.conn = pc
	c.mu.Unlock()
	c.emit(ipc.ConnEvent{Kind: ipc.PeerConnected, Peer: ipc.MasterName})
	return true
}

// run serves pc and, when allowed, replaces it after it drops.
func (c *Client) run(pc *peerConn) {
	defer c.wg.Done()
	for {
		err := pc.serve(c.ctx, c.handler(), ipc.MasterName)
		pc.wait()

		c.mu.Lock()
		if c.conn == pc {
			c.conn = nil
		}
		closed := c.closed
		c.mu.Unlock()

		if closed {
			return
		}
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, net.ErrClosed) {
			c.emit(ipc.ConnEvent{Kind: ipc.PeerError, Peer: ipc.MasterName, Err: err})
		}
		c.emit(ipc.ConnEvent{Kind: ipc.PeerDisconnected, Peer: ipc.MasterName})
		if !c.cfg.Reconnect {
			return
		}
		if pc = c.redial(); pc == nil {
			return
		}
	}
}

func (c *Client) redial() *peerConn {
	name := c.name()
	for attempt := 1; ; attempt++ {
		delay := c.cfg.Backoff.Delay(attempt)
		c.log.Info("reconnecting", slog.Int("attempt", attempt), slog.Duration("delay", delay))
		select {
		case <-c.ctx.Done():
			return nil
		case <-time.After(delay):
		}
		pc, err := c.dial(c.ctx, name)
		if err != nil {
			c.log.Warn("reconnect failed", slog.Int("attempt", attempt), slog.Any("error", err))
			continue
		}
		if !c.attach(pc) {
			pc.close()
			return nil
		}
		return pc
	}
}

func (c *Client) handler() ipc.HandlerFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.Handler
}

func (c *Client) name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.Name
}

func (c *Client) current() (*peerConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ipc.ErrNotConnected
	}
	return c.conn, nil
}

func (c *Client) Request(ctx context.Context, msg ipc.Message) (ipc.Reply, error) {
	pc, err := c.current()
	if err != nil {
		return ipc.Reply{}, err
	}
	return pc.request(ctx, msg)
}

func (c *Client) Notify(_ context.Context, msg ipc.Message) error {
	pc, err := c.current()
	if err != nil {
		return err
	}
	return pc.notify(msg)
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pc := c.conn
	c.mu.Unlock()

	c.cancel()
	if pc != nil {
		pc.close()
	}
	c.wg.Wait()
	if pc != nil {
		c.emit(ipc.ConnEvent{Kind: ipc.PeerDisconnected, Peer: ipc.MasterName})
	}
	return nil
}

func (c *Client) emit(ev ipc.ConnEvent) {
	c.mu.Lock()
	fn := c.opts.OnEvent
	c.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

var _ ipc.ClientTransport = (*Client)(nil)
