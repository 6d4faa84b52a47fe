package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	natsgo "github.com/nats-io/nats.go"

	"github.com/codewandler/clstr-sharder/core/ipc"
)

// headerFrom carries the sender's peer name.
const headerFrom = "Sharder-From"

type TransportConfig struct {
	Connect Connector    // Connect is used to create the underlying NATS connection. If nil, ConnectDefault() is used.
	Log     *slog.Logger // Log for diagnostics (optional)
	// SubjectPrefix scopes every subject of one orchestrator run, e.g.
	// "sharder.x1y2z3" -> sharder.x1y2z3.master. The server generates one
	// when empty; clients must be given the server's prefix.
	SubjectPrefix string
}

// NewPrefix returns a fresh subject prefix.
func NewPrefix() string {
	return "sharder." + gonanoid.Must(6)
}

type subjects string

func (s subjects) master() string          { return string(s) + ".master" }
func (s subjects) connect() string         { return string(s) + ".master.connect" }
func (s subjects) disconnect() string      { return string(s) + ".master.disconnect" }
func (s subjects) peer(name string) string { return string(s) + ".peer." + name }
func (s subjects) String() string          { return string(s) }

// conn is the state shared by both ends: a NATS connection and the
// goroutines serving inbound messages.
type conn struct {
	nc      *natsgo.Conn
	closeNc closeFunc
	log     *slog.Logger
	subj    subjects

	mu     sync.Mutex
	closed bool
	subs   []*natsgo.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func dial(cfg TransportConfig, side string) (*conn, error) {
	connFn := cfg.Connect
	if connFn == nil {
		connFn = ConnectDefault()
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	nc, closeNc, err := connFn()
	if err != nil {
		return nil, fmt.Errorf("%w: nats connect: %w", ipc.ErrTransport, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		nc:      nc,
		closeNc: closeNc,
		log:     log.With(slog.String("transport", "nats"), slog.String("side", side)),
		subj:    subjects(cfg.SubjectPrefix),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (c *conn) subscribe(subject string, fn natsgo.MsgHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ipc.ErrTransportClosed
	}
	sub, err := c.nc.Subscribe(subject, fn)
	if err != nil {
		return fmt.Errorf("%w: nats subscribe %s: %w", ipc.ErrTransport, subject, err)
	}
	c.subs = append(c.subs, sub)
	return nil
}

// serve runs h for msg on its own goroutine and answers when a reply
// subject is set.
func (c *conn) serve(h ipc.HandlerFunc, msg *natsgo.Msg, from string) {
	var m ipc.Message
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		c.log.Error("failed to decode message", slog.String("subject", msg.Subject), slog.Any("error", err))
		if msg.Reply != "" {
			c.respond(msg, ipc.Fail(fmt.Errorf("%w: decode message: %w", ipc.ErrTransport, err)))
		}
		return
	}
	req := ipc.Request{Message: m, From: from, Receptive: msg.Reply != ""}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		reply := ipc.SafeHandle(c.ctx, h, req)
		if req.Receptive {
			c.respond(msg, reply)
		}
	}()
}

func (c *conn) respond(msg *natsgo.Msg, r ipc.Reply) {
	data, err := json.Marshal(r)
	if err != nil {
		c.log.Error("failed to encode reply", slog.Any("error", err))
		return
	}
	if err := msg.Respond(data); err != nil {
		c.log.Error("failed to publish reply", slog.Any("error", err))
	}
}

func (c *conn) request(ctx context.Context, subject, from string, m ipc.Message) (ipc.Reply, error) {
	out, err := c.encode(subject, from, m)
	if err != nil {
		return ipc.Reply{}, err
	}
	resp, err := c.nc.RequestMsgWithContext(ctx, out)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ipc.Reply{}, ctxErr
		}
		return ipc.Reply{}, err
	}
	var r ipc.Reply
	if err := json.Unmarshal(resp.Data, &r); err != nil {
		return ipc.Reply{}, fmt.Errorf("%w: decode reply: %w", ipc.ErrTransport, err)
	}
	return r, nil
}

func (c *conn) publish(subject, from string, m ipc.Message) error {
	out, err := c.encode(subject, from, m)
	if err != nil {
		return err
	}
	if err := c.nc.PublishMsg(out); err != nil {
		return fmt.Errorf("%w: nats publish: %w", ipc.ErrTransport, err)
	}
	return nil
}

func (c *conn) encode(subject, from string, m ipc.Message) (*natsgo.Msg, error) {
	if c.isClosed() {
		return nil, ipc.ErrTransportClosed
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Op, err)
	}
	out := natsgo.NewMsg(subject)
	out.Header.Set(headerFrom, from)
	out.Data = data
	return out, nil
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// shutdown unsubscribes, waits for running handlers and releases the
// connection. It reports false when already shut down.
func (c *conn) shutdown() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	c.cancel()
	c.wg.Wait()
	_ = c.nc.Flush()
	c.closeNc()
	return true
}

/* ---------------------- server ---------------------- */

// Transport is the orchestrator side of the NATS transport. Workers
// announce themselves on <prefix>.master.connect and are addressed on
// <prefix>.peer.<name>.
type Transport struct {
	*conn

	mu     sync.RWMutex
	opts   ipc.ListenOptions
	listen bool
	peers  map[string]struct{}
}

func NewTransport(cfg TransportConfig) (*Transport, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = NewPrefix()
	}
	c, err := dial(cfg, ipc.MasterName)
	if err != nil {
		return nil, err
	}
	return &Transport{conn: c, peers: make(map[string]struct{})}, nil
}

// Prefix is the subject prefix workers must be launched with.
func (t *Transport) Prefix() string { return t.subj.String() }

// Addr is the url of the NATS server in use.
func (t *Transport) Addr() string { return t.nc.ConnectedUrl() }

func (t *Transport) Listen(_ context.Context, opts ipc.ListenOptions) error {
	if opts.Handler == nil {
		return fmt.Errorf("nats: ListenOptions.Handler is required")
	}
	t.mu.Lock()
	if t.listen {
		t.mu.Unlock()
		return fmt.Errorf("nats: already listening")
	}
	t.listen = true
	t.opts = opts
	t.mu.Unlock()

	err := errors.Join(
		t.subscribe(t.subj.master(), func(msg *natsgo.Msg) {
			t.serve(opts.Handler, msg, msg.Header.Get(headerFrom))
		}),
		t.subscribe(t.subj.connect(), t.onConnect),
		t.subscribe(t.subj.disconnect(), t.onDisconnect),
	)
	if err != nil {
		return err
	}
	if err := t.nc.Flush(); err != nil {
		return fmt.Errorf("%w: nats flush: %w", ipc.ErrTransport, err)
	}
	t.conn.log.Debug("listening", slog.String("prefix", t.Prefix()))
	return nil
}

func (t *Transport) onConnect(msg *natsgo.Msg) {
	name := string(msg.Data)
	if name == "" {
		return
	}
	t.mu.Lock()
	t.peers[name] = struct{}{}
	t.mu.Unlock()
	_ = msg.Respond(nil)
	t.emit(ipc.ConnEvent{Kind: ipc.PeerConnected, Peer: name})
}

func (t *Transport) onDisconnect(msg *natsgo.Msg) {
	t.drop(string(msg.Data))
}

func (t *Transport) drop(name string) {
	t.mu.Lock()
	_, ok := t.peers[name]
	delete(t.peers, name)
	t.mu.Unlock()
	if ok {
		t.emit(ipc.ConnEvent{Kind: ipc.PeerDisconnected, Peer: name})
	}
}

func (t *Transport) emit(ev ipc.ConnEvent) {
	t.mu.RLock()
	fn := t.opts.OnEvent
	t.mu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

func (t *Transport) Peers() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.peers))
	for name := range t.peers {
		out = append(out, name)
	}
	t.mu.RUnlock()
	ipc.SortPeers(out)
	return out
}

func (t *Transport) known(peer string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.peers[peer]; !ok {
		return fmt.Errorf("%w: %s", ipc.ErrUnknownPeer, peer)
	}
	return nil
}

func (t *Transport) Request(ctx context.Context, peer string, msg ipc.Message) (ipc.Reply, error) {
	if err := t.known(peer); err != nil {
		return ipc.Reply{}, err
	}
	r, err := t.request(ctx, t.subj.peer(peer), ipc.MasterName, msg)
	if errors.Is(err, natsgo.ErrNoResponders) {
		// the worker died without saying goodbye
		t.drop(peer)
		return ipc.Reply{}, fmt.Errorf("%w: %s", ipc.ErrUnknownPeer, peer)
	}
	if err != nil && !errors.Is(err, ctx.Err()) && !errors.Is(err, ipc.ErrTransport) {
		err = fmt.Errorf("%w: request %s: %w", ipc.ErrTransport, peer, err)
	}
	return r, err
}

func (t *Transport) Notify(_ context.Context, peer string, msg ipc.Message) error {
	if err := t.known(peer); err != nil {
		return err
	}
	return t.publish(t.subj.peer(peer), ipc.MasterName, msg)
}

func (t *Transport) Close() error {
	if !t.shutdown() {
		return nil
	}
	t.mu.Lock()
	peers := t.peers
	t.peers = make(map[string]struct{})
	t.mu.Unlock()
	for name := range peers {
		t.emit(ipc.ConnEvent{Kind: ipc.PeerDisconnected, Peer: name})
	}
	t.conn.log.Debug("closed")
	return nil
}

/* ---------------------- client ---------------------- */

// Client is the worker side of the NATS transport.
type Client struct {
	*conn

	mu   sync.Mutex
	opts ipc.ConnectOptions
	up   bool
}

func NewClient(cfg TransportConfig) (*Client, error) {
	if cfg.SubjectPrefix == "" {
		return nil, fmt.Errorf("nats: TransportConfig.SubjectPrefix is required for clients")
	}
	c, err := dial(cfg, "client")
	if err != nil {
		return nil, err
	}
	return &Client{conn: c}, nil
}

func (c *Client) Connect(ctx context.Context, opts ipc.ConnectOptions) error {
	if opts.Name == "" || opts.Handler == nil {
		return fmt.Errorf("nats: ConnectOptions.Name and Handler are required")
	}
	c.mu.Lock()
	if c.up {
		c.mu.Unlock()
		return fmt.Errorf("nats: already connected")
	}
	c.mu.Unlock()

	err := c.subscribe(c.subj.peer(opts.Name), func(msg *natsgo.Msg) {
		c.serve(opts.Handler, msg, ipc.MasterName)
	})
	if err != nil {
		return err
	}
	if err := c.nc.Flush(); err != nil {
		return fmt.Errorf("%w: nats flush: %w", ipc.ErrTransport, err)
	}

	if _, err := c.nc.RequestWithContext(ctx, c.subj.connect(), []byte(opts.Name)); err != nil {
		if errors.Is(err, natsgo.ErrNoResponders) {
			return fmt.Errorf("%w: no orchestrator on %s", ipc.ErrNotConnected, c.subj)
		}
		return fmt.Errorf("%w: announce %s: %w", ipc.ErrTransport, opts.Name, err)
	}

	c.mu.Lock()
	c.opts = opts
	c.up = true
	c.mu.Unlock()

	c.conn.log.Debug("connected", slog.String("name", opts.Name), slog.String("prefix", c.subj.String()))
	c.emit(ipc.ConnEvent{Kind: ipc.PeerConnected, Peer: ipc.MasterName})
	return nil
}

func (c *Client) name() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.up {
		return "", ipc.ErrNotConnected
	}
	return c.opts.Name, nil
}

func (c *Client) Request(ctx context.Context, msg ipc.Message) (ipc.Reply, error) {
	name, err := c.name()
	if err != nil {
		return ipc.Reply{}, err
	}
	r, err := c.request(ctx, c.subj.master(), name, msg)
	if errors.Is(err, natsgo.ErrNoResponders) {
		return ipc.Reply{}, fmt.Errorf("%w: orchestrator gone", ipc.ErrNotConnected)
	}
	if err != nil && !errors.Is(err, ctx.Err()) && !errors.Is(err, ipc.ErrTransport) {
		err = fmt.Errorf("%w: request: %w", ipc.ErrTransport, err)
	}
	return r, err
}

func (c *Client) Notify(_ context.Context, msg ipc.Message) error {
	name, err := c.name()
	if err != nil {
		return err
	}
	return c.publish(c.subj.master(), name, msg)
}

func (c *Client) Close() error {
	c.mu.Lock()
	up := c.up
	c.up = false
	name := c.opts.Name
	c.mu.Unlock()

	if up {
		if err := c.nc.Publish(c.subj.disconnect(), []byte(name)); err != nil {
			c.conn.log.Warn("failed to announce disconnect", slog.Any("error", err))
		}
	}
	if c.shutdown() && up {
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

var (
	_ ipc.ServerTransport = (*Transport)(nil)
	_ ipc.ClientTransport = (*Client)(nil)
)
