package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// MemoryTransport is an in-process ServerTransport. Workers attach with
// Dial. Every delivery runs the receiving handler on its own goroutine.
type MemoryTransport struct {
	mu  sync.RWMutex
	log *slog.Logger

	closed    bool
	listening bool
	opts      ListenOptions

	// peer name -> client
	peers map[string]*MemoryClient

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMemoryTransport() *MemoryTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryTransport{
		log:    slog.New(slog.DiscardHandler),
		peers:  make(map[string]*MemoryClient),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (t *MemoryTransport) WithLog(log *slog.Logger) *MemoryTransport {
	t.log = log.With(slog.String("transport", "mem"))
	return t
}

func (t *MemoryTransport) Addr() string { return "mem" }

func (t *MemoryTransport) Listen(_ context.Context, opts ListenOptions) error {
	if opts.Handler == nil {
		return fmt.Errorf("ipc: ListenOptions.Handler is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if t.listening {
		return fmt.Errorf("ipc: already listening")
	}
	t.listening = true
	t.opts = opts
	t.log.Debug("listening")
	return nil
}

func (t *MemoryTransport) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.peers))
	for name := range t.peers {
		out = append(out, name)
	}
	SortPeers(out)
	return out
}

func (t *MemoryTransport) Request(ctx context.Context, peer string, msg Message) (Reply, error) {
	t.mu.RLock()
	c := t.peers[peer]
	t.mu.RUnlock()
	if c == nil {
		return Reply{}, fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	ch, err := t.deliver(c, Request{Message: msg, From: MasterName, Receptive: true})
	if err != nil {
		return Reply{}, err
	}
	return t.await(ctx, ch)
}

func (t *MemoryTransport) Notify(_ context.Context, peer string, msg Message) error {
	t.mu.RLock()
	c := t.peers[peer]
	t.mu.RUnlock()
	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	_, err := t.deliver(c, Request{Message: msg, From: MasterName})
	return err
}

// Close disconnects every peer and waits for in-flight handlers.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	peers := t.peers
	t.peers = make(map[string]*MemoryClient)
	t.mu.Unlock()

	t.cancel()
	for name, c := range peers {
		c.emit(ConnEvent{Kind: PeerDisconnected, Peer: MasterName})
		t.emit(ConnEvent{Kind: PeerDisconnected, Peer: name})
	}
	t.wg.Wait()
	t.log.Debug("closed")
	return nil
}

// Dial creates a client endpoint attached to this transport.
func (t *MemoryTransport) Dial() *MemoryClient {
	return &MemoryClient{t: t}
}

/* ---------------------- internals ---------------------- */

// deliver hands req to the handler of target, or to the server handler when
// target is nil.
func (t *MemoryTransport) deliver(target *MemoryClient, req Request) (<-chan Reply, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	h := t.opts.Handler
	if target != nil {
		target.mu.Lock()
		h = target.opts.Handler
		target.mu.Unlock()
	}
	// Buffered 1 so the handler can answer after the requester gave up.
	ch := make(chan Reply, 1)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ch <- SafeHandle(t.ctx, h, req)
	}()
	return ch, nil
}

func (t *MemoryTransport) await(ctx context.Context, ch <-chan Reply) (Reply, error) {
	select {
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	case <-t.ctx.Done():
		return Reply{}, ErrTransportClosed
	case r := <-ch:
		return r, nil
	}
}

func (t *MemoryTransport) emit(ev ConnEvent) {
	t.mu.RLock()
	fn := t.opts.OnEvent
	t.mu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

// MemoryClient is the worker endpoint of a MemoryTransport.
type MemoryClient struct {
	t    *MemoryTransport
	mu   sync.Mutex
	opts ConnectOptions
	up   bool
}

func (c *MemoryClient) Connect(_ context.Context, opts ConnectOptions) error {
	if opts.Name == "" || opts.Handler == nil {
		return fmt.Errorf("ipc: ConnectOptions.Name and Handler are required")
	}
	t := c.t
	t.mu.Lock()
	if t.closed || !t.listening {
		t.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Lock()
	c.opts = opts
	c.up = true
	c.mu.Unlock()
	prev := t.peers[opts.Name]
	t.peers[opts.Name] = c
	t.mu.Unlock()

	if prev != nil && prev != c {
		prev.markDown()
		t.log.Debug("peer replaced", slog.String("peer", opts.Name))
	}
	t.emit(ConnEvent{Kind: PeerConnected, Peer: opts.Name})
	c.emit(ConnEvent{Kind: PeerConnected, Peer: MasterName})
	return nil
}

func (c *MemoryClient) Request(ctx context.Context, msg Message) (Reply, error) {
	name, err := c.name()
	if err != nil {
		return Reply{}, err
	}
	ch, err := c.t.deliver(nil, Request{Message: msg, From: name, Receptive: true})
	if err != nil {
		return Reply{}, err
	}
	return c.t.await(ctx, ch)
}

func (c *MemoryClient) Notify(_ context.Context, msg Message) error {
	name, err := c.name()
	if err != nil {
		return err
	}
	_, err = c.t.deliver(nil, Request{Message: msg, From: name})
	return err
}

// Close detaches the client from the transport.
func (c *MemoryClient) Close() error {
	c.mu.Lock()
	if !c.up {
		c.mu.Unlock()
		return nil
	}
	c.up = false
	name := c.opts.Name
	c.mu.Unlock()

	t := c.t
	t.mu.Lock()
	owned := t.peers[name] == c
	if owned {
		delete(t.peers, name)
	}
	t.mu.Unlock()
	if owned {
		t.emit(ConnEvent{Kind: PeerDisconnected, Peer: name})
	}
	return nil
}

func (c *MemoryClient) name() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.up {
		return "", ErrNotConnected
	}
	return c.opts.Name, nil
}

func (c *MemoryClient) markDown() {
	c.mu.Lock()
	c.up = false
	c.mu.Unlock()
	c.emit(ConnEvent{Kind: PeerDisconnected, Peer: MasterName})
}

func (c *MemoryClient) emit(ev ConnEvent) {
	c.mu.Lock()
	fn := c.opts.OnEvent
	c.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

var (
	_ ServerTransport = (*MemoryTransport)(nil)
	_ ClientTransport = (*MemoryClient)(nil)
)
