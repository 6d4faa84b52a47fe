// Package ws implements the IPC transport over websockets. The orchestrator
// listens on a tcp port or a unix socket; workers connect with their peer
// name in the query string.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codewandler/clstr-sharder/core/ipc"
)

// DefaultEndpoint is the orchestrator port used when none is configured.
const DefaultEndpoint = "9999"

type ServerConfig struct {
	// Endpoint is a port number, a host:port or a unix socket path.
	Endpoint     string
	Log          *slog.Logger
	WriteTimeout time.Duration
}

// Server is the orchestrator side of the websocket transport.
type Server struct {
	log      *slog.Logger
	cfg      ServerConfig
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	opts    ipc.ListenOptions
	ln      net.Listener
	srv     *http.Server
	peers   map[string]*peerConn
	closed  bool
	network string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		log:      log.With(slog.String("transport", "ws")),
		cfg:      cfg,
		upgrader: websocket.Upgrader{},
		peers:    make(map[string]*peerConn),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Server) Listen(_ context.Context, opts ipc.ListenOptions) error {
	if opts.Handler == nil {
		return fmt.Errorf("ws: ListenOptions.Handler is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ipc.ErrTransportClosed
	}
	if s.ln != nil {
		return fmt.Errorf("ws: already listening")
	}

	network, address := ParseEndpoint(s.cfg.Endpoint)
	ln, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("%w: listen %s %s: %w", ipc.ErrTransport, network, address, err)
	}
	s.opts = opts
	s.ln = ln
	s.network = network
	s.srv = &http.Server{
		Handler:           http.HandlerFunc(s.serveHTTP),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server stopped", slog.Any("error", err))
		}
	}()
	s.log.Debug("listening", slog.String("network", network), slog.String("addr", s.Addr()))
	return nil
}

// Addr is the endpoint workers dial: the socket path for unix sockets,
// host:port otherwise.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return s.cfg.Endpoint
	}
	if s.network == "unix" {
		return "unix:" + s.ln.Addr().String()
	}
	return s.ln.Addr().String()
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "missing peer name", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", slog.String("peer", name), slog.Any("error", err))
		return
	}
	pc := newPeerConn(conn, s.log.With(slog.String("peer", name)), s.cfg.WriteTimeout)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		pc.close()
		return
	}
	prev := s.peers[name]
	s.peers[name] = pc
	handler := s.opts.Handler
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if prev != nil {
		s.log.Info("peer reconnected, dropping previous connection", slog.String("peer", name))
		prev.close()
	}
	s.emit(ipc.ConnEvent{Kind: ipc.PeerConnected, Peer: name})

	err = pc.serve(s.ctx, handler, name)
	pc.wait()

	s.mu.Lock()
	owned := s.peers[name] == pc
	if owned {
		delete(s.peers, name)
	}
	s.mu.Unlock()
	if !owned {
		return
	}
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, net.ErrClosed) {
		s.emit(ipc.ConnEvent{Kind: ipc.PeerError, Peer: name, Err: err})
	}
	s.emit(ipc.ConnEvent{Kind: ipc.PeerDisconnected, Peer: name})
}

func (s *Server) emit(ev ipc.ConnEvent) {
	s.mu.RLock()
	fn := s.opts.OnEvent
	s.mu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

func (s *Server) Peers() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.peers))
	for name := range s.peers {
		out = append(out, name)
	}
	s.mu.RUnlock()
	ipc.SortPeers(out)
	return out
}

func (s *Server) peer(name string) (*peerConn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pc := s.peers[name]
	if pc == nil {
		return nil, fmt.Errorf("%w: %s", ipc.ErrUnknownPeer, name)
	}
	return pc, nil
}

func (s *Server) Request(ctx context.Context, peer string, msg ipc.Message) (ipc.Reply, error) {
	pc, err := s.peer(peer)
	if err != nil {
		return ipc.Reply{}, err
	}
	return pc.request(ctx, msg)
}

func (s *Server) Notify(_ context.Context, peer string, msg ipc.Message) error {
	pc, err := s.peer(peer)
	if err != nil {
		return err
	}
	return pc.notify(msg)
}

// Close stops accepting, disconnects every peer and waits for their
// handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv := s.srv
	peers := make([]*peerConn, 0, len(s.peers))
	for _, pc := range s.peers {
		peers = append(peers, pc)
	}
	s.mu.Unlock()

	s.cancel()
	var err error
	if srv != nil {
		err = srv.Close()
	}
	for _, pc := range peers {
		pc.close()
	}
	s.wg.Wait()
	s.log.Debug("closed")
	return err
}

var _ ipc.ServerTransport = (*Server)(nil)
