package ipc

import (
	"context"
	"slices"
	"strings"
)

// Request is an inbound message as seen by a handler.
type Request struct {
	Message
	// From is the name of the sending peer ("master" for the orchestrator).
	From string
	// Receptive is true when the sender waits for a Reply.
	Receptive bool
}

// HandlerFunc serves one inbound request. The reply is only transmitted when
// the request is receptive.
type HandlerFunc = func(ctx context.Context, req Request) Reply

// MasterName is the peer name of the orchestrator endpoint.
const MasterName = "master"

type ConnEventKind int

const (
	PeerConnected ConnEventKind = iota
	PeerDisconnected
	PeerError
)

func (k ConnEventKind) String() string {
	switch k {
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	case PeerError:
		return "error"
	}
	return "unknown"
}

// ConnEvent reports a connection lifecycle change.
type ConnEvent struct {
	Kind ConnEventKind
	Peer string
	Err  error
}

type ListenOptions struct {
	Handler HandlerFunc
	OnEvent func(ConnEvent) // optional
}

type ConnectOptions struct {
	Name    string
	Handler HandlerFunc
	OnEvent func(ConnEvent) // optional
}

// ServerTransport is the orchestrator side: it accepts many named peers.
type ServerTransport interface {
	// Listen starts accepting peers. It returns once the endpoint is bound.
	Listen(ctx context.Context, opts ListenOptions) error
	// Peers returns the names of the currently connected peers.
	Peers() []string
	// Request sends a receptive message to peer and waits for its reply.
	Request(ctx context.Context, peer string, msg Message) (Reply, error)
	// Notify sends a non-receptive message to peer.
	Notify(ctx context.Context, peer string, msg Message) error
	// Addr is the endpoint workers connect to.
	Addr() string
	Close() error
}

// ClientTransport is the worker side: one connection to the orchestrator.
type ClientTransport interface {
	Connect(ctx context.Context, opts ConnectOptions) error
	Request(ctx context.Context, msg Message) (Reply, error)
	Notify(ctx context.Context, msg Message) error
	Close() error
}

// SortPeers orders peer names so that cluster-2 sorts before cluster-10.
func SortPeers(peers []string) {
	slices.SortFunc(peers, func(a, b string) int {
		ia, oka := ParsePeerName(a)
		ib, okb := ParsePeerName(b)
		switch {
		case oka && okb:
			return ia - ib
		case oka:
			return -1
		case okb:
			return 1
		}
		return strings.Compare(a, b)
	})
}

// SafeHandle runs h and converts a panic into a failed reply.
func SafeHandle(ctx context.Context, h HandlerFunc, req Request) (reply Reply) {
	defer func() {
		if r := recover(); r != nil {
			reply = Fail(NewPanicError(r))
		}
	}()
	return h(ctx, req)
}
