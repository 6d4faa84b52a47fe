package worker

import (
	"context"

	"github.com/codewandler/clstr-sharder/core/ipc"
)

// Entity kinds understood by Client.Lookup.
const (
	KindUser    = "user"
	KindGuild   = "guild"
	KindChannel = "channel"
)

// Client is the real-time client a worker runs.
type Client interface {
	// Connect opens the shard connections. Readiness is reported through
	// the Observer.
	Connect(ctx context.Context) error
	// Value returns a named property of the client.
	Value(property string) (any, bool)
	// Lookup returns a cached entity of the given kind.
	Lookup(kind, id string) (any, bool)
	// SetObserver installs the lifecycle observer. It is called before Connect.
	SetObserver(o Observer)
}

// Observer receives the client's lifecycle events.
type Observer interface {
	Ready()
	ShardReady(shardID int)
	ShardReconnecting(shardID int)
	ShardResumed(shardID, replayed int)
	ShardDisconnect(shardID int, ev ipc.CloseEvent)
}
