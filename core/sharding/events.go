package sharding

import (
	"github.com/codewandler/clstr-sharder/core/ipc"
)

// State is the progress of Manager.Spawn.
type State int

const (
	StateInit State = iota
	StateResolvingShardCount
	StatePartitioning
	StateSpawning
	StateRetrying
	StateDone
)

var stateNames = [...]string{
	StateInit:                "init",
	StateResolvingShardCount: "resolving_shard_count",
	StatePartitioning:        "partitioning",
	StateSpawning:            "spawning",
	StateRetrying:            "retrying",
	StateDone:                "done",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Event is anything published to Manager subscribers.
type Event interface {
	event()
}

type (
	StateEvent struct {
		From, To State
	}

	DebugEvent struct {
		Message string
	}

	SpawnEvent struct {
		ClusterID int
		ShardIDs  []int
		Attempt   int
	}

	ReadyEvent struct {
		ClusterID int
	}

	// ExitEvent reports a worker that exited on its own. Deliberate kills are
	// not reported.
	ExitEvent struct {
		ClusterID int
		Status    ExitStatus
		Err       error
	}

	// ErrorEvent reports a failure that is not returned to any caller. A
	// ClusterID of -1 means the failure is not tied to one cluster.
	ErrorEvent struct {
		ClusterID int
		Err       error
	}

	MessageEvent struct {
		From    string
		Message ipc.Message
	}

	ShardReadyEvent struct {
		ClusterID int
		ShardID   int
	}

	ShardReconnectEvent struct {
		ClusterID int
		ShardID   int
	}

	ShardResumeEvent struct {
		ClusterID int
		ShardID   int
		Replayed  int
	}

	ShardDisconnectEvent struct {
		ClusterID  int
		ShardID    int
		CloseEvent *ipc.CloseEvent
	}
)

func (StateEvent) event()           {}
func (DebugEvent) event()           {}
func (SpawnEvent) event()           {}
func (ReadyEvent) event()           {}
func (ExitEvent) event()            {}
func (ErrorEvent) event()           {}
func (MessageEvent) event()         {}
func (ShardReadyEvent) event()      {}
func (ShardReconnectEvent) event()  {}
func (ShardResumeEvent) event()     {}
func (ShardDisconnectEvent) event() {}

// shardEvent converts a relayed shard notification.
func shardEvent(ev ipc.ShardEvent) (Event, bool) {
	id, ok := ipc.ParsePeerName(ev.From)
	if !ok {
		return nil, false
	}
	p := ev.Payload
	switch ev.Op {
	case ipc.OpShardReady:
		return ShardReadyEvent{ClusterID: id, ShardID: p.ShardID}, true
	case ipc.OpShardReconnect:
		return ShardReconnectEvent{ClusterID: id, ShardID: p.ShardID}, true
	case ipc.OpShardResume:
		return ShardResumeEvent{ClusterID: id, ShardID: p.ShardID, Replayed: p.Replayed}, true
	case ipc.OpShardDisconnect:
		return ShardDisconnectEvent{ClusterID: id, ShardID: p.ShardID, CloseEvent: p.CloseEvent}, true
	}
	return nil, false
}
