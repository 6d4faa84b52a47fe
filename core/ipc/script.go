package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Built-in command names understood by every worker.
const (
	CommandClientValue = "client.value"
	CommandGetUser     = "users.get"
	CommandGetGuild    = "guilds.get"
	CommandGetChannel  = "channels.get"

	// CommandGoSource runs a Go function literal in a sandboxed interpreter,
	// when the receiving side has one installed.
	CommandGoSource = "go"
)

// Script names a command to run on the receiving side plus its arguments.
type Script struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// Command builds a Script with JSON-encoded arguments.
func Command(name string, args any) (Script, error) {
	s := Script{Command: name}
	if args == nil {
		return s, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return Script{}, fmt.Errorf("encode args for %q: %w", name, err)
	}
	s.Args = data
	return s, nil
}

// MustCommand is like Command but panics on encoding errors.
func MustCommand(name string, args any) Script {
	s, err := Command(name, args)
	if err != nil {
		panic(err)
	}
	return s
}

// GoSource wraps the source of a Go function literal. The receiver calls it
// with its own context values, the analogue of "(<src>)(this)".
func GoSource(src string) Script {
	data, _ := json.Marshal(src)
	return Script{Command: CommandGoSource, Args: data}
}

// NormalizeScript accepts a Script, a *Script or a bare command name.
func NormalizeScript(v any) (Script, error) {
	switch s := v.(type) {
	case Script:
		return s, s.validate()
	case *Script:
		if s == nil {
			return Script{}, errors.New("nil script")
		}
		return *s, s.validate()
	case string:
		sc := Script{Command: strings.TrimSpace(s)}
		return sc, sc.validate()
	default:
		return Script{}, fmt.Errorf("unsupported script type %T", v)
	}
}

func (s Script) validate() error {
	if s.Command == "" {
		return errors.New("script command is required")
	}
	return nil
}

// Evaluator runs scripts against a local execution context.
type Evaluator interface {
	Eval(ctx context.Context, s Script) (any, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, s Script) (any, error)

func (f EvaluatorFunc) Eval(ctx context.Context, s Script) (any, error) { return f(ctx, s) }

// ValueArgs are the arguments of CommandClientValue.
type ValueArgs struct {
	Property string `json:"property"`
}

// LookupArgs are the arguments of the entity lookup commands.
type LookupArgs struct {
	ID string `json:"id"`
}

// CloseEvent describes why a shard connection closed.
type CloseEvent struct {
	Code     int    `json:"code"`
	Reason   string `json:"reason,omitempty"`
	WasClean bool   `json:"wasClean"`
}

// ReadyPayload is the data of READY. Generation identifies the launch the
// worker was started by; zero means the worker does not know it.
type ReadyPayload struct {
	ClusterID  int    `json:"clusterId"`
	Generation uint64 `json:"generation,omitempty"`
}

// ShardPayload is the data of the SHARD_* notifications.
type ShardPayload struct {
	ShardID    int         `json:"shardId"`
	Replayed   int         `json:"replayed,omitempty"`
	CloseEvent *CloseEvent `json:"closeEvent,omitempty"`
}

// ShardEvent is a shard lifecycle notification relayed by a worker.
type ShardEvent struct {
	Op      OpCode
	From    string
	Payload ShardPayload
}

// PeerName returns the IPC name of the worker hosting cluster id.
func PeerName(clusterID int) string { return "cluster-" + strconv.Itoa(clusterID) }

// ParsePeerName extracts the cluster id from a peer name.
func ParsePeerName(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, "cluster-")
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return id, true
}
