// Package launch carries the parameters a worker process is started with.
//
// The orchestrator encodes Params into the environment of every worker; the
// worker reads them back with FromEnv.
package launch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/codewandler/clstr-sharder/core/ipc"
)

const (
	// EnvParams holds the JSON encoded Params.
	EnvParams = "SHARDER_LAUNCH"

	// Plain variables kept for workers that only read these.
	EnvClusterID    = "CLUSTER_ID"
	EnvShards       = "CLUSTER_SHARDS"
	EnvShardCount   = "CLUSTER_SHARD_COUNT"
	EnvClusterCount = "CLUSTER_CLUSTER_COUNT"
)

// Transport kinds.
const (
	TransportWS   = "ws"
	TransportNATS = "nats"
	TransportMem  = "mem"
)

var ErrMissingParams = errors.New("launch: missing parameters")

// IPC describes how a worker reaches the orchestrator.
type IPC struct {
	Transport string `json:"transport"`
	// Endpoint is the websocket address (tcp host:port or unix socket path)
	// or the NATS server url.
	Endpoint string `json:"endpoint"`
	// SubjectPrefix scopes NATS subjects to one orchestrator run.
	SubjectPrefix string `json:"subjectPrefix,omitempty"`
}

// Params are the launch parameters of one worker.
type Params struct {
	ClusterID    int               `json:"clusterId"`
	ShardIDs     []int             `json:"shards"`
	ShardCount   int               `json:"shardCount"`
	ClusterCount int               `json:"clusterCount"`
	IPC          IPC               `json:"ipc"`
	Env          map[string]string `json:"env,omitempty"`
	// Generation identifies this launch of the cluster. The worker echoes it
	// in READY so that a READY from an earlier process is not taken for it.
	Generation uint64 `json:"generation,omitempty"`
}

// Name is the IPC peer name of the worker.
func (p Params) Name() string { return ipc.PeerName(p.ClusterID) }

func (p Params) Validate() error {
	switch {
	case p.ClusterID < 0:
		return fmt.Errorf("launch: negative cluster id %d", p.ClusterID)
	case p.ShardCount <= 0:
		return fmt.Errorf("launch: shard count must be positive, got %d", p.ShardCount)
	case p.ClusterCount <= 0:
		return fmt.Errorf("launch: cluster count must be positive, got %d", p.ClusterCount)
	}
	for _, id := range p.ShardIDs {
		if id < 0 || id >= p.ShardCount {
			return fmt.Errorf("launch: shard %d outside [0, %d)", id, p.ShardCount)
		}
	}
	return nil
}

// Environ renders p as KEY=VALUE pairs. User supplied variables come first so
// the launch variables cannot be shadowed by them.
func (p Params) Environ() ([]string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("launch: encode params: %w", err)
	}
	out := make([]string, 0, len(p.Env)+5)
	for k, v := range p.Env {
		out = append(out, k+"="+v)
	}
	return append(out,
		EnvParams+"="+string(data),
		EnvClusterID+"="+strconv.Itoa(p.ClusterID),
		EnvShards+"="+joinInts(p.ShardIDs),
		EnvShardCount+"="+strconv.Itoa(p.ShardCount),
		EnvClusterCount+"="+strconv.Itoa(p.ClusterCount),
	), nil
}

// FromEnv reads the parameters of the current process.
func FromEnv() (Params, error) {
	return Lookup(os.LookupEnv)
}

// Lookup reads parameters through lookup. The JSON variable wins; the plain
// CLUSTER_* variables are the fallback and carry no IPC endpoint.
func Lookup(lookup func(string) (string, bool)) (Params, error) {
	if raw, ok := lookup(EnvParams); ok && raw != "" {
		var p Params
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return Params{}, fmt.Errorf("launch: decode %s: %w", EnvParams, err)
		}
		return p, p.Validate()
	}

	id, ok := lookup(EnvClusterID)
	if !ok {
		return Params{}, ErrMissingParams
	}
	var (
		p   Params
		err error
	)
	if p.ClusterID, err = strconv.Atoi(id); err != nil {
		return Params{}, fmt.Errorf("launch: %s: %w", EnvClusterID, err)
	}
	shards, _ := lookup(EnvShards)
	if p.ShardIDs, err = splitInts(shards); err != nil {
		return Params{}, fmt.Errorf("launch: %s: %w", EnvShards, err)
	}
	n, _ := lookup(EnvShardCount)
	if p.ShardCount, err = strconv.Atoi(n); err != nil {
		return Params{}, fmt.Errorf("launch: %s: %w", EnvShardCount, err)
	}
	n, _ = lookup(EnvClusterCount)
	if p.ClusterCount, err = strconv.Atoi(n); err != nil {
		return Params{}, fmt.Errorf("launch: %s: %w", EnvClusterCount, err)
	}
	return p, p.Validate()
}

func joinInts(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

func splitInts(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
