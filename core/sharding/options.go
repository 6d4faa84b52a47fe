package sharding

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/codewandler/clstr-sharder/core/eval"
	"github.com/codewandler/clstr-sharder/core/ipc"
	"github.com/codewandler/clstr-sharder/core/launch"
)

// ShardCountAuto asks the SessionProvider for the recommended shard count.
const ShardCountAuto = 0

const (
	DefaultGuildsPerShard = 1000
	DefaultTimeout        = 30 * time.Second
	DefaultRetries        = 5
	DefaultRespawnDelay   = 500 * time.Millisecond
	DefaultSettleDelay    = time.Second
)

// Options configures a Manager. Zero values fall back to the defaults above,
// except for Retry, Retries and Respawn: those are taken as given and only
// DefaultOptions sets them.
type Options struct {
	Log *slog.Logger

	// ShardCount is the total number of shards, or ShardCountAuto.
	ShardCount int
	// ClusterCount is the number of worker processes. Defaults to the number
	// of CPUs and is clamped to ShardCount.
	ClusterCount int
	// GuildsPerShard scales the recommended shard count and the spawn timeout.
	GuildsPerShard int

	// Timeout is the readiness budget per shard at 1000 guilds per shard.
	Timeout time.Duration
	// Retry queues clusters that failed to spawn for further attempts.
	Retry bool
	// Retries is the number of retry passes over the failed clusters. Zero
	// means failed clusters are reported without another attempt.
	Retries int
	// Respawn restarts a worker that exits after it became ready.
	Respawn bool
	// RespawnDelay is the pause between kill and spawn.
	RespawnDelay time.Duration
	// SettleDelay is awaited after a worker signaled readiness.
	SettleDelay time.Duration

	// Env is passed to every worker on top of the launch parameters.
	Env map[string]string
	// IPC tells workers how to reach the orchestrator. An empty endpoint is
	// filled with the transport address.
	IPC launch.IPC

	Launcher        Launcher
	Transport       ipc.ServerTransport
	SessionProvider SessionProvider

	// Commands are served by MasterEval, next to the built-in ones.
	Commands []eval.Registration
	// OnMessage answers MESSAGE requests from workers. Optional.
	OnMessage func(ctx context.Context, from string, msg ipc.Message) (any, error)

	Metrics    Metrics
	IPCMetrics ipc.Metrics
}

// DefaultOptions returns options with retry and respawn enabled.
func DefaultOptions() Options {
	return Options{
		ShardCount:     ShardCountAuto,
		ClusterCount:   runtime.NumCPU(),
		GuildsPerShard: DefaultGuildsPerShard,
		Timeout:        DefaultTimeout,
		Retry:          true,
		Retries:        DefaultRetries,
		Respawn:        true,
		RespawnDelay:   DefaultRespawnDelay,
		SettleDelay:    DefaultSettleDelay,
	}
}

func (o Options) withDefaults() Options {
	if o.Log == nil {
		o.Log = slog.Default()
	}
	if o.ClusterCount == 0 {
		o.ClusterCount = runtime.NumCPU()
	}
	if o.GuildsPerShard == 0 {
		o.GuildsPerShard = DefaultGuildsPerShard
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	if o.RespawnDelay == 0 {
		o.RespawnDelay = DefaultRespawnDelay
	}
	if o.SettleDelay == 0 {
		o.SettleDelay = DefaultSettleDelay
	}
	if o.Metrics == nil {
		o.Metrics = NopMetrics()
	}
	return o
}

func (o Options) validate() error {
	switch {
	case o.Launcher == nil:
		return fmt.Errorf("sharding: Options.Launcher is required: %w", ErrInvalidConfig)
	case o.Transport == nil:
		return fmt.Errorf("sharding: Options.Transport is required: %w", ErrInvalidConfig)
	case o.ShardCount < 0:
		return fmt.Errorf("sharding: Options.ShardCount must not be negative: %w", ErrInvalidConfig)
	case o.ShardCount == ShardCountAuto && o.SessionProvider == nil:
		return fmt.Errorf("sharding: automatic shard count needs a SessionProvider: %w", ErrInvalidConfig)
	case o.ClusterCount < 0:
		return fmt.Errorf("sharding: Options.ClusterCount must not be negative: %w", ErrInvalidConfig)
	case o.GuildsPerShard < 0:
		return fmt.Errorf("sharding: Options.GuildsPerShard must not be negative: %w", ErrInvalidConfig)
	case o.Timeout < 0, o.RespawnDelay < 0, o.SettleDelay < 0:
		return fmt.Errorf("sharding: durations must not be negative: %w", ErrInvalidConfig)
	case o.Retries < 0:
		return fmt.Errorf("sharding: Options.Retries must not be negative: %w", ErrInvalidConfig)
	}
	return nil
}
