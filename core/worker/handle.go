// Package worker is the worker-side half of the sharder: it connects a
// real-time client to the orchestrator and serves its requests.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/codewandler/clstr-sharder/core/eval"
	"github.com/codewandler/clstr-sharder/core/ipc"
	"github.com/codewandler/clstr-sharder/core/launch"
	"github.com/codewandler/clstr-sharder/internal/shard"
)

type Options struct {
	Log       *slog.Logger
	Params    launch.Params
	Client    Client
	Transport ipc.ClientTransport
	// Commands extend the built-in commands served to the orchestrator.
	Commands []eval.Registration
	// OnMessage answers MESSAGE requests from the orchestrator. Optional.
	OnMessage func(ctx context.Context, msg ipc.Message) (any, error)
	Metrics   ipc.Metrics
}

// Handle is a worker's view of the cluster: its shard assignment, its
// connection to the orchestrator and the operations that need it.
type Handle struct {
	log      *slog.Logger
	params   launch.Params
	client   Client
	ipc      *ipc.Cluster
	commands *eval.Registry

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

func New(opts Options) (*Handle, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("worker: Options.Client is required")
	}
	if err := opts.Params.Validate(); err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	h := &Handle{
		log:    log.With(slog.Int("cluster", opts.Params.ClusterID)),
		params: opts.Params,
		client: opts.Client,
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())

	h.commands = eval.New(builtinCommands(opts.Client)...)
	h.commands.Use(opts.Commands...)

	c, err := ipc.NewCluster(ipc.ClusterOptions{
		Log:       h.log,
		ID:        opts.Params.ClusterID,
		Transport: opts.Transport,
		Evaluator: h.commands,
		OnMessage: opts.OnMessage,
		Metrics:   opts.Metrics,
	})
	if err != nil {
		h.cancel()
		return nil, err
	}
	h.ipc = c
	return h, nil
}

// Start connects to the orchestrator, then connects the client. The
// orchestrator learns about readiness through the client's observer.
func (h *Handle) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return fmt.Errorf("worker: already started")
	}
	h.started = true
	h.mu.Unlock()

	if err := h.ipc.Connect(ctx); err != nil {
		return err
	}
	h.client.SetObserver(relay{h})

	h.log.Info("connecting client", slog.Any("shards", h.params.ShardIDs))
	if err := h.client.Connect(ctx); err != nil {
		return fmt.Errorf("worker: connect client: %w", err)
	}
	return nil
}

func (h *Handle) Close() error {
	h.cancel()
	return h.ipc.Close()
}

func (h *Handle) ID() int           { return h.params.ClusterID }
func (h *Handle) ShardIDs() []int   { return slices.Clone(h.params.ShardIDs) }
func (h *Handle) ShardCount() int   { return h.params.ShardCount }
func (h *Handle) ClusterCount() int { return h.params.ClusterCount }
func (h *Handle) Client() Client    { return h.client }

// ShardForGuild returns the shard a guild lives on and whether that shard is
// run by this worker.
func (h *Handle) ShardForGuild(guildID string) (int, bool, error) {
	id, err := shard.ForID(guildID, h.params.ShardCount)
	if err != nil {
		return 0, false, err
	}
	return id, slices.Contains(h.params.ShardIDs, id), nil
}

// IPC exposes the underlying endpoint.
func (h *Handle) IPC() *ipc.Cluster { return h.ipc }

// Send delivers payload to the orchestrator and returns its answer. Payloads
// that are not an ipc.Message are sent as MESSAGE.
func (h *Handle) Send(ctx context.Context, payload any) (json.RawMessage, error) {
	msg, err := ipc.NormalizeMessage(payload)
	if err != nil {
		return nil, err
	}
	r, err := h.ipc.Request(ctx, msg)
	if err != nil {
		return nil, err
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return r.D, nil
}

// Notify is Send without waiting for an answer.
func (h *Handle) Notify(ctx context.Context, payload any) error {
	msg, err := ipc.NormalizeMessage(payload)
	if err != nil {
		return err
	}
	return h.ipc.Notify(ctx, msg)
}

// BroadcastEval evaluates script on every worker, this one included.
func (h *Handle) BroadcastEval(ctx context.Context, script any) ([]json.RawMessage, error) {
	return h.ipc.Broadcast(ctx, script)
}

// MasterEval evaluates script on the orchestrator.
func (h *Handle) MasterEval(ctx context.Context, script any) (json.RawMessage, error) {
	return h.ipc.MasterEval(ctx, script)
}

// FetchClientValues reads a client property on every worker.
func (h *Handle) FetchClientValues(ctx context.Context, property string) ([]json.RawMessage, error) {
	return h.ipc.Broadcast(ctx, ipc.MustCommand(ipc.CommandClientValue, ipc.ValueArgs{Property: property}))
}

// FetchUser looks a user up on every worker and returns the first hit. A
// miss fails with ipc.ErrNotFound.
func (h *Handle) FetchUser(ctx context.Context, id string) (json.RawMessage, error) {
	return h.fetch(ctx, ipc.OpFetchUser, id)
}

func (h *Handle) FetchGuild(ctx context.Context, id string) (json.RawMessage, error) {
	return h.fetch(ctx, ipc.OpFetchGuild, id)
}

func (h *Handle) FetchChannel(ctx context.Context, id string) (json.RawMessage, error) {
	return h.fetch(ctx, ipc.OpFetchChannel, id)
}

func (h *Handle) fetch(ctx context.Context, op ipc.OpCode, id string) (json.RawMessage, error) {
	msg, err := ipc.NewMessage(op, id)
	if err != nil {
		return nil, err
	}
	r, err := h.ipc.Request(ctx, msg)
	if err != nil {
		return nil, err
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, id, err)
	}
	return r.D, nil
}

// Fetch looks an entity up across the cluster and decodes it into T.
// op is one of ipc.OpFetchUser, ipc.OpFetchGuild or ipc.OpFetchChannel.
func Fetch[T any](ctx context.Context, h *Handle, op ipc.OpCode, id string) (T, error) {
	var out T
	raw, err := h.fetch(ctx, op, id)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s %s: %w", op, id, err)
	}
	return out, nil
}

// Restart asks the orchestrator to respawn cluster id and waits for it.
func (h *Handle) Restart(ctx context.Context, id int) error {
	msg, err := ipc.NewMessage(ipc.OpRestart, id)
	if err != nil {
		return err
	}
	r, err := h.ipc.Request(ctx, msg)
	if err != nil {
		return err
	}
	return r.Err()
}

// RestartSelf asks the orchestrator to respawn this worker. The answer would
// arrive after this process is gone, so none is awaited.
func (h *Handle) RestartSelf(ctx context.Context) error {
	msg, err := ipc.NewMessage(ipc.OpRestart, h.ID())
	if err != nil {
		return err
	}
	return h.ipc.Notify(ctx, msg)
}

// RestartAll asks the orchestrator to respawn every worker.
func (h *Handle) RestartAll(ctx context.Context) error {
	return h.ipc.Notify(ctx, ipc.Message{Op: ipc.OpRestartAll})
}

func (h *Handle) notify(op ipc.OpCode, payload any) {
	msg, err := ipc.NewMessage(op, payload)
	if err == nil {
		err = h.ipc.Notify(h.ctx, msg)
	}
	if err != nil {
		h.log.Error("failed to notify orchestrator", slog.String("op", op.String()), slog.Any("error", err))
	}
}

// relay forwards client lifecycle events to the orchestrator.
type relay struct {
	h *Handle
}

func (r relay) Ready() {
	r.h.log.Info("client ready")
	r.h.notify(ipc.OpReady, ipc.ReadyPayload{ClusterID: r.h.ID(), Generation: r.h.params.Generation})
}

func (r relay) ShardReady(shardID int) {
	r.h.notify(ipc.OpShardReady, ipc.ShardPayload{ShardID: shardID})
}

func (r relay) ShardReconnecting(shardID int) {
	r.h.notify(ipc.OpShardReconnect, ipc.ShardPayload{ShardID: shardID})
}

func (r relay) ShardResumed(shardID, replayed int) {
	r.h.notify(ipc.OpShardResume, ipc.ShardPayload{ShardID: shardID, Replayed: replayed})
}

func (r relay) ShardDisconnect(shardID int, ev ipc.CloseEvent) {
	r.h.notify(ipc.OpShardDisconnect, ipc.ShardPayload{ShardID: shardID, CloseEvent: &ev})
}

func builtinCommands(c Client) []eval.Registration {
	lookup := func(kind string) func(context.Context, ipc.LookupArgs) (any, error) {
		return func(_ context.Context, a ipc.LookupArgs) (any, error) {
			v, _ := c.Lookup(kind, a.ID)
			return v, nil
		}
	}
	return []eval.Registration{
		eval.Handle(ipc.CommandClientValue, func(_ context.Context, a ipc.ValueArgs) (any, error) {
			v, _ := c.Value(a.Property)
			return v, nil
		}),
		eval.Handle(ipc.CommandGetUser, lookup(KindUser)),
		eval.Handle(ipc.CommandGetGuild, lookup(KindGuild)),
		eval.Handle(ipc.CommandGetChannel, lookup(KindChannel)),
	}
}

var _ Observer = relay{}
