package sharding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/clstr-sharder/core/eval"
	"github.com/codewandler/clstr-sharder/core/ipc"
	"github.com/codewandler/clstr-sharder/core/launch"
	"github.com/codewandler/clstr-sharder/internal/flight"
	"github.com/codewandler/clstr-sharder/internal/keyed"
)

// CommandStats is the built-in master command returning Stats.
const CommandStats = "manager.stats"

// Manager partitions shards into clusters, runs one supervised worker per
// cluster and serves the orchestrator side of the IPC channel.
type Manager struct {
	log      *slog.Logger
	opts     Options
	runID    string
	ipc      *ipc.Master
	commands *eval.Registry
	metrics  Metrics

	serial   *keyed.Serializer[int]
	restarts flight.Group[int, struct{}]

	// ctx is cancelled by Close and bounds every background operation.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.RWMutex
	state        State
	spawned      bool
	closed       bool
	shardCount   int
	clusterCount int
	clusters     map[int]*Supervisor

	subsMu  sync.RWMutex
	subs    map[uint64]func(Event)
	nextSub uint64
}

func New(opts Options) (*Manager, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	runID := gonanoid.Must(8)
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		log:          opts.Log.With(slog.String("run", runID)),
		opts:         opts,
		runID:        runID,
		metrics:      opts.Metrics,
		serial:       keyed.New[int](0),
		ctx:          ctx,
		cancel:       cancel,
		shardCount:   opts.ShardCount,
		clusterCount: opts.ClusterCount,
		clusters:     make(map[int]*Supervisor),
		subs:         make(map[uint64]func(Event)),
	}

	m.commands = eval.New(
		eval.Value(CommandStats, func(context.Context) (Stats, error) { return m.Stats(), nil }),
	)
	m.commands.Use(opts.Commands...)

	master, err := ipc.NewMaster(ipc.MasterOptions{
		Log:        m.log,
		Transport:  opts.Transport,
		Controller: controller{m},
		Metrics:    opts.IPCMetrics,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("sharding: %w: %w", ErrInvalidConfig, err)
	}
	m.ipc = master

	return m, nil
}

// RunID identifies this orchestrator run.
func (m *Manager) RunID() string { return m.runID }

// IPC exposes the orchestrator endpoint.
func (m *Manager) IPC() *ipc.Master { return m.ipc }

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ShardCount is the resolved shard count; it is ShardCountAuto until Spawn
// resolved it.
func (m *Manager) ShardCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shardCount
}

// ClusterCount is the cluster count after clamping to the shard count.
func (m *Manager) ClusterCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clusterCount
}

// Cluster returns the supervisor of cluster id.
func (m *Manager) Cluster(id int) (*Supervisor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.clusters[id]
	return s, ok
}

// Clusters returns all supervisors ordered by id.
func (m *Manager) Clusters() []*Supervisor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := slices.Sorted(maps.Keys(m.clusters))
	out := make([]*Supervisor, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.clusters[id])
	}
	return out
}

// Subscribe registers fn for every published event and returns a function
// that removes it. fn is called synchronously and must not block.
func (m *Manager) Subscribe(fn func(Event)) (unsubscribe func()) {
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subsMu.Unlock()

	return func() {
		m.subsMu.Lock()
		delete(m.subs, id)
		m.subsMu.Unlock()
	}
}

// Spawn starts listening for workers, resolves the shard count, partitions
// the shards and spawns every cluster one after another. Clusters that fail
// are retried when Retry is enabled. Spawn only fails for configuration,
// session lookup or cancellation errors; individual cluster failures are
// published as ErrorEvent.
func (m *Manager) Spawn(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrManagerClosed
	case m.spawned:
		m.mu.Unlock()
		return ErrAlreadySpawned
	}
	m.spawned = true
	m.mu.Unlock()

	if err := m.ipc.Listen(ctx); err != nil {
		return err
	}

	shardCount, err := m.resolveShardCount(ctx)
	if err != nil {
		return err
	}

	m.setState(StatePartitioning)
	clusterCount := min(m.opts.ClusterCount, shardCount)
	m.debugf("[manager] starting %d shards in %d clusters", shardCount, clusterCount)

	chunks := Partition(ShardRange(shardCount), clusterCount)
	sups := make([]*Supervisor, len(chunks))
	m.mu.Lock()
	m.shardCount = shardCount
	m.clusterCount = clusterCount
	for id, shards := range chunks {
		sups[id] = newSupervisor(m, id, shards)
		m.clusters[id] = sups[id]
	}
	m.mu.Unlock()
	m.metrics.ShardCount(shardCount)

	m.setState(StateSpawning)
	var failed []*Supervisor
	for _, s := range sups {
		err := s.Spawn(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil || errors.Is(err, ErrManagerClosed) {
			return err
		}
		m.debugf("[%s] failed to spawn", s.Name())
		m.emit(ErrorEvent{ClusterID: s.id, Err: err})
		if m.opts.Retry {
			m.debugf("[%s] queueing for respawn", s.Name())
			failed = append(failed, s)
		}
	}

	if len(failed) > 0 {
		m.setState(StateRetrying)
		if failed, err = m.retryFailed(ctx, failed); err != nil {
			return err
		}
		for _, s := range failed {
			m.emit(ErrorEvent{
				ClusterID: s.id,
				Err:       fmt.Errorf("cluster %d: giving up after %d retries: %w", s.id, m.opts.Retries, ErrSpawnFailed),
			})
		}
	}

	m.setState(StateDone)
	m.log.Info("spawned", slog.Int("clusters", clusterCount), slog.Int("ready", m.readyCount()))
	return nil
}

// retryFailed makes up to Retries passes over the failed clusters and
// returns those that never came up.
func (m *Manager) retryFailed(ctx context.Context, failed []*Supervisor) ([]*Supervisor, error) {
	for pass := 1; pass <= m.opts.Retries && len(failed) > 0; pass++ {
		var next []*Supervisor
		for _, s := range failed {
			m.debugf("[%s] retry %d/%d", s.Name(), pass, m.opts.Retries)
			err := s.Respawn(ctx, m.opts.RespawnDelay)
			if err == nil {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, ErrManagerClosed) {
				return nil, err
			}
			m.log.Warn("retry failed", slog.Int("cluster", s.id), slog.Int("pass", pass), slog.Any("error", err))
			next = append(next, s)
		}
		failed = next
	}
	return failed, nil
}

func (m *Manager) resolveShardCount(ctx context.Context) (int, error) {
	if m.opts.ShardCount != ShardCountAuto {
		return m.opts.ShardCount, nil
	}

	m.setState(StateResolvingShardCount)
	m.debugf("[manager] fetching session endpoint")
	sess, err := m.opts.SessionProvider.FetchSession(ctx)
	if err != nil {
		return 0, fmt.Errorf("sharding: fetch session: %w", err)
	}

	n := RecommendedShardCount(sess.Shards, m.opts.GuildsPerShard)
	if n < 1 {
		return 0, fmt.Errorf("sharding: recommended shard count is %d: %w", n, ErrInvalidConfig)
	}
	m.log.Info("session",
		slog.Int("recommended_shards", sess.Shards),
		slog.Group("start_limit",
			slog.Int("total", sess.SessionStartLimit.Total),
			slog.Int("remaining", sess.SessionStartLimit.Remaining),
			slog.Duration("reset_in", sess.SessionStartLimit.ResetIn()),
		),
	)
	m.debugf("[manager] using recommended shard count of %d shards with %d guilds per shard", n, m.opts.GuildsPerShard)
	return n, nil
}

// Restart respawns the worker of cluster id. Concurrent restarts of the same
// cluster share one respawn.
func (m *Manager) Restart(ctx context.Context, id int) error {
	s, ok := m.Cluster(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrClusterNotFound, id)
	}
	return m.restart(ctx, s)
}

func (m *Manager) restart(ctx context.Context, s *Supervisor) error {
	_, _, err := m.restarts.Do(s.id, func() (struct{}, error) {
		return struct{}{}, s.Respawn(ctx, m.opts.RespawnDelay)
	})
	m.metrics.RestartCompleted(err == nil)
	return err
}

// RestartAll respawns every cluster in id order. It keeps going after a
// failure and returns all failures joined.
func (m *Manager) RestartAll(ctx context.Context) error {
	var errs []error
	for _, s := range m.Clusters() {
		if err := m.restart(ctx, s); err != nil {
			if ctx.Err() != nil {
				return errors.Join(append(errs, err)...)
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BroadcastEval evaluates script on every connected worker. It fails as a
// whole when any worker fails.
func (m *Manager) BroadcastEval(ctx context.Context, script any) ([]json.RawMessage, error) {
	return m.ipc.Broadcast(ctx, script)
}

// FetchClientValues reads a property of every worker's real-time client.
func (m *Manager) FetchClientValues(ctx context.Context, property string) ([]json.RawMessage, error) {
	return m.ipc.Broadcast(ctx, ipc.MustCommand(ipc.CommandClientValue, ipc.ValueArgs{Property: property}))
}

// MasterEval evaluates script against the orchestrator's own commands.
func (m *Manager) MasterEval(ctx context.Context, script any) (any, error) {
	s, err := ipc.NormalizeScript(script)
	if err != nil {
		return nil, err
	}
	return m.commands.Eval(ctx, s)
}

// Close kills every worker and shuts the IPC endpoint down.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()

	var errs []error
	for _, s := range m.Clusters() {
		if err := s.kill(); err != nil {
			errs = append(errs, err)
		}
	}
	m.wg.Wait()
	m.serial.Close()
	if err := m.ipc.Close(); err != nil {
		errs = append(errs, err)
	}
	m.log.Info("closed")
	return errors.Join(errs...)
}

// ClusterStats describes one cluster in Stats.
type ClusterStats struct {
	ID      int   `json:"id"`
	Shards  []int `json:"shards"`
	Running bool  `json:"running"`
	Ready   bool  `json:"ready"`
	Spawns  int   `json:"spawns"`
}

// Stats is a snapshot of the orchestrator.
type Stats struct {
	RunID        string         `json:"runId"`
	State        string         `json:"state"`
	ShardCount   int            `json:"shardCount"`
	ClusterCount int            `json:"clusterCount"`
	Peers        []string       `json:"peers"`
	Clusters     []ClusterStats `json:"clusters"`
}

func (m *Manager) Stats() Stats {
	st := Stats{
		RunID:        m.runID,
		State:        m.State().String(),
		ShardCount:   m.ShardCount(),
		ClusterCount: m.ClusterCount(),
		Peers:        m.ipc.Peers(),
	}
	for _, s := range m.Clusters() {
		st.Clusters = append(st.Clusters, ClusterStats{
			ID:      s.id,
			Shards:  s.ShardIDs(),
			Running: s.Running(),
			Ready:   s.Ready(),
			Spawns:  s.Spawns(),
		})
	}
	return st
}

/* ---------------------- internals ---------------------- */

func (m *Manager) ipcParams() launch.IPC {
	p := m.opts.IPC
	if p.Endpoint == "" {
		p.Endpoint = m.ipc.Addr()
	}
	return p
}

func (m *Manager) readyCount() int {
	n := 0
	for _, s := range m.Clusters() {
		if s.Ready() {
			n++
		}
	}
	return n
}

func (m *Manager) scheduleRespawn(s *Supervisor) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.debugf("[%s] respawning", s.Name())
		if err := m.restart(m.ctx, s); err != nil && m.ctx.Err() == nil {
			m.emit(ErrorEvent{ClusterID: s.id, Err: fmt.Errorf("respawn cluster %d: %w", s.id, err)})
		}
	}()
}

func (m *Manager) setState(to State) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.mu.Unlock()
	m.log.Debug("state", slog.String("from", from.String()), slog.String("to", to.String()))
	m.emit(StateEvent{From: from, To: to})
}

func (m *Manager) debugf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	m.log.Debug(msg)
	m.emit(DebugEvent{Message: msg})
}

func (m *Manager) emit(ev Event) {
	m.subsMu.RLock()
	subs := slices.Collect(maps.Values(m.subs))
	m.subsMu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// controller applies inbound worker requests to the manager.
type controller struct {
	m *Manager
}

func (c controller) ClusterReady(p ipc.ReadyPayload) {
	id := p.ClusterID
	s, ok := c.m.Cluster(id)
	if !ok {
		c.m.log.Warn("ready from unknown cluster", slog.Int("cluster", id))
		return
	}
	if !s.markReady(p.Generation) {
		c.m.log.Debug("ignoring late or stale ready",
			slog.Int("cluster", id),
			slog.Uint64("generation", p.Generation),
		)
		return
	}
	c.m.metrics.ClustersReady(c.m.readyCount())
	c.m.emit(ReadyEvent{ClusterID: id})
	c.m.debugf("[%s] ready", s.Name())
}

func (c controller) ShardEvent(ev ipc.ShardEvent) {
	e, ok := shardEvent(ev)
	if !ok {
		return
	}
	c.m.metrics.ShardEvent(ev.Op.String())
	c.m.emit(e)
}

func (c controller) ClusterMessage(ctx context.Context, from string, msg ipc.Message) (any, error) {
	c.m.emit(MessageEvent{From: from, Message: msg})
	if c.m.opts.OnMessage == nil {
		return nil, nil
	}
	return c.m.opts.OnMessage(ctx, from, msg)
}

func (c controller) MasterEval(ctx context.Context, s ipc.Script) (any, error) {
	return c.m.commands.Eval(ctx, s)
}

// Restarts requested by a worker run on the manager's context: the request
// context dies with the requesting worker's connection.
func (c controller) Restart(_ context.Context, id int) error {
	return c.m.Restart(c.m.ctx, id)
}

func (c controller) RestartAll(context.Context) error {
	return c.m.RestartAll(c.m.ctx)
}

var _ ipc.Controller = controller{}
