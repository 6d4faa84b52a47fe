package sharding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/codewandler/clstr-sharder/core/ipc"
	"github.com/codewandler/clstr-sharder/core/launch"
	"github.com/codewandler/clstr-sharder/internal/keyed"
)

// Supervisor owns the worker process of one cluster.
type Supervisor struct {
	m      *Manager
	log    *slog.Logger
	id     int
	shards []int

	mu    sync.Mutex
	proc  Process
	gen   uint64 // bumped on every launch and kill; stale observers compare it
	ready bool
	// armed is non-nil while a spawn waits for READY from launch armedGen.
	armed    chan struct{}
	armedGen uint64
	spawns   int
}

func newSupervisor(m *Manager, id int, shards []int) *Supervisor {
	return &Supervisor{
		m:      m,
		log:    m.log.With(slog.Int("cluster", id)),
		id:     id,
		shards: shards,
	}
}

func (s *Supervisor) ID() int { return s.id }

func (s *Supervisor) Name() string { return ipc.PeerName(s.id) }

func (s *Supervisor) ShardIDs() []int { return slices.Clone(s.shards) }

// Ready reports whether the current worker signaled readiness.
func (s *Supervisor) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Running reports whether a worker process is attached.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil
}

// Spawns is the number of launch attempts so far.
func (s *Supervisor) Spawns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawns
}

// Spawn launches the worker and waits for it to become ready.
func (s *Supervisor) Spawn(ctx context.Context) error {
	return s.serialized(ctx, func() error { return s.spawn(ctx) })
}

// Kill terminates the worker without triggering an automatic respawn.
func (s *Supervisor) Kill(ctx context.Context) error {
	return s.serialized(ctx, s.kill)
}

// Respawn kills the worker, waits delay and spawns it again.
func (s *Supervisor) Respawn(ctx context.Context, delay time.Duration) error {
	return s.serialized(ctx, func() error { return s.respawn(ctx, delay) })
}

// serialized runs fn after every earlier lifecycle operation of this cluster.
func (s *Supervisor) serialized(ctx context.Context, fn func() error) error {
	err := s.m.serial.Do(ctx, s.id, fn)
	if errors.Is(err, keyed.ErrClosed) {
		return ErrManagerClosed
	}
	return err
}

// Eval runs script on this cluster's worker.
func (s *Supervisor) Eval(ctx context.Context, script any) (json.RawMessage, error) {
	return s.m.ipc.Eval(ctx, s.Name(), script)
}

// FetchClientValue reads a property of the worker's real-time client.
func (s *Supervisor) FetchClientValue(ctx context.Context, property string) (json.RawMessage, error) {
	return s.Eval(ctx, ipc.MustCommand(ipc.CommandClientValue, ipc.ValueArgs{Property: property}))
}

// Send delivers payload to the worker as a MESSAGE unless it already is an
// ipc.Message, and returns the worker's answer.
func (s *Supervisor) Send(ctx context.Context, payload any) (json.RawMessage, error) {
	msg, err := ipc.NormalizeMessage(payload)
	if err != nil {
		return nil, err
	}
	r, err := s.m.ipc.Request(ctx, s.Name(), msg)
	if err != nil {
		return nil, err
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return r.D, nil
}

/* ---------------------- lifecycle ---------------------- */

// readyTimeout scales the configured timeout by the number of shards and
// the guild density.
func (s *Supervisor) readyTimeout() time.Duration {
	o := s.m.opts
	return time.Duration(float64(o.Timeout) * float64(len(s.shards)) * float64(o.GuildsPerShard) / 1000)
}

func (s *Supervisor) spawn(ctx context.Context) error {
	// a supervisor runs at most one worker
	if err := s.kill(); err != nil {
		s.log.Warn("failed to kill previous worker", slog.Any("error", err))
	}

	armed := make(chan struct{})
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.armed = armed
	s.armedGen = gen
	s.spawns++
	attempt := s.spawns
	s.mu.Unlock()

	timer := s.m.metrics.SpawnDuration()
	defer timer.ObserveDuration()

	p := launch.Params{
		ClusterID:    s.id,
		ShardIDs:     s.ShardIDs(),
		ShardCount:   s.m.ShardCount(),
		ClusterCount: s.m.ClusterCount(),
		IPC:          s.m.ipcParams(),
		Env:          s.m.opts.Env,
		Generation:   gen,
	}
	proc, err := s.m.opts.Launcher.Launch(ctx, p)
	if err != nil {
		s.disarm(armed)
		s.m.metrics.SpawnCompleted(OutcomeFailed)
		return fmt.Errorf("%w: cluster %d: %w", ErrSpawnFailed, s.id, err)
	}

	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()

	exited := make(chan ExitStatus, 1)
	go s.observe(gen, proc, exited)

	s.m.emit(SpawnEvent{ClusterID: s.id, ShardIDs: s.ShardIDs(), Attempt: attempt})
	s.m.debugf("[%s] spawned, waiting for ready", s.Name())

	wait := s.readyTimeout()
	t := time.NewTimer(wait)
	defer t.Stop()

	select {
	case <-armed:
	case <-t.C:
		s.disarm(armed)
		_ = s.kill()
		s.m.metrics.SpawnCompleted(OutcomeTimeout)
		return fmt.Errorf("%w: cluster %d after %s", ErrSpawnTimeout, s.id, wait)
	case st := <-exited:
		s.disarm(armed)
		s.m.metrics.SpawnCompleted(OutcomeFailed)
		return fmt.Errorf("%w: cluster %d exited before ready: %s", ErrSpawnFailed, s.id, st)
	case <-ctx.Done():
		s.disarm(armed)
		_ = s.kill()
		s.m.metrics.SpawnCompleted(OutcomeCanceled)
		return ctx.Err()
	case <-s.m.ctx.Done():
		s.disarm(armed)
		_ = s.kill()
		s.m.metrics.SpawnCompleted(OutcomeCanceled)
		return ErrManagerClosed
	}

	s.m.metrics.SpawnCompleted(OutcomeReady)
	s.log.Info("worker ready", slog.Any("shards", s.shards), slog.Int("attempt", attempt))

	settle := time.NewTimer(s.m.opts.SettleDelay)
	defer settle.Stop()
	select {
	case <-settle.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.m.ctx.Done():
		return ErrManagerClosed
	}
}

// disarm stops a pending readiness wait so that a late READY is ignored.
func (s *Supervisor) disarm(armed chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed == armed {
		s.armed = nil
	}
}

// markReady completes a pending readiness wait. It returns false when no
// spawn is waiting or when gen names another launch. Generation zero comes
// from workers that only read the plain environment and is not checked.
func (s *Supervisor) markReady(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed == nil {
		return false
	}
	if gen != 0 && gen != s.armedGen {
		return false
	}
	close(s.armed)
	s.armed = nil
	s.ready = true
	return true
}

func (s *Supervisor) kill() error {
	s.mu.Lock()
	proc := s.proc
	s.proc = nil
	s.ready = false
	// detach the exit observer before terminating
	s.gen++
	s.mu.Unlock()

	if proc == nil {
		return nil
	}
	s.log.Debug("killing worker")
	if err := proc.Kill(); err != nil {
		return fmt.Errorf("kill cluster %d: %w", s.id, err)
	}
	return nil
}

func (s *Supervisor) respawn(ctx context.Context, delay time.Duration) error {
	if err := s.kill(); err != nil {
		return err
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.m.ctx.Done():
			return ErrManagerClosed
		}
	}
	return s.spawn(ctx)
}

// observe waits for proc to exit and reports it, unless the supervisor moved
// on to another process or killed this one on purpose.
func (s *Supervisor) observe(gen uint64, proc Process, exited chan<- ExitStatus) {
	st, err := proc.Wait()

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	wasReady := s.ready
	s.proc = nil
	s.ready = false
	s.mu.Unlock()

	exited <- st

	respawn := wasReady && s.m.opts.Respawn
	s.m.metrics.WorkerExited(respawn)
	s.m.metrics.ClustersReady(s.m.readyCount())
	s.log.Warn("worker exited",
		slog.String("status", st.String()),
		slog.Bool("respawn", respawn),
		slog.Any("error", err),
	)
	s.m.emit(ExitEvent{ClusterID: s.id, Status: st, Err: err})
	s.m.debugf("[%s] exited: %s", s.Name(), st)

	if respawn {
		s.m.scheduleRespawn(s)
	}
}
