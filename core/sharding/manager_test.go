package sharding

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/clstr-sharder/core/eval"
	"github.com/codewandler/clstr-sharder/core/ipc"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func setup(t *testing.T, behavior WorkerBehavior, configure func(*Options)) (*Manager, *TestLauncher, *EventRecorder) {
	t.Helper()
	tr := ipc.CreateMemoryTransport(t)
	l := NewTestLauncher(tr, behavior)
	opts := TestOptions(tr, l)
	if configure != nil {
		configure(&opts)
	}
	m := CreateTestManager(t, opts)
	return m, l, RecordEvents(m)
}

// inFlight counts workers between launch and READY and keeps the peak.
type inFlight struct {
	active, peak atomic.Int32
}

func (f *inFlight) behavior(w *TestWorker) {
	n := f.active.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	f.active.Add(-1)
	BecomeReady(w)
}

func states(rec *EventRecorder) []State {
	var out []State
	for _, ev := range Of[StateEvent](rec) {
		out = append(out, ev.To)
	}
	return out
}

func TestManager_Spawn(t *testing.T) {
	m, l, rec := setup(t, BecomeReady, nil)

	require.NoError(t, m.Spawn(t.Context()))
	require.Equal(t, StateDone, m.State())
	require.Equal(t, 4, m.ShardCount())
	require.Equal(t, 2, m.ClusterCount())
	require.Equal(t, []State{StatePartitioning, StateSpawning, StateDone}, states(rec))

	cs := m.Clusters()
	require.Len(t, cs, 2)
	require.Equal(t, []int{0, 1}, cs[0].ShardIDs())
	require.Equal(t, []int{2, 3}, cs[1].ShardIDs())
	for _, c := range cs {
		require.True(t, c.Ready())
		require.True(t, c.Running())
		require.Equal(t, 1, l.Launches(c.ID()))
	}

	p := l.Latest(1).Params
	require.Equal(t, 1, p.ClusterID)
	require.Equal(t, []int{2, 3}, p.ShardIDs)
	require.Equal(t, 4, p.ShardCount)
	require.Equal(t, 2, p.ClusterCount)
	require.Equal(t, "mem", p.IPC.Endpoint)

	require.Eventually(t, func() bool {
		return len(Of[ReadyEvent](rec)) == 2
	}, waitFor, tick)
	require.Len(t, Of[SpawnEvent](rec), 2)
	require.Empty(t, Of[ErrorEvent](rec))

	require.ErrorIs(t, m.Spawn(t.Context()), ErrAlreadySpawned)
}

func TestManager_Spawn_OneLaunchAtATime(t *testing.T) {
	var f inFlight
	m, l, _ := setup(t, f.behavior, func(o *Options) {
		o.ShardCount = 4
		o.ClusterCount = 4
	})

	require.NoError(t, m.Spawn(t.Context()))
	require.Equal(t, int32(1), f.peak.Load())
	for id := range 4 {
		require.Equal(t, 1, l.Launches(id))
	}
}

func TestManager_Spawn_ClampsClusterCount(t *testing.T) {
	m, _, _ := setup(t, BecomeReady, func(o *Options) {
		o.ShardCount = 2
		o.ClusterCount = 5
	})

	require.NoError(t, m.Spawn(t.Context()))
	require.Equal(t, 2, m.ClusterCount())
	require.Len(t, m.Clusters(), 2)
}

func TestManager_Spawn_AutoShardCount(t *testing.T) {
	calls := 0
	m, l, rec := setup(t, BecomeReady, func(o *Options) {
		o.ShardCount = ShardCountAuto
		o.GuildsPerShard = 500
		o.SessionProvider = SessionProviderFunc(func(context.Context) (Session, error) {
			calls++
			return Session{Shards: 3, SessionStartLimit: SessionStartLimit{Total: 1000, Remaining: 999}}, nil
		})
	})

	require.NoError(t, m.Spawn(t.Context()))
	require.Equal(t, 1, calls)
	require.Equal(t, 6, m.ShardCount())
	require.Equal(t, []int{0, 1, 2}, l.Latest(0).Params.ShardIDs)
	require.Equal(t, []int{3, 4, 5}, l.Latest(1).Params.ShardIDs)
	require.Equal(t, StateResolvingShardCount, states(rec)[0])
}

func TestManager_Spawn_SessionFailure(t *testing.T) {
	boom := errors.New("gateway down")
	m, l, _ := setup(t, BecomeReady, func(o *Options) {
		o.ShardCount = ShardCountAuto
		o.SessionProvider = SessionProviderFunc(func(context.Context) (Session, error) {
			return Session{}, boom
		})
	})

	err := m.Spawn(t.Context())
	require.ErrorIs(t, err, boom)
	require.Empty(t, m.Clusters())
	require.Zero(t, l.Launches(0))
}

func TestNew_InvalidConfig(t *testing.T) {
	tr := ipc.NewMemoryTransport()
	defer tr.Close()
	l := NewTestLauncher(tr, nil)

	cases := map[string]func(*Options){
		"no launcher":             func(o *Options) { o.Launcher = nil },
		"no transport":            func(o *Options) { o.Transport = nil },
		"auto without provider":   func(o *Options) { o.ShardCount = ShardCountAuto },
		"negative shard count":    func(o *Options) { o.ShardCount = -1 },
		"negative cluster count":  func(o *Options) { o.ClusterCount = -2 },
		"negative retries":        func(o *Options) { o.Retries = -1 },
		"negative settle delay":   func(o *Options) { o.SettleDelay = -time.Second },
		"negative guilds / shard": func(o *Options) { o.GuildsPerShard = -1 },
	}
	for name, configure := range cases {
		t.Run(name, func(t *testing.T) {
			opts := TestOptions(tr, l)
			configure(&opts)
			_, err := New(opts)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestManager_ReadinessTimeout(t *testing.T) {
	m, l, rec := setup(t, NeverReady, func(o *Options) {
		o.ShardCount = 1
		o.ClusterCount = 1
		o.Timeout = 20 * time.Millisecond
		o.Retry = false
	})

	require.NoError(t, m.Spawn(t.Context()))

	errs := Of[ErrorEvent](rec)
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0].Err, ErrSpawnTimeout)
	require.NotContains(t, states(rec), StateRetrying)

	// the supervisor stays registered, the stray worker is gone
	s, ok := m.Cluster(0)
	require.True(t, ok)
	require.False(t, s.Ready())
	require.False(t, s.Running())
	require.True(t, l.Latest(0).Proc.Killed())
}

func TestSupervisor_ReadyTimeoutScales(t *testing.T) {
	tr := ipc.CreateMemoryTransport(t)
	opts := TestOptions(tr, NewTestLauncher(tr, nil))
	opts.Timeout = 30 * time.Second
	opts.GuildsPerShard = 500
	m := CreateTestManager(t, opts)

	s := newSupervisor(m, 0, []int{0, 1, 2, 3})
	require.Equal(t, 60*time.Second, s.readyTimeout())

	m.opts.GuildsPerShard = 2500
	s = newSupervisor(m, 0, []int{0})
	require.Equal(t, 75*time.Second, s.readyTimeout())
}

func TestManager_Retry(t *testing.T) {
	m, l, rec := setup(t, ReadyOnAttempt(2), nil)

	require.NoError(t, m.Spawn(t.Context()))
	require.Equal(t, []State{StatePartitioning, StateSpawning, StateRetrying, StateDone}, states(rec))

	for _, c := range m.Clusters() {
		require.True(t, c.Ready())
		require.Equal(t, 2, l.Launches(c.ID()))
		require.Equal(t, 2, c.Spawns())
	}

	// only the initial failures are reported
	errs := Of[ErrorEvent](rec)
	require.Len(t, errs, 2)
	for _, e := range errs {
		require.ErrorIs(t, e.Err, ErrSpawnFailed)
	}
}

func TestManager_RetriesExhausted(t *testing.T) {
	m, l, rec := setup(t, CrashOnStart, func(o *Options) {
		o.ShardCount = 1
		o.ClusterCount = 1
		o.Retries = 2
	})

	require.NoError(t, m.Spawn(t.Context()))
	require.Equal(t, StateDone, m.State())
	require.Equal(t, 3, l.Launches(0))

	errs := Of[ErrorEvent](rec)
	require.Len(t, errs, 2)
	require.ErrorIs(t, errs[1].Err, ErrSpawnFailed)
	require.ErrorContains(t, errs[1].Err, "giving up after 2 retries")
	require.Len(t, m.Clusters(), 1)
}

func TestManager_ZeroRetries(t *testing.T) {
	m, l, rec := setup(t, ReadyOnAttempt(4), func(o *Options) {
		o.ShardCount = 1
		o.ClusterCount = 1
		o.Retry = true
		o.Retries = 0
	})

	require.NoError(t, m.Spawn(t.Context()))
	require.Equal(t, 1, l.Launches(0))

	s, _ := m.Cluster(0)
	require.False(t, s.Ready())

	errs := Of[ErrorEvent](rec)
	require.Len(t, errs, 2)
	require.ErrorContains(t, errs[1].Err, "giving up after 0 retries")
}

func TestDefaultOptions_Retries(t *testing.T) {
	require.Equal(t, DefaultRetries, DefaultOptions().Retries)
	require.Zero(t, Options{}.withDefaults().Retries)
}

func TestManager_RetryDisabled(t *testing.T) {
	m, l, rec := setup(t, CrashOnStart, func(o *Options) {
		o.Retry = false
	})

	require.NoError(t, m.Spawn(t.Context()))
	require.Equal(t, 1, l.Launches(0))
	require.Equal(t, 1, l.Launches(1))
	require.Len(t, Of[ErrorEvent](rec), 2)
	require.NotContains(t, states(rec), StateRetrying)
}

func TestManager_AutoRespawn(t *testing.T) {
	m, l, rec := setup(t, BecomeReady, func(o *Options) {
		o.ShardCount = 1
		o.ClusterCount = 1
	})
	require.NoError(t, m.Spawn(t.Context()))

	l.Latest(0).Crash(137)

	require.Eventually(t, func() bool {
		s, _ := m.Cluster(0)
		return l.Launches(0) == 2 && s.Ready()
	}, waitFor, tick)

	exits := Of[ExitEvent](rec)
	require.Len(t, exits, 1)
	require.Equal(t, 0, exits[0].ClusterID)
	require.Equal(t, 137, exits[0].Status.Code)
}

func TestManager_NoRespawnWhenDisabled(t *testing.T) {
	m, l, rec := setup(t, BecomeReady, func(o *Options) {
		o.ShardCount = 1
		o.ClusterCount = 1
		o.Respawn = false
	})
	require.NoError(t, m.Spawn(t.Context()))

	l.Latest(0).Crash(1)
	require.Eventually(t, func() bool {
		return len(Of[ExitEvent](rec)) == 1
	}, waitFor, tick)

	time.Sleep(30 * time.Millisecond)
	s, _ := m.Cluster(0)
	require.False(t, s.Running())
	require.Equal(t, 1, l.Launches(0))
}

func TestSupervisor_KillDoesNotRespawn(t *testing.T) {
	m, l, rec := setup(t, BecomeReady, func(o *Options) {
		o.ShardCount = 1
		o.ClusterCount = 1
	})
	require.NoError(t, m.Spawn(t.Context()))

	s, _ := m.Cluster(0)
	require.NoError(t, s.Kill(t.Context()))
	require.False(t, s.Running())
	require.False(t, s.Ready())
	require.True(t, l.Latest(0).Proc.Killed())

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 1, l.Launches(0))
	require.Empty(t, Of[ExitEvent](rec))

	// killing again is a no-op
	require.NoError(t, s.Kill(t.Context()))
}

func TestManager_Restart(t *testing.T) {
	m, l, _ := setup(t, BecomeReady, nil)
	require.NoError(t, m.Spawn(t.Context()))

	first := l.Latest(0)
	require.NoError(t, m.Restart(t.Context(), 0))
	require.True(t, first.Proc.Killed())
	require.Equal(t, 2, l.Launches(0))
	require.Equal(t, 1, l.Launches(1))

	s, _ := m.Cluster(0)
	require.True(t, s.Ready())
}

func TestManager_RestartUnknownCluster(t *testing.T) {
	m, _, _ := setup(t, BecomeReady, nil)
	require.NoError(t, m.Spawn(t.Context()))

	err := m.Restart(t.Context(), 9)
	require.ErrorIs(t, err, ErrClusterNotFound)
	require.ErrorIs(t, err, ipc.ErrNotFound)
	require.Len(t, m.Clusters(), 2)
}

func TestManager_ConcurrentRestartsCollapse(t *testing.T) {
	m, l, _ := setup(t, BecomeReady, func(o *Options) {
		o.RespawnDelay = 50 * time.Millisecond
	})
	require.NoError(t, m.Spawn(t.Context()))

	var wg sync.WaitGroup
	start := make(chan struct{})
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_ = m.Restart(t.Context(), 1)
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, 2, l.Launches(1))
}

func TestManager_RestartAll(t *testing.T) {
	m, l, _ := setup(t, BecomeReady, nil)
	require.NoError(t, m.Spawn(t.Context()))

	require.NoError(t, m.RestartAll(t.Context()))
	require.Equal(t, 2, l.Launches(0))
	require.Equal(t, 2, l.Launches(1))
}

func TestManager_RestartAll_OneClusterAtATime(t *testing.T) {
	var f inFlight
	m, l, _ := setup(t, f.behavior, func(o *Options) {
		o.ShardCount = 3
		o.ClusterCount = 3
	})
	require.NoError(t, m.Spawn(t.Context()))
	f.peak.Store(0)

	require.NoError(t, m.RestartAll(t.Context()))
	require.Equal(t, int32(1), f.peak.Load())
	for id := range 3 {
		require.Equal(t, 2, l.Launches(id))
		require.True(t, l.Workers(id)[0].Proc.Killed())
	}
}

func TestManager_RestartAllJoinsErrors(t *testing.T) {
	m, _, _ := setup(t, BecomeReady, nil)
	require.NoError(t, m.Spawn(t.Context()))

	// replacement workers never become ready: both restarts time out
	m.opts.Timeout = 20 * time.Millisecond
	m.opts.Launcher = NewTestLauncher(ipcTransport(m), NeverReady)

	err := m.RestartAll(t.Context())
	require.ErrorIs(t, err, ErrSpawnTimeout)
	require.Len(t, err.(interface{ Unwrap() []error }).Unwrap(), 2)
}

func ipcTransport(m *Manager) *ipc.MemoryTransport {
	return m.opts.Transport.(*ipc.MemoryTransport)
}

func TestManager_BroadcastAndFetch(t *testing.T) {
	m, _, _ := setup(t, BecomeReady, nil)
	require.NoError(t, m.Spawn(t.Context()))

	res, err := m.FetchClientValues(t.Context(), "id")
	require.NoError(t, err)
	require.Len(t, res, 2)
	require.JSONEq(t, `0`, string(res[0]))
	require.JSONEq(t, `1`, string(res[1]))

	shards, err := ipc.BroadcastAs[[]int](t.Context(), m.IPC(),
		ipc.MustCommand(ipc.CommandClientValue, ipc.ValueArgs{Property: "shards"}))
	require.NoError(t, err)
	require.Equal(t, [][]int{{0, 1}, {2, 3}}, shards)

	_, err = m.BroadcastEval(t.Context(), "no.such.command")
	require.ErrorIs(t, err, ipc.ErrUnknownCommand)
}

func TestSupervisor_EvalAndSend(t *testing.T) {
	m, _, _ := setup(t, BecomeReady, nil)
	require.NoError(t, m.Spawn(t.Context()))
	s, _ := m.Cluster(1)

	v, err := s.FetchClientValue(t.Context(), "shards")
	require.NoError(t, err)
	require.JSONEq(t, `[2,3]`, string(v))

	_, err = s.Eval(t.Context(), "no.such.command")
	var re *ipc.RemoteError
	require.ErrorAs(t, err, &re)
	require.Equal(t, "UnknownCommandError", re.Name)

	_, err = s.Send(t.Context(), map[string]string{"hello": "worker"})
	require.NoError(t, err)
}

func TestManager_MasterEval(t *testing.T) {
	m, l, _ := setup(t, BecomeReady, func(o *Options) {
		o.Commands = []eval.Registration{
			eval.Handle("add", func(_ context.Context, a []int) (int, error) {
				sum := 0
				for _, n := range a {
					sum += n
				}
				return sum, nil
			}),
		}
	})
	require.NoError(t, m.Spawn(t.Context()))

	v, err := m.MasterEval(t.Context(), ipc.MustCommand("add", []int{1, 2, 3}))
	require.NoError(t, err)
	require.Equal(t, 6, v)

	// from a worker
	raw, err := l.Latest(0).IPC.MasterEval(t.Context(), CommandStats)
	require.NoError(t, err)
	var st Stats
	require.NoError(t, json.Unmarshal(raw, &st))
	require.Equal(t, m.RunID(), st.RunID)
	require.Equal(t, "done", st.State)
	require.Len(t, st.Clusters, 2)
	require.Equal(t, []string{"cluster-0", "cluster-1"}, st.Peers)

	_, err = l.Latest(0).IPC.MasterEval(t.Context(), "nope")
	require.ErrorIs(t, err, ipc.ErrUnknownCommand)
}

func TestManager_WorkerRequests(t *testing.T) {
	m, l, rec := setup(t, BecomeReady, func(o *Options) {
		o.OnMessage = func(_ context.Context, from string, msg ipc.Message) (any, error) {
			return "pong from master to " + from, nil
		}
	})
	require.NoError(t, m.Spawn(t.Context()))
	w := l.Latest(1)

	t.Run("MESSAGE", func(t *testing.T) {
		msg, err := ipc.NormalizeMessage("ping")
		require.NoError(t, err)
		r, err := w.IPC.Request(t.Context(), msg)
		require.NoError(t, err)
		var s string
		require.NoError(t, r.Decode(&s))
		require.Equal(t, "pong from master to cluster-1", s)
		require.Len(t, Of[MessageEvent](rec), 1)
	})

	t.Run("SHARD_RESUME", func(t *testing.T) {
		msg, err := ipc.NewMessage(ipc.OpShardResume, ipc.ShardPayload{ShardID: 3, Replayed: 5})
		require.NoError(t, err)
		require.NoError(t, w.IPC.Notify(t.Context(), msg))
		require.Eventually(t, func() bool {
			return len(Of[ShardResumeEvent](rec)) == 1
		}, waitFor, tick)
		require.Equal(t, ShardResumeEvent{ClusterID: 1, ShardID: 3, Replayed: 5}, Of[ShardResumeEvent](rec)[0])
	})

	t.Run("RESTART unknown", func(t *testing.T) {
		msg, err := ipc.NewMessage(ipc.OpRestart, 9)
		require.NoError(t, err)
		r, err := w.IPC.Request(t.Context(), msg)
		require.NoError(t, err)
		require.ErrorIs(t, r.Err(), ipc.ErrNotFound)
	})

	t.Run("RESTART", func(t *testing.T) {
		msg, err := ipc.NewMessage(ipc.OpRestart, 0)
		require.NoError(t, err)
		r, err := w.IPC.Request(t.Context(), msg)
		require.NoError(t, err)
		require.True(t, r.Success)
		require.Equal(t, 2, l.Launches(0))
	})
}

func TestManager_LateReadyIgnored(t *testing.T) {
	m, l, rec := setup(t, NeverReady, func(o *Options) {
		o.ShardCount = 1
		o.ClusterCount = 1
		o.Timeout = 20 * time.Millisecond
		o.Retry = false
	})
	require.NoError(t, m.Spawn(t.Context()))
	require.True(t, l.Latest(0).Proc.Killed())

	// a straggler with the same name reports READY after the timeout
	straggler := ipcTransport(m).Dial()
	require.NoError(t, straggler.Connect(t.Context(), ipc.ConnectOptions{
		Name:    ipc.PeerName(0),
		Handler: func(context.Context, ipc.Request) ipc.Reply { return ipc.OK(nil) },
	}))
	t.Cleanup(func() { _ = straggler.Close() })

	msg, err := ipc.NewMessage(ipc.OpReady, 0)
	require.NoError(t, err)
	_, err = straggler.Request(t.Context(), msg)
	require.NoError(t, err)

	s, _ := m.Cluster(0)
	require.False(t, s.Ready())
	require.Empty(t, Of[ReadyEvent](rec))
}

func TestManager_StaleReadyIgnored(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	releaseWorkers := func() { once.Do(func() { close(release) }) }

	m, l, rec := setup(t, func(w *TestWorker) {
		if w.Attempt == 1 {
			CrashOnStart(w)
			return
		}
		<-release
		BecomeReady(w)
	}, func(o *Options) {
		o.ShardCount = 1
		o.ClusterCount = 1
	})
	t.Cleanup(releaseWorkers)

	spawned := make(chan error, 1)
	go func() { spawned <- m.Spawn(t.Context()) }()

	require.Eventually(t, func() bool { return l.Launches(0) == 2 }, waitFor, tick)
	ws := l.Workers(0)
	first, second := ws[0], ws[1]
	require.NotZero(t, first.Params.Generation)
	require.NotEqual(t, first.Params.Generation, second.Params.Generation)

	// READY of the crashed first worker arrives while the retry waits
	stale, err := ipc.NewMessage(ipc.OpReady, ipc.ReadyPayload{ClusterID: 0, Generation: first.Params.Generation})
	require.NoError(t, err)
	_, err = second.IPC.Request(t.Context(), stale)
	require.NoError(t, err)

	s, _ := m.Cluster(0)
	require.False(t, s.Ready())
	require.Empty(t, Of[ReadyEvent](rec))

	releaseWorkers()
	require.NoError(t, <-spawned)
	require.True(t, s.Ready())
	require.Len(t, Of[ReadyEvent](rec), 1)
}

func TestManager_Subscribe(t *testing.T) {
	m, _, _ := setup(t, BecomeReady, nil)

	var (
		mu sync.Mutex
		n  int
	)
	unsubscribe := m.Subscribe(func(Event) {
		mu.Lock()
		n++
		mu.Unlock()
	})
	unsubscribe()

	require.NoError(t, m.Spawn(t.Context()))
	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, n)
}

func TestManager_Close(t *testing.T) {
	tr := ipc.CreateMemoryTransport(t)
	l := NewTestLauncher(tr, BecomeReady)
	m, err := New(TestOptions(tr, l))
	require.NoError(t, err)
	require.NoError(t, m.Spawn(t.Context()))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	require.True(t, l.Latest(0).Proc.Killed())
	require.True(t, l.Latest(1).Proc.Killed())
	require.ErrorIs(t, m.Spawn(t.Context()), ErrManagerClosed)

	s, _ := m.Cluster(0)
	require.ErrorIs(t, s.Spawn(t.Context()), ErrManagerClosed)
}
