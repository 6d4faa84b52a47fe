package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/clstr-sharder/core/eval"
	"github.com/codewandler/clstr-sharder/core/ipc"
	"github.com/codewandler/clstr-sharder/core/launch"
	"github.com/codewandler/clstr-sharder/core/sharding"
)

type user struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// cluster runs a Manager whose workers are in-process Handles.
type cluster struct {
	m  *sharding.Manager
	mu sync.Mutex
	hs map[int][]*Handle
}

func (c *cluster) handle(id int) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	hs := c.hs[id]
	return hs[len(hs)-1]
}

func (c *cluster) launches(id int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hs[id])
}

func startCluster(t *testing.T, clients func(p launch.Params) *FakeClient, configure func(*sharding.Options)) *cluster {
	t.Helper()
	tr := ipc.CreateMemoryTransport(t)
	c := &cluster{hs: make(map[int][]*Handle)}

	l := sharding.LauncherFunc(func(ctx context.Context, p launch.Params) (sharding.Process, error) {
		h, err := New(Options{
			Log:       slog.New(slog.DiscardHandler),
			Params:    p,
			Client:    clients(p),
			Transport: tr.Dial(),
			Commands: []eval.Registration{
				eval.Value("cluster.id", func(context.Context) (int, error) { return p.ClusterID, nil }),
			},
		})
		if err != nil {
			return nil, err
		}
		proc := sharding.NewFakeProcess()
		go func() {
			<-proc.Done()
			_ = h.Close()
		}()

		c.mu.Lock()
		c.hs[p.ClusterID] = append(c.hs[p.ClusterID], h)
		c.mu.Unlock()

		if err := h.Start(ctx); err != nil {
			proc.Exit(sharding.ExitStatus{Code: 1})
			return nil, err
		}
		return proc, nil
	})

	opts := sharding.TestOptions(tr, l)
	opts.ShardCount = 6
	opts.ClusterCount = 3
	if configure != nil {
		configure(&opts)
	}
	c.m = sharding.CreateTestManager(t, opts)
	require.NoError(t, c.m.Spawn(t.Context()))
	return c
}

func plainClients(p launch.Params) *FakeClient {
	return NewFakeClient(p.ShardIDs)
}

func TestHandle_Accessors(t *testing.T) {
	c := startCluster(t, plainClients, nil)

	h := c.handle(2)
	require.Equal(t, 2, h.ID())
	require.Equal(t, []int{4, 5}, h.ShardIDs())
	require.Equal(t, 6, h.ShardCount())
	require.Equal(t, 3, h.ClusterCount())

	id, local, err := h.ShardForGuild("16777216") // 4 << 22
	require.NoError(t, err)
	require.Equal(t, 4, id)
	require.True(t, local)

	id, local, err = h.ShardForGuild("4194304") // 1 << 22
	require.NoError(t, err)
	require.Equal(t, 1, id)
	require.False(t, local)

	_, _, err = h.ShardForGuild("not-a-snowflake")
	require.Error(t, err)

	for _, s := range c.m.Clusters() {
		require.True(t, s.Ready())
	}
}

func TestHandle_ShardEventsReachManager(t *testing.T) {
	var (
		mu     sync.Mutex
		events []sharding.Event
	)
	record := func(m *sharding.Manager) {
		m.Subscribe(func(ev sharding.Event) {
			switch ev.(type) {
			case sharding.ShardReconnectEvent, sharding.ShardResumeEvent, sharding.ShardDisconnectEvent:
			default:
				return
			}
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		})
	}

	c := startCluster(t, plainClients, nil)
	record(c.m)

	obs := c.handle(1).Client().(*FakeClient).Observer()
	obs.ShardReconnecting(2)
	obs.ShardResumed(2, 17)
	obs.ShardDisconnect(3, ipc.CloseEvent{Code: 4004, Reason: "auth failed"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.ElementsMatch(t, []sharding.Event{
		sharding.ShardReconnectEvent{ClusterID: 1, ShardID: 2},
		sharding.ShardResumeEvent{ClusterID: 1, ShardID: 2, Replayed: 17},
		sharding.ShardDisconnectEvent{ClusterID: 1, ShardID: 3, CloseEvent: &ipc.CloseEvent{Code: 4004, Reason: "auth failed"}},
	}, events)
}

func TestHandle_FetchClientValues(t *testing.T) {
	c := startCluster(t, func(p launch.Params) *FakeClient {
		return NewFakeClient(p.ShardIDs).WithValue("guilds", 10*(p.ClusterID+1))
	}, nil)

	res, err := c.handle(0).FetchClientValues(t.Context(), "guilds")
	require.NoError(t, err)
	require.Len(t, res, 3)

	var total int
	for _, r := range res {
		var n int
		require.NoError(t, json.Unmarshal(r, &n))
		total += n
	}
	require.Equal(t, 60, total)

	shards, err := ipc.BroadcastAs[[]int](t.Context(), c.handle(0).IPC(),
		ipc.MustCommand(ipc.CommandClientValue, ipc.ValueArgs{Property: "shards"}))
	require.NoError(t, err)
	require.Equal(t, [][]int{{0, 1}, {2, 3}, {4, 5}}, shards)
}

func TestHandle_Fetch(t *testing.T) {
	c := startCluster(t, func(p launch.Params) *FakeClient {
		fc := NewFakeClient(p.ShardIDs)
		switch p.ClusterID {
		case 1:
			fc.WithEntity(KindUser, "42", user{ID: "42", Name: "ada"})
			fc.WithEntity(KindGuild, "7", map[string]string{"id": "7"})
		case 2:
			fc.WithEntity(KindUser, "42", user{ID: "42", Name: "stale copy"})
			fc.WithEntity(KindChannel, "9", map[string]string{"id": "9"})
		}
		return fc
	}, nil)
	h := c.handle(0)

	u, err := Fetch[user](t.Context(), h, ipc.OpFetchUser, "42")
	require.NoError(t, err)
	require.Equal(t, user{ID: "42", Name: "ada"}, u)

	g, err := h.FetchGuild(t.Context(), "7")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"7"}`, string(g))

	ch, err := h.FetchChannel(t.Context(), "9")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"9"}`, string(ch))

	_, err = h.FetchUser(t.Context(), "404")
	require.ErrorIs(t, err, ipc.ErrNotFound)
}

func TestHandle_Eval(t *testing.T) {
	c := startCluster(t, plainClients, func(o *sharding.Options) {
		o.Commands = []eval.Registration{
			eval.Value("manager.hello", func(context.Context) (string, error) { return "hi", nil }),
		}
	})
	h := c.handle(1)

	ids, err := ipc.BroadcastAs[int](t.Context(), h.IPC(), "cluster.id")
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2}, ids)

	v, err := h.MasterEval(t.Context(), "manager.hello")
	require.NoError(t, err)
	require.JSONEq(t, `"hi"`, string(v))

	_, err = h.BroadcastEval(t.Context(), "nope")
	require.ErrorIs(t, err, ipc.ErrUnknownCommand)
}

func TestHandle_SendNormalizes(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []ipc.Message
	)
	c := startCluster(t, plainClients, func(o *sharding.Options) {
		o.OnMessage = func(_ context.Context, _ string, msg ipc.Message) (any, error) {
			mu.Lock()
			seen = append(seen, msg)
			mu.Unlock()
			if string(msg.D) == `"fail"` {
				return nil, errors.New("rejected")
			}
			return "ok", nil
		}
	})
	h := c.handle(0)

	v, err := h.Send(t.Context(), map[string]int{"n": 1})
	require.NoError(t, err)
	require.JSONEq(t, `"ok"`, string(v))

	_, err = h.Send(t.Context(), "fail")
	var re *ipc.RemoteError
	require.ErrorAs(t, err, &re)
	require.Equal(t, "rejected", re.Message)

	require.NoError(t, h.Notify(t.Context(), "fire and forget"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, m := range seen {
		require.Equal(t, ipc.OpMessage, m.Op)
	}
}

func TestHandle_Restart(t *testing.T) {
	c := startCluster(t, plainClients, nil)

	require.NoError(t, c.handle(0).Restart(t.Context(), 2))
	require.Equal(t, 2, c.launches(2))

	err := c.handle(0).Restart(t.Context(), 99)
	require.ErrorIs(t, err, ipc.ErrNotFound)
}

func TestHandle_RestartSelf(t *testing.T) {
	c := startCluster(t, plainClients, nil)

	require.NoError(t, c.handle(1).RestartSelf(t.Context()))
	require.Eventually(t, func() bool {
		s, _ := c.m.Cluster(1)
		return c.launches(1) == 2 && s.Ready()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHandle_RestartAll(t *testing.T) {
	c := startCluster(t, plainClients, func(o *sharding.Options) {
		o.ShardCount = 2
		o.ClusterCount = 2
	})

	require.NoError(t, c.handle(0).RestartAll(t.Context()))
	require.Eventually(t, func() bool {
		return c.launches(0) == 2 && c.launches(1) == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNew_Validation(t *testing.T) {
	tr := ipc.NewMemoryTransport()
	defer tr.Close()

	_, err := New(Options{Params: launch.Params{ShardCount: 1, ClusterCount: 1}, Transport: tr.Dial()})
	require.Error(t, err)

	_, err = New(Options{Client: NewFakeClient(nil), Transport: tr.Dial()})
	require.Error(t, err)
}

func TestHandle_StartFailsWhenClientFails(t *testing.T) {
	tr := ipc.CreateMemoryTransport(t)
	require.NoError(t, tr.Listen(t.Context(), ipc.ListenOptions{
		Handler: func(context.Context, ipc.Request) ipc.Reply { return ipc.OK(nil) },
	}))

	boom := errors.New("gateway refused")
	h, err := New(Options{
		Params:    launch.Params{ShardIDs: []int{0}, ShardCount: 1, ClusterCount: 1},
		Client:    NewFakeClient([]int{0}).FailConnect(boom),
		Transport: tr.Dial(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	require.ErrorIs(t, h.Start(t.Context()), boom)
	require.Error(t, h.Start(t.Context()))
}
