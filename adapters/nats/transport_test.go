package nats

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/clstr-sharder/core/ipc"
)

func newMaster(t *testing.T, connect Connector) (*ipc.Master, *Transport, *ipc.EchoController) {
	t.Helper()
	tr, err := NewTransport(TransportConfig{Connect: connect, Log: slog.Default()})
	require.NoError(t, err)
	ctrl := &ipc.EchoController{}
	m, err := ipc.NewMaster(ipc.MasterOptions{Transport: tr, Controller: ctrl})
	require.NoError(t, err)
	require.NoError(t, m.Listen(t.Context()))
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, tr, ctrl
}

func newWorker(t *testing.T, connect Connector, prefix string, id int, ev ipc.Evaluator) *ipc.Cluster {
	t.Helper()
	cl, err := NewClient(TransportConfig{Connect: connect, SubjectPrefix: prefix})
	require.NoError(t, err)
	c, err := ipc.NewCluster(ipc.ClusterOptions{ID: id, Transport: cl, Evaluator: ev})
	require.NoError(t, err)
	require.NoError(t, c.Connect(t.Context()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNats_Transport(t *testing.T) {
	slog.SetLogLoggerLevel(slog.LevelDebug)

	connect := NewTestContainer(t)

	t.Run("broadcast and worker requests", func(t *testing.T) {
		m, tr, ctrl := newMaster(t, connect)
		require.Contains(t, tr.Prefix(), "sharder.")
		require.NotEmpty(t, tr.Addr())

		w0 := newWorker(t, connect, tr.Prefix(), 0, ipc.StaticEvaluator("a"))
		newWorker(t, connect, tr.Prefix(), 1, ipc.StaticEvaluator("b"))

		require.Eventually(t, func() bool {
			return len(m.Peers()) == 2
		}, 5*time.Second, 10*time.Millisecond)
		require.Equal(t, []string{"cluster-0", "cluster-1"}, m.Peers())

		res, err := ipc.BroadcastAs[string](t.Context(), m, "anything")
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b"}, res)

		// worker -> master -> every worker
		res, err = ipc.BroadcastAs[string](t.Context(), w0, "anything")
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b"}, res)

		msg, err := ipc.NewMessage(ipc.OpMessage, map[string]int{"n": 1})
		require.NoError(t, err)
		r, err := w0.Request(t.Context(), msg)
		require.NoError(t, err)
		require.True(t, r.Success)
		require.JSONEq(t, `{"n":1}`, string(r.D))

		ready, err := ipc.NewMessage(ipc.OpReady, 0)
		require.NoError(t, err)
		require.NoError(t, w0.Notify(t.Context(), ready))
		require.Eventually(t, func() bool {
			return len(ctrl.Ready()) == 1
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("disconnect removes peer", func(t *testing.T) {
		m, tr, _ := newMaster(t, connect)
		w := newWorker(t, connect, tr.Prefix(), 3, ipc.StaticEvaluator(nil))
		require.Eventually(t, func() bool {
			return len(m.Peers()) == 1
		}, 5*time.Second, 10*time.Millisecond)

		require.NoError(t, w.Close())
		require.Eventually(t, func() bool {
			return len(m.Peers()) == 0
		}, 5*time.Second, 10*time.Millisecond)

		_, err := m.Eval(t.Context(), "cluster-3", "anything")
		require.ErrorIs(t, err, ipc.ErrUnknownPeer)
	})

	t.Run("connect without orchestrator", func(t *testing.T) {
		cl, err := NewClient(TransportConfig{Connect: connect, SubjectPrefix: NewPrefix()})
		require.NoError(t, err)
		t.Cleanup(func() { _ = cl.Close() })

		err = cl.Connect(t.Context(), ipc.ConnectOptions{
			Name:    "cluster-0",
			Handler: func(context.Context, ipc.Request) ipc.Reply { return ipc.OK(nil) },
		})
		require.ErrorIs(t, err, ipc.ErrNotConnected)
	})

	t.Run("client requires prefix", func(t *testing.T) {
		_, err := NewClient(TransportConfig{Connect: connect})
		require.Error(t, err)
	})
}
