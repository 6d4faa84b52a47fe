package ipc

import (
	"context"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// CreateMemoryTransport returns a MemoryTransport closed when the test ends.
func CreateMemoryTransport(t *testing.T) *MemoryTransport {
	tr := NewMemoryTransport()
	t.Cleanup(func() {
		require.NoError(t, tr.Close())
	})
	return tr
}

// CreateTestMaster starts a listening Master on tr.
func CreateTestMaster(t *testing.T, tr *MemoryTransport, c Controller) *Master {
	m, err := NewMaster(MasterOptions{Transport: tr, Controller: c})
	require.NoError(t, err)
	require.NoError(t, m.Listen(t.Context()))
	return m
}

// CreateTestClusters connects one Cluster per evaluator to tr, with cluster
// ids assigned in slice order.
func CreateTestClusters(t *testing.T, tr *MemoryTransport, evals ...Evaluator) []*Cluster {
	out := make([]*Cluster, 0, len(evals))
	for id, ev := range evals {
		c, err := NewCluster(ClusterOptions{
			ID:        id,
			Transport: tr.Dial(),
			Evaluator: ev,
		})
		require.NoError(t, err)
		require.NoError(t, c.Connect(t.Context()))
		t.Cleanup(func() { _ = c.Close() })
		out = append(out, c)
	}
	return out
}

// StaticEvaluator answers every script with the same value.
func StaticEvaluator(v any) Evaluator {
	return EvaluatorFunc(func(context.Context, Script) (any, error) { return v, nil })
}

// FailingEvaluator answers every script with err.
func FailingEvaluator(err error) Evaluator {
	return EvaluatorFunc(func(context.Context, Script) (any, error) { return nil, err })
}

// EchoController is a Controller for transport tests. It records READY
// notifications and answers MESSAGE with the message data.
type EchoController struct {
	mu    sync.Mutex
	ready []int
}

func (c *EchoController) ClusterReady(p ReadyPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = append(c.ready, p.ClusterID)
}

// Ready returns the cluster ids that signaled READY, in arrival order.
func (c *EchoController) Ready() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.ready)
}

func (c *EchoController) ShardEvent(ShardEvent) {}

func (c *EchoController) ClusterMessage(_ context.Context, _ string, msg Message) (any, error) {
	return msg.D, nil
}

func (c *EchoController) MasterEval(context.Context, Script) (any, error) {
	return nil, ErrUnknownCommand
}

func (c *EchoController) Restart(context.Context, int) error { return nil }
func (c *EchoController) RestartAll(context.Context) error   { return nil }

var _ Controller = (*EchoController)(nil)
