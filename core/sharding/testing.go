package sharding

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/clstr-sharder/core/eval"
	"github.com/codewandler/clstr-sharder/core/ipc"
	"github.com/codewandler/clstr-sharder/core/launch"
)

// FakeProcess is a Process driven by tests.
type FakeProcess struct {
	done   chan struct{}
	once   sync.Once
	status ExitStatus
	killed atomic.Bool
}

func NewFakeProcess() *FakeProcess {
	return &FakeProcess{done: make(chan struct{})}
}

func (p *FakeProcess) Wait() (ExitStatus, error) {
	<-p.done
	return p.status, nil
}

func (p *FakeProcess) Kill() error {
	p.killed.Store(true)
	p.Exit(ExitStatus{Code: -1, Desc: "signal: killed"})
	return nil
}

// Exit terminates the process with st. Only the first call has an effect.
func (p *FakeProcess) Exit(st ExitStatus) {
	p.once.Do(func() {
		p.status = st
		close(p.done)
	})
}

func (p *FakeProcess) Done() <-chan struct{} { return p.done }

func (p *FakeProcess) Killed() bool { return p.killed.Load() }

// TestWorker is an in-process worker started by TestLauncher.
type TestWorker struct {
	Params  launch.Params
	Attempt int
	Proc    *FakeProcess
	IPC     *ipc.Cluster
}

// Ready sends READY for this worker's cluster.
func (w *TestWorker) Ready(ctx context.Context) error {
	msg, err := ipc.NewMessage(ipc.OpReady, ipc.ReadyPayload{
		ClusterID:  w.Params.ClusterID,
		Generation: w.Params.Generation,
	})
	if err != nil {
		return err
	}
	return w.IPC.Notify(ctx, msg)
}

// Crash makes the worker exit with code.
func (w *TestWorker) Crash(code int) {
	w.Proc.Exit(ExitStatus{Code: code})
}

// WorkerBehavior decides what a launched TestWorker does. It runs on its own
// goroutine, like a real process would.
type WorkerBehavior func(w *TestWorker)

// BecomeReady signals READY right away.
func BecomeReady(w *TestWorker) { _ = w.Ready(context.Background()) }

// NeverReady connects but never signals READY.
func NeverReady(*TestWorker) {}

// CrashOnStart exits before signaling READY.
func CrashOnStart(w *TestWorker) { w.Crash(1) }

// ReadyOnAttempt crashes until the given attempt and becomes ready from then on.
func ReadyOnAttempt(n int) WorkerBehavior {
	return func(w *TestWorker) {
		if w.Attempt < n {
			CrashOnStart(w)
			return
		}
		BecomeReady(w)
	}
}

// TestLauncher runs workers in-process on a MemoryTransport.
type TestLauncher struct {
	tr       *ipc.MemoryTransport
	behavior WorkerBehavior

	mu      sync.Mutex
	workers map[int][]*TestWorker
}

func NewTestLauncher(tr *ipc.MemoryTransport, behavior WorkerBehavior) *TestLauncher {
	if behavior == nil {
		behavior = BecomeReady
	}
	return &TestLauncher{
		tr:       tr,
		behavior: behavior,
		workers:  make(map[int][]*TestWorker),
	}
}

func (l *TestLauncher) Launch(ctx context.Context, p launch.Params) (Process, error) {
	c, err := ipc.NewCluster(ipc.ClusterOptions{
		Log:       slog.New(slog.DiscardHandler),
		ID:        p.ClusterID,
		Transport: l.tr.Dial(),
		Evaluator: testWorkerCommands(p),
	})
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	l.mu.Lock()
	w := &TestWorker{
		Params:  p,
		Attempt: len(l.workers[p.ClusterID]) + 1,
		Proc:    NewFakeProcess(),
		IPC:     c,
	}
	l.workers[p.ClusterID] = append(l.workers[p.ClusterID], w)
	l.mu.Unlock()

	// a dead process drops its connection
	go func() {
		<-w.Proc.Done()
		_ = c.Close()
	}()
	go l.behavior(w)

	return w.Proc, nil
}

// Workers returns every worker launched for cluster id, oldest first.
func (l *TestLauncher) Workers(id int) []*TestWorker {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*TestWorker(nil), l.workers[id]...)
}

// Launches is the number of launches for cluster id.
func (l *TestLauncher) Launches(id int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.workers[id])
}

// Latest returns the newest worker of cluster id.
func (l *TestLauncher) Latest(id int) *TestWorker {
	l.mu.Lock()
	defer l.mu.Unlock()
	ws := l.workers[id]
	if len(ws) == 0 {
		return nil
	}
	return ws[len(ws)-1]
}

// testWorkerCommands answers client.value with the cluster id or its shards.
func testWorkerCommands(p launch.Params) *eval.Registry {
	return eval.New(
		eval.Handle(ipc.CommandClientValue, func(_ context.Context, a ipc.ValueArgs) (any, error) {
			switch a.Property {
			case "shards":
				return p.ShardIDs, nil
			default:
				return p.ClusterID, nil
			}
		}),
	)
}

// TestOptions returns options with short delays for tests.
func TestOptions(tr *ipc.MemoryTransport, l Launcher) Options {
	opts := DefaultOptions()
	opts.Log = slog.New(slog.DiscardHandler)
	opts.ShardCount = 4
	opts.ClusterCount = 2
	opts.Timeout = time.Second
	opts.Retries = 2
	opts.RespawnDelay = time.Millisecond
	opts.SettleDelay = time.Millisecond
	opts.IPC = launch.IPC{Transport: launch.TransportMem}
	opts.Launcher = l
	opts.Transport = tr
	return opts
}

// CreateTestManager creates a Manager closed when the test ends.
func CreateTestManager(t *testing.T, opts Options) *Manager {
	m, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, m.Close())
	})
	return m
}

// EventRecorder collects published events.
type EventRecorder struct {
	mu     sync.Mutex
	events []Event
}

// RecordEvents subscribes a recorder to m.
func RecordEvents(m *Manager) *EventRecorder {
	r := &EventRecorder{}
	m.Subscribe(func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})
	return r
}

func (r *EventRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Of returns the recorded events of type E.
func Of[E Event](r *EventRecorder) []E {
	var out []E
	for _, ev := range r.Events() {
		if e, ok := ev.(E); ok {
			out = append(out, e)
		}
	}
	return out
}
