package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

type ClusterOptions struct {
	Log       *slog.Logger
	ID        int
	Transport ClientTransport
	// Evaluator serves EVAL requests from the orchestrator.
	Evaluator Evaluator
	// OnMessage serves MESSAGE requests from the orchestrator. Optional.
	OnMessage func(ctx context.Context, msg Message) (any, error)
	// OnConnEvent observes the connection lifecycle. Optional.
	OnConnEvent func(ConnEvent)
	Metrics     Metrics
}

// Cluster is the worker-side IPC endpoint. It connects outward to the
// orchestrator as peer "cluster-<id>".
type Cluster struct {
	log      *slog.Logger
	id       int
	name     string
	t        ClientTransport
	eval     Evaluator
	onMsg    func(ctx context.Context, msg Message) (any, error)
	onConn   func(ConnEvent)
	metrics  Metrics
	handlers dispatchTable
}

func NewCluster(opts ClusterOptions) (*Cluster, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("ipc: ClusterOptions.Transport is required")
	}
	if opts.Evaluator == nil {
		return nil, fmt.Errorf("ipc: ClusterOptions.Evaluator is required")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	name := PeerName(opts.ID)
	c := &Cluster{
		log:     log.With(slog.String("ipc", name)),
		id:      opts.ID,
		name:    name,
		t:       opts.Transport,
		eval:    opts.Evaluator,
		onMsg:   opts.OnMessage,
		onConn:  opts.OnConnEvent,
		metrics: opts.Metrics,
	}
	if c.metrics == nil {
		c.metrics = NopMetrics()
	}

	c.handlers = dispatchTable{
		OpEval:            c.handleEval,
		OpMessage:         c.handleMessage,
		OpBroadcast:       c.handleUnsupported,
		OpReady:           c.handleUnsupported,
		OpShardReady:      c.handleUnsupported,
		OpShardReconnect:  c.handleUnsupported,
		OpShardResume:     c.handleUnsupported,
		OpShardDisconnect: c.handleUnsupported,
		OpMasterEval:      c.handleUnsupported,
		OpRestartAll:      c.handleUnsupported,
		OpRestart:         c.handleUnsupported,
		OpFetchUser:       c.handleUnsupported,
		OpFetchChannel:    c.handleUnsupported,
		OpFetchGuild:      c.handleUnsupported,
	}
	c.handlers.mustBeTotal(name)

	return c, nil
}

func (c *Cluster) ID() int      { return c.id }
func (c *Cluster) Name() string { return c.name }

// Connect opens the connection to the orchestrator.
func (c *Cluster) Connect(ctx context.Context) error {
	err := c.t.Connect(ctx, ConnectOptions{
		Name:    c.name,
		Handler: c.handle,
		OnEvent: c.onConnEvent,
	})
	if err != nil {
		return fmt.Errorf("ipc: connect %s: %w", c.name, err)
	}
	return nil
}

func (c *Cluster) Close() error { return c.t.Close() }

// Request sends a receptive message to the orchestrator.
func (c *Cluster) Request(ctx context.Context, msg Message) (Reply, error) {
	op := msg.Op.String()
	defer c.metrics.RequestDuration(op).ObserveDuration()

	r, err := c.t.Request(ctx, msg)
	c.metrics.RequestCompleted(op, err == nil && r.Success)
	return r, err
}

// Notify sends a non-receptive message to the orchestrator.
func (c *Cluster) Notify(ctx context.Context, msg Message) error {
	return c.t.Notify(ctx, msg)
}

// Broadcast asks the orchestrator to evaluate script on every worker,
// including this one.
func (c *Cluster) Broadcast(ctx context.Context, script any) ([]json.RawMessage, error) {
	r, err := c.requestScript(ctx, OpBroadcast, script)
	if err != nil {
		return nil, err
	}
	var out []json.RawMessage
	if err := r.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode broadcast result: %w", err)
	}
	return out, nil
}

// MasterEval evaluates script in the orchestrator's own context.
func (c *Cluster) MasterEval(ctx context.Context, script any) (json.RawMessage, error) {
	r, err := c.requestScript(ctx, OpMasterEval, script)
	if err != nil {
		return nil, err
	}
	return rawOrNull(r.D), nil
}

func (c *Cluster) requestScript(ctx context.Context, op OpCode, script any) (Reply, error) {
	s, err := NormalizeScript(script)
	if err != nil {
		return Reply{}, err
	}
	msg, err := NewMessage(op, s)
	if err != nil {
		return Reply{}, err
	}
	r, err := c.Request(ctx, msg)
	if err != nil {
		return Reply{}, err
	}
	if err := r.Err(); err != nil {
		return Reply{}, err
	}
	return r, nil
}

/* ---------------------- inbound ---------------------- */

func (c *Cluster) handle(ctx context.Context, req Request) Reply {
	h, ok := c.handlers.lookup(req.Op)
	if !ok {
		c.log.Warn("unroutable op code", slog.Int("op", int(req.Op)))
		return Fail(fmt.Errorf("%w: unknown op code %d", ErrTransport, int(req.Op)))
	}
	reply := h(ctx, req)
	c.metrics.HandlerCompleted(req.Op.String(), reply.Success)
	return reply
}

func (c *Cluster) onConnEvent(ev ConnEvent) {
	switch ev.Kind {
	case PeerError:
		c.log.Error("connection error", slog.Any("error", ev.Err))
	default:
		c.log.Debug("connection " + ev.Kind.String())
	}
	if c.onConn != nil {
		c.onConn(ev)
	}
}

func (c *Cluster) handleEval(ctx context.Context, req Request) Reply {
	var s Script
	if err := req.Decode(&s); err != nil {
		return Fail(err)
	}
	return SafeHandle(ctx, func(ctx context.Context, _ Request) Reply {
		v, err := c.eval.Eval(ctx, s)
		if err != nil {
			return Fail(err)
		}
		return OK(v)
	}, req)
}

func (c *Cluster) handleMessage(ctx context.Context, req Request) Reply {
	if c.onMsg == nil {
		return OK(nil)
	}
	v, err := c.onMsg(ctx, req.Message)
	if err != nil {
		return Fail(err)
	}
	return OK(v)
}

func (c *Cluster) handleUnsupported(_ context.Context, req Request) Reply {
	return Fail(fmt.Errorf("%w: %s does not serve %s", ErrUnsupportedOp, c.name, req.Op))
}
