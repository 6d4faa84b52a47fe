package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Controller is the orchestrator state that inbound worker requests act on.
type Controller interface {
	// ClusterReady records that a worker signaled READY.
	ClusterReady(p ReadyPayload)
	// ShardEvent relays shard lifecycle telemetry.
	ShardEvent(ev ShardEvent)
	// ClusterMessage handles a MESSAGE sent by a worker; the result is the reply.
	ClusterMessage(ctx context.Context, from string, msg Message) (any, error)
	// MasterEval runs a script in the orchestrator's own context.
	MasterEval(ctx context.Context, s Script) (any, error)
	Restart(ctx context.Context, clusterID int) error
	RestartAll(ctx context.Context) error
}

type MasterOptions struct {
	Log        *slog.Logger
	Transport  ServerTransport
	Controller Controller
	Metrics    Metrics
}

// Master is the orchestrator-side IPC endpoint.
type Master struct {
	log      *slog.Logger
	t        ServerTransport
	c        Controller
	metrics  Metrics
	handlers dispatchTable
}

func NewMaster(opts MasterOptions) (*Master, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("ipc: MasterOptions.Transport is required")
	}
	if opts.Controller == nil {
		return nil, fmt.Errorf("ipc: MasterOptions.Controller is required")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	m := &Master{
		log:     log.With(slog.String("ipc", MasterName)),
		t:       opts.Transport,
		c:       opts.Controller,
		metrics: opts.Metrics,
	}
	if m.metrics == nil {
		m.metrics = NopMetrics()
	}

	m.handlers = dispatchTable{
		OpEval:            m.handleUnsupported,
		OpMessage:         m.handleMessage,
		OpBroadcast:       m.handleBroadcast,
		OpReady:           m.handleReady,
		OpShardReady:      m.handleShardEvent,
		OpShardReconnect:  m.handleShardEvent,
		OpShardResume:     m.handleShardEvent,
		OpShardDisconnect: m.handleShardEvent,
		OpMasterEval:      m.handleMasterEval,
		OpRestartAll:      m.handleRestartAll,
		OpRestart:         m.handleRestart,
		OpFetchUser:       m.handleFetch(CommandGetUser),
		OpFetchChannel:    m.handleFetch(CommandGetChannel),
		OpFetchGuild:      m.handleFetch(CommandGetGuild),
	}
	m.handlers.mustBeTotal(MasterName)

	return m, nil
}

// Listen binds the server transport. Only the orchestrator calls this.
func (m *Master) Listen(ctx context.Context) error {
	err := m.t.Listen(ctx, ListenOptions{
		Handler: m.handle,
		OnEvent: m.onConnEvent,
	})
	if err != nil {
		return fmt.Errorf("ipc: listen on %s: %w", m.t.Addr(), err)
	}
	m.log.Info("listening", slog.String("addr", m.t.Addr()))
	return nil
}

// Addr is the endpoint workers should connect to.
func (m *Master) Addr() string { return m.t.Addr() }

// Peers lists the connected workers in cluster id order.
func (m *Master) Peers() []string { return m.t.Peers() }

func (m *Master) Close() error { return m.t.Close() }

// Request is the addressed-send primitive: one receptive message to one worker.
func (m *Master) Request(ctx context.Context, peer string, msg Message) (Reply, error) {
	op := msg.Op.String()
	defer m.metrics.RequestDuration(op).ObserveDuration()

	r, err := m.t.Request(ctx, peer, msg)
	m.metrics.RequestCompleted(op, err == nil && r.Success)
	return r, err
}

// Notify sends a non-receptive message to one worker.
func (m *Master) Notify(ctx context.Context, peer string, msg Message) error {
	return m.t.Notify(ctx, peer, msg)
}

// Eval runs script on a single worker and returns the raw result.
func (m *Master) Eval(ctx context.Context, peer string, script any) (json.RawMessage, error) {
	s, err := NormalizeScript(script)
	if err != nil {
		return nil, err
	}
	msg, err := NewMessage(OpEval, s)
	if err != nil {
		return nil, err
	}
	r, err := m.Request(ctx, peer, msg)
	if err != nil {
		return nil, err
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return rawOrNull(r.D), nil
}

// Broadcast evaluates script on every connected worker concurrently and waits
// for all of them. If any worker fails, the error of the first failing worker
// (in peer order) is returned and all successful results are discarded.
func (m *Master) Broadcast(ctx context.Context, script any) ([]json.RawMessage, error) {
	s, err := NormalizeScript(script)
	if err != nil {
		return nil, err
	}
	msg, err := NewMessage(OpEval, s)
	if err != nil {
		return nil, err
	}

	peers := m.t.Peers()
	replies := make([]Reply, len(peers))
	errs := make([]error, len(peers))

	var g errgroup.Group
	for i, peer := range peers {
		g.Go(func() error {
			replies[i], errs[i] = m.Request(ctx, peer, msg)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]json.RawMessage, 0, len(peers))
	for i, r := range replies {
		if errs[i] != nil {
			m.metrics.BroadcastCompleted(len(peers), false)
			return nil, fmt.Errorf("broadcast to %s: %w", peers[i], errs[i])
		}
		if err := r.Err(); err != nil {
			m.metrics.BroadcastCompleted(len(peers), false)
			return nil, err
		}
		out = append(out, rawOrNull(r.D))
	}
	m.metrics.BroadcastCompleted(len(peers), true)
	return out, nil
}

/* ---------------------- inbound ---------------------- */

func (m *Master) handle(ctx context.Context, req Request) Reply {
	h, ok := m.handlers.lookup(req.Op)
	if !ok {
		m.log.Warn("unroutable op code", slog.Int("op", int(req.Op)), slog.String("from", req.From))
		return Fail(fmt.Errorf("%w: unknown op code %d", ErrTransport, int(req.Op)))
	}
	m.log.Debug("handle", slog.String("op", req.Op.String()), slog.String("from", req.From))

	reply := h(ctx, req)
	m.metrics.HandlerCompleted(req.Op.String(), reply.Success)
	return reply
}

func (m *Master) onConnEvent(ev ConnEvent) {
	switch ev.Kind {
	case PeerConnected:
		m.log.Debug("client connect", slog.String("peer", ev.Peer))
	case PeerDisconnected:
		m.log.Debug("client disconnect", slog.String("peer", ev.Peer))
	case PeerError:
		m.log.Error("client error", slog.String("peer", ev.Peer), slog.Any("error", ev.Err))
	}
	m.metrics.PeersConnected(len(m.t.Peers()))
}

func (m *Master) handleUnsupported(_ context.Context, req Request) Reply {
	return Fail(fmt.Errorf("%w: master does not serve %s", ErrUnsupportedOp, req.Op))
}

func (m *Master) handleMessage(ctx context.Context, req Request) Reply {
	v, err := m.c.ClusterMessage(ctx, req.From, req.Message)
	if err != nil {
		return Fail(err)
	}
	return OK(v)
}

func (m *Master) handleBroadcast(ctx context.Context, req Request) Reply {
	var s Script
	if err := req.Decode(&s); err != nil {
		return Fail(err)
	}
	res, err := m.Broadcast(ctx, s)
	if err != nil {
		return Fail(err)
	}
	return OK(res)
}

func (m *Master) handleReady(_ context.Context, req Request) Reply {
	p, err := decodeReady(req)
	if err != nil {
		return Fail(err)
	}
	m.c.ClusterReady(p)
	return OK(nil)
}

// decodeReady accepts a ReadyPayload or a bare cluster id. Without data the
// id is taken from the sender's peer name.
func decodeReady(req Request) (ReadyPayload, error) {
	var p ReadyPayload
	if raw := bytes.TrimSpace(req.D); len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &p); err != nil {
			return p, fmt.Errorf("decode %s payload: %w", req.Op, err)
		}
		return p, nil
	}
	if err := req.Decode(&p.ClusterID); err != nil {
		id, ok := ParsePeerName(req.From)
		if !ok {
			return p, err
		}
		p.ClusterID = id
	}
	return p, nil
}

func (m *Master) handleShardEvent(_ context.Context, req Request) Reply {
	var p ShardPayload
	if err := req.Decode(&p); err != nil {
		return Fail(err)
	}
	m.log.Debug("shard event",
		slog.String("op", req.Op.String()),
		slog.Int("shard", p.ShardID),
		slog.String("from", req.From),
	)
	m.c.ShardEvent(ShardEvent{Op: req.Op, From: req.From, Payload: p})
	return OK(nil)
}

func (m *Master) handleMasterEval(ctx context.Context, req Request) Reply {
	var s Script
	if err := req.Decode(&s); err != nil {
		return Fail(err)
	}
	v, err := m.c.MasterEval(ctx, s)
	if err != nil {
		return Fail(err)
	}
	return OK(v)
}

func (m *Master) handleRestart(ctx context.Context, req Request) Reply {
	var id int
	if err := req.Decode(&id); err != nil {
		return Fail(err)
	}
	if err := m.c.Restart(ctx, id); err != nil {
		return Fail(err)
	}
	return OK(nil)
}

func (m *Master) handleRestartAll(ctx context.Context, _ Request) Reply {
	if err := m.c.RestartAll(ctx); err != nil {
		return Fail(err)
	}
	return OK(nil)
}

// handleFetch broadcasts a lookup and answers with the first hit. Results are
// not merged: when several workers know the entity, the lowest cluster wins.
func (m *Master) handleFetch(command string) HandlerFunc {
	return func(ctx context.Context, req Request) Reply {
		id, err := decodeID(req.D)
		if err != nil {
			return Fail(err)
		}
		s, err := Command(command, LookupArgs{ID: id})
		if err != nil {
			return Fail(err)
		}
		res, err := m.Broadcast(ctx, s)
		if err != nil {
			return Fail(err)
		}
		for _, r := range res {
			if Truthy(r) {
				return OK(r)
			}
		}
		return Reply{Success: false}
	}
}

// decodeID accepts snowflakes sent as JSON strings or numbers.
func decodeID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("decode id: %w", ErrEmptyPayload)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	return strings.TrimSpace(string(raw)), nil
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

// Broadcaster is implemented by both endpoints.
type Broadcaster interface {
	Broadcast(ctx context.Context, script any) ([]json.RawMessage, error)
}

// BroadcastAs broadcasts script and decodes every result into T.
func BroadcastAs[T any](ctx context.Context, b Broadcaster, script any) ([]T, error) {
	res, err := b.Broadcast(ctx, script)
	if err != nil {
		return nil, err
	}
	out := make([]T, len(res))
	for i, r := range res {
		if err := json.Unmarshal(r, &out[i]); err != nil {
			return nil, fmt.Errorf("decode result %d: %w", i, err)
		}
	}
	return out, nil
}
