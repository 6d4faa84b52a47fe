package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codewandler/clstr-sharder/core/ipc"
)

type frameKind uint8

const (
	kindRequest frameKind = iota + 1
	kindNotify
	kindReply
)

// frame is one websocket text message. Requests and notifications carry
// {op, d}, replies carry {success, d} and the id of the request.
type frame struct {
	ID      uint64          `json:"id,omitempty"`
	Kind    frameKind       `json:"k"`
	Op      ipc.OpCode      `json:"op"`
	D       json.RawMessage `json:"d,omitempty"`
	Success bool            `json:"success,omitempty"`
}

const defaultWriteTimeout = 10 * time.Second

// peerConn multiplexes requests over one websocket connection. Writes are
// serialized; replies are matched to requests by id.
type peerConn struct {
	ws           *websocket.Conn
	log          *slog.Logger
	writeTimeout time.Duration

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan ipc.Reply

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newPeerConn(ws *websocket.Conn, log *slog.Logger, writeTimeout time.Duration) *peerConn {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &peerConn{
		ws:           ws,
		log:          log,
		writeTimeout: writeTimeout,
		pending:      make(map[uint64]chan ipc.Reply),
		done:         make(chan struct{}),
	}
}

func (c *peerConn) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ipc.ErrNotConnected
	default:
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteJSON(f); err != nil {
		return fmt.Errorf("%w: write: %w", ipc.ErrTransport, err)
	}
	return nil
}

func (c *peerConn) request(ctx context.Context, msg ipc.Message) (ipc.Reply, error) {
	id := c.nextID.Add(1)
	ch := make(chan ipc.Reply, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(frame{ID: id, Kind: kindRequest, Op: msg.Op, D: msg.D}); err != nil {
		return ipc.Reply{}, err
	}
	select {
	case r := <-ch:
		return r, nil
	case <-c.done:
		return ipc.Reply{}, fmt.Errorf("%w: connection lost", ipc.ErrNotConnected)
	case <-ctx.Done():
		return ipc.Reply{}, ctx.Err()
	}
}

func (c *peerConn) notify(msg ipc.Message) error {
	return c.write(frame{Kind: kindNotify, Op: msg.Op, D: msg.D})
}

// serve reads frames until the connection fails. Inbound requests run on
// their own goroutine with ctx.
func (c *peerConn) serve(ctx context.Context, h ipc.HandlerFunc, from string) error {
	defer c.close()
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			return err
		}
		switch f.Kind {
		case kindReply:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			c.mu.Unlock()
			if ok {
				ch <- ipc.Reply{Success: f.Success, D: f.D}
			}
		case kindRequest, kindNotify:
			req := ipc.Request{
				Message:   ipc.Message{Op: f.Op, D: f.D},
				From:      from,
				Receptive: f.Kind == kindRequest,
			}
			id := f.ID
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				r := ipc.SafeHandle(ctx, h, req)
				if !req.Receptive {
					return
				}
				if err := c.write(frame{ID: id, Kind: kindReply, Success: r.Success, D: r.D}); err != nil {
					c.log.Debug("failed to send reply", slog.Any("error", err))
				}
			}()
		default:
			c.log.Warn("dropping frame of unknown kind", slog.Int("kind", int(f.Kind)))
		}
	}
}

func (c *peerConn) close() {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		close(c.done)
		_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}

// wait blocks until the handlers started by serve returned.
func (c *peerConn) wait() { c.wg.Wait() }
