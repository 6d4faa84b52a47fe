// Package keyed serializes work per key while letting different keys run
// concurrently. The sharding manager uses it so that lifecycle operations on
// one cluster never overlap.
package keyed

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("keyed: serializer closed")

// Serializer runs functions so that, for any key, they execute one at a time
// in submission order.
type Serializer[K comparable] struct {
	mu      sync.Mutex
	queues  map[K]chan *job
	closed  bool
	pending sync.WaitGroup // Do calls that may still enqueue
	running sync.WaitGroup // queue goroutines
	depth   int
}

type job struct {
	fn   func() error
	done chan error
}

// New creates a Serializer. depth is the queue length per key; values below
// one fall back to 16.
func New[K comparable](depth int) *Serializer[K] {
	if depth < 1 {
		depth = 16
	}
	return &Serializer[K]{
		queues: make(map[K]chan *job),
		depth:  depth,
	}
}

// Do runs fn under key and returns its error. If ctx ends first, Do returns
// ctx.Err(); a job that was already queued still runs.
func (s *Serializer[K]) Do(ctx context.Context, key K, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.pending.Add(1)
	q := s.queueLocked(key)
	s.mu.Unlock()

	j := &job{fn: fn, done: make(chan error, 1)}
	select {
	case q <- j:
	case <-ctx.Done():
		s.pending.Done()
		return ctx.Err()
	}
	s.pending.Done()

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects new work, lets queued jobs finish and waits for every queue
// goroutine to exit.
func (s *Serializer[K]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.pending.Wait()

	s.mu.Lock()
	for _, q := range s.queues {
		close(q)
	}
	s.queues = nil
	s.mu.Unlock()

	s.running.Wait()
}

func (s *Serializer[K]) queueLocked(key K) chan *job {
	if q, ok := s.queues[key]; ok {
		return q
	}
	q := make(chan *job, s.depth)
	s.queues[key] = q
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		for j := range q {
			j.done <- j.fn()
		}
	}()
	return q
}
