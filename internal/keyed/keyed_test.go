package keyed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSerializer_OneAtATimePerKey(t *testing.T) {
	s := New[int](0)
	defer s.Close()

	var (
		active  atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do(t.Context(), 1, func() error {
				if active.Add(1) > 1 {
					overlap.Store(true)
				}
				time.Sleep(2 * time.Millisecond)
				active.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	require.False(t, overlap.Load())
}

func TestSerializer_SubmissionOrder(t *testing.T) {
	s := New[string](0)
	defer s.Close()

	var (
		mu  sync.Mutex
		seq []int
		wg  sync.WaitGroup
	)
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do(t.Context(), "k", func() error {
				mu.Lock()
				seq = append(seq, i)
				mu.Unlock()
				time.Sleep(10 * time.Millisecond)
				return nil
			})
		}()
		time.Sleep(2 * time.Millisecond)
	}
	wg.Wait()
	require.Equal(t, []int{0, 1, 2}, seq)
}

func TestSerializer_KeysRunConcurrently(t *testing.T) {
	s := New[int](0)
	defer s.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = s.Do(t.Context(), 1, func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// key 2 is not blocked by the long job on key 1
	require.NoError(t, s.Do(t.Context(), 2, func() error { return nil }))
	close(release)
}

func TestSerializer_ReturnsError(t *testing.T) {
	s := New[int](0)
	defer s.Close()

	boom := errors.New("boom")
	require.ErrorIs(t, s.Do(t.Context(), 1, func() error { return boom }), boom)
}

func TestSerializer_ContextCancelled(t *testing.T) {
	s := New[int](0)
	defer s.Close()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	require.ErrorIs(t, s.Do(ctx, 1, func() error { return nil }), context.Canceled)

	release := make(chan struct{})
	ctx, cancel = context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	err := s.Do(ctx, 1, func() error {
		<-release
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestSerializer_Close(t *testing.T) {
	s := New[int](0)
	require.NoError(t, s.Do(t.Context(), 1, func() error { return nil }))
	s.Close()
	s.Close()
	require.ErrorIs(t, s.Do(t.Context(), 1, func() error { return nil }), ErrClosed)
}
