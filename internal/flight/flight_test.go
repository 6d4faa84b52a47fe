package flight

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroup_CollapsesConcurrentCalls(t *testing.T) {
	var (
		g     Group[int, string]
		calls atomic.Int32
		wg    sync.WaitGroup
	)
	start := make(chan struct{})
	results := make([]string, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			v, _, err := g.Do(3, func() (string, error) {
				calls.Add(1)
				time.Sleep(20 * time.Millisecond)
				return "done", nil
			})
			assert.NoError(t, err)
			results[i] = v
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		require.Equal(t, "done", r)
	}
}

func TestGroup_SequentialCallsRunAgain(t *testing.T) {
	var g Group[string, int]
	n := 0
	for range 3 {
		v, shared, err := g.Do("k", func() (int, error) {
			n++
			return n, nil
		})
		require.NoError(t, err)
		require.False(t, shared)
		require.Equal(t, n, v)
	}
	require.Equal(t, 3, n)
}

func TestGroup_Error(t *testing.T) {
	var g Group[int, struct{}]
	boom := errors.New("boom")
	_, _, err := g.Do(1, func() (struct{}, error) { return struct{}{}, boom })
	require.ErrorIs(t, err, boom)
	g.Forget(1)
}
