package live_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fallhelp/monitor/internal/fallhelp/live"
)

func TestQueue_RunsInOrder(t *testing.T) {
	q := live.NewQueue(4)
	defer q.Close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, q.Submit(func() { got = append(got, i) }))
	}
	require.NoError(t, q.Do(context.Background(), func() {}))

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestQueue_NeverOverlaps(t *testing.T) {
	q := live.NewQueue(0)
	defer q.Close()

	var (
		mu      sync.Mutex
		running int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Submit(func() {
				mu.Lock()
				running++
				if running > maxSeen {
					maxSeen = running
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
			})
		}()
	}
	wg.Wait()
	require.NoError(t, q.Do(context.Background(), func() {}))
	assert.Equal(t, 1, maxSeen)
}

func TestQueue_ClosedRejects(t *testing.T) {
	q := live.NewQueue(1)
	q.Close()
	q.Close()

	assert.False(t, q.Submit(func() {}))
	assert.ErrorIs(t, q.Do(context.Background(), func() {}), live.ErrQueueClosed)
}

func TestQueue_DoHonoursContext(t *testing.T) {
	q := live.NewQueue(1)
	defer q.Close()

	block := make(chan struct{})
	defer close(block)
	require.True(t, q.Submit(func() { <-block }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Do(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
