package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zot/tablebridge/internal/config"
	"github.com/zot/tablebridge/internal/engine"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.SetLogger(zap.NewNop().Sugar())
	return cfg
}

// inline runs pumps immediately on the caller's goroutine.
func inline(pump func()) { pump() }

func TestBacklogRunsInOrderOnceBound(t *testing.T) {
	q := New(engine.NewMemory(), testConfig())

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		require.NoError(t, q.Submit(func(engine.Engine) { order = append(order, i) }))
	}
	assert.Empty(t, order, "nothing runs before a loop is bound")
	assert.Equal(t, 5, q.Len())

	q.SetLoopCallback(inline)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, 0, q.Len())
}

func TestTasksNeverOverlap(t *testing.T) {
	q := New(engine.NewMemory(), testConfig())
	loop := NewLoop()
	defer loop.Stop()
	q.SetLoopCallback(loop.Schedule)

	var (
		mu      sync.Mutex
		running int
		maxSeen int
		order   []int
		wg      sync.WaitGroup
	)
	const n = 200
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		require.NoError(t, q.Submit(func(engine.Engine) {
			defer wg.Done()
			mu.Lock()
			running++
			if running > maxSeen {
				maxSeen = running
			}
			order = append(order, i)
			mu.Unlock()
			time.Sleep(time.Microsecond)
			mu.Lock()
			running--
			mu.Unlock()
		}))
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	for i := range order {
		assert.Equal(t, i, order[i])
	}
}

func TestConcurrentSubmitIsSerialized(t *testing.T) {
	q := New(engine.NewMemory(), testConfig())
	loop := NewLoop()
	defer loop.Stop()
	q.SetLoopCallback(loop.Schedule)

	var (
		active int
		bad    bool
		wg     sync.WaitGroup
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = q.Submit(func(engine.Engine) {
					active++
					if active != 1 {
						bad = true
					}
					active--
				})
			}
		}()
	}
	wg.Wait()
	_, err := Await(context.Background(), q, func(engine.Engine) (struct{}, error) { return struct{}{}, nil })
	require.NoError(t, err)
	assert.False(t, bad)
}

func TestPanicDoesNotStopQueue(t *testing.T) {
	q := New(engine.NewMemory(), testConfig())
	q.SetLoopCallback(inline)

	require.NoError(t, q.Submit(func(engine.Engine) { panic("boom") }))
	ran := false
	require.NoError(t, q.Submit(func(engine.Engine) { ran = true }))
	assert.True(t, ran)
}

func TestCloseDrainsAndRejects(t *testing.T) {
	q := New(engine.NewMemory(), testConfig())
	loop := NewLoop()
	defer loop.Stop()
	q.SetLoopCallback(loop.Schedule)

	ran := make(chan struct{}, 10)
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Submit(func(engine.Engine) { ran <- struct{}{} }))
	}
	require.NoError(t, q.Close(context.Background()))
	assert.Len(t, ran, 10)

	assert.ErrorIs(t, q.Submit(func(engine.Engine) {}), ErrShutdown)
	select {
	case <-q.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
}

func TestCloseDropsUnboundBacklog(t *testing.T) {
	q := New(engine.NewMemory(), testConfig())
	ran := false
	require.NoError(t, q.Submit(func(engine.Engine) { ran = true }))
	require.NoError(t, q.Close(context.Background()))
	q.SetLoopCallback(inline)
	assert.False(t, ran)
}

func TestAwaitReturnsValue(t *testing.T) {
	q := New(engine.NewMemory(), testConfig())
	q.SetLoopCallback(inline)

	size, err := Await(context.Background(), q, func(eng engine.Engine) (int, error) {
		h, err := eng.CreateTable([]byte(`[{"a":1},{"a":2}]`), engine.TableOptions{})
		if err != nil {
			return 0, err
		}
		return eng.Size(h)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, size)
}

func TestAwaitHonorsContext(t *testing.T) {
	q := New(engine.NewMemory(), testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := Await(ctx, q, func(engine.Engine) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoopStopRunsScheduledWork(t *testing.T) {
	loop := NewLoop()
	ran := 0
	for i := 0; i < 3; i++ {
		loop.Schedule(func() { ran++ })
	}
	loop.Stop()
	assert.Equal(t, 3, ran)
}
