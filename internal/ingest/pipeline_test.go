package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type dispatchFunc func(topic string, payload []byte) int

func (f dispatchFunc) Dispatch(topic string, payload []byte) int {
	return f(topic, payload)
}

// gate 阻塞所有分发直到 open 被调用
type gate struct {
	ch      chan struct{}
	once    sync.Once
	entered atomic.Int64
}

func newGate() *gate {
	return &gate{ch: make(chan struct{})}
}

func (g *gate) Dispatch(string, []byte) int {
	g.entered.Add(1)
	<-g.ch
	return 1
}

func (g *gate) open() {
	g.once.Do(func() { close(g.ch) })
}

func stop(t *testing.T, p *Pipeline) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
}

func TestPipelineDispatchesEverything(t *testing.T) {
	var count atomic.Int64
	p := New(dispatchFunc(func(string, []byte) int {
		count.Add(1)
		return 1
	}), WithWorkers(4))
	require.NoError(t, p.Start())
	assert.ErrorIs(t, p.Start(), ErrAlreadyStarted)

	for i := 0; i < 1000; i++ {
		require.True(t, p.Enqueue(transport.NewMessage(fmt.Sprintf("t/%d", i%7), nil)))
	}
	assert.Eventually(t, func() bool { return count.Load() == 1000 }, 2*time.Second, 5*time.Millisecond)
	stop(t, p)

	stats := p.Stats()
	assert.Equal(t, uint64(1000), stats.Enqueued)
	assert.Equal(t, uint64(1000), stats.Dispatched)
	assert.Zero(t, stats.Dropped)
	assert.Zero(t, stats.Discarded)
}

func TestEnqueueDoesNotBlockOnSlowListeners(t *testing.T) {
	g := newGate()
	p := New(g, WithWorkers(2))
	require.NoError(t, p.Start())
	defer stop(t, p)
	defer g.open()

	start := time.Now()
	for i := 0; i < 10000; i++ {
		require.True(t, p.Enqueue(transport.NewMessage("slow", nil)))
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Eventually(t, func() bool { return g.entered.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestBoundedQueueDropsNewest(t *testing.T) {
	g := newGate()
	p := New(g, WithWorkers(1), WithQueueCapacity(2))
	require.NoError(t, p.Start())

	require.True(t, p.Enqueue(transport.NewMessage("a", nil)))
	// 等待工作协程取走第一条消息并阻塞
	require.Eventually(t, func() bool { return g.entered.Load() == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, p.Enqueue(transport.NewMessage("b", nil)))
	assert.True(t, p.Enqueue(transport.NewMessage("c", nil)))
	assert.False(t, p.Enqueue(transport.NewMessage("d", nil)))

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, 2, stats.Queued)

	g.open()
	stop(t, p)
}

func TestStopDiscardsQueuedMessages(t *testing.T) {
	g := newGate()
	p := New(g, WithWorkers(1))
	require.NoError(t, p.Start())

	for i := 0; i < 5; i++ {
		require.True(t, p.Enqueue(transport.NewMessage("t", nil)))
	}
	require.Eventually(t, func() bool { return g.entered.Load() == 1 }, time.Second, 5*time.Millisecond)

	// 正在执行的分发未结束时 Stop 按 ctx 超时返回
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Stop(ctx), context.DeadlineExceeded)

	g.open()
	assert.Eventually(t, func() bool { return p.Stats().Dispatched == 1 }, time.Second, 5*time.Millisecond)
	stats := p.Stats()
	assert.Equal(t, uint64(4), stats.Discarded)
	assert.Equal(t, int64(1), g.entered.Load())

	assert.False(t, p.Enqueue(transport.NewMessage("late", nil)))
	assert.NoError(t, p.Stop(context.Background()))
	assert.ErrorIs(t, p.Start(), ErrStopped)
	// 等待最后一个工作协程退出，避免 goleak 误报
	p.wg.Wait()
}

func TestWorkerRestartsAfterCrash(t *testing.T) {
	var calls atomic.Int64
	p := New(dispatchFunc(func(topic string, _ []byte) int {
		calls.Add(1)
		if topic == "poison" {
			panic("dispatcher bug")
		}
		return 1
	}), WithWorkers(1))
	require.NoError(t, p.Start())

	p.Enqueue(transport.NewMessage("poison", nil))
	p.Enqueue(transport.NewMessage("ok", nil))
	p.Enqueue(transport.NewMessage("poison", nil))
	p.Enqueue(transport.NewMessage("ok", nil))

	assert.Eventually(t, func() bool { return calls.Load() == 4 }, 2*time.Second, 5*time.Millisecond)
	stop(t, p)

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.Restarts)
	assert.Equal(t, uint64(2), stats.Dispatched)
}

func TestOrderedTopicsPreserveOrder(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]string{}
	p := New(dispatchFunc(func(topic string, payload []byte) int {
		mu.Lock()
		defer mu.Unlock()
		seen[topic] = append(seen[topic], string(payload))
		return 1
	}), WithWorkers(4), WithOrderedTopics())
	require.NoError(t, p.Start())

	topics := []string{"a", "b", "c", "d", "e"}
	for i := 0; i < 200; i++ {
		for _, topic := range topics {
			p.Enqueue(transport.NewMessage(topic, []byte(fmt.Sprint(i))))
		}
	}
	assert.Eventually(t, func() bool { return p.Stats().Dispatched == 1000 }, 2*time.Second, 5*time.Millisecond)
	stop(t, p)

	mu.Lock()
	defer mu.Unlock()
	for _, topic := range topics {
		require.Len(t, seen[topic], 200)
		for i, payload := range seen[topic] {
			assert.Equal(t, fmt.Sprint(i), payload, topic)
		}
	}
}

func TestStopBeforeStart(t *testing.T) {
	p := New(dispatchFunc(func(string, []byte) int { return 0 }))
	require.True(t, p.Enqueue(transport.NewMessage("t", nil)))
	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, uint64(1), p.Stats().Discarded)
}
