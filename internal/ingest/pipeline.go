// Package ingest decouples the transport receive path from listener
// execution with a queue drained by a supervised pool of workers.
package ingest

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/transport"
)

var (
	ErrAlreadyStarted = errors.New("ingest: pipeline already started")
	ErrStopped        = errors.New("ingest: pipeline stopped")
)

// Dispatcher delivers one message to its listeners and reports how many succeeded.
type Dispatcher interface {
	Dispatch(topic string, payload []byte) int
}

type Stats struct {
	Enqueued   uint64
	Dispatched uint64
	// Dropped 队列已满或已停止时被拒绝的消息
	Dropped uint64
	// Discarded 停止时仍在队列中的消息
	Discarded uint64
	Restarts  uint64
	Queued    int
}

type Pipeline struct {
	dispatcher Dispatcher
	workers    int
	capacity   int
	ordered    bool
	queues     []*queue

	mu      sync.Mutex
	started bool
	stopped atomic.Bool
	wg      sync.WaitGroup

	enqueued   atomic.Uint64
	dispatched atomic.Uint64
	dropped    atomic.Uint64
	discarded  atomic.Uint64
	restarts   atomic.Uint64
}

type Option func(*Pipeline)

// WithWorkers sets the pool size; n <= 0 keeps the default of GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithQueueCapacity bounds each queue; 0 means unbounded. When a bounded
// queue is full the newest message is dropped.
func WithQueueCapacity(n int) Option {
	return func(p *Pipeline) {
		if n >= 0 {
			p.capacity = n
		}
	}
}

// WithOrderedTopics gives every worker its own queue and routes each topic
// to a fixed worker, so messages on one topic are dispatched in arrival order.
func WithOrderedTopics() Option {
	return func(p *Pipeline) {
		p.ordered = true
	}
}

func New(dispatcher Dispatcher, opts ...Option) *Pipeline {
	p := &Pipeline{
		dispatcher: dispatcher,
		workers:    runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(p)
	}

	partitions := 1
	if p.ordered {
		partitions = p.workers
	}
	p.queues = make([]*queue, partitions)
	for i := range p.queues {
		p.queues[i] = newQueue(p.capacity)
	}
	return p
}

func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped.Load() {
		return ErrStopped
	}
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true

	for i := 0; i < p.workers; i++ {
		q := p.queues[0]
		if p.ordered {
			q = p.queues[i]
		}
		p.wg.Add(1)
		go p.supervise(i, q)
	}
	logger.InfoF("Ingest pipeline started with %d workers", p.workers)
	return nil
}

func (p *Pipeline) route(topic string) *queue {
	if len(p.queues) == 1 {
		return p.queues[0]
	}
	return p.queues[xxhash.Sum64String(topic)%uint64(len(p.queues))]
}

// Enqueue never blocks. It returns false when the message was dropped.
func (p *Pipeline) Enqueue(msg transport.Message) bool {
	if p.stopped.Load() || !p.route(msg.Topic).push(msg) {
		p.dropped.Add(1)
		logger.DebugF("Ingest queue rejected message on %s", msg.Topic)
		return false
	}
	p.enqueued.Add(1)
	return true
}

// supervise 工作协程崩溃后原地重启，保持池大小不变
func (p *Pipeline) supervise(id int, q *queue) {
	defer p.wg.Done()
	for p.work(id, q) {
		p.restarts.Add(1)
		logger.WarnF("Ingest worker %d restarted", id)
	}
}

func (p *Pipeline) work(id int, q *queue) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorF("Ingest worker %d crashed, details: %v", id, r)
			crashed = true
		}
	}()
	for {
		msg, ok := q.pop()
		if !ok {
			return false
		}
		p.dispatcher.Dispatch(msg.Topic, msg.Payload)
		p.dispatched.Add(1)
	}
}

// Stop discards queued messages, waits for in-flight dispatches and
// returns ctx.Err() if they outlive ctx.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped.Load() {
		p.mu.Unlock()
		return nil
	}
	p.stopped.Store(true)
	p.mu.Unlock()

	discarded := 0
	for _, q := range p.queues {
		discarded += q.close()
	}
	p.discarded.Add(uint64(discarded))
	if discarded > 0 {
		logger.WarnF("Ingest pipeline stopped, %d queued messages discarded", discarded)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Ingest pipeline stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invoke lets the pipeline be registered as a shutdown hook.
func (p *Pipeline) Invoke(ctx context.Context) error {
	return p.Stop(ctx)
}

func (p *Pipeline) Stats() Stats {
	queued := 0
	for _, q := range p.queues {
		queued += q.len()
	}
	return Stats{
		Enqueued:   p.enqueued.Load(),
		Dispatched: p.dispatched.Load(),
		Dropped:    p.dropped.Load(),
		Discarded:  p.discarded.Load(),
		Restarts:   p.restarts.Load(),
		Queued:     queued,
	}
}
