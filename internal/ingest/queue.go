package ingest

import (
	"sync"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/transport"
)

// queue 无界（capacity 为 0）或有界的 FIFO，空闲的消费者阻塞在条件变量上
type queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []transport.Message
	head     int
	capacity int
	closed   bool
}

func newQueue(capacity int) *queue {
	q := &queue{capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) lenLocked() int {
	return len(q.items) - q.head
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// push 队列已满或已关闭时返回 false
func (q *queue) push(msg transport.Message) bool {
	q.mu.Lock()
	if q.closed || (q.capacity > 0 && q.lenLocked() >= q.capacity) {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()
	q.cond.Signal()
	return true
}

// pop 阻塞直到取到消息；关闭后立即返回 false，剩余消息不再出队
func (q *queue) pop() (transport.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && q.lenLocked() == 0 {
		q.cond.Wait()
	}
	if q.closed {
		return transport.Message{}, false
	}
	msg := q.items[q.head]
	q.items[q.head] = transport.Message{}
	q.head++
	// 已出队部分超过一半时压缩底层数组
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 >= len(q.items) {
		q.items = append(q.items[:0:0], q.items[q.head:]...)
		q.head = 0
	}
	return msg, true
}

// close 唤醒所有消费者并返回被丢弃的消息数
func (q *queue) close() int {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0
	}
	q.closed = true
	discarded := q.lenLocked()
	q.items = nil
	q.head = 0
	q.mu.Unlock()
	q.cond.Broadcast()
	return discarded
}
