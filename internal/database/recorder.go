package database

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/client"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
)

const defaultRecorderBuffer = 64

// Recorder writes state changes to a Journal off the observer goroutine.
// Changes arriving while the buffer is full are dropped.
type Recorder struct {
	journal Journal
	events  chan *SessionEvent
	done    chan struct{}

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

func NewRecorder(journal Journal, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = defaultRecorderBuffer
	}
	r := &Recorder{
		journal: journal,
		events:  make(chan *SessionEvent, buffer),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

func eventFromChange(change client.StateChange) *SessionEvent {
	evt := &SessionEvent{
		ClientID: change.ClientID,
		From:     change.From.String(),
		To:       change.To.String(),
		Topics:   change.Topics,
		At:       change.At,
	}
	if change.Err != nil {
		evt.Reason = change.Err.Error()
	}
	return evt
}

// Observe matches the signature expected by client.WithStateObserver.
func (r *Recorder) Observe(change client.StateChange) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.events <- eventFromChange(change):
	default:
		r.dropped.Add(1)
		logger.WarnF("Session journal buffer full, dropping %s -> %s for %s", change.From, change.To, change.ClientID)
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for evt := range r.events {
		if err := r.journal.Record(context.Background(), evt); err != nil {
			r.failed.Add(1)
			logger.ErrorF("Fail to record session event for %s, details: %v", evt.ClientID, err)
		}
	}
}

func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Recorder) Failed() uint64 {
	return r.failed.Load()
}

// Invoke flushes buffered events and stops the writer.
func (r *Recorder) Invoke(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.events)
		r.mu.Unlock()
	})
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
