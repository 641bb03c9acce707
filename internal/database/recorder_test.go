package database

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/client"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// blockingJournal 在 release 关闭前阻塞所有写入
type blockingJournal struct {
	*MemoryStore
	release chan struct{}
	once    sync.Once
}

func (j *blockingJournal) Record(ctx context.Context, evt *SessionEvent) error {
	<-j.release
	return j.MemoryStore.Record(ctx, evt)
}

func (j *blockingJournal) open() {
	j.once.Do(func() { close(j.release) })
}

type failingJournal struct{ *MemoryStore }

func (failingJournal) Record(context.Context, *SessionEvent) error {
	return errors.New("write failed")
}

func TestRecorderJournalsChanges(t *testing.T) {
	store := NewMemoryStore()
	recorder := NewRecorder(store, 0)
	at := time.Now()

	recorder.Observe(client.StateChange{ClientID: "hub", From: client.Disconnected, To: client.Connecting, At: at})
	recorder.Observe(client.StateChange{
		ClientID: "hub", From: client.Connecting, To: client.Connected, At: at.Add(time.Second),
		Topics: []string{"sensors/+"},
	})
	recorder.Observe(client.StateChange{
		ClientID: "hub", From: client.Connected, To: client.Reconnecting, At: at.Add(2 * time.Second),
		Err: errors.New("connection reset"),
	})
	require.NoError(t, recorder.Invoke(context.Background()))

	events, err := store.Recent(context.Background(), "hub", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "RECONNECTING", events[0].To)
	assert.Equal(t, "connection reset", events[0].Reason)
	assert.Equal(t, []string{"sensors/+"}, events[1].Topics)
	assert.Equal(t, "DISCONNECTED", events[2].From)
	assert.Zero(t, recorder.Dropped())
}

func TestRecorderDropsWhenFull(t *testing.T) {
	journal := &blockingJournal{MemoryStore: NewMemoryStore(), release: make(chan struct{})}
	recorder := NewRecorder(journal, 1)
	defer func() {
		journal.open()
		require.NoError(t, recorder.Invoke(context.Background()))
	}()

	change := client.StateChange{ClientID: "hub", To: client.Connecting}
	// 第一条被写入协程取走并阻塞，第二条占满缓冲
	recorder.Observe(change)
	require.Eventually(t, func() bool { return len(recorder.events) == 0 }, time.Second, time.Millisecond)
	recorder.Observe(change)
	recorder.Observe(change)
	assert.Equal(t, uint64(1), recorder.Dropped())
}

func TestRecorderInvokeHonoursContext(t *testing.T) {
	journal := &blockingJournal{MemoryStore: NewMemoryStore(), release: make(chan struct{})}
	recorder := NewRecorder(journal, 4)
	recorder.Observe(client.StateChange{ClientID: "hub", To: client.Connecting})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, recorder.Invoke(ctx), context.DeadlineExceeded)

	journal.open()
	require.NoError(t, recorder.Invoke(context.Background()))
	// 关闭后的变化直接丢弃
	recorder.Observe(client.StateChange{ClientID: "hub", To: client.Connected})
	assert.Equal(t, uint64(1), recorder.Dropped())
}

func TestRecorderCountsFailures(t *testing.T) {
	recorder := NewRecorder(failingJournal{NewMemoryStore()}, 2)
	recorder.Observe(client.StateChange{ClientID: "hub", To: client.Connecting})
	require.NoError(t, recorder.Invoke(context.Background()))
	assert.Equal(t, uint64(1), recorder.Failed())
}
