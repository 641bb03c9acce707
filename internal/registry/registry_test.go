package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu           sync.Mutex
	subscribed   []string
	unsubscribed []string
}

func (o *recordingObserver) TopicSubscribed(topic string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.subscribed = append(o.subscribed, topic)
}

func (o *recordingObserver) TopicUnsubscribed(topic string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.unsubscribed = append(o.unsubscribed, topic)
}

type inbox struct {
	mu       sync.Mutex
	received []string
}

func (b *inbox) listener(name string) *Listener {
	return NewListener(name, func(topic string, payload []byte) error {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.received = append(b.received, topic+"="+string(payload))
		return nil
	})
}

func (b *inbox) messages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.received...)
}

func TestRegisterDeduplicatesSubscriptions(t *testing.T) {
	obs := &recordingObserver{}
	r := New()
	r.SetObserver(obs)

	a := NewListener("a", func(string, []byte) error { return nil })
	b := NewListener("b", func(string, []byte) error { return nil })

	require.NoError(t, r.Register("sensors/1", a))
	require.NoError(t, r.Register("sensors/1", b))
	require.NoError(t, r.Register("sensors/1", a))

	assert.Equal(t, []string{"sensors/1"}, obs.subscribed)
	assert.Equal(t, 2, r.ListenerCount("sensors/1"))

	subs, gen := r.Snapshot()
	require.Len(t, subs, 1)
	assert.Equal(t, "sensors/1", subs[0].Topic)
	assert.Equal(t, uint64(1), gen)
}

func TestDispatchFanOut(t *testing.T) {
	r := New()
	first, second := &inbox{}, &inbox{}
	require.NoError(t, r.Register("sensors/1", first.listener("first")))
	require.NoError(t, r.Register("sensors/1", second.listener("second")))

	assert.Equal(t, 2, r.Dispatch("sensors/1", []byte("21.5")))
	assert.Equal(t, []string{"sensors/1=21.5"}, first.messages())
	assert.Equal(t, []string{"sensors/1=21.5"}, second.messages())

	assert.Equal(t, 0, r.Dispatch("sensors/2", []byte("x")))
}

func TestDispatchIsolatesFailures(t *testing.T) {
	r := New()
	healthy := &inbox{}
	failing := NewListener("failing", func(string, []byte) error { return errors.New("boom") })
	panicking := NewListener("panicking", func(string, []byte) error { panic("bad listener") })

	require.NoError(t, r.Register("t", failing))
	require.NoError(t, r.Register("t", panicking))
	require.NoError(t, r.Register("t", healthy.listener("healthy")))

	assert.Equal(t, 1, r.Dispatch("t", []byte("m")))
	assert.Equal(t, []string{"t=m"}, healthy.messages())
}

func TestDispatchWildcards(t *testing.T) {
	r := New()
	all, sensors, exact := &inbox{}, &inbox{}, &inbox{}
	allListener := all.listener("all")
	require.NoError(t, r.Register("#", allListener))
	require.NoError(t, r.Register("sensors/+", sensors.listener("sensors")))
	require.NoError(t, r.Register("sensors/1", exact.listener("exact")))
	// 同一监听器通过多个过滤器匹配时只调用一次
	require.NoError(t, r.Register("sensors/#", allListener))

	assert.Equal(t, 3, r.Dispatch("sensors/1", []byte("a")))
	assert.Equal(t, 2, r.Dispatch("sensors/2", []byte("b")))
	assert.Equal(t, 0, r.Dispatch("$SYS/load", []byte("c")))

	assert.Equal(t, []string{"sensors/1=a", "sensors/2=b"}, all.messages())
	assert.Equal(t, []string{"sensors/1=a", "sensors/2=b"}, sensors.messages())
	assert.Equal(t, []string{"sensors/1=a"}, exact.messages())
}

func TestDispatchSeesLaterRegistrations(t *testing.T) {
	r := New()
	first, second := &inbox{}, &inbox{}
	require.NoError(t, r.Register("t", first.listener("first")))
	assert.Equal(t, 1, r.Dispatch("t", nil))

	require.NoError(t, r.Register("t", second.listener("second")))
	assert.Equal(t, 2, r.Dispatch("t", nil))
}

func TestUnregisterKeepsSubscription(t *testing.T) {
	obs := &recordingObserver{}
	r := New()
	r.SetObserver(obs)
	box := &inbox{}
	l := box.listener("l")
	require.NoError(t, r.Register("a", l))
	require.NoError(t, r.Register("b", l))

	r.Unregister(l)

	assert.Equal(t, 0, r.Dispatch("a", nil))
	assert.Equal(t, []string{"a", "b"}, r.Topics())
	assert.Empty(t, obs.unsubscribed)
	assert.Equal(t, 0, r.ListenerCount("a"))
}

func TestAutoUnsubscribe(t *testing.T) {
	obs := &recordingObserver{}
	r := New(WithAutoUnsubscribe())
	r.SetObserver(obs)
	a := NewListener("a", func(string, []byte) error { return nil })
	b := NewListener("b", func(string, []byte) error { return nil })
	require.NoError(t, r.Register("shared", a))
	require.NoError(t, r.Register("shared", b))
	require.NoError(t, r.Register("only-a", a))

	r.Unregister(a)
	assert.Equal(t, []string{"only-a"}, obs.unsubscribed)
	assert.Equal(t, []string{"shared"}, r.Topics())

	r.Unregister(b)
	assert.Equal(t, []string{"only-a", "shared"}, obs.unsubscribed)
	assert.Empty(t, r.Topics())
}

func TestUnsubscribe(t *testing.T) {
	obs := &recordingObserver{}
	r := New()
	r.SetObserver(obs)
	box := &inbox{}
	l := box.listener("l")
	require.NoError(t, r.Register("sensors/+", l))
	gen := r.Generation()

	assert.True(t, r.Unsubscribe("sensors/+"))
	assert.False(t, r.Unsubscribe("sensors/+"))
	assert.Equal(t, []string{"sensors/+"}, obs.unsubscribed)
	assert.Greater(t, r.Generation(), gen)
	assert.Equal(t, 0, r.Dispatch("sensors/1", nil))

	// 重新注册会再次创建订阅
	require.NoError(t, r.Register("sensors/+", l))
	assert.Equal(t, []string{"sensors/+", "sensors/+"}, obs.subscribed)
}

func TestRegisterRejectsInvalidInput(t *testing.T) {
	r := New()
	l := NewListener("l", func(string, []byte) error { return nil })
	assert.ErrorIs(t, r.Register("a", nil), ErrNilListener)
	assert.Error(t, r.Register("", l))
	assert.Error(t, r.Register("a/#/b", l))
	assert.Error(t, r.Register("a+", l))
	assert.Empty(t, r.Topics())
}

func TestConcurrentRegisterAndDispatch(t *testing.T) {
	r := New(WithCacheSize(8))
	var calls atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			l := NewListener(fmt.Sprintf("l%d", i), func(string, []byte) error {
				calls.Add(1)
				return nil
			})
			for j := 0; j < 50; j++ {
				_ = r.Register(fmt.Sprintf("t/%d", j%10), l)
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.Dispatch(fmt.Sprintf("t/%d", j%10), nil)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, r.Topics(), 10)
	for j := 0; j < 10; j++ {
		assert.Equal(t, 8, r.ListenerCount(fmt.Sprintf("t/%d", j)))
	}
	calls.Store(0)
	assert.Equal(t, 8, r.Dispatch("t/0", nil))
	assert.Equal(t, int64(8), calls.Load())
}

func TestHas(t *testing.T) {
	r := New()
	l := NewListener("l", func(string, []byte) error { return nil })
	assert.False(t, r.Has("a/+"))
	require.NoError(t, r.Register("a/+", l))
	assert.True(t, r.Has("a/+"))
	assert.False(t, r.Has("a/b"))

	r.Unregister(l)
	assert.True(t, r.Has("a/+"))
	require.True(t, r.Unsubscribe("a/+"))
	assert.False(t, r.Has("a/+"))
}
