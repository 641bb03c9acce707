// Package registry maps topic filters to in-process listeners and fans
// inbound messages out to them.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

const DefaultCacheSize = 256

var ErrNilListener = errors.New("registry: listener must not be nil")

// HandlerFunc receives one message. A returned error is logged and does not
// affect other listeners.
type HandlerFunc func(topic string, payload []byte) error

var listenerSeq atomic.Uint64

// Listener is an opaque handle; identity is the pointer.
type Listener struct {
	id     uint64
	name   string
	handle HandlerFunc
}

func NewListener(name string, handle HandlerFunc) *Listener {
	return &Listener{id: listenerSeq.Add(1), name: name, handle: handle}
}

func (l *Listener) Name() string {
	return l.name
}

// Subscription is one distinct topic filter known to the registry.
type Subscription struct {
	Topic     string
	CreatedAt time.Time
}

// Observer learns about Subscriptions being created and destroyed. It is
// called without the registry lock held.
type Observer interface {
	TopicSubscribed(topic string)
	TopicUnsubscribed(topic string)
}

type entry struct {
	sub       Subscription
	listeners map[uint64]*Listener
}

type Registry struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	byListener map[uint64]map[string]struct{}
	wildcards  *topicTree
	generation uint64
	observer   Observer

	// 主题到监听器列表的解析缓存，任何修改都会清空
	cache *expirable.LRU[string, []*Listener]

	autoUnsubscribe bool
	cacheSize       int
}

type Option func(*Registry)

// WithAutoUnsubscribe destroys a Subscription once its last listener is unregistered.
func WithAutoUnsubscribe() Option {
	return func(r *Registry) {
		r.autoUnsubscribe = true
	}
}

func WithCacheSize(size int) Option {
	return func(r *Registry) {
		r.cacheSize = size
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		entries:    make(map[string]*entry),
		byListener: make(map[uint64]map[string]struct{}),
		wildcards:  newTopicTree(),
		cacheSize:  DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cacheSize <= 0 {
		r.cacheSize = DefaultCacheSize
	}
	// ttl 为 0 时不启动后台过期协程
	r.cache = expirable.NewLRU[string, []*Listener](r.cacheSize, nil, 0)
	return r
}

// SetObserver replaces the observer. Pass nil to detach.
func (r *Registry) SetObserver(observer Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = observer
}

// Register adds listener to topic. The first Register of a topic creates its
// Subscription and notifies the observer; repeated pairs are no-ops.
func (r *Registry) Register(topic string, listener *Listener) error {
	if listener == nil {
		return ErrNilListener
	}
	if err := mqtt.ValidateTopicFilter(topic); err != nil {
		return fmt.Errorf("registry: invalid topic filter %q: %w", topic, err)
	}

	r.mu.Lock()
	e, exists := r.entries[topic]
	if !exists {
		e = &entry{
			sub:       Subscription{Topic: topic, CreatedAt: time.Now()},
			listeners: make(map[uint64]*Listener),
		}
		r.entries[topic] = e
		if mqtt.IsWildcard(topic) {
			r.wildcards.insert(topic)
		}
		r.generation++
	}
	e.listeners[listener.id] = listener
	topics, ok := r.byListener[listener.id]
	if !ok {
		topics = make(map[string]struct{})
		r.byListener[listener.id] = topics
	}
	topics[topic] = struct{}{}
	r.cache.Purge()
	observer := r.observer
	r.mu.Unlock()

	if !exists {
		logger.DebugF("Subscription %s created by listener %s", topic, listener.name)
		if observer != nil {
			observer.TopicSubscribed(topic)
		}
	}
	return nil
}

// Unregister removes listener from every topic. Subscriptions stay unless the
// registry was built WithAutoUnsubscribe.
func (r *Registry) Unregister(listener *Listener) {
	if listener == nil {
		return
	}

	r.mu.Lock()
	var removed []string
	for topic := range r.byListener[listener.id] {
		e, ok := r.entries[topic]
		if !ok {
			continue
		}
		delete(e.listeners, listener.id)
		if r.autoUnsubscribe && len(e.listeners) == 0 {
			r.removeLocked(topic)
			removed = append(removed, topic)
		}
	}
	delete(r.byListener, listener.id)
	r.cache.Purge()
	observer := r.observer
	r.mu.Unlock()

	sort.Strings(removed)
	r.notifyRemoved(observer, removed)
}

// Unsubscribe destroys the Subscription for topic together with its listener set.
func (r *Registry) Unsubscribe(topic string) bool {
	r.mu.Lock()
	e, ok := r.entries[topic]
	if !ok {
		r.mu.Unlock()
		return false
	}
	for id := range e.listeners {
		if topics, ok := r.byListener[id]; ok {
			delete(topics, topic)
			if len(topics) == 0 {
				delete(r.byListener, id)
			}
		}
	}
	r.removeLocked(topic)
	r.cache.Purge()
	observer := r.observer
	r.mu.Unlock()

	r.notifyRemoved(observer, []string{topic})
	return true
}

func (r *Registry) removeLocked(topic string) {
	delete(r.entries, topic)
	if mqtt.IsWildcard(topic) {
		r.wildcards.remove(topic)
	}
	r.generation++
}

func (r *Registry) notifyRemoved(observer Observer, topics []string) {
	for _, topic := range topics {
		logger.DebugF("Subscription %s destroyed", topic)
		if observer != nil {
			observer.TopicUnsubscribed(topic)
		}
	}
}

// resolve 返回匹配 topic 的去重监听器，按监听器创建顺序排列
func (r *Registry) resolve(topic string) []*Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if listeners, ok := r.cache.Get(topic); ok {
		return listeners
	}

	seen := make(map[uint64]*Listener)
	if e, ok := r.entries[topic]; ok {
		for id, l := range e.listeners {
			seen[id] = l
		}
	}
	for _, filter := range r.wildcards.match(topic) {
		if e, ok := r.entries[filter]; ok {
			for id, l := range e.listeners {
				seen[id] = l
			}
		}
	}

	listeners := make([]*Listener, 0, len(seen))
	for _, l := range seen {
		listeners = append(listeners, l)
	}
	sort.Slice(listeners, func(i, j int) bool {
		return listeners[i].id < listeners[j].id
	})

	// 写锁持有期间不会有读者，清空与写入不会交错
	r.cache.Add(topic, listeners)
	return listeners
}

// Dispatch hands the message to every listener whose filter matches topic
// and returns how many of them completed without error.
func (r *Registry) Dispatch(topic string, payload []byte) int {
	delivered := 0
	for _, listener := range r.resolve(topic) {
		if r.invoke(listener, topic, payload) {
			delivered++
		}
	}
	return delivered
}

func (r *Registry) invoke(listener *Listener, topic string, payload []byte) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			logger.ErrorF("Listener %s panicked on %s, details: %v", listener.name, topic, p)
			ok = false
		}
	}()
	if err := listener.handle(topic, payload); err != nil {
		logger.WarnF("Listener %s failed on %s, details: %v", listener.name, topic, err)
		return false
	}
	return true
}

// Snapshot returns the current Subscriptions ordered by creation, together
// with the generation they were read at.
func (r *Registry) Snapshot() ([]Subscription, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := make([]Subscription, 0, len(r.entries))
	for _, e := range r.entries {
		subs = append(subs, e.sub)
	}
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].Topic < subs[j].Topic
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
	return subs, r.generation
}

// Generation changes whenever a Subscription is created or destroyed.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := make([]string, 0, len(r.entries))
	for topic := range r.entries {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Has reports whether a Subscription for topic currently exists.
func (r *Registry) Has(topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[topic]
	return ok
}

func (r *Registry) ListenerCount(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[topic]; ok {
		return len(e.listeners)
	}
	return 0
}
