// Package client keeps one logical MQTT session alive across network
// failures and restores every registry subscription on each new connection.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/sync/errgroup"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/backoff"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/registry"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/transport"
)

const (
	DefaultPort    = "1883"
	clientIDPrefix = "ls"
)

// Sink receives inbound messages; Enqueue must not block.
type Sink interface {
	Enqueue(msg transport.Message) bool
}

type Credentials struct {
	Username string
	Password string
}

type Manager struct {
	registry *registry.Registry
	sink     Sink
	factory  transport.Factory

	clientID             string
	strategy             backoff.Strategy
	connectTimeout       time.Duration
	keepAlive            time.Duration
	subscribeConcurrency int
	observers            []func(StateChange)

	// epoch 每次连接尝试加一，旧会话的回调据此丢弃
	epoch atomic.Uint64

	mu         sync.Mutex
	state      State
	started    bool
	stopped    bool
	cfg        transport.Config
	session    transport.Session
	subscribed map[string]struct{}
	lostEpoch  uint64
	runCtx     context.Context
	cancel     context.CancelFunc
	lost       chan struct{}
	done       chan struct{}

	// 状态变更按顺序交给 notify 协程
	changes      []StateChange
	wake         chan struct{}
	notifierQuit chan struct{}
	notifierDone chan struct{}
}

// NewManager builds a Manager and installs it as the registry's observer.
func NewManager(reg *registry.Registry, sink Sink, factory transport.Factory, opts ...Option) *Manager {
	m := &Manager{
		registry:             reg,
		sink:                 sink,
		factory:              factory,
		strategy:             backoff.Default(),
		connectTimeout:       defaultConnectTimeout,
		keepAlive:            defaultKeepAlive,
		subscribeConcurrency: defaultSubscribeConcurrency,
		state:                Disconnected,
		subscribed:           make(map[string]struct{}),
		lost:                 make(chan struct{}, 1),
		done:                 make(chan struct{}),
		wake:                 make(chan struct{}, 1),
		notifierQuit:         make(chan struct{}),
		notifierDone:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.clientID == "" {
		m.clientID = GenerateClientID()
	}
	reg.SetObserver(m)
	return m
}

// GenerateClientID returns a 18 character identifier, within the 23 byte
// limit every MQTT 3.1.1 broker accepts.
func GenerateClientID() string {
	return clientIDPrefix + primitive.NewObjectID().Hex()[8:]
}

// NormalizeAddress turns "host", "host:port" or "tcp://host:port" into
// "tcp://host:port".
func NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", ErrEmptyAddress
	}
	if !strings.Contains(address, "://") {
		address = "tcp://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("client: invalid broker address: %w", err)
	}
	switch u.Scheme {
	case "tcp", "mqtt":
	default:
		return "", fmt.Errorf("client: unsupported broker scheme %q", u.Scheme)
	}
	host, port := u.Hostname(), u.Port()
	if host == "" {
		return "", fmt.Errorf("client: broker address %q has no host", address)
	}
	if port == "" {
		port = DefaultPort
	}
	return "tcp://" + net.JoinHostPort(host, port), nil
}

func (m *Manager) ClientID() string {
	return m.clientID
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start validates the address and begins connecting in the background.
func (m *Manager) Start(address string, creds Credentials) error {
	normalized, err := NormalizeAddress(address)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true
	m.cfg = transport.Config{
		Address:        normalized,
		ClientID:       m.clientID,
		Username:       creds.Username,
		Password:       creds.Password,
		KeepAlive:      m.keepAlive,
		ConnectTimeout: m.connectTimeout,
	}
	m.runCtx, m.cancel = context.WithCancel(context.Background())

	go m.notify()
	m.setStateLocked(Connecting, nil)
	go m.run(m.runCtx)

	logger.InfoF("[%s] Connection manager started, broker %s", m.clientID, normalized)
	return nil
}

// Stop cancels any pending attempt or wait, closes the session and leaves
// the manager Disconnected. Safe to call more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	if !m.started {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	<-m.done

	m.mu.Lock()
	m.epoch.Add(1)
	session := m.session
	m.session = nil
	m.subscribed = make(map[string]struct{})
	m.setStateLocked(Disconnected, nil)
	m.mu.Unlock()

	if session != nil {
		session.Disconnect()
	}

	close(m.notifierQuit)
	<-m.notifierDone
	logger.InfoF("[%s] Connection manager stopped", m.clientID)
}

// Invoke lets the manager be registered as a shutdown hook.
func (m *Manager) Invoke(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish sends a QoS 0 message. It fails without any I/O unless Connected.
func (m *Manager) Publish(topic string, payload []byte) error {
	m.mu.Lock()
	state, session := m.state, m.session
	m.mu.Unlock()

	if state != Connected || session == nil {
		return &PublishError{Topic: topic, Err: ErrNotConnected}
	}
	if err := session.Publish(topic, payload); err != nil {
		if errors.Is(err, transport.ErrNotConnected) || errors.Is(err, transport.ErrClosed) {
			err = ErrNotConnected
		}
		return &PublishError{Topic: topic, Err: err}
	}
	return nil
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	for {
		if !m.connectLoop(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-m.lost:
		}
	}
}

// connectLoop 直到连接成功（true）或被 Stop 取消（false）
func (m *Manager) connectLoop(ctx context.Context) bool {
	for attempt := 0; ; attempt++ {
		err := m.connectOnce(ctx)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		delay := m.strategy.Delay(attempt)
		logger.WarnF("[%s] Connect attempt %d failed, retrying in %s, details: %v", m.clientID, attempt+1, delay, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

func (m *Manager) connectOnce(ctx context.Context) error {
	m.mu.Lock()
	epoch := m.epoch.Add(1)
	m.subscribed = make(map[string]struct{})
	cfg := m.cfg
	m.mu.Unlock()

	session, err := m.factory(cfg, transport.Handlers{
		OnMessage: func(msg transport.Message) {
			m.deliver(epoch, msg)
		},
		OnConnectionLost: func(err error) {
			m.connectionLost(epoch, err)
		},
	})
	if err != nil {
		return err
	}

	if err := session.Connect(ctx); err != nil {
		session.Disconnect()
		return err
	}

	m.mu.Lock()
	m.session = session
	m.mu.Unlock()

	fail := func(err error) error {
		m.mu.Lock()
		if m.session == session {
			m.session = nil
		}
		m.mu.Unlock()
		session.Disconnect()
		return err
	}

	for {
		subs, generation := m.registry.Snapshot()
		if err := m.sweep(ctx, session, epoch, subs); err != nil {
			return fail(err)
		}

		m.mu.Lock()
		switch {
		case ctx.Err() != nil:
			m.mu.Unlock()
			return fail(ctx.Err())
		case m.lostEpoch == epoch:
			m.mu.Unlock()
			return fail(errConnectionLost)
		case m.registry.Generation() == generation:
			m.setStateLocked(Connected, nil)
			count := len(m.subscribed)
			m.mu.Unlock()
			logger.InfoF("[%s] Connected, %d subscriptions restored", m.clientID, count)
			return nil
		}
		m.mu.Unlock()
	}
}

// sweep 订阅快照中当前连接尚未订阅的主题，并退订已从注册表删除的主题
func (m *Manager) sweep(ctx context.Context, session transport.Session, epoch uint64, subs []registry.Subscription) error {
	wanted := make(map[string]struct{}, len(subs))
	for _, sub := range subs {
		wanted[sub.Topic] = struct{}{}
	}

	var pending, stale []string
	m.mu.Lock()
	for _, sub := range subs {
		if _, ok := m.subscribed[sub.Topic]; !ok {
			m.subscribed[sub.Topic] = struct{}{}
			pending = append(pending, sub.Topic)
		}
	}
	for topic := range m.subscribed {
		if _, ok := wanted[topic]; !ok {
			delete(m.subscribed, topic)
			stale = append(stale, topic)
		}
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.subscribeConcurrency)
	for _, topic := range pending {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, m.connectTimeout)
			defer cancel()
			if err := session.Subscribe(sctx, topic); err != nil {
				m.forget(epoch, topic)
				if errors.Is(err, transport.ErrSubscribeRefused) {
					// 单个主题被拒绝不影响其余订阅，下次重连时再试
					logger.ErrorF("[%s] Broker refused subscription %s, skipped on this connection", m.clientID, topic)
					return nil
				}
				return fmt.Errorf("subscribe %s: %w", topic, err)
			}
			logger.DebugF("[%s] Subscribed %s", m.clientID, topic)
			return nil
		})
	}
	for _, topic := range stale {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, m.connectTimeout)
			defer cancel()
			if err := session.Unsubscribe(sctx, topic); err != nil {
				return fmt.Errorf("unsubscribe %s: %w", topic, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) forget(epoch uint64, topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch.Load() == epoch {
		delete(m.subscribed, topic)
	}
}

func (m *Manager) deliver(epoch uint64, msg transport.Message) {
	if m.epoch.Load() != epoch {
		return
	}
	if !m.sink.Enqueue(msg) {
		logger.DebugF("[%s] Inbound message on %s dropped by ingest queue", m.clientID, msg.Topic)
	}
}

func (m *Manager) connectionLost(epoch uint64, err error) {
	m.mu.Lock()
	if m.epoch.Load() != epoch || m.stopped {
		m.mu.Unlock()
		return
	}
	m.lostEpoch = epoch
	if m.state != Connected {
		// 连接建立过程中断开，由 connectOnce 处理
		m.mu.Unlock()
		return
	}
	m.session = nil
	m.subscribed = make(map[string]struct{})
	m.setStateLocked(Reconnecting, err)
	m.mu.Unlock()

	logger.WarnF("[%s] Connection lost, reconnecting, details: %v", m.clientID, err)
	select {
	case m.lost <- struct{}{}:
	default:
	}
}

// TopicSubscribed subscribes a newly created registry Subscription right away
// when the connection is up. Otherwise the next sweep picks it up.
func (m *Manager) TopicSubscribed(topic string) {
	m.mu.Lock()
	if m.state != Connected || m.session == nil {
		m.mu.Unlock()
		return
	}
	// 通知在注册表锁外发出，可能晚于同一主题的 TopicUnsubscribed
	if _, ok := m.subscribed[topic]; ok || !m.registry.Has(topic) {
		m.mu.Unlock()
		return
	}
	m.subscribed[topic] = struct{}{}
	session, ctx := m.session, m.runCtx
	epoch := m.epoch.Load()
	m.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()
	if err := session.Subscribe(sctx, topic); err != nil {
		m.forget(epoch, topic)
		logger.ErrorF("[%s] Fail to subscribe %s, details: %v", m.clientID, topic, err)
		return
	}
	logger.DebugF("[%s] Subscribed %s", m.clientID, topic)

	// SUBSCRIBE 发出期间主题可能已被删除，此时补发 UNSUBSCRIBE
	m.mu.Lock()
	if m.registry.Has(topic) || m.epoch.Load() != epoch {
		m.mu.Unlock()
		return
	}
	delete(m.subscribed, topic)
	m.mu.Unlock()

	uctx, cancelUnsub := context.WithTimeout(ctx, m.connectTimeout)
	defer cancelUnsub()
	if err := session.Unsubscribe(uctx, topic); err != nil {
		logger.WarnF("[%s] Fail to unsubscribe %s, details: %v", m.clientID, topic, err)
		return
	}
	logger.DebugF("[%s] Unsubscribed %s", m.clientID, topic)
}

// TopicUnsubscribed removes a destroyed Subscription from the broker when connected.
func (m *Manager) TopicUnsubscribed(topic string) {
	m.mu.Lock()
	_, had := m.subscribed[topic]
	if m.state != Connected || m.session == nil || !had {
		m.mu.Unlock()
		return
	}
	delete(m.subscribed, topic)
	session, ctx := m.session, m.runCtx
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()
	if err := session.Unsubscribe(ctx, topic); err != nil {
		logger.WarnF("[%s] Fail to unsubscribe %s, details: %v", m.clientID, topic, err)
		return
	}
	logger.DebugF("[%s] Unsubscribed %s", m.clientID, topic)
}

// setStateLocked 需持有 m.mu
func (m *Manager) setStateLocked(to State, err error) {
	if m.state == to {
		return
	}
	change := StateChange{
		ClientID: m.clientID,
		From:     m.state,
		To:       to,
		At:       time.Now(),
		Err:      err,
	}
	if to == Connected {
		change.Topics = make([]string, 0, len(m.subscribed))
		for topic := range m.subscribed {
			change.Topics = append(change.Topics, topic)
		}
		sort.Strings(change.Topics)
	}
	m.state = to
	logger.DebugF("[%s] State %s -> %s", m.clientID, change.From, change.To)

	if len(m.observers) == 0 {
		return
	}
	m.changes = append(m.changes, change)
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) notify() {
	defer close(m.notifierDone)
	for {
		quit := false
		select {
		case <-m.wake:
		case <-m.notifierQuit:
			quit = true
		}

		m.mu.Lock()
		changes := m.changes
		m.changes = nil
		m.mu.Unlock()

		for _, change := range changes {
			for _, observer := range m.observers {
				observer(change)
			}
		}
		if quit {
			return
		}
	}
}
