// Package memory is an in-process broker with fault injection. Sessions
// created by its Factory behave like network sessions without any I/O.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/transport"
)

var ErrConnectRefused = errors.New("memory: connect refused")

type Published struct {
	ClientID string
	Topic    string
	Payload  []byte
}

type Broker struct {
	mu           sync.Mutex
	sessions     map[*Session]struct{}
	subscribes   map[string]int
	unsubscribes map[string]int
	published    []Published
	connects     int
	failConnects int
	failErr      error
	refused      map[string]struct{}
}

func NewBroker() *Broker {
	return &Broker{
		sessions:     make(map[*Session]struct{}),
		subscribes:   make(map[string]int),
		unsubscribes: make(map[string]int),
		refused:      make(map[string]struct{}),
	}
}

// RefuseTopic makes every later Subscribe to topic fail with transport.ErrSubscribeRefused.
func (b *Broker) RefuseTopic(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refused[topic] = struct{}{}
}

func (b *Broker) Factory() transport.Factory {
	return func(cfg transport.Config, handlers transport.Handlers) (transport.Session, error) {
		return &Session{
			broker:   b,
			cfg:      cfg,
			handlers: handlers,
			topics:   make(map[string]struct{}),
		}, nil
	}
}

// FailNextConnects refuses the next n handshakes with err (ErrConnectRefused when nil).
func (b *Broker) FailNextConnects(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		err = ErrConnectRefused
	}
	b.failConnects = n
	b.failErr = err
}

// Drop kills every live session as a network failure would.
func (b *Broker) Drop(reason error) {
	b.mu.Lock()
	sessions := make([]*Session, 0, len(b.sessions))
	for s := range b.sessions {
		sessions = append(sessions, s)
		delete(b.sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		s.lost(reason)
	}
}

// Deliver routes a message to every live session subscribed to a matching filter.
func (b *Broker) Deliver(topic string, payload []byte) int {
	b.mu.Lock()
	var targets []*Session
	for s := range b.sessions {
		if s.matches(topic) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		if s.handlers.OnMessage != nil {
			s.handlers.OnMessage(transport.NewMessage(topic, payload))
		}
	}
	return len(targets)
}

func (b *Broker) SubscribeCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribes[topic]
}

func (b *Broker) UnsubscribeCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unsubscribes[topic]
}

func (b *Broker) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

func (b *Broker) LiveSessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// ActiveTopics lists the filters held by live sessions, sorted.
func (b *Broker) ActiveTopics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[string]struct{})
	for s := range b.sessions {
		s.mu.Lock()
		for topic := range s.topics {
			seen[topic] = struct{}{}
		}
		s.mu.Unlock()
	}
	topics := make([]string, 0, len(seen))
	for topic := range seen {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

type Session struct {
	broker   *Broker
	cfg      transport.Config
	handlers transport.Handlers

	mu        sync.Mutex
	connected bool
	closed    bool
	topics    map[string]struct{}
}

func (s *Session) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := s.broker
	b.mu.Lock()
	b.connects++
	if b.failConnects > 0 {
		b.failConnects--
		err := b.failErr
		b.mu.Unlock()
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		b.mu.Unlock()
		return transport.ErrClosed
	}
	s.connected = true
	s.mu.Unlock()
	b.sessions[s] = struct{}{}
	b.mu.Unlock()
	logger.DebugF("[%s] memory session connected", s.cfg.ClientID)
	return nil
}

func (s *Session) Disconnect() {
	s.broker.mu.Lock()
	delete(s.broker.sessions, s)
	s.broker.mu.Unlock()

	s.mu.Lock()
	s.connected = false
	s.closed = true
	s.mu.Unlock()
}

func (s *Session) lost(reason error) {
	s.mu.Lock()
	wasConnected := s.connected
	s.connected = false
	s.closed = true
	s.mu.Unlock()
	if wasConnected && s.handlers.OnConnectionLost != nil {
		s.handlers.OnConnectionLost(reason)
	}
}

func (s *Session) checkConnected() error {
	if !s.connected {
		return transport.ErrNotConnected
	}
	return nil
}

func (s *Session) Subscribe(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkConnected(); err != nil {
		return err
	}
	if _, ok := s.broker.refused[topic]; ok {
		return transport.ErrSubscribeRefused
	}
	s.broker.subscribes[topic]++
	s.topics[topic] = struct{}{}
	return nil
}

func (s *Session) Unsubscribe(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkConnected(); err != nil {
		return err
	}
	s.broker.unsubscribes[topic]++
	delete(s.topics, topic)
	return nil
}

func (s *Session) Publish(topic string, payload []byte) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkConnected(); err != nil {
		return err
	}
	s.broker.published = append(s.broker.published, Published{
		ClientID: s.cfg.ClientID,
		Topic:    topic,
		Payload:  append([]byte(nil), payload...),
	})
	return nil
}

// matches is called with the broker lock held.
func (s *Session) matches(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for filter := range s.topics {
		if mqtt.MatchTopic(filter, topic) {
			return true
		}
	}
	return false
}
