package client

import (
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/backoff"
)

const (
	defaultConnectTimeout       = 10 * time.Second
	defaultKeepAlive            = 60 * time.Second
	defaultSubscribeConcurrency = 8
)

type Option func(*Manager)

// WithClientID fixes the MQTT client identifier. Without it one is generated.
func WithClientID(id string) Option {
	return func(m *Manager) {
		m.clientID = id
	}
}

func WithReconnectStrategy(strategy backoff.Strategy) Option {
	return func(m *Manager) {
		m.strategy = strategy
	}
}

// WithConnectTimeout bounds the handshake and every broker subscribe.
func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.connectTimeout = d
		}
	}
}

func WithKeepAlive(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.keepAlive = d
		}
	}
}

// WithSubscribeConcurrency limits in-flight subscribes during a re-subscribe sweep.
func WithSubscribeConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.subscribeConcurrency = n
		}
	}
}

// WithStateObserver registers fn for every state transition. Observers run on
// a dedicated goroutine, one change at a time.
func WithStateObserver(fn func(StateChange)) Option {
	return func(m *Manager) {
		if fn != nil {
			m.observers = append(m.observers, fn)
		}
	}
}
