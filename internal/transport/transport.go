// Package transport defines the contract between the connection manager and
// whatever carries bytes to the broker.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotConnected = errors.New("transport: session is not connected")
	ErrClosed       = errors.New("transport: session closed")
	// ErrSubscribeRefused 代理对该主题返回了失败码 0x80
	ErrSubscribeRefused = errors.New("transport: broker refused the subscription")
)

// ConnectError is a handshake the broker answered but refused.
type ConnectError struct {
	Code   byte
	Reason string
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("transport: connection refused (code %d: %s)", e.Code, e.Reason)
}

// Message is one inbound PUBLISH. It is not modified after NewMessage returns.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

func NewMessage(topic string, payload []byte) Message {
	p := make([]byte, len(payload))
	copy(p, payload)
	return Message{Topic: topic, Payload: p, ReceivedAt: time.Now()}
}

// Handlers are invoked from the session's own goroutines. OnMessage must return quickly.
type Handlers struct {
	OnMessage        func(Message)
	OnConnectionLost func(error)
}

type Config struct {
	Address        string
	ClientID       string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// Session is a single connection to the broker. Once lost or disconnected it
// is not reused; the owner asks the Factory for a new one.
type Session interface {
	Connect(ctx context.Context) error
	// Disconnect never triggers OnConnectionLost.
	Disconnect()
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
	Publish(topic string, payload []byte) error
}

type Factory func(cfg Config, handlers Handlers) (Session, error)
