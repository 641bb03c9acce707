// Package paho carries a transport.Session over the Eclipse Paho client.
// Paho's own reconnect logic stays off; the connection manager owns it.
package paho

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/transport"
)

const (
	quiesce          = 250 // 毫秒
	subscribeFailure = 0x80
)

type Session struct {
	cfg      transport.Config
	handlers transport.Handlers
	client   mqtt.Client

	mu     sync.Mutex
	closed bool
}

// NewSession is a transport.Factory.
func NewSession(cfg transport.Config, handlers transport.Handlers) (transport.Session, error) {
	s := &Session{cfg: cfg, handlers: handlers}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Address).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(false).
		SetDefaultPublishHandler(s.onMessage).
		SetConnectionLostHandler(s.onConnectionLost)
	if cfg.KeepAlive > 0 {
		opts.SetKeepAlive(cfg.KeepAlive)
	}
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}

	s.client = mqtt.NewClient(opts)
	return s, nil
}

func (s *Session) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if s.handlers.OnMessage != nil {
		s.handlers.OnMessage(transport.NewMessage(msg.Topic(), msg.Payload()))
	}
}

func (s *Session) onConnectionLost(_ mqtt.Client, err error) {
	s.mu.Lock()
	closed := s.closed
	s.closed = true
	s.mu.Unlock()
	if closed {
		return
	}
	logger.WarnF("[%s] paho connection lost, %v", s.cfg.ClientID, err)
	if s.handlers.OnConnectionLost != nil {
		s.handlers.OnConnectionLost(err)
	}
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.ErrClosed
	}
	s.mu.Unlock()

	token := s.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		// 握手仍在进行，由 Disconnect 负责中止
		return fmt.Errorf("paho connect: %w", ctx.Err())
	}
	err := token.Error()
	if err == nil {
		return nil
	}
	if ct, ok := token.(*mqtt.ConnectToken); ok {
		if code := ct.ReturnCode(); code != packets.Accepted {
			return &transport.ConnectError{Code: code, Reason: packets.ConnackReturnCodes[code]}
		}
	}
	return fmt.Errorf("paho connect: %w", err)
}

// Disconnect also aborts a handshake that is still in flight, so a connect
// cancelled by its context never completes in the background.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.client.Disconnect(quiesce)
}

func (s *Session) connected() error {
	if !s.client.IsConnectionOpen() {
		return transport.ErrNotConnected
	}
	return nil
}

func (s *Session) Subscribe(ctx context.Context, topic string) error {
	if err := s.connected(); err != nil {
		return err
	}
	// 回调为 nil 时走 DefaultPublishHandler
	token := s.client.Subscribe(topic, 0, nil)
	err := wait(ctx, token)
	if st, ok := token.(*mqtt.SubscribeToken); ok && ctx.Err() == nil {
		if code, found := st.Result()[topic]; found && code == subscribeFailure {
			return transport.ErrSubscribeRefused
		}
	}
	return err
}

func (s *Session) Unsubscribe(ctx context.Context, topic string) error {
	if err := s.connected(); err != nil {
		return err
	}
	return wait(ctx, s.client.Unsubscribe(topic))
}

func (s *Session) Publish(topic string, payload []byte) error {
	if err := s.connected(); err != nil {
		return err
	}
	token := s.client.Publish(topic, 0, false, payload)
	// QoS 0 的 token 在写入出站队列后即完成
	if !token.WaitTimeout(time.Second) {
		return nil
	}
	return token.Error()
}
