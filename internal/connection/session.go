// Package connection 实现了基于 TCP 的 MQTT 3.1.1 客户端会话
package connection

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
	pa "github.com/life-stream-dev/life-stream-go-mqtt-client/internal/packet"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/transport"
)

const (
	defaultConnectTimeout = 10 * time.Second
	maxKeepAlive          = 0xFFFF
)

type sessionState int

const (
	stateIdle sessionState = iota
	stateConnected
	stateClosed
)

// Session 一个连接尝试对应一个 Session，断开后不可复用
type Session struct {
	cfg      transport.Config
	handlers transport.Handlers
	ids      *pa.IDManager

	writeMu sync.Mutex

	mu      sync.Mutex
	state   sessionState
	conn    net.Conn
	pending map[uint16]chan error

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSession is a transport.Factory.
func NewSession(cfg transport.Config, handlers transport.Handlers) (transport.Session, error) {
	if _, err := HostPort(cfg.Address); err != nil {
		return nil, err
	}
	return &Session{
		cfg:      cfg,
		handlers: handlers,
		ids:      pa.NewIDManager(),
		pending:  make(map[uint16]chan error),
		done:     make(chan struct{}),
	}, nil
}

func (s *Session) keepAliveSeconds() int {
	seconds := int(s.cfg.KeepAlive / time.Second)
	if seconds > maxKeepAlive {
		return maxKeepAlive
	}
	return seconds
}

func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateIdle {
		s.mu.Unlock()
		return transport.ErrClosed
	}
	s.mu.Unlock()

	host, _ := HostPort(s.cfg.Address)
	timeout := s.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return fmt.Errorf("dial %s: %w", host, err)
	}

	reader, err := s.handshake(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	s.mu.Lock()
	if s.state != stateIdle {
		// Disconnect 在握手期间被调用
		s.mu.Unlock()
		_ = conn.Close()
		return transport.ErrClosed
	}
	s.state = stateConnected
	s.conn = conn
	s.mu.Unlock()

	logger.InfoF("[%s] Connected to broker %s", s.cfg.ClientID, host)

	s.wg.Add(1)
	go s.readLoop(conn, reader)
	if keepAlive := s.keepAliveSeconds(); keepAlive > 0 {
		s.wg.Add(1)
		go s.pingLoop(time.Duration(keepAlive) * time.Second)
	}
	return nil
}

func (s *Session) handshake(ctx context.Context, conn net.Conn) (*bufio.Reader, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	data, err := pa.NewConnectPacket(pa.NewConnectPayloads(s.cfg.ClientID, s.cfg.Username, s.cfg.Password, s.keepAliveSeconds()))
	if err != nil {
		return nil, err
	}
	if err := send(conn, data, s.cfg.ClientID); err != nil {
		return nil, err
	}

	reader := bufio.NewReader(conn)
	packet, err := mqtt.ReadPacket(reader)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("read CONNACK: %w", err)
	}
	ack, err := pa.ParseConnectAckPacket(packet)
	if err != nil {
		return nil, err
	}
	if ack.ReturnCode != pa.Accepted {
		logger.WarnF("[%s] Broker refused connection, %s", s.cfg.ClientID, ack.ReturnCode)
		return nil, &transport.ConnectError{Code: byte(ack.ReturnCode), Reason: ack.ReturnCode.String()}
	}

	_ = conn.SetDeadline(time.Time{})
	return reader, nil
}

func (s *Session) readLoop(conn net.Conn, reader *bufio.Reader) {
	defer s.wg.Done()
	keepAlive := time.Duration(s.keepAliveSeconds()) * time.Second

	for {
		if keepAlive > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(keepAlive + keepAlive/2))
		}

		packet, err := mqtt.ReadPacket(reader)
		if err != nil {
			if s.closed() {
				return
			}
			handleReadError(s.cfg.ClientID, err)
			s.shutdown(err, false)
			return
		}

		logger.DebugF("[%s] Receive %s package", s.cfg.ClientID, packet.Header.Type)

		if err := s.handlePacket(packet); err != nil {
			logger.ErrorF("[%s] Fail to handle %s packet, details: %v", s.cfg.ClientID, packet.Header.Type, err)
			s.shutdown(err, false)
			return
		}
	}
}

func (s *Session) handlePacket(packet *mqtt.Packet) error {
	switch packet.Header.Type {
	case mqtt.PUBLISH:
		publish, err := pa.ParsePublishPacket(packet)
		if err != nil {
			return err
		}
		switch publish.PacketFlag.QoS {
		case 1:
			if err := s.write(pa.NewPubAckPacket(publish.PacketID)); err != nil {
				return err
			}
		case 2:
			logger.WarnF("[%s] QoS 2 publish on %s is delivered at most once", s.cfg.ClientID, publish.TopicName.Payload)
		}
		if s.handlers.OnMessage != nil {
			s.handlers.OnMessage(transport.NewMessage(string(publish.TopicName.Payload), publish.Payload))
		}
	case mqtt.SUBACK:
		ack, err := pa.ParseSubAckPacket(packet)
		if err != nil {
			return err
		}
		var result error
		for _, code := range ack.ReturnCodes {
			if code == pa.Failure {
				result = transport.ErrSubscribeRefused
			}
		}
		s.resolve(ack.PacketID, result)
	case mqtt.UNSUBACK:
		id, err := pa.ParseUnSubAckPacket(packet)
		if err != nil {
			return err
		}
		s.resolve(id, nil)
	case mqtt.PINGRESP:
	default:
		return fmt.Errorf("unexpected %s packet from broker", packet.Header.Type)
	}
	return nil
}

func (s *Session) pingLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.write(pa.NewPingReqPacket()); err != nil {
				if !s.closed() {
					s.shutdown(err, false)
				}
				return
			}
		}
	}
}

func (s *Session) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateClosed
}

func (s *Session) write(data []byte) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == stateConnected
	s.mu.Unlock()
	if !connected {
		return transport.ErrNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return send(conn, data, s.cfg.ClientID)
}

// shutdown 只执行一次；非用户主动关闭时通知 OnConnectionLost
func (s *Session) shutdown(cause error, userInitiated bool) {
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.mu.Lock()
		s.state = stateClosed
		conn := s.conn
		pending := s.pending
		s.pending = make(map[uint16]chan error)
		s.mu.Unlock()

		close(s.done)
		if conn != nil {
			if err := conn.Close(); err != nil && !IsNetClosedError(err) {
				logger.WarnF("[%s] Error occured while closing connection, details: %v", s.cfg.ClientID, err)
			}
		}
		for _, ch := range pending {
			ch <- transport.ErrClosed
		}
	})
	if first && !userInitiated && s.handlers.OnConnectionLost != nil {
		s.handlers.OnConnectionLost(cause)
	}
}

func (s *Session) Disconnect() {
	s.mu.Lock()
	connected := s.state == stateConnected
	s.mu.Unlock()
	if connected {
		if err := s.write(pa.NewDisconnectPacket()); err != nil {
			logger.DebugF("[%s] Fail to send DISCONNECT packet, details: %v", s.cfg.ClientID, err)
		}
	}
	s.shutdown(nil, true)
	s.wg.Wait()
	if connected {
		logger.InfoF("[%s] Disconnected from broker", s.cfg.ClientID)
	}
}

func (s *Session) resolve(id uint16, err error) {
	s.mu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	s.ids.ReleaseID(id)
	if !ok {
		logger.WarnF("[%s] Acknowledgement for unknown packet %d", s.cfg.ClientID, id)
		return
	}
	ch <- err
}

func (s *Session) forget(id uint16) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
	s.ids.ReleaseID(id)
}

// request 发送需要确认的报文并等待对应报文标识符的确认
func (s *Session) request(ctx context.Context, build func(id uint16) ([]byte, error)) error {
	s.mu.Lock()
	if s.state != stateConnected {
		s.mu.Unlock()
		return transport.ErrNotConnected
	}
	id, err := s.ids.NextID()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	ch := make(chan error, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	data, err := build(id)
	if err != nil {
		s.forget(id)
		return err
	}
	if err := s.write(data); err != nil {
		s.forget(id)
		return err
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		s.forget(id)
		return ctx.Err()
	}
}

func (s *Session) Subscribe(ctx context.Context, topic string) error {
	if err := mqtt.ValidateTopicFilter(topic); err != nil {
		return err
	}
	return s.request(ctx, func(id uint16) ([]byte, error) {
		return pa.NewSubscribePacket(&pa.SubscribePacketPayloads{
			PacketID:      id,
			Subscriptions: []pa.TopicSubscription{{TopicFilter: topic}},
		})
	})
}

func (s *Session) Unsubscribe(ctx context.Context, topic string) error {
	return s.request(ctx, func(id uint16) ([]byte, error) {
		return pa.NewUnSubscribePacket(&pa.UnSubscribePacketPayloads{
			PacketID:     id,
			TopicFilters: []string{topic},
		})
	})
}

func (s *Session) Publish(topic string, payload []byte) error {
	if err := mqtt.ValidateTopicName(topic); err != nil {
		return err
	}
	return s.write(pa.NewPublishPacket(pa.NewPublishPayloads(topic, payload)))
}
