package connection

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
	pa "github.com/life-stream-dev/life-stream-go-mqtt-client/internal/packet"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/transport"
)

// fakeBroker 只服务一个客户端连接
type fakeBroker struct {
	t        *testing.T
	listener net.Listener
	connack  pa.ConnectRespType

	mu          sync.Mutex
	ignoreSub   bool
	conn        net.Conn
	clientID    string
	subscribed  []string
	published   []string
	pings       int
	disconnects int
	ready       chan struct{}
	finished    chan struct{}
}

func newFakeBroker(t *testing.T, connack pa.ConnectRespType) *fakeBroker {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	b := &fakeBroker{
		t:        t,
		listener: l,
		connack:  connack,
		ready:    make(chan struct{}),
		finished: make(chan struct{}),
	}
	go b.serve()
	t.Cleanup(func() {
		_ = l.Close()
		b.mu.Lock()
		if b.conn != nil {
			_ = b.conn.Close()
		}
		b.mu.Unlock()
		<-b.finished
	})
	return b
}

func (b *fakeBroker) address() string {
	return "tcp://" + b.listener.Addr().String()
}

func readField(data []byte) (string, []byte) {
	n := int(mqtt.ByteToUInt16(data[:2]))
	return string(data[2 : 2+n]), data[2+n:]
}

func (b *fakeBroker) serve() {
	defer close(b.finished)
	conn, err := b.listener.Accept()
	if err != nil {
		close(b.ready)
		return
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	defer conn.Close()

	reader := bufio.NewReader(conn)
	first, err := mqtt.ReadPacket(reader)
	if err != nil || first.Header.Type != mqtt.CONNECT {
		close(b.ready)
		return
	}
	// 跳过协议名、版本、标志位和 keep alive
	_, rest := readField(first.Payload.Context)
	clientID, _ := readField(rest[4:])
	b.mu.Lock()
	b.clientID = clientID
	b.mu.Unlock()

	_, _ = conn.Write(pa.NewConnectAckPacket(false, b.connack))
	close(b.ready)
	if b.connack != pa.Accepted {
		return
	}

	for {
		packet, err := mqtt.ReadPacket(reader)
		if err != nil {
			return
		}
		data := packet.Payload.Context
		switch packet.Header.Type {
		case mqtt.SUBSCRIBE:
			topic, _ := readField(data[2:])
			b.mu.Lock()
			b.subscribed = append(b.subscribed, topic)
			ignore := b.ignoreSub
			b.mu.Unlock()
			code := byte(pa.SuccessQos0)
			if strings.HasPrefix(topic, "forbidden/") {
				code = byte(pa.Failure)
			}
			if !ignore {
				_, _ = conn.Write(mqtt.Encode(mqtt.SUBACK, 0, []byte{data[0], data[1], code}))
			}
		case mqtt.UNSUBSCRIBE:
			_, _ = conn.Write(mqtt.Encode(mqtt.UNSUBACK, 0, data[:2]))
		case mqtt.PUBLISH:
			topic, _ := readField(data)
			b.mu.Lock()
			b.published = append(b.published, topic)
			b.mu.Unlock()
		case mqtt.PINGREQ:
			b.mu.Lock()
			b.pings++
			b.mu.Unlock()
			_, _ = conn.Write(pa.NewPingRespPacket())
		case mqtt.DISCONNECT:
			b.mu.Lock()
			b.disconnects++
			b.mu.Unlock()
			return
		}
	}
}

func (b *fakeBroker) publish(topic string, payload []byte) {
	<-b.ready
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.conn.Write(pa.NewPublishPacket(pa.NewPublishPayloads(topic, payload)))
	require.NoError(b.t, err)
}

func (b *fakeBroker) dropClient() {
	<-b.ready
	b.mu.Lock()
	defer b.mu.Unlock()
	_ = b.conn.Close()
}

func (b *fakeBroker) snapshot() (subscribed, published []string, pings, disconnects int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.subscribed...), append([]string(nil), b.published...), b.pings, b.disconnects
}

type events struct {
	messages chan transport.Message
	lost     chan error
}

func newEvents() *events {
	return &events{messages: make(chan transport.Message, 16), lost: make(chan error, 4)}
}

func (e *events) handlers() transport.Handlers {
	return transport.Handlers{
		OnMessage:        func(m transport.Message) { e.messages <- m },
		OnConnectionLost: func(err error) { e.lost <- err },
	}
}

func connect(t *testing.T, b *fakeBroker, ev *events, keepAlive time.Duration) transport.Session {
	t.Helper()
	s, err := NewSession(transport.Config{
		Address:        b.address(),
		ClientID:       "native-test",
		KeepAlive:      keepAlive,
		ConnectTimeout: 2 * time.Second,
	}, ev.handlers())
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	b := newFakeBroker(t, pa.Accepted)
	ev := newEvents()
	s := connect(t, b, ev, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, s.Subscribe(ctx, "sensors/+"))
	require.NoError(t, s.Unsubscribe(ctx, "sensors/+"))
	require.NoError(t, s.Publish("actuators/1", []byte("on")))

	b.publish("sensors/1", []byte("21.5"))
	select {
	case m := <-ev.messages:
		assert.Equal(t, "sensors/1", m.Topic)
		assert.Equal(t, []byte("21.5"), m.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	s.Disconnect()
	<-b.finished

	subscribed, published, _, disconnects := b.snapshot()
	assert.Equal(t, []string{"sensors/+"}, subscribed)
	assert.Equal(t, []string{"actuators/1"}, published)
	assert.Equal(t, 1, disconnects)
	assert.Empty(t, ev.lost)
	assert.Equal(t, "native-test", b.clientID)

	assert.ErrorIs(t, s.Publish("a", nil), transport.ErrNotConnected)
	assert.ErrorIs(t, s.Connect(ctx), transport.ErrClosed)
}

func TestSessionRefused(t *testing.T) {
	b := newFakeBroker(t, pa.NotAuthorized)
	s, err := NewSession(transport.Config{Address: b.address(), ClientID: "native-test"}, newEvents().handlers())
	require.NoError(t, err)

	err = s.Connect(context.Background())
	var connectErr *transport.ConnectError
	require.True(t, errors.As(err, &connectErr))
	assert.Equal(t, byte(pa.NotAuthorized), connectErr.Code)
}

func TestSessionLost(t *testing.T) {
	b := newFakeBroker(t, pa.Accepted)
	ev := newEvents()
	s := connect(t, b, ev, 0)

	b.dropClient()
	select {
	case err := <-ev.lost:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("connection loss not reported")
	}

	assert.ErrorIs(t, s.Subscribe(context.Background(), "a"), transport.ErrNotConnected)
	s.Disconnect()
	assert.Empty(t, ev.lost)
}

func TestSubscribeHonoursContext(t *testing.T) {
	b := newFakeBroker(t, pa.Accepted)
	b.mu.Lock()
	b.ignoreSub = true
	b.mu.Unlock()
	s := connect(t, b, newEvents(), 0)
	defer s.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Subscribe(ctx, "slow"), context.DeadlineExceeded)
}

func TestSubscribeRefused(t *testing.T) {
	b := newFakeBroker(t, pa.Accepted)
	s := connect(t, b, newEvents(), 0)
	defer s.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.ErrorIs(t, s.Subscribe(ctx, "forbidden/a"), transport.ErrSubscribeRefused)
	assert.NoError(t, s.Subscribe(ctx, "allowed/a"))
}

func TestSessionSendsPing(t *testing.T) {
	b := newFakeBroker(t, pa.Accepted)
	s := connect(t, b, newEvents(), time.Second)
	defer s.Disconnect()

	assert.Eventually(t, func() bool {
		_, _, pings, _ := b.snapshot()
		return pings > 0
	}, 3*time.Second, 50*time.Millisecond)
}

func TestHostPort(t *testing.T) {
	tests := []struct {
		address string
		want    string
		wantErr bool
	}{
		{"tcp://localhost:1883", "localhost:1883", false},
		{"mqtt://10.0.0.1:1883", "10.0.0.1:1883", false},
		{"127.0.0.1:1883", "127.0.0.1:1883", false},
		{"ws://host:80", "", true},
		{"localhost", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := HostPort(tt.address)
		if tt.wantErr {
			assert.Error(t, err, tt.address)
			continue
		}
		require.NoError(t, err, tt.address)
		assert.Equal(t, tt.want, got)
	}
}
