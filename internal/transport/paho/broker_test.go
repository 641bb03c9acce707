package paho

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
	pa "github.com/life-stream-dev/life-stream-go-mqtt-client/internal/packet"
)

// fakeBroker 只服务一个客户端连接。holdConnack 为真时 CONNACK 要等 sendConnack 后才发出
type fakeBroker struct {
	t        *testing.T
	listener net.Listener

	connackOnce sync.Once
	connackGate chan struct{}

	mu           sync.Mutex
	conn         net.Conn
	clientID     string
	subscribed   []string
	unsubscribed []string
	published    []string
	disconnects  int

	received chan struct{} // CONNECT 已读到
	ready    chan struct{} // CONNACK 已发出
	finished chan struct{} // 客户端连接已关闭
}

func newFakeBroker(t *testing.T, holdConnack bool) *fakeBroker {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	b := &fakeBroker{
		t:           t,
		listener:    l,
		connackGate: make(chan struct{}),
		received:    make(chan struct{}),
		ready:       make(chan struct{}),
		finished:    make(chan struct{}),
	}
	if !holdConnack {
		b.sendConnack()
	}
	go b.serve()
	t.Cleanup(func() {
		b.sendConnack()
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

func (b *fakeBroker) sendConnack() {
	b.connackOnce.Do(func() { close(b.connackGate) })
}

func readField(data []byte) (string, []byte) {
	n := int(mqtt.ByteToUInt16(data[:2]))
	return string(data[2 : 2+n]), data[2+n:]
}

func (b *fakeBroker) serve() {
	defer close(b.finished)
	conn, err := b.listener.Accept()
	if err != nil {
		close(b.received)
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
		close(b.received)
		close(b.ready)
		return
	}
	_, rest := readField(first.Payload.Context)
	clientID, _ := readField(rest[4:])
	b.mu.Lock()
	b.clientID = clientID
	b.mu.Unlock()
	close(b.received)

	<-b.connackGate
	_, _ = conn.Write(pa.NewConnectAckPacket(false, pa.Accepted))
	close(b.ready)

	for {
		packet, err := mqtt.ReadPacket(reader)
		if err != nil {
			return
		}
		data := packet.Payload.Context
		switch packet.Header.Type {
		case mqtt.SUBSCRIBE:
			topic, _ := readField(data[2:])
			code := byte(pa.SuccessQos0)
			if strings.HasPrefix(topic, "forbidden/") {
				code = byte(pa.Failure)
			}
			b.mu.Lock()
			b.subscribed = append(b.subscribed, topic)
			b.mu.Unlock()
			_, _ = conn.Write(mqtt.Encode(mqtt.SUBACK, 0, []byte{data[0], data[1], code}))
		case mqtt.UNSUBSCRIBE:
			topic, _ := readField(data[2:])
			b.mu.Lock()
			b.unsubscribed = append(b.unsubscribed, topic)
			b.mu.Unlock()
			_, _ = conn.Write(mqtt.Encode(mqtt.UNSUBACK, 0, data[:2]))
		case mqtt.PUBLISH:
			topic, _ := readField(data)
			b.mu.Lock()
			b.published = append(b.published, topic)
			b.mu.Unlock()
		case mqtt.PINGREQ:
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

func (b *fakeBroker) snapshot() (subscribed, unsubscribed, published []string, disconnects int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.subscribed...),
		append([]string(nil), b.unsubscribed...),
		append([]string(nil), b.published...),
		b.disconnects
}
