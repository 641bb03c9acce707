package packet

// 控制包类型 CONNECT / CONNACK 相关函数

import (
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

type ConnectRespType byte

const (
	Accepted ConnectRespType = iota
	UnacceptableProtocol
	IdentifierRejected
	ServerUnavailable
	AuthenticationFailed
	NotAuthorized
)

var connectRespNames = map[ConnectRespType]string{
	Accepted:             "connection accepted",
	UnacceptableProtocol: "unacceptable protocol version",
	IdentifierRejected:   "identifier rejected",
	ServerUnavailable:    "server unavailable",
	AuthenticationFailed: "bad user name or password",
	NotAuthorized:        "not authorized",
}

func (c ConnectRespType) String() string {
	if name, ok := connectRespNames[c]; ok {
		return name
	}
	return fmt.Sprintf("unknown return code %d", byte(c))
}

// ConnectPacketFlag CONNECT控制包连接标志位
type ConnectPacketFlag struct {
	UsernameFlag    bool
	PasswordFlag    bool
	RemainFlag      bool
	QoSLevel        byte
	WillMessageFlag bool
	CleanSession    bool
}

func (f ConnectPacketFlag) Byte() byte {
	var b byte
	if f.UsernameFlag {
		b |= 0x80
	}
	if f.PasswordFlag {
		b |= 0x40
	}
	if f.RemainFlag {
		b |= 0x20
	}
	b |= (f.QoSLevel & 0x03) << 3
	if f.WillMessageFlag {
		b |= 0x04
	}
	if f.CleanSession {
		b |= 0x02
	}
	return b
}

type ConnectPacketPayloads struct {
	ConnectFlag        ConnectPacketFlag
	ClientIdentifier   FieldPayload
	UsernamePayload    FieldPayload
	PasswordPayload    FieldPayload
	WillMessageTopic   FieldPayload
	WillMessageContent FieldPayload
	KeepAlive          int
}

// NewConnectPayloads 构造 clean session 的连接参数，用户名密码为空时不设置
func NewConnectPayloads(clientID, username, password string, keepAlive int) *ConnectPacketPayloads {
	result := &ConnectPacketPayloads{
		ConnectFlag: ConnectPacketFlag{
			CleanSession: true,
			UsernameFlag: username != "",
			PasswordFlag: password != "",
		},
		ClientIdentifier: NewFieldPayload(clientID),
		KeepAlive:        keepAlive,
	}
	if result.ConnectFlag.UsernameFlag {
		result.UsernamePayload = NewFieldPayload(username)
	}
	if result.ConnectFlag.PasswordFlag {
		result.PasswordPayload = NewFieldPayload(password)
	}
	return result
}

func NewConnectPacket(payloads *ConnectPacketPayloads) ([]byte, error) {
	flag := payloads.ConnectFlag
	if !flag.WillMessageFlag && (flag.RemainFlag || flag.QoSLevel != 0) {
		return nil, errors.New("when will message flag is not set, remain flag must not be set and QoSLevel must be 0")
	}
	if flag.PasswordFlag && !flag.UsernameFlag {
		return nil, errors.New("password flag requires user name flag")
	}
	if payloads.KeepAlive < 0 || payloads.KeepAlive > 0xFFFF {
		return nil, fmt.Errorf("keep alive %d out of range", payloads.KeepAlive)
	}

	body := make([]byte, 0, 32)
	body = append(body, NewFieldPayload(mqtt.ProtocolName).Encode()...)
	body = append(body, mqtt.ProtocolVersion, flag.Byte())
	body = append(body, mqtt.UInt16ToByte(uint16(payloads.KeepAlive))...)
	body = append(body, payloads.ClientIdentifier.Encode()...)
	if flag.WillMessageFlag {
		body = append(body, payloads.WillMessageTopic.Encode()...)
		body = append(body, payloads.WillMessageContent.Encode()...)
	}
	if flag.UsernameFlag {
		body = append(body, payloads.UsernamePayload.Encode()...)
	}
	if flag.PasswordFlag {
		body = append(body, payloads.PasswordPayload.Encode()...)
	}
	return mqtt.Encode(mqtt.CONNECT, 0, body), nil
}

type ConnAckPayloads struct {
	SessionPresent bool
	ReturnCode     ConnectRespType
}

func NewConnectAckPacket(sessionPresent bool, returnCode ConnectRespType) []byte {
	if sessionPresent {
		return []byte{0x20, 0x02, 0x01, byte(returnCode)}
	}
	return []byte{0x20, 0x02, 0x00, byte(returnCode)}
}

func ParseConnectAckPacket(packet *mqtt.Packet) (*ConnAckPayloads, error) {
	if err := expectType(packet, mqtt.CONNACK); err != nil {
		return nil, err
	}
	if packet.Header.RemainingLength != 2 {
		return nil, fmt.Errorf("CONNACK remaining length must be 2, got %d", packet.Header.RemainingLength)
	}
	data, err := readPacketBytes(packet.Payload, 2)
	if err != nil {
		return nil, err
	}
	return &ConnAckPayloads{
		SessionPresent: data[0]&0x01 == 1,
		ReturnCode:     ConnectRespType(data[1]),
	}, nil
}
