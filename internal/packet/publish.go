package packet

import (
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

type PublishPacketFlag struct {
	RetryFlag bool
	QoS       byte
	Retain    bool
}

func (f PublishPacketFlag) Byte() byte {
	var b byte
	if f.RetryFlag {
		b |= 0x08
	}
	b |= (f.QoS & 0x03) << 1
	if f.Retain {
		b |= 0x01
	}
	return b
}

type PublishPacketPayloads struct {
	PacketFlag PublishPacketFlag
	TopicName  FieldPayload
	PacketID   uint16
	Payload    []byte
}

// NewPublishPayloads QoS 0 的发布参数
func NewPublishPayloads(topic string, payload []byte) *PublishPacketPayloads {
	return &PublishPacketPayloads{
		TopicName: NewFieldPayload(topic),
		Payload:   payload,
	}
}

func NewPublishPacket(packetPayloads *PublishPacketPayloads) []byte {
	body := make([]byte, 0, 4+len(packetPayloads.TopicName.Payload)+len(packetPayloads.Payload))
	body = append(body, packetPayloads.TopicName.Encode()...)
	if packetPayloads.PacketFlag.QoS > 0 {
		body = append(body, mqtt.UInt16ToByte(packetPayloads.PacketID)...)
	}
	body = append(body, packetPayloads.Payload...)
	return mqtt.Encode(mqtt.PUBLISH, packetPayloads.PacketFlag.Byte(), body)
}

func ParsePublishPacket(packet *mqtt.Packet) (*PublishPacketPayloads, error) {
	if err := expectType(packet, mqtt.PUBLISH); err != nil {
		return nil, err
	}
	result := &PublishPacketPayloads{
		PacketFlag: PublishPacketFlag{
			RetryFlag: (packet.Header.Flags&0x08)>>3 == 1,
			QoS:       (packet.Header.Flags & 0x06) >> 1,
			Retain:    packet.Header.Flags&0x01 == 1,
		},
	}

	if result.PacketFlag.QoS == 0 && result.PacketFlag.RetryFlag {
		return result, fmt.Errorf("when QoS Level set to 0, retry flag must be set to 0 either")
	}

	if result.PacketFlag.QoS == 3 {
		return result, fmt.Errorf("the QoS Level must not set to 3")
	}

	payloadLength := packet.Header.RemainingLength

	topicName, err := readPacketPayload(packet.Payload)
	if err != nil {
		return result, fmt.Errorf("error occured when reading topic name, details: %w", err)
	}
	result.TopicName = topicName
	payloadLength -= 2 + topicName.PayloadLength

	if result.PacketFlag.QoS > 0 {
		packetID, err := readPacketID(packet.Payload)
		if err != nil {
			return result, err
		}
		result.PacketID = packetID
		payloadLength -= 2
	}

	payload, err := readPacketBytes(packet.Payload, payloadLength)
	if err != nil {
		return result, fmt.Errorf("error occured when reading payload, details: %w", err)
	}
	result.Payload = payload

	return result, nil
}

func NewPubAckPacket(packetID uint16) []byte {
	return mqtt.Encode(mqtt.PUBACK, 0, mqtt.UInt16ToByte(packetID))
}
