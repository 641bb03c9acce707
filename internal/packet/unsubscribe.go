package packet

import (
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

type UnSubscribePacketPayloads struct {
	PacketID     uint16
	TopicFilters []string
}

func NewUnSubscribePacket(payload *UnSubscribePacketPayloads) ([]byte, error) {
	if len(payload.TopicFilters) == 0 {
		return nil, fmt.Errorf("UNSUBSCRIBE packet must contain at least one topic filter")
	}
	body := make([]byte, 0, 16)
	body = append(body, mqtt.UInt16ToByte(payload.PacketID)...)
	for _, filter := range payload.TopicFilters {
		body = append(body, NewFieldPayload(filter).Encode()...)
	}
	return mqtt.Encode(mqtt.UNSUBSCRIBE, 0x02, body), nil
}

// ParseUnSubAckPacket 返回报文标识符
func ParseUnSubAckPacket(packet *mqtt.Packet) (uint16, error) {
	if err := expectType(packet, mqtt.UNSUBACK); err != nil {
		return 0, err
	}
	return readPacketID(packet.Payload)
}
