package packet

import (
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

type SubscribeState byte

const (
	SuccessQos0 SubscribeState = iota
	SuccessQos1
	SuccessQos2
	Failure SubscribeState = 0x80
)

type TopicSubscription struct {
	TopicFilter string
	QoSLevel    byte
}

type SubscribePacketPayloads struct {
	PacketID      uint16
	Subscriptions []TopicSubscription
}

type SubAckPacketPayloads struct {
	PacketID    uint16
	ReturnCodes []SubscribeState
}

func NewSubscribePacket(payload *SubscribePacketPayloads) ([]byte, error) {
	if len(payload.Subscriptions) == 0 {
		return nil, fmt.Errorf("SUBSCRIBE packet must contain at least one topic filter")
	}
	body := make([]byte, 0, 16)
	body = append(body, mqtt.UInt16ToByte(payload.PacketID)...)
	for _, subscription := range payload.Subscriptions {
		body = append(body, NewFieldPayload(subscription.TopicFilter).Encode()...)
		body = append(body, subscription.QoSLevel&0x03)
	}
	return mqtt.Encode(mqtt.SUBSCRIBE, 0x02, body), nil
}

func ParseSubAckPacket(packet *mqtt.Packet) (*SubAckPacketPayloads, error) {
	if err := expectType(packet, mqtt.SUBACK); err != nil {
		return nil, err
	}
	packetID, err := readPacketID(packet.Payload)
	if err != nil {
		return nil, err
	}
	result := &SubAckPacketPayloads{PacketID: packetID}
	for packet.Payload.CheckRemainingLength() {
		code, err := readPacketByte(packet.Payload)
		if err != nil {
			return nil, err
		}
		result.ReturnCodes = append(result.ReturnCodes, SubscribeState(code))
	}
	if len(result.ReturnCodes) == 0 {
		return nil, fmt.Errorf("SUBACK packet %d carries no return code", packetID)
	}
	return result, nil
}
