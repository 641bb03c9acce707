package packet

import (
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

var ErrInvalidContextLength = errors.New("invalid packet context length")

type FieldPayload struct {
	PayloadLength int
	Payload       []byte
}

func NewFieldPayload(value string) FieldPayload {
	return FieldPayload{PayloadLength: len(value), Payload: []byte(value)}
}

// Encode 以两字节长度前缀写出字段
func (f FieldPayload) Encode() []byte {
	result := make([]byte, 0, 2+len(f.Payload))
	result = append(result, mqtt.UInt16ToByte(uint16(len(f.Payload)))...)
	return append(result, f.Payload...)
}

func readPacketByte(payload *mqtt.Payload) (byte, error) {
	startByte := payload.CurrentPtr
	if startByte >= payload.ContextLen {
		return 0, ErrInvalidContextLength
	}
	payload.CurrentPtr++
	return payload.Context[startByte], nil
}

func readPacketBytes(payload *mqtt.Payload, length int) ([]byte, error) {
	if length < 0 {
		return nil, errors.New("invalid reading length, except >= 0")
	}
	startByte := payload.CurrentPtr
	end := startByte + length
	if end > payload.ContextLen {
		return nil, ErrInvalidContextLength
	}
	data := payload.Context[startByte:end]
	payload.CurrentPtr = end
	return data, nil
}

func readPacketID(payload *mqtt.Payload) (uint16, error) {
	data, err := readPacketBytes(payload, 2)
	if err != nil {
		return 0, fmt.Errorf("error occured when reading packet ID, details: %w", err)
	}
	return mqtt.ByteToUInt16(data), nil
}

func readPacketPayload(payload *mqtt.Payload) (FieldPayload, error) {
	startByte := payload.CurrentPtr
	contextLen := payload.ContextLen
	if startByte+1 >= contextLen {
		return FieldPayload{}, errors.New("insufficient bytes for length")
	}
	length := int(mqtt.ByteToUInt16(payload.Context[startByte : startByte+2]))
	end := startByte + 2 + length
	if end > contextLen {
		return FieldPayload{}, fmt.Errorf("payload length %d exceeds buffer (len=%d)", length, contextLen)
	}
	payload.CurrentPtr += 2 + length
	return FieldPayload{
		PayloadLength: length,
		Payload:       payload.Context[startByte+2 : end],
	}, nil
}

func expectType(packet *mqtt.Packet, packetType mqtt.PacketType) error {
	if packet.Header.Type != packetType {
		return fmt.Errorf("expected %s packet, but got %s packet", packetType, packet.Header.Type)
	}
	return nil
}
