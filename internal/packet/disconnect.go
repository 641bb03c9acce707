package packet

func NewDisconnectPacket() []byte {
	return []byte{0xE0, 0x00}
}
