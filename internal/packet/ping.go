package packet

func NewPingReqPacket() []byte {
	return []byte{0xC0, 0x00}
}

func NewPingRespPacket() []byte {
	return []byte{0xD0, 0x00}
}
