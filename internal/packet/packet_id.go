package packet

import (
	"errors"
	"sync"
)

var ErrNoPacketID = errors.New("all packet identifiers are in use")

// IDManager hands out non-zero 16-bit packet identifiers, preferring released ones.
type IDManager struct {
	mu        sync.Mutex
	currentID uint16
	released  map[uint16]struct{}
	inUse     map[uint16]struct{}
}

func NewIDManager() *IDManager {
	return &IDManager{
		currentID: 1, // 起始值为1
		released:  make(map[uint16]struct{}),
		inUse:     make(map[uint16]struct{}),
	}
}

// NextID 获取下一个可用ID
func (m *IDManager) NextID() (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// 优先使用已释放的ID
	for id := range m.released {
		delete(m.released, id)
		m.inUse[id] = struct{}{}
		return id, nil
	}

	for i := 0; i < 0xFFFF; i++ {
		id := m.currentID
		m.currentID++
		if m.currentID == 0 { // 溢出处理
			m.currentID = 1
		}
		if _, busy := m.inUse[id]; !busy {
			m.inUse[id] = struct{}{}
			return id, nil
		}
	}
	return 0, ErrNoPacketID
}

// ReleaseID 释放ID（收到确认后调用）
func (m *IDManager) ReleaseID(id uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inUse[id]; !ok {
		return
	}
	delete(m.inUse, id)
	m.released[id] = struct{}{}
}
