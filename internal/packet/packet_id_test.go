package packet

import "testing"

func TestPacketID(t *testing.T) {
	mgr := NewIDManager()

	id1, _ := mgr.NextID()
	if id1 != 1 {
		t.Fatalf("Expected 1, got %d", id1)
	}

	// 释放与复用
	mgr.ReleaseID(id1)
	id2, _ := mgr.NextID()
	if id2 != 1 {
		t.Fatalf("Expected 1 after release, got %d", id2)
	}

	// 溢出
	mgr.currentID = 65535
	id3, _ := mgr.NextID()
	if id3 != 65535 {
		t.Fatalf("Expected 65535, got %d", id3)
	}
	id4, _ := mgr.NextID()
	if id4 != 2 {
		t.Fatalf("Expected 2 after overflow (1 still in use), got %d", id4)
	}
}

func TestPacketIDExhaustion(t *testing.T) {
	mgr := NewIDManager()
	for i := 0; i < 0xFFFF; i++ {
		if _, err := mgr.NextID(); err != nil {
			t.Fatalf("unexpected error at %d: %v", i, err)
		}
	}
	if _, err := mgr.NextID(); err != ErrNoPacketID {
		t.Fatalf("Expected ErrNoPacketID, got %v", err)
	}
	mgr.ReleaseID(42)
	if id, err := mgr.NextID(); err != nil || id != 42 {
		t.Fatalf("Expected 42, got %d (%v)", id, err)
	}
}
