package nat

import (
	"errors"
	"net/netip"
	"testing"
)

func TestMonotonicAllocator(t *testing.T) {
	a := NewMonotonicAllocator(DefaultPortFloor)
	ip := testExternalIP

	p1, _ := a.Allocate(ip)
	p2, _ := a.Allocate(ip)
	p3, _ := a.Allocate(ip)
	if p1 != 1024 || p2 != 1025 || p3 != 1026 {
		t.Fatalf("ports = %d, %d, %d, want 1024, 1025, 1026", p1, p2, p3)
	}

	// Releasing below the high-water mark does not lower it.
	a.Release(ip, p1)
	if p, _ := a.Allocate(ip); p != 1027 {
		t.Errorf("port = %d, want 1027", p)
	}

	// Releasing the top drops the counter back.
	a.Release(ip, 1027)
	a.Release(ip, p3)
	if p, _ := a.Allocate(ip); p != 1026 {
		t.Errorf("port = %d, want 1026", p)
	}
}

func TestMonotonicAllocatorPerExternalIP(t *testing.T) {
	a := NewMonotonicAllocator(DefaultPortFloor)
	other := netip.MustParseAddr("198.51.100.7")

	a.Allocate(testExternalIP)
	a.Allocate(testExternalIP)
	if p, _ := a.Allocate(other); p != 1024 {
		t.Errorf("port on second IP = %d, want 1024", p)
	}
}

func TestMonotonicAllocatorExhausted(t *testing.T) {
	a := NewMonotonicAllocator(65534)

	a.Allocate(testExternalIP)
	a.Allocate(testExternalIP)
	if _, err := a.Allocate(testExternalIP); !errors.Is(err, ErrAllocationExhausted) {
		t.Errorf("err = %v, want ErrAllocationExhausted", err)
	}
}

func TestPoolAllocatorReusesLowestFreed(t *testing.T) {
	a := NewPoolAllocator(DefaultPortFloor)
	ip := testExternalIP

	for i := 0; i < 5; i++ {
		a.Allocate(ip) // 1024..1028
	}
	a.Release(ip, 1027)
	a.Release(ip, 1025)

	if p, _ := a.Allocate(ip); p != 1025 {
		t.Errorf("port = %d, want 1025", p)
	}
	if p, _ := a.Allocate(ip); p != 1027 {
		t.Errorf("port = %d, want 1027", p)
	}
	if p, _ := a.Allocate(ip); p != 1029 {
		t.Errorf("port = %d, want 1029", p)
	}
}

func TestPoolAllocatorReserveFillsGaps(t *testing.T) {
	a := NewPoolAllocator(DefaultPortFloor)
	ip := testExternalIP

	a.Reserve(ip, 1024)
	a.Reserve(ip, 1027)

	want := []uint16{1025, 1026, 1028}
	for _, w := range want {
		if p, _ := a.Allocate(ip); p != w {
			t.Errorf("port = %d, want %d", p, w)
		}
	}
}

func TestPoolAllocatorExhausted(t *testing.T) {
	a := NewPoolAllocator(65535)
	ip := testExternalIP

	p, err := a.Allocate(ip)
	if err != nil || p != 65535 {
		t.Fatalf("Allocate = %d, %v, want 65535", p, err)
	}
	if _, err := a.Allocate(ip); !errors.Is(err, ErrAllocationExhausted) {
		t.Errorf("err = %v, want ErrAllocationExhausted", err)
	}

	a.Release(ip, 65535)
	if p, err := a.Allocate(ip); err != nil || p != 65535 {
		t.Errorf("Allocate after release = %d, %v, want 65535", p, err)
	}
}

func TestNewAllocator(t *testing.T) {
	tests := []struct {
		policy  AllocationPolicy
		wantErr bool
	}{
		{AllocationMonotonic, false},
		{AllocationPool, false},
		{"", false},
		{"random", true},
	}

	for _, tt := range tests {
		_, err := NewAllocator(tt.policy, 0)
		if (err != nil) != tt.wantErr {
			t.Errorf("NewAllocator(%q) err = %v, wantErr %v", tt.policy, err, tt.wantErr)
		}
	}
}
