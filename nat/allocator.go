package nat

import (
	"container/heap"
	"fmt"
	"net/netip"
)

// Port allocation bounds.
const (
	DefaultPortFloor uint16 = 1024
	MaxPort          uint16 = 65535
)

// AllocationPolicy selects a PortAllocator implementation.
type AllocationPolicy string

const (
	AllocationMonotonic AllocationPolicy = "monotonic"
	AllocationPool      AllocationPolicy = "pool"
)

// PortAllocator hands out external ports, unique per external IP among
// live entries. Implementations are not safe for concurrent use; the
// Table serializes access.
type PortAllocator interface {
	// Allocate returns a free port on externalIP.
	Allocate(externalIP netip.Addr) (uint16, error)
	// Reserve marks a port as held, e.g. when loading persisted entries.
	Reserve(externalIP netip.Addr, port uint16)
	// Release returns a port once its entry has been removed.
	Release(externalIP netip.Addr, port uint16)
	// Reset forgets every allocation.
	Reset()
}

// NewAllocator creates the allocator for the given policy.
func NewAllocator(policy AllocationPolicy, floor uint16) (PortAllocator, error) {
	if floor == 0 {
		floor = DefaultPortFloor
	}
	switch policy {
	case AllocationMonotonic, "":
		return NewMonotonicAllocator(floor), nil
	case AllocationPool:
		return NewPoolAllocator(floor), nil
	default:
		return nil, fmt.Errorf("unknown port allocation policy %q", policy)
	}
}

// MonotonicAllocator allocates one above the highest port in use on the
// external IP, starting at the floor. Freed ports below the high-water mark
// are never reused; once every entry above them is gone the counter drops
// back.
type MonotonicAllocator struct {
	floor uint16
	inUse map[netip.Addr]map[uint16]struct{}
}

// NewMonotonicAllocator creates a monotonic allocator starting at floor.
func NewMonotonicAllocator(floor uint16) *MonotonicAllocator {
	return &MonotonicAllocator{
		floor: floor,
		inUse: make(map[netip.Addr]map[uint16]struct{}),
	}
}

// Allocate returns 1 + the highest port in use, or the floor.
// This is O(n) in the number of entries on the IP, which is fine at
// simulator scale.
func (a *MonotonicAllocator) Allocate(externalIP netip.Addr) (uint16, error) {
	next := int(a.floor)
	for port := range a.inUse[externalIP] {
		if int(port)+1 > next {
			next = int(port) + 1
		}
	}
	if next > int(MaxPort) {
		return 0, fmt.Errorf("%w on %s", ErrAllocationExhausted, externalIP)
	}
	a.Reserve(externalIP, uint16(next))
	return uint16(next), nil
}

// Reserve marks port as held.
func (a *MonotonicAllocator) Reserve(externalIP netip.Addr, port uint16) {
	ports, ok := a.inUse[externalIP]
	if !ok {
		ports = make(map[uint16]struct{})
		a.inUse[externalIP] = ports
	}
	ports[port] = struct{}{}
}

// Release forgets port.
func (a *MonotonicAllocator) Release(externalIP netip.Addr, port uint16) {
	ports := a.inUse[externalIP]
	delete(ports, port)
	if len(ports) == 0 {
		delete(a.inUse, externalIP)
	}
}

// Reset forgets every allocation.
func (a *MonotonicAllocator) Reset() {
	a.inUse = make(map[netip.Addr]map[uint16]struct{})
}

// portHeap is a min-heap of free ports.
type portHeap []uint16

func (h portHeap) Len() int            { return len(h) }
func (h portHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h portHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *portHeap) Push(x interface{}) { *h = append(*h, x.(uint16)) }
func (h *portHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

type portPool struct {
	next  int // lowest port never handed out
	free  portHeap
	inUse map[uint16]struct{}
}

// PoolAllocator reuses released ports, lowest first, before advancing its
// high-water mark.
type PoolAllocator struct {
	floor uint16
	pools map[netip.Addr]*portPool
}

// NewPoolAllocator creates a reclaiming allocator starting at floor.
func NewPoolAllocator(floor uint16) *PoolAllocator {
	return &PoolAllocator{
		floor: floor,
		pools: make(map[netip.Addr]*portPool),
	}
}

func (a *PoolAllocator) pool(externalIP netip.Addr) *portPool {
	p, ok := a.pools[externalIP]
	if !ok {
		p = &portPool{
			next:  int(a.floor),
			inUse: make(map[uint16]struct{}),
		}
		a.pools[externalIP] = p
	}
	return p
}

// Allocate returns the lowest released port, or advances the high-water mark.
func (a *PoolAllocator) Allocate(externalIP netip.Addr) (uint16, error) {
	p := a.pool(externalIP)
	for p.free.Len() > 0 {
		port := heap.Pop(&p.free).(uint16)
		// Stale heap entries can exist after a Reserve of a freed port.
		if _, held := p.inUse[port]; held {
			continue
		}
		p.inUse[port] = struct{}{}
		return port, nil
	}
	if p.next > int(MaxPort) {
		return 0, fmt.Errorf("%w on %s", ErrAllocationExhausted, externalIP)
	}
	port := uint16(p.next)
	p.next++
	p.inUse[port] = struct{}{}
	return port, nil
}

// Reserve marks port as held. Ports skipped over by the reservation become
// available for allocation.
func (a *PoolAllocator) Reserve(externalIP netip.Addr, port uint16) {
	p := a.pool(externalIP)
	for ; p.next < int(port); p.next++ {
		if _, held := p.inUse[uint16(p.next)]; !held {
			heap.Push(&p.free, uint16(p.next))
		}
	}
	if int(port) >= p.next {
		p.next = int(port) + 1
	}
	p.inUse[port] = struct{}{}
}

// Release puts port back into the free heap.
func (a *PoolAllocator) Release(externalIP netip.Addr, port uint16) {
	p, ok := a.pools[externalIP]
	if !ok {
		return
	}
	if _, held := p.inUse[port]; !held {
		return
	}
	delete(p.inUse, port)
	heap.Push(&p.free, port)
}

// Reset forgets every allocation.
func (a *PoolAllocator) Reset() {
	a.pools = make(map[netip.Addr]*portPool)
}
