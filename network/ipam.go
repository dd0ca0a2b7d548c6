package network

import (
	"fmt"
	"sync"
)

// Bridge network constants. All containers share one flat /16, with the
// runtime itself sitting on the gateway address.
const (
	bridgeSubnet  = "172.17.0.0/16"
	bridgeGateway = "172.17.0.1"
	maxBridgeHost = 0xFFFE // .255.254, broadcast excluded
)

// Identity is the virtual network identity handed to a container: an
// address on the bridge subnet, the gateway, and a stable MAC derived
// from the address.
type Identity struct {
	IP      string `json:"ip"`
	Gateway string `json:"gateway"`
	Subnet  string `json:"subnet"`
	MAC     string `json:"mac"`
}

// ipAllocator hands out host numbers on the bridge subnet, reusing
// released addresses before advancing the high-water mark.
type ipAllocator struct {
	mu          sync.Mutex
	next        uint32
	freed       []uint32
	byContainer map[string]uint32
}

func newIPAllocator() *ipAllocator {
	return &ipAllocator{
		next:        2, // .0.1 is the gateway
		byContainer: make(map[string]uint32),
	}
}

// AllocateIdentity assigns a bridge address to the container, or returns
// the one it already holds. Allocation fails only when the subnet is
// exhausted.
func (m *Manager) AllocateIdentity(containerID string) (Identity, error) {
	a := m.ipam
	a.mu.Lock()
	defer a.mu.Unlock()

	host, ok := a.byContainer[containerID]
	if !ok {
		switch {
		case len(a.freed) > 0:
			host = a.freed[len(a.freed)-1]
			a.freed = a.freed[:len(a.freed)-1]
		case a.next <= maxBridgeHost:
			host = a.next
			a.next++
		default:
			return Identity{}, fmt.Errorf("bridge subnet %s exhausted", bridgeSubnet)
		}
		a.byContainer[containerID] = host
	}
	return identityFor(host), nil
}

// ReleaseIdentity returns the container's address to the pool. Releasing
// an unknown container is a no-op.
func (m *Manager) ReleaseIdentity(containerID string) {
	a := m.ipam
	a.mu.Lock()
	defer a.mu.Unlock()
	if host, ok := a.byContainer[containerID]; ok {
		delete(a.byContainer, containerID)
		a.freed = append(a.freed, host)
	}
}

// IdentityOf reports the container's current identity, if any.
func (m *Manager) IdentityOf(containerID string) (Identity, bool) {
	a := m.ipam
	a.mu.Lock()
	defer a.mu.Unlock()
	host, ok := a.byContainer[containerID]
	if !ok {
		return Identity{}, false
	}
	return identityFor(host), true
}

func identityFor(host uint32) Identity {
	ip := fmt.Sprintf("172.17.%d.%d", host>>8, host&0xFF)
	return Identity{
		IP:      ip,
		Gateway: bridgeGateway,
		Subnet:  bridgeSubnet,
		MAC:     fmt.Sprintf("02:42:ac:11:%02x:%02x", host>>8, host&0xFF),
	}
}
