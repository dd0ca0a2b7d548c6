// Package network emulates per-container network isolation without OS
// namespaces. A single owned port table maps (host_port, protocol) to the
// container holding the reservation; host-facing traffic is forwarded
// only to the reserving container's registered handlers, which is the
// isolation boundary substituting for a real network namespace.
//
// Byte-stream scheme: every accepted host TCP connection is bridged as
// one dedicated duplex stream to the container's port handler — no
// framing or interleaving. A UDP datagram is forwarded as one packet.
package network

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/codyaverett/wasm-container/api"
)

// StreamHandler accepts one duplex byte stream addressed to a reserved
// container port. The handler owns the stream and must close it.
type StreamHandler interface {
	HandleStream(stream io.ReadWriteCloser)
}

// PacketHandler accepts one datagram addressed to a reserved container port.
type PacketHandler interface {
	HandlePacket(data []byte)
}

type portKey struct {
	port  uint16
	proto string
}

type handlerKey struct {
	containerID   string
	containerPort uint16
	proto         string
}

type reservation struct {
	containerID string
	mapping     api.PortMapping
}

// ListenFunc binds a host TCP listener. Injectable for tests.
type ListenFunc func(network, addr string) (net.Listener, error)

// ListenPacketFunc binds a host UDP socket. Injectable for tests.
type ListenPacketFunc func(network, addr string) (net.PacketConn, error)

// Manager owns the port table and the routing fabric. The table is
// guarded by an exclusive lock during reserve/release; routing takes the
// shared lock, so lookups proceed concurrently with unrelated
// reservations but never with a mutation of the same entry.
type Manager struct {
	log zerolog.Logger

	mu       sync.RWMutex
	table    map[portKey]reservation
	handlers map[handlerKey]any

	listen       ListenFunc       // nil disables host TCP proxies
	listenPacket ListenPacketFunc // nil disables host UDP proxies
	listeners    map[portKey]io.Closer

	ipam *ipAllocator

	dropped atomic.Int64
	emit    func(api.Event)
}

// Option configures a Manager.
type Option func(*Manager)

// WithHostProxies enables real host sockets: a TCP listener (and UDP
// socket) is bound for every reservation and accepted traffic is routed
// into the owning container.
func WithHostProxies() Option {
	return func(m *Manager) {
		m.listen = net.Listen
		m.listenPacket = func(network, addr string) (net.PacketConn, error) {
			return net.ListenPacket(network, addr)
		}
	}
}

// WithListenFuncs injects socket factories, used by tests.
func WithListenFuncs(l ListenFunc, lp ListenPacketFunc) Option {
	return func(m *Manager) {
		m.listen = l
		m.listenPacket = lp
	}
}

// WithEventSink registers an observability event emitter.
func WithEventSink(emit func(api.Event)) Option {
	return func(m *Manager) { m.emit = emit }
}

// NewManager creates a manager with an empty port table.
func NewManager(log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		log:       log.With().Str("component", "network").Logger(),
		table:     make(map[portKey]reservation),
		handlers:  make(map[handlerKey]any),
		listeners: make(map[portKey]io.Closer),
		ipam:      newIPAllocator(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Reserve claims every mapping for the container, all-or-nothing: if any
// host port is already held for its protocol, no reservation from this
// call survives and PortConflictError identifies the holder.
func (m *Manager) Reserve(containerID string, mappings []api.PortMapping) error {
	m.mu.Lock()
	for _, pm := range mappings {
		key := portKey{pm.HostPort, pm.Protocol}
		if held, ok := m.table[key]; ok && held.containerID != containerID {
			m.mu.Unlock()
			return &api.PortConflictError{HostPort: pm.HostPort, Protocol: pm.Protocol, HeldBy: held.containerID}
		}
	}
	for _, pm := range mappings {
		m.table[portKey{pm.HostPort, pm.Protocol}] = reservation{containerID: containerID, mapping: pm}
	}
	m.mu.Unlock()

	if err := m.bindProxies(containerID, mappings); err != nil {
		m.Release(containerID)
		return err
	}

	m.log.Debug().Str("container", containerID).Int("mappings", len(mappings)).Msg("ports reserved")
	return nil
}

// Release frees every mapping held by the container and closes its host
// sockets. Releasing a container with no reservations is a no-op.
func (m *Manager) Release(containerID string) {
	m.mu.Lock()
	var closers []io.Closer
	for key, res := range m.table {
		if res.containerID != containerID {
			continue
		}
		delete(m.table, key)
		if c, ok := m.listeners[key]; ok {
			closers = append(closers, c)
			delete(m.listeners, key)
		}
	}
	m.mu.Unlock()

	for _, c := range closers {
		_ = c.Close()
	}
	if len(closers) > 0 {
		m.log.Debug().Str("container", containerID).Msg("ports released")
	}
}

// RegisterStreamHandler binds a handler for TCP traffic to one of the
// container's reserved container ports. Registration for a port the
// container has not reserved is refused; a session can never observe
// traffic addressed to another container.
func (m *Manager) RegisterStreamHandler(containerID string, containerPort uint16, h StreamHandler) error {
	return m.register(containerID, containerPort, "tcp", h)
}

// RegisterPacketHandler binds a handler for UDP datagrams.
func (m *Manager) RegisterPacketHandler(containerID string, containerPort uint16, h PacketHandler) error {
	return m.register(containerID, containerPort, "udp", h)
}

func (m *Manager) register(containerID string, containerPort uint16, proto string, h any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, res := range m.table {
		if res.containerID == containerID && res.mapping.ContainerPort == containerPort && res.mapping.Protocol == proto {
			m.handlers[handlerKey{containerID, containerPort, proto}] = h
			return nil
		}
	}
	return fmt.Errorf("container %s has no %s reservation for port %d", containerID, proto, containerPort)
}

// UnregisterHandlers drops all of the container's handlers.
func (m *Manager) UnregisterHandlers(containerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.handlers {
		if key.containerID == containerID {
			delete(m.handlers, key)
		}
	}
}

// RouteStream delivers a host-side TCP connection to the container that
// reserved hostPort. When no handler is attached (container gone or not
// yet listening), the stream is dropped and an observability event is
// emitted; routing never fails the caller.
func (m *Manager) RouteStream(hostPort uint16, stream io.ReadWriteCloser) {
	h := m.handlerFor(hostPort, "tcp")
	if h == nil {
		_ = stream.Close()
		m.recordDrop(hostPort, "tcp")
		return
	}
	h.(StreamHandler).HandleStream(stream)
}

// RoutePacket delivers a UDP datagram to the reserving container, or
// drops it.
func (m *Manager) RoutePacket(hostPort uint16, data []byte) {
	h := m.handlerFor(hostPort, "udp")
	if h == nil {
		m.recordDrop(hostPort, "udp")
		return
	}
	h.(PacketHandler).HandlePacket(data)
}

func (m *Manager) handlerFor(hostPort uint16, proto string) any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.table[portKey{hostPort, proto}]
	if !ok {
		return nil
	}
	return m.handlers[handlerKey{res.containerID, res.mapping.ContainerPort, proto}]
}

func (m *Manager) recordDrop(hostPort uint16, proto string) {
	m.dropped.Add(1)
	m.log.Warn().Uint16("host_port", hostPort).Str("proto", proto).Msg("no route for traffic, dropping")
	if m.emit != nil {
		m.emit(api.Event{
			Type:   "network",
			Action: "route-drop",
			Attrs:  map[string]string{"hostPort": fmt.Sprint(hostPort), "protocol": proto},
			Time:   time.Now().UTC(),
		})
	}
}

// Dropped returns the count of routed payloads discarded for lack of a
// live target.
func (m *Manager) Dropped() int64 { return m.dropped.Load() }

// Reservations returns the mappings currently held by a container.
func (m *Manager) Reservations(containerID string) []api.PortMapping {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []api.PortMapping
	for _, res := range m.table {
		if res.containerID == containerID {
			out = append(out, res.mapping)
		}
	}
	return out
}

// ActiveReservations returns the total number of held host ports.
func (m *Manager) ActiveReservations() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.table)
}
