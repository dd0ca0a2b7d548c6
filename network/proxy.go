package network

import (
	"errors"
	"fmt"
	"net"

	"github.com/codyaverett/wasm-container/api"
)

// bindProxies opens host sockets for each mapping and pumps accepted
// traffic into the router. A bind failure (port held by a foreign
// process) surfaces as a PortConflictError; the caller rolls back the
// whole reservation, closing anything opened here via Release.
func (m *Manager) bindProxies(containerID string, mappings []api.PortMapping) error {
	for _, pm := range mappings {
		key := portKey{pm.HostPort, pm.Protocol}
		switch pm.Protocol {
		case "tcp":
			if m.listen == nil {
				continue
			}
			l, err := m.listen("tcp", fmt.Sprintf(":%d", pm.HostPort))
			if err != nil {
				return &api.PortConflictError{HostPort: pm.HostPort, Protocol: "tcp", HeldBy: "host"}
			}
			m.mu.Lock()
			m.listeners[key] = l
			m.mu.Unlock()
			go m.acceptLoop(l, pm.HostPort)
		case "udp":
			if m.listenPacket == nil {
				continue
			}
			pc, err := m.listenPacket("udp", fmt.Sprintf(":%d", pm.HostPort))
			if err != nil {
				return &api.PortConflictError{HostPort: pm.HostPort, Protocol: "udp", HeldBy: "host"}
			}
			m.mu.Lock()
			m.listeners[key] = pc
			m.mu.Unlock()
			go m.packetLoop(pc, pm.HostPort)
		}
	}
	return nil
}

func (m *Manager) acceptLoop(l net.Listener, hostPort uint16) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				m.log.Warn().Err(err).Uint16("host_port", hostPort).Msg("accept failed")
			}
			return
		}
		go m.RouteStream(hostPort, conn)
	}
}

func (m *Manager) packetLoop(pc net.PacketConn, hostPort uint16) {
	buf := make([]byte, 64*1024)
	for {
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				m.log.Warn().Err(err).Uint16("host_port", hostPort).Msg("udp read failed")
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		m.RoutePacket(hostPort, data)
	}
}
