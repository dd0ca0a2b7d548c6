package sandbox

import (
	"io"
	"sync"
)

// portBridge is the container side of the network shim: the stream and
// datagram queues a running module drains through host calls. The network
// manager pushes into it via portTap handlers registered for the
// container's reserved ports only.
type portBridge struct {
	mu      sync.Mutex
	closed  bool
	nextID  uint32
	pending map[uint16]chan io.ReadWriteCloser // container port → queued inbound streams
	packets map[uint16][][]byte                // container port → queued datagrams
	streams map[uint32]io.ReadWriteCloser      // accepted stream id → stream
}

const (
	pendingStreamBacklog = 16
	packetBacklog        = 64
)

func newPortBridge() *portBridge {
	return &portBridge{
		nextID:  1,
		pending: make(map[uint16]chan io.ReadWriteCloser),
		packets: make(map[uint16][][]byte),
		streams: make(map[uint32]io.ReadWriteCloser),
	}
}

// portTap adapts one (container, port) pair to the network manager's
// handler interfaces.
type portTap struct {
	bridge *portBridge
	port   uint16
}

func (t *portTap) HandleStream(stream io.ReadWriteCloser) {
	t.bridge.pushStream(t.port, stream)
}

func (t *portTap) HandlePacket(data []byte) {
	t.bridge.pushPacket(t.port, data)
}

func (b *portBridge) pushStream(port uint16, stream io.ReadWriteCloser) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = stream.Close()
		return
	}
	ch, ok := b.pending[port]
	if !ok {
		ch = make(chan io.ReadWriteCloser, pendingStreamBacklog)
		b.pending[port] = ch
	}
	b.mu.Unlock()

	select {
	case ch <- stream:
	default:
		// Backlog full; refuse the connection rather than block the router.
		_ = stream.Close()
	}
}

func (b *portBridge) pushPacket(port uint16, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	q := b.packets[port]
	if len(q) >= packetBacklog {
		q = q[1:] // drop oldest
	}
	b.packets[port] = append(q, data)
}

// accept dequeues one pending inbound stream for the port, non-blocking.
// Returns 0 when nothing is waiting.
func (b *portBridge) accept(port uint16) uint32 {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0
	}
	ch := b.pending[port]
	b.mu.Unlock()
	if ch == nil {
		return 0
	}

	select {
	case stream := <-ch:
		b.mu.Lock()
		id := b.nextID
		b.nextID++
		b.streams[id] = stream
		b.mu.Unlock()
		return id
	default:
		return 0
	}
}

// popPacket dequeues the oldest datagram for the port, or nil.
func (b *portBridge) popPacket(port uint16) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.packets[port]
	if len(q) == 0 {
		return nil
	}
	data := q[0]
	b.packets[port] = q[1:]
	return data
}

func (b *portBridge) stream(id uint32) io.ReadWriteCloser {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams[id]
}

func (b *portBridge) closeStream(id uint32) {
	b.mu.Lock()
	stream := b.streams[id]
	delete(b.streams, id)
	b.mu.Unlock()
	if stream != nil {
		_ = stream.Close()
	}
}

// closeAll tears the bridge down: queued and accepted streams are closed,
// further pushes are refused.
func (b *portBridge) closeAll() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var toClose []io.ReadWriteCloser
	for _, stream := range b.streams {
		toClose = append(toClose, stream)
	}
	b.streams = map[uint32]io.ReadWriteCloser{}
	for _, ch := range b.pending {
		for {
			select {
			case stream := <-ch:
				toClose = append(toClose, stream)
				continue
			default:
			}
			break
		}
	}
	b.packets = map[uint16][][]byte{}
	b.mu.Unlock()

	for _, stream := range toClose {
		_ = stream.Close()
	}
}
