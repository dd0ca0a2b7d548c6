package sandbox

import (
	"context"

	wazeroapi "github.com/tetratelabs/wazero/api"
)

// hostModuleName is the import namespace container guests link against
// for runtime services beyond WASI.
const hostModuleName = "wasm_container"

// sessionKey carries the owning Session in the instantiation context so
// host calls can tell containers apart on a shared runtime.
type sessionKey struct{}

func sessionFromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey{}).(*Session)
	return s
}

// instantiateHostModule exports the runtime services: structured guest
// logging, cooperative shutdown polling, and the stream and datagram
// bridge for the container's published ports.
func (r *Runtime) instantiateHostModule(ctx context.Context) error {
	_, err := r.runtime.NewHostModuleBuilder(hostModuleName).
		NewFunctionBuilder().WithFunc(r.hostLog).Export("log").
		NewFunctionBuilder().WithFunc(hostShutdownRequested).Export("shutdown_requested").
		NewFunctionBuilder().WithFunc(hostNetAccept).Export("net_accept").
		NewFunctionBuilder().WithFunc(hostNetRecv).Export("net_recv").
		NewFunctionBuilder().WithFunc(hostNetSend).Export("net_send").
		NewFunctionBuilder().WithFunc(hostNetClose).Export("net_close").
		NewFunctionBuilder().WithFunc(hostNetPollPacket).Export("net_poll_packet").
		Instantiate(ctx)
	return err
}

// hostLog forwards a guest message into the runtime's structured log and
// the container's captured output.
func (r *Runtime) hostLog(ctx context.Context, m wazeroapi.Module, ptr, length uint32) {
	s := sessionFromContext(ctx)
	if s == nil {
		return
	}
	data, ok := m.Memory().Read(ptr, length)
	if !ok {
		return
	}
	msg := string(data)
	r.log.Info().Str("container", s.id).Msg(msg)
	_, _ = s.logs.Write(append([]byte(msg), '\n'))
}

// hostShutdownRequested returns 1 once a graceful stop has been
// requested. Guests poll it from their main loop to exit cleanly inside
// the grace period.
func hostShutdownRequested(ctx context.Context) uint32 {
	s := sessionFromContext(ctx)
	if s == nil || !s.shutdown.Load() {
		return 0
	}
	return 1
}

// hostNetAccept dequeues one pending inbound connection for the given
// container port. Returns a stream id, or 0 when nothing is waiting.
func hostNetAccept(ctx context.Context, port uint32) uint32 {
	s := sessionFromContext(ctx)
	if s == nil {
		return 0
	}
	return s.bridge.accept(uint16(port))
}

// hostNetRecv reads from an accepted stream into guest memory. Returns
// the byte count, 0 at end of stream, or -1 on a bad stream id.
func hostNetRecv(ctx context.Context, m wazeroapi.Module, stream, ptr, capacity uint32) int32 {
	s := sessionFromContext(ctx)
	if s == nil {
		return -1
	}
	conn := s.bridge.stream(stream)
	if conn == nil || capacity == 0 {
		return -1
	}
	buf := make([]byte, capacity)
	n, err := conn.Read(buf)
	if n > 0 {
		if !m.Memory().Write(ptr, buf[:n]) {
			return -1
		}
		return int32(n)
	}
	if err != nil {
		return 0
	}
	return 0
}

// hostNetSend writes guest memory to an accepted stream. Returns the
// byte count or -1 on error.
func hostNetSend(ctx context.Context, m wazeroapi.Module, stream, ptr, length uint32) int32 {
	s := sessionFromContext(ctx)
	if s == nil {
		return -1
	}
	conn := s.bridge.stream(stream)
	if conn == nil {
		return -1
	}
	data, ok := m.Memory().Read(ptr, length)
	if !ok {
		return -1
	}
	n, err := conn.Write(data)
	if err != nil {
		return -1
	}
	return int32(n)
}

func hostNetClose(ctx context.Context, stream uint32) {
	if s := sessionFromContext(ctx); s != nil {
		s.bridge.closeStream(stream)
	}
}

// hostNetPollPacket copies the oldest queued datagram for the port into
// guest memory. Returns its length, or -1 when none is queued. Datagrams
// longer than the buffer are truncated.
func hostNetPollPacket(ctx context.Context, m wazeroapi.Module, port, ptr, capacity uint32) int32 {
	s := sessionFromContext(ctx)
	if s == nil {
		return -1
	}
	data := s.bridge.popPacket(uint16(port))
	if data == nil {
		return -1
	}
	if uint32(len(data)) > capacity {
		data = data[:capacity]
	}
	if len(data) > 0 && !m.Memory().Write(ptr, data) {
		return -1
	}
	return int32(len(data))
}
