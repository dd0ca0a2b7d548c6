package sandbox

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mvdan.cc/sh/v3/shell"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/experimental/sysfs"
	"github.com/tetratelabs/wazero/sys"

	"github.com/codyaverett/wasm-container/api"
	"github.com/codyaverett/wasm-container/layerfs"
	"github.com/codyaverett/wasm-container/network"
)

// LaunchSpec carries everything a container instance needs at start time.
type LaunchSpec struct {
	ContainerID string
	Hostname    string
	IP          string
	View        *layerfs.View
	Network     *network.Manager // nil disables port handler wiring
	Manifest    api.Manifest
	Config      api.ContainerConfig
}

// Session is one running container instance. It owns the module's
// lifetime from instantiation to exit and records the final status.
type Session struct {
	id      string
	runtime *Runtime
	network *network.Manager
	bridge  *portBridge
	logs    *logSink

	stdinR *io.PipeReader
	stdinW *io.PipeWriter

	cancel   context.CancelFunc
	shutdown atomic.Bool // guest-visible stop request
	killed   atomic.Bool

	started time.Time
	status  api.ExitStatus
	done    chan struct{}
}

// Launch instantiates the container module and starts it in the
// background. The module binary is read from inside the container's own
// filesystem view, so layered images carry their executable with them.
func (r *Runtime) Launch(ctx context.Context, spec LaunchSpec) (*Session, error) {
	moduleBytes, err := spec.View.ReadFile(spec.Manifest.ModulePath)
	if err != nil {
		return nil, fmt.Errorf("reading module %s: %w", spec.Manifest.ModulePath, err)
	}
	compiled, err := r.compile(ctx, moduleBytes)
	if err != nil {
		return nil, fmt.Errorf("compiling module: %w", err)
	}

	args, err := resolveArgs(spec.Manifest, spec.Config)
	if err != nil {
		return nil, err
	}

	stdinR, stdinW := io.Pipe()
	s := &Session{
		id:      spec.ContainerID,
		runtime: r,
		network: spec.Network,
		bridge:  newPortBridge(),
		logs:    newLogSink(),
		stdinR:  stdinR,
		stdinW:  stdinW,
		done:    make(chan struct{}),
	}

	if spec.Network != nil {
		for _, pm := range spec.Config.Ports {
			tap := &portTap{bridge: s.bridge, port: pm.ContainerPort}
			var regErr error
			if pm.Protocol == "udp" {
				regErr = spec.Network.RegisterPacketHandler(spec.ContainerID, pm.ContainerPort, tap)
			} else {
				regErr = spec.Network.RegisterStreamHandler(spec.ContainerID, pm.ContainerPort, tap)
			}
			if regErr != nil {
				spec.Network.UnregisterHandlers(spec.ContainerID)
				_ = stdinR.Close()
				return nil, regErr
			}
		}
	}

	fsCfg := wazero.NewFSConfig().(sysfs.FSConfig).
		WithSysFSMount(layerfs.NewViewFS(spec.View), "/")

	modCfg := wazero.NewModuleConfig().
		WithName(spec.ContainerID).
		WithArgs(args...).
		WithStdin(stdinR).
		WithStdout(s.logs).
		WithStderr(s.logs).
		WithFSConfig(fsCfg).
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(crand.Reader)
	for _, kv := range buildEnv(spec.Manifest, spec.Config, spec.Hostname, spec.IP) {
		modCfg = modCfg.WithEnv(kv[0], kv[1])
	}

	runCtx := context.WithValue(context.Background(), sessionKey{}, s)
	runCtx, cancel := context.WithCancel(runCtx)
	s.cancel = cancel
	s.started = time.Now()

	go s.run(runCtx, compiled, modCfg)
	return s, nil
}

func (s *Session) run(ctx context.Context, compiled wazero.CompiledModule, cfg wazero.ModuleConfig) {
	mod, err := s.runtime.runtime.InstantiateModule(ctx, compiled, cfg)
	if mod != nil {
		_ = mod.Close(context.Background())
	}

	var status api.ExitStatus
	switch {
	case err == nil:
		// _start returned without calling proc_exit.
	default:
		var exitErr *sys.ExitError
		switch {
		case errors.As(err, &exitErr):
			switch exitErr.ExitCode() {
			case sys.ExitCodeContextCanceled, sys.ExitCodeDeadlineExceeded:
				status = api.ExitStatus{Code: 137, Killed: true}
			default:
				status = api.ExitStatus{Code: int(exitErr.ExitCode())}
			}
		case errors.Is(err, context.Canceled):
			status = api.ExitStatus{Code: 137, Killed: true}
		default:
			// Trap or instantiation fault inside the guest.
			status = api.ExitStatus{Code: 139, Trapped: true, TrapReason: err.Error()}
		}
	}
	if status.Killed && !s.killed.Load() {
		s.killed.Store(true)
	}

	if s.network != nil {
		s.network.UnregisterHandlers(s.id)
	}
	s.bridge.closeAll()
	_ = s.stdinR.Close()
	_ = s.stdinW.Close()

	s.status = status
	s.logs.closeSubs()
	close(s.done)

	s.runtime.log.Debug().
		Str("container", s.id).
		Int("exit_code", status.Code).
		Bool("trapped", status.Trapped).
		Bool("killed", status.Killed).
		Msg("module finished")
}

// Done closes when the module has exited and the status is final.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until exit or context cancellation.
func (s *Session) Wait(ctx context.Context) (api.ExitStatus, error) {
	select {
	case <-s.done:
		return s.status, nil
	case <-ctx.Done():
		return api.ExitStatus{}, ctx.Err()
	}
}

// ExitStatus is valid only after Done is closed.
func (s *Session) ExitStatus() api.ExitStatus {
	<-s.done
	return s.status
}

// Terminate stops the container in two phases. First the shutdown flag
// the guest can poll via host calls is raised; if the module has not
// exited when the grace period lapses, the run context is cancelled and
// the engine tears the module down mid-instruction.
func (s *Session) Terminate(grace time.Duration) api.ExitStatus {
	s.shutdown.Store(true)
	if grace > 0 {
		timer := time.NewTimer(grace)
		select {
		case <-s.done:
			timer.Stop()
			return s.status
		case <-timer.C:
		}
	}
	s.killed.Store(true)
	s.cancel()
	<-s.done
	return s.status
}

// Kill skips the grace period entirely.
func (s *Session) Kill() api.ExitStatus {
	return s.Terminate(0)
}

// StdinWriter feeds the module's stdin. Closing is handled on exit.
func (s *Session) StdinWriter() io.Writer { return s.stdinW }

// LogBytes returns everything the module has written to stdout and
// stderr so far.
func (s *Session) LogBytes() []byte { return s.logs.bytes() }

// SubscribeLogs registers a live follower of the combined output stream.
// The channel closes when the module exits.
func (s *Session) SubscribeLogs() (uint64, <-chan []byte) { return s.logs.subscribe() }

func (s *Session) UnsubscribeLogs(id uint64) { s.logs.unsubscribe(id) }

func (s *Session) StartedAt() time.Time { return s.started }

// resolveArgs combines manifest and user config into the module argv.
// A user entrypoint override discards the manifest cmd, matching the
// usual container semantics. A single argument containing whitespace is
// treated as shell form and word-split.
func resolveArgs(m api.Manifest, cfg api.ContainerConfig) ([]string, error) {
	entrypoint := m.Entrypoint
	cmd := m.Cmd
	if len(cfg.Entrypoint) > 0 {
		entrypoint = cfg.Entrypoint
		cmd = nil
	}
	if len(cfg.Cmd) > 0 {
		cmd = cfg.Cmd
	}

	args := append(append([]string{}, entrypoint...), cmd...)
	if len(args) == 0 {
		return nil, &api.InvalidConfigError{Message: "no entrypoint or cmd to run"}
	}
	if len(args) == 1 && strings.ContainsAny(args[0], " \t") {
		fields, err := shell.Fields(args[0], nil)
		if err != nil {
			return nil, &api.InvalidConfigError{Message: fmt.Sprintf("bad shell-form entrypoint: %v", err)}
		}
		args = fields
	}
	return args, nil
}

// buildEnv layers environment sources lowest to highest precedence:
// defaults, image manifest, user config, then the identity variables the
// runtime always owns. Output order is deterministic.
func buildEnv(m api.Manifest, cfg api.ContainerConfig, hostname, ip string) [][2]string {
	merged := map[string]string{
		"PATH": "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME": "/root",
		"TERM": "xterm",
	}
	for k, v := range m.Env {
		merged[k] = v
	}
	for k, v := range cfg.Env {
		merged[k] = v
	}
	merged["HOSTNAME"] = hostname
	if ip != "" {
		merged["CONTAINER_IP"] = ip
	}
	workdir := m.WorkingDir
	if cfg.WorkingDir != "" {
		workdir = cfg.WorkingDir
	}
	if workdir == "" {
		workdir = "/"
	}
	merged["PWD"] = workdir

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][2]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, [2]string{k, merged[k]})
	}
	return out
}

// logSink is the shared stdout+stderr capture for one session. Writers
// append to the retained buffer and fan out to live subscribers without
// blocking the guest.
type logSink struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
	nextID uint64
	subs   map[uint64]chan []byte
}

func newLogSink() *logSink {
	return &logSink{subs: make(map[uint64]chan []byte)}
}

func (l *logSink) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Write(p)
	if len(l.subs) > 0 {
		cp := make([]byte, len(p))
		copy(cp, p)
		for _, ch := range l.subs {
			select {
			case ch <- cp:
			default: // slow follower, skip
			}
		}
	}
	return len(p), nil
}

func (l *logSink) bytes() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]byte, l.buf.Len())
	copy(out, l.buf.Bytes())
	return out
}

func (l *logSink) subscribe() (uint64, <-chan []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	ch := make(chan []byte, 64)
	if l.closed {
		close(ch)
		return id, ch
	}
	l.subs[id] = ch
	return id, ch
}

func (l *logSink) unsubscribe(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ch, ok := l.subs[id]; ok {
		delete(l.subs, id)
		close(ch)
	}
}

func (l *logSink) closeSubs() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for id, ch := range l.subs {
		delete(l.subs, id)
		close(ch)
	}
}
