// Package sandbox drives the embedded WebAssembly engine. It wraps a
// shared wazero runtime, instantiates container modules against their
// materialized filesystem view and network context, and exposes the
// two-phase (cooperative, then forced) termination protocol the
// lifecycle controller relies on.
package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/zeebo/blake3"
)

// Runtime manages the WASM engine and a cache of compiled modules.
// Create once and share across all containers.
type Runtime struct {
	runtime wazero.Runtime
	log     zerolog.Logger

	mu       sync.Mutex
	compiled map[string]wazero.CompiledModule // module content hash → compiled
}

// NewRuntime creates the engine, instantiates WASI preview1, and installs
// the host-call module that backs container log, shutdown polling, and
// network stream access.
func NewRuntime(ctx context.Context, log zerolog.Logger) (*Runtime, error) {
	rt := wazero.NewRuntimeWithConfig(ctx,
		wazero.NewRuntimeConfig().WithCloseOnContextDone(true),
	)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiating WASI: %w", err)
	}

	r := &Runtime{
		runtime:  rt,
		log:      log.With().Str("component", "sandbox").Logger(),
		compiled: make(map[string]wazero.CompiledModule),
	}
	if err := r.instantiateHostModule(ctx); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiating host module: %w", err)
	}
	return r, nil
}

// Close releases the engine and all compiled modules.
func (r *Runtime) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

// compile returns a compiled module for the binary, compiling at most
// once per content hash. Containers from the same image share the
// compilation.
func (r *Runtime) compile(ctx context.Context, moduleBytes []byte) (wazero.CompiledModule, error) {
	sum := blake3.Sum256(moduleBytes)
	key := fmt.Sprintf("%x", sum[:])

	r.mu.Lock()
	if cm, ok := r.compiled[key]; ok {
		r.mu.Unlock()
		return cm, nil
	}
	r.mu.Unlock()

	cm, err := r.runtime.CompileModule(ctx, moduleBytes)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if prev, ok := r.compiled[key]; ok {
		r.mu.Unlock()
		_ = cm.Close(ctx)
		return prev, nil
	}
	r.compiled[key] = cm
	r.mu.Unlock()
	return cm, nil
}
