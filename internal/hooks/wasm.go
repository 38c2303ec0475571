package hooks

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// wasmRuntime runs a hook script as an in-process WASI module instead of a
// subprocess: the module reads its event payload from stdin and writes its
// cancel-response JSON to stdout, the same contract run() expects from
// exec.Command. Compiled modules are cached by path since compilation is
// the expensive part of each invocation.
type wasmRuntime struct {
	mu       sync.Mutex
	runtime  wazero.Runtime
	compiled map[string]wazero.CompiledModule
}

func newWasmRuntime(ctx context.Context) *wasmRuntime {
	r := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)
	return &wasmRuntime{runtime: r, compiled: map[string]wazero.CompiledModule{}}
}

func (w *wasmRuntime) run(ctx context.Context, path string, payload []byte) ([]byte, error) {
	compiled, err := w.compiledModule(ctx, path)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(payload)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := w.runtime.InstantiateModule(ctx, compiled, cfg)
	if mod != nil {
		defer mod.Close(ctx)
	}
	if err != nil {
		if exitErr, ok := err.(*sys.ExitError); ok && exitErr.ExitCode() == 0 {
			return stdout.Bytes(), nil
		}
		return stdout.Bytes(), fmt.Errorf("run wasm hook %s: %w (stderr: %s)", path, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

func (w *wasmRuntime) compiledModule(ctx context.Context, path string) (wazero.CompiledModule, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if compiled, ok := w.compiled[path]; ok {
		return compiled, nil
	}
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wasm hook module %s: %w", path, err)
	}
	compiled, err := w.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile wasm hook module %s: %w", path, err)
	}
	w.compiled[path] = compiled
	return compiled, nil
}

func (w *wasmRuntime) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}
