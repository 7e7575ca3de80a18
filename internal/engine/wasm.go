package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// WasmEngine runs a WASI engine module with wazero. The module is compiled
// once and instantiated for every call with the request on stdin.
type WasmEngine struct {
	remote
	rt       wazero.Runtime
	compiled wazero.CompiledModule
	logger   *slog.Logger
}

// NewWasm compiles the module at path. The module may import env.host_log
// (ptr, len i32) to write to the host log.
func NewWasm(ctx context.Context, path string, logger *slog.Logger) (*WasmEngine, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}

	rt := wazero.NewRuntime(ctx)
	if err := instantiateHostModule(ctx, rt, logger); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("compile module: %w", err)
	}

	e := &WasmEngine{rt: rt, compiled: compiled, logger: logger}
	e.remote = remote{call: e.call}
	return e, nil
}

// Close releases the compiled module and the runtime.
func (e *WasmEngine) Close(ctx context.Context) error {
	if e == nil || e.rt == nil {
		return nil
	}
	return e.rt.Close(ctx)
}

func (e *WasmEngine) call(ctx context.Context, req Request) (Response, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	var stdout, stderr bytes.Buffer
	config := wazero.NewModuleConfig().
		WithName("").
		WithArgs("loqa-sing-engine").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	module, err := e.rt.InstantiateModule(ctx, e.compiled, config)
	if module != nil {
		defer module.Close(ctx)
	}
	if err != nil {
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 0 {
			return Response{}, fmt.Errorf("engine module failed: %w: %s", err, stderr.String())
		}
	}

	var resp Response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Response{}, fmt.Errorf("decode engine response: %w", err)
	}
	return resp, nil
}

func instantiateHostModule(ctx context.Context, rt wazero.Runtime, logger *slog.Logger) error {
	hostLogFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		ptr := api.DecodeU32(stack[0])
		length := api.DecodeU32(stack[1])
		if length == 0 {
			return
		}
		mem := mod.Memory()
		if mem == nil {
			logger.Warn("host_log: module has no memory", slog.Uint64("ptr", uint64(ptr)), slog.Uint64("len", uint64(length)))
			return
		}
		data, ok := mem.Read(ptr, length)
		if !ok {
			logger.Warn("host_log: unable to read memory", slog.Uint64("ptr", uint64(ptr)), slog.Uint64("len", uint64(length)))
			return
		}
		logger.Debug("engine module log", slog.String("message", string(data)))
	})
	_, err := rt.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithGoModuleFunction(hostLogFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("host_log").
		Export("host_log").
		Instantiate(ctx)
	return err
}
