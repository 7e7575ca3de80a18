// Package engine talks to singing voice synthesis engines. Backends share the
// SongAPI surface: an in-process mock, a VOICEVOX compatible HTTP client, an
// external command and a WASI module, all speaking the same payloads.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-sing/internal/config"
	"github.com/loqalabs/loqa-sing/internal/project"
)

// Open builds the backend selected by cfg.Mode and wraps it with
// instrumentation. The returned close function releases backend resources.
func Open(ctx context.Context, cfg config.EngineConfig, logger *slog.Logger) (SongAPI, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond

	var (
		api     SongAPI
		closeFn = noop
	)
	switch cfg.Mode {
	case "mock", "":
		api = NewMock()
	case "http":
		httpEngine := NewHTTP(cfg.Endpoint, timeout)
		if timeout > 0 {
			healthCtx, cancel := context.WithTimeout(ctx, timeout)
			version, err := httpEngine.WaitForHealthy(healthCtx, 500*time.Millisecond)
			cancel()
			if err != nil {
				return nil, noop, err
			}
			logger.Info("connected to engine", slog.String("endpoint", cfg.Endpoint), slog.String("version", version))
		}
		api = httpEngine
	case "exec":
		execEngine, err := NewExec(cfg.Command)
		if err != nil {
			return nil, noop, err
		}
		api = execEngine
	case "wasm":
		wasmEngine, err := NewWasm(ctx, cfg.ModulePath, logger.With(slog.String("component", "engine-wasm")))
		if err != nil {
			return nil, noop, err
		}
		api = wasmEngine
		closeFn = wasmEngine.Close
	default:
		return nil, noop, fmt.Errorf("unknown engine mode %q", cfg.Mode)
	}
	return Instrument(api, logger), closeFn, nil
}

// FrameRates returns the frame rate table for the configured engine.
func FrameRates(cfg config.EngineConfig) map[project.EngineID]float64 {
	return map[project.EngineID]float64{project.EngineID(cfg.EngineID): cfg.FrameRate}
}
