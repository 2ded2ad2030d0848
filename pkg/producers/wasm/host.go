// Package wasm runs snapshot producers compiled to WebAssembly.
//
// A plugin exports memory, malloc(size) and free(ptr), plus two functions
// taking a JSON request and returning a packed (ptr<<32 | len) JSON
// response:
//
//	producer_regions({"account": ..., "options": {...}})
//	    -> {"regions": [...]}
//	producer_fetch({"account": ..., "region": ..., "options": {...}})
//	    -> {"items": [{"name": ..., "config": {...}}], "failures": [{"name": ..., "message": ...}]}
//
// Either response may carry {"error": {"code": ..., "message": ...}}; a
// Throttling code is retried by the engine's backoff invoker. Plugins may
// import env.log(level, ptr, len) to write through the host logger.
package wasm

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/driftwatch/driftwatch/pkg/engine"
)

// HostConfig contains configuration for the WASM host.
type HostConfig struct {
	// Timeout bounds one plugin call.
	Timeout time.Duration

	// MemoryLimitPages is the maximum memory limit in pages (64KB each).
	// Default is 256 pages (16MB).
	MemoryLimitPages uint32

	// Options are passed to the plugin with every request.
	Options map[string]string
}

// Producer implements engine.SnapshotProducer with a WASM plugin.
type Producer struct {
	technology string
	runtime    wazero.Runtime
	module     api.Module
	bridge     *Bridge
	options    map[string]string
	logger     zerolog.Logger
}

var _ engine.SnapshotProducer = (*Producer)(nil)

// Load reads a plugin from path and instantiates it.
func Load(ctx context.Context, technology, path string, cfg *HostConfig, logger zerolog.Logger) (*Producer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin %s: %w", path, err)
	}
	return New(ctx, technology, data, cfg, logger)
}

// New instantiates a plugin from its binary.
func New(ctx context.Context, technology string, wasmModule []byte, cfg *HostConfig, logger zerolog.Logger) (*Producer, error) {
	if cfg == nil {
		cfg = &HostConfig{}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}
	logger = logger.With().Str("component", "wasm-producer").Str("technology", technology).Logger()

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	builder := runtime.NewHostModuleBuilder("env")
	registerHostFunctions(builder, logger)
	if _, err := builder.Instantiate(ctx); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	module, err := runtime.Instantiate(ctx, wasmModule)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASM module: %w", err)
	}

	bridge, err := NewBridge(module, cfg.Timeout)
	if err != nil {
		_ = module.Close(ctx)
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to create WASM bridge: %w", err)
	}

	logger.Info().Int("bytes", len(wasmModule)).Msg("Plugin loaded")

	return &Producer{
		technology: technology,
		runtime:    runtime,
		module:     module,
		bridge:     bridge,
		options:    cfg.Options,
		logger:     logger,
	}, nil
}

// registerHostFunctions exports env.log to plugins.
func registerHostFunctions(builder wazero.HostModuleBuilder, logger zerolog.Logger) {
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, level, ptr, length uint32) {
			msg, ok := mod.Memory().Read(ptr, length)
			if !ok {
				logger.Warn().Msg("Plugin log message out of range")
				return
			}
			logger.WithLevel(pluginLevel(level)).Msg(string(msg))
		}).
		Export("log")
}

// pluginLevel maps plugin log levels 0-3 to debug, info, warn and error.
func pluginLevel(level uint32) zerolog.Level {
	switch level {
	case 0:
		return zerolog.DebugLevel
	case 1:
		return zerolog.InfoLevel
	case 2:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

// Technology returns the technology identifier.
func (p *Producer) Technology() string { return p.technology }

// Regions asks the plugin which regions to fetch for an account.
func (p *Producer) Regions(ctx context.Context, account string) ([]string, error) {
	data, err := p.bridge.Call(ctx, p.bridge.regions, request{Account: account, Options: p.options})
	if err != nil {
		return nil, &engine.FetchError{
			Location: engine.AccountScope(p.technology, account),
			Err:      engine.NewTransientError("producer_regions failed", err).WithCode(engine.ErrCodeFetchFailed),
		}
	}
	return decodeRegions(data, engine.AccountScope(p.technology, account))
}

// Fetch asks the plugin for the resources of one account and region.
func (p *Producer) Fetch(ctx context.Context, account, region string) (*engine.FetchResult, error) {
	scope := engine.RegionScope(p.technology, account, region)
	data, err := p.bridge.Call(ctx, p.bridge.fetch, request{Account: account, Region: region, Options: p.options})
	if err != nil {
		return nil, &engine.FetchError{
			Location: scope,
			Err:      engine.NewTransientError("producer_fetch failed", err).WithCode(engine.ErrCodeFetchFailed),
		}
	}
	return decodeFetch(data, p.technology, account, region)
}

// Close releases the module and the runtime.
func (p *Producer) Close(ctx context.Context) error {
	if p.module != nil {
		if err := p.module.Close(ctx); err != nil {
			return fmt.Errorf("failed to close WASM module: %w", err)
		}
	}
	if p.runtime != nil {
		if err := p.runtime.Close(ctx); err != nil {
			return fmt.Errorf("failed to close WASM runtime: %w", err)
		}
	}
	return nil
}
