package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/driftwatch/driftwatch/pkg/confval"
	"github.com/driftwatch/driftwatch/pkg/engine"
	"github.com/driftwatch/driftwatch/pkg/producers/envelope"
)

// Bridge calls plugin exports with JSON payloads. A module instance is not
// reentrant, so calls are serialised.
type Bridge struct {
	mu sync.Mutex

	memory  api.Memory
	malloc  api.Function
	free    api.Function
	regions api.Function
	fetch   api.Function

	timeout time.Duration
}

// NewBridge resolves the exports a producer plugin must provide.
func NewBridge(module api.Module, timeout time.Duration) (*Bridge, error) {
	b := &Bridge{timeout: timeout}

	exports := []struct {
		name string
		fn   *api.Function
	}{
		{"malloc", &b.malloc},
		{"free", &b.free},
		{"producer_regions", &b.regions},
		{"producer_fetch", &b.fetch},
	}
	for _, e := range exports {
		*e.fn = module.ExportedFunction(e.name)
		if *e.fn == nil {
			return nil, fmt.Errorf("WASM module does not export %s function", e.name)
		}
	}

	b.memory = module.ExportedMemory("memory")
	if b.memory == nil {
		return nil, fmt.Errorf("WASM module does not export memory")
	}
	return b, nil
}

type request struct {
	Account string            `json:"account"`
	Region  string            `json:"region,omitempty"`
	Options map[string]string `json:"options,omitempty"`
}

// Call marshals req, invokes fn and returns its JSON output.
func (b *Bridge) Call(ctx context.Context, fn api.Function, req request) ([]byte, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.callWASMFunction(ctx, fn, input)
}

// callWASMFunction writes input into plugin memory, calls
// fn(input_ptr, input_len) and reads the packed (ptr<<32 | len) output.
func (b *Bridge) callWASMFunction(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := b.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, fmt.Errorf("failed to allocate WASM memory: %w", err)
		}
		defer func() { _ = b.deallocate(ctx, ptr) }()

		inputPtr = ptr
		inputLen = uint32(len(input))
		if !b.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write input to WASM memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("WASM function call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("WASM function returned no results")
	}

	outputPtr, outputLen := unpack(results[0])
	if outputLen == 0 {
		return []byte("{}"), nil
	}

	view, ok := b.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from WASM memory")
	}
	// The view aliases plugin memory, which free may reuse.
	output := append([]byte(nil), view...)
	_ = b.deallocate(ctx, outputPtr)

	return output, nil
}

// unpack splits a packed result into pointer and length.
func unpack(packed uint64) (uint32, uint32) {
	return uint32(packed >> 32), uint32(packed & 0xFFFFFFFF)
}

func (b *Bridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("malloc returned no results")
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return ptr, nil
}

func (b *Bridge) deallocate(ctx context.Context, ptr uint32) error {
	if _, err := b.free.Call(ctx, uint64(ptr)); err != nil {
		return fmt.Errorf("free failed: %w", err)
	}
	return nil
}

type regionsResponse struct {
	envelope.Response
	Regions []string `json:"regions"`
}

type fetchResponse struct {
	envelope.Response
	Items []struct {
		Name   string        `json:"name"`
		Config confval.Value `json:"config"`
	} `json:"items"`
	Failures []struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"failures"`
}

func malformed(loc engine.PartialLocation, err error) error {
	return &engine.FetchError{
		Location: loc,
		Err: engine.NewPermanentError("malformed plugin response", err).
			WithCode(engine.ErrCodeMalformedInput).
			WithLocation(loc),
	}
}

// decodeRegions parses a producer_regions response.
func decodeRegions(data []byte, scope engine.PartialLocation) ([]string, error) {
	var resp regionsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, malformed(scope, err)
	}
	if resp.Error != nil {
		return nil, resp.Error.Err("producer_regions", scope)
	}
	return resp.Regions, nil
}

// decodeFetch parses a producer_fetch response.
func decodeFetch(data []byte, technology, account, region string) (*engine.FetchResult, error) {
	scope := engine.RegionScope(technology, account, region)

	var resp fetchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, malformed(scope, err)
	}
	if resp.Error != nil {
		return nil, resp.Error.Err("producer_fetch", scope)
	}

	res := &engine.FetchResult{Items: make([]engine.ResourceItem, 0, len(resp.Items))}
	for i, it := range resp.Items {
		if it.Name == "" {
			return nil, malformed(scope, fmt.Errorf("item %d has no name", i))
		}
		res.Items = append(res.Items, engine.ResourceItem{
			Technology: technology,
			Account:    account,
			Region:     region,
			Name:       it.Name,
			Config:     it.Config,
		})
	}
	for _, f := range resp.Failures {
		loc := engine.ItemScope(engine.Location{
			Technology: technology,
			Account:    account,
			Region:     region,
			Name:       f.Name,
		})
		res.Failures = append(res.Failures, engine.FetchFailure{
			Location: loc,
			Err:      engine.NewTransientError(f.Message, nil).WithCode(engine.ErrCodeFetchFailed).WithLocation(loc),
		})
	}
	return res, nil
}
