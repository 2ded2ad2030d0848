package wasm

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftwatch/driftwatch/pkg/engine"
)

// emptyModule is a valid WASM binary with no exports.
var emptyModule = []byte("\x00asm\x01\x00\x00\x00")

// funcsOnlyModule builds a WASM binary exporting empty () -> () functions
// under names, with no memory.
func funcsOnlyModule(names ...string) []byte {
	out := []byte("\x00asm\x01\x00\x00\x00")
	section := func(id byte, body []byte) {
		out = append(out, id, byte(len(body)))
		out = append(out, body...)
	}

	section(1, []byte{1, 0x60, 0, 0})

	funcs := []byte{byte(len(names))}
	code := []byte{byte(len(names))}
	exports := []byte{byte(len(names))}
	for i, name := range names {
		funcs = append(funcs, 0)
		code = append(code, 2, 0, 0x0b)
		exports = append(exports, byte(len(name)))
		exports = append(exports, name...)
		exports = append(exports, 0, byte(i))
	}
	section(3, funcs)
	section(7, exports)
	section(10, code)
	return out
}

func TestNew_MissingExports(t *testing.T) {
	_, err := New(context.Background(), "plugin", emptyModule, nil, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not export malloc function")

	partial := funcsOnlyModule("malloc", "free", "producer_regions")
	_, err = New(context.Background(), "plugin", partial, nil, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not export producer_fetch function")
}

func TestNew_MissingMemory(t *testing.T) {
	module := funcsOnlyModule("malloc", "free", "producer_regions", "producer_fetch")
	_, err := New(context.Background(), "plugin", module, nil, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not export memory")
}

func TestNew_InvalidBinary(t *testing.T) {
	_, err := New(context.Background(), "plugin", []byte("not wasm"), nil, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to instantiate WASM module")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(context.Background(), "plugin", filepath.Join(t.TempDir(), "none.wasm"), nil, zerolog.Nop())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "failed to read plugin"))
}

func TestLoad_EmptyModuleFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wasm")
	require.NoError(t, os.WriteFile(path, emptyModule, 0o644))

	_, err := Load(context.Background(), "plugin", path, &HostConfig{MemoryLimitPages: 16}, zerolog.Nop())
	assert.Error(t, err)
}

func TestUnpack(t *testing.T) {
	ptr, length := unpack(uint64(1024)<<32 | 77)
	assert.Equal(t, uint32(1024), ptr)
	assert.Equal(t, uint32(77), length)
}

func TestPluginLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, pluginLevel(0))
	assert.Equal(t, zerolog.InfoLevel, pluginLevel(1))
	assert.Equal(t, zerolog.WarnLevel, pluginLevel(2))
	assert.Equal(t, zerolog.ErrorLevel, pluginLevel(9))
}

func TestDecodeRegions(t *testing.T) {
	scope := engine.AccountScope("plugin", "prod")

	regions, err := decodeRegions([]byte(`{"regions":["us-east-1","eu-west-1"]}`), scope)
	require.NoError(t, err)
	assert.Equal(t, []string{"us-east-1", "eu-west-1"}, regions)

	_, err = decodeRegions([]byte(`{"error":{"code":"Throttling","message":"slow"}}`), scope)
	require.Error(t, err)
	assert.True(t, engine.IsThrottled(err))

	_, err = decodeRegions([]byte(`not json`), scope)
	require.Error(t, err)
	assert.Equal(t, engine.ErrCodeMalformedInput, engine.CodeOf(err))
}

func TestDecodeFetch(t *testing.T) {
	data := []byte(`{
		"items": [
			{"name": "bucket-a", "config": {"Versioning": "Enabled", "Size": 3}},
			{"name": "bucket-b", "config": {}}
		],
		"failures": [{"name": "bucket-c", "message": "acl read failed"}]
	}`)

	res, err := decodeFetch(data, "plugin", "prod", engine.UniversalRegion)
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	require.Len(t, res.Failures, 1)

	a := res.Items[0]
	assert.Equal(t, engine.Location{Technology: "plugin", Account: "prod", Region: engine.UniversalRegion, Name: "bucket-a"}, a.Location())
	assert.Equal(t, `{"Size":3,"Versioning":"Enabled"}`, a.Config.String())

	assert.Equal(t, "item", res.Failures[0].Location.Scope())
	assert.Equal(t, "bucket-c", res.Failures[0].Location.Name)
}

func TestDecodeFetch_Errors(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		class engine.ErrorClass
	}{
		{"throttled", `{"error":{"code":"SlowDown"}}`, engine.ErrorClassThrottled},
		{"denied", `{"error":{"code":"AccessDenied","message":"no"}}`, engine.ErrorClassPermanent},
		{"unknown code", `{"error":{"code":"Boom"}}`, engine.ErrorClassTransient},
		{"unnamed item", `{"items":[{"config":{}}]}`, engine.ErrorClassPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeFetch([]byte(tt.data), "plugin", "prod", "us-east-1")
			require.Error(t, err)
			assert.Equal(t, tt.class, engine.ClassOf(err))

			var fe *engine.FetchError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, engine.RegionScope("plugin", "prod", "us-east-1"), fe.Location)
		})
	}
}
