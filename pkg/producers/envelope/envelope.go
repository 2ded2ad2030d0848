// Package envelope defines the error document that file snapshots and wasm
// plugins use to report a failed fetch.
package envelope

import (
	"fmt"

	"github.com/driftwatch/driftwatch/pkg/engine"
)

// Error is a fetch failure described as data.
type Error struct {
	Code    string `json:"code" yaml:"code"`
	Message string `json:"message" yaml:"message"`

	// Times limits the failure to the first N fetches when set. Used by
	// snapshot fixtures to simulate a throttled API that recovers.
	Times int `json:"times,omitempty" yaml:"times,omitempty"`
}

// Response wraps an optional error, as returned by plugins.
type Response struct {
	Error *Error `json:"error,omitempty"`
}

var throttled = map[string]bool{
	"Throttling":               true,
	"ThrottlingException":      true,
	"RateLimited":              true,
	"RequestLimitExceeded":     true,
	"RequestThrottled":         true,
	"TooManyRequestsException": true,
	"SlowDown":                 true,
}

var denied = map[string]bool{
	"AccessDenied":     true,
	"PermissionDenied": true,
	"NotFound":         true,
}

// IsThrottling reports whether code signals rate limiting.
func IsThrottling(code string) bool {
	return throttled[code]
}

// Err converts e into an engine error scoped to loc.
func (e *Error) Err(operation string, loc engine.PartialLocation) error {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	cause := fmt.Errorf("%s: %s", e.Code, msg)

	var ee *engine.EngineError
	switch {
	case throttled[e.Code]:
		ee = engine.NewThrottledError(operation+" throttled", cause).WithCode(engine.ErrCodeRateLimited)
	case denied[e.Code]:
		ee = engine.NewPermanentError(operation+" failed", cause).WithCode(engine.ErrCodePermissionDenied)
	default:
		ee = engine.NewTransientError(operation+" failed", cause).WithCode(engine.ErrCodeFetchFailed)
	}
	return &engine.FetchError{
		Location: loc,
		Err:      ee.WithOperation(operation).WithLocation(loc),
	}
}
