package config

import (
	"context"
	"fmt"
	"time"

	"github.com/driftwatch/driftwatch/pkg/confval"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// StarlarkEvaluator executes Starlark scripts in a sandbox: no load(), no
// print output and a wall-clock timeout.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{
		timeout: timeout,
	}
}

// Evaluate executes a script with input bound as globals and returns every
// exported global converted to Go.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*StarlarkResult, error) {
	startTime := time.Now()

	predeclared := make(starlark.StringDict, len(input))
	for key, val := range input {
		starlarkVal, err := toStarlarkValue(val)
		if err != nil {
			err = fmt.Errorf("failed to convert input %s: %w", key, err)
			return &StarlarkResult{ExecutionTime: time.Since(startTime), Error: err.Error()}, err
		}
		predeclared[key] = starlarkVal
	}

	globals, err := se.Exec(ctx, "config", script, predeclared)
	if err != nil {
		return &StarlarkResult{ExecutionTime: time.Since(startTime), Error: err.Error()}, err
	}

	output := make(map[string]interface{})
	for name, val := range globals {
		// Skip internal variables and functions.
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		if _, isFunc := val.(starlark.Callable); isFunc {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			err = fmt.Errorf("failed to convert output %s: %w", name, err)
			return &StarlarkResult{ExecutionTime: time.Since(startTime), Error: err.Error()}, err
		}
		output[name] = goVal
	}

	return &StarlarkResult{
		Output:        output,
		ExecutionTime: time.Since(startTime),
	}, nil
}

// Exec runs script with the built-ins plus extra and returns its frozen
// globals. The run is cancelled when ctx ends or the timeout elapses.
func (se *StarlarkEvaluator) Exec(ctx context.Context, name, script string, extra starlark.StringDict) (starlark.StringDict, error) {
	thread := newThread(name)

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()
	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(fmt.Sprintf("execution timeout after %v", se.timeout))
	})
	defer stop()

	predeclared := builtins()
	for k, v := range extra {
		predeclared[k] = v
	}

	globals, err := starlark.ExecFile(thread, name+".star", script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}
	globals.Freeze()
	return globals, nil
}

func newThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name: "driftwatch/" + name,
		Print: func(_ *starlark.Thread, _ string) {
			// Suppressed; scripts have no output channel.
		},
	}
}

func builtins() starlark.StringDict {
	return starlark.StringDict{
		"struct":    starlarkstruct.Default,
		"range":     starlark.NewBuiltin("range", builtinRange),
		"enumerate": starlark.NewBuiltin("enumerate", builtinEnumerate),
		"zip":       starlark.NewBuiltin("zip", builtinZip),
	}
}

// StarlarkCanonicalizer runs a script's canonicalize(config) function
// before configs are compared. It implements engine.Canonicalizer and is
// safe for concurrent use.
type StarlarkCanonicalizer struct {
	name    string
	fn      starlark.Callable
	timeout time.Duration
}

// NewStarlarkCanonicalizer executes script once and looks up its
// canonicalize function.
func NewStarlarkCanonicalizer(name, script string, timeout time.Duration) (*StarlarkCanonicalizer, error) {
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}

	globals, err := NewStarlarkEvaluator(timeout).Exec(context.Background(), name, script, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load canonicalize script for %s: %w", name, err)
	}

	fn, ok := globals["canonicalize"].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("canonicalize script for %s must define canonicalize(config)", name)
	}

	return &StarlarkCanonicalizer{name: name, fn: fn, timeout: timeout}, nil
}

// Canonicalize calls canonicalize(config) and converts the result back.
func (sc *StarlarkCanonicalizer) Canonicalize(v confval.Value) (confval.Value, error) {
	arg, err := configToStarlark(v)
	if err != nil {
		return confval.Value{}, err
	}

	thread := newThread(sc.name)
	timer := time.AfterFunc(sc.timeout, func() {
		thread.Cancel(fmt.Sprintf("execution timeout after %v", sc.timeout))
	})
	defer timer.Stop()

	out, err := starlark.Call(thread, sc.fn, starlark.Tuple{arg}, nil)
	if err != nil {
		return confval.Value{}, fmt.Errorf("canonicalize %s: %w", sc.name, err)
	}

	goVal, err := fromStarlarkValue(out)
	if err != nil {
		return confval.Value{}, fmt.Errorf("canonicalize %s: %w", sc.name, err)
	}
	return confval.FromGo(goVal)
}

// configToStarlark converts a config tree, keeping integral numbers as ints
// and map keys in sorted order.
func configToStarlark(v confval.Value) (starlark.Value, error) {
	switch v.Kind() {
	case confval.KindNull:
		return starlark.None, nil
	case confval.KindBool:
		b, _ := v.AsBool()
		return starlark.Bool(b), nil
	case confval.KindNumber:
		if i, ok := v.AsBigInt(); ok {
			return starlark.MakeBigInt(i), nil
		}
		n, _ := v.AsNumber()
		return starlark.Float(n), nil
	case confval.KindString:
		s, _ := v.AsString()
		return starlark.String(s), nil
	case confval.KindList:
		elems := v.Elements()
		list := make([]starlark.Value, len(elems))
		for i, e := range elems {
			sv, err := configToStarlark(e)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case confval.KindMap:
		keys := v.Keys()
		dict := starlark.NewDict(len(keys))
		for _, k := range keys {
			child, _ := v.Get(k)
			sv, err := configToStarlark(child)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported config kind %s", v.Kind())
	}
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		if i, ok := val.Int64(); ok {
			return i, nil
		}
		return val.BigInt(), nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

// Built-in Starlark functions

// builtinRange implements the range() built-in function.
func builtinRange(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var start, stop, step int64 = 0, 0, 1

	switch len(args) {
	case 1:
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "stop", &stop); err != nil {
			return nil, err
		}
	case 2:
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "start", &start, "stop", &stop); err != nil {
			return nil, err
		}
	case 3:
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "start", &start, "stop", &stop, "step", &step); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("range takes 1 to 3 arguments, got %d", len(args))
	}

	if step == 0 {
		return nil, fmt.Errorf("range step cannot be zero")
	}

	var list []starlark.Value
	if step > 0 {
		for i := start; i < stop; i += step {
			list = append(list, starlark.MakeInt64(i))
		}
	} else {
		for i := start; i > stop; i += step {
			list = append(list, starlark.MakeInt64(i))
		}
	}

	return starlark.NewList(list), nil
}

// builtinEnumerate implements the enumerate() built-in function.
func builtinEnumerate(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Iterable
	var start int64 = 0

	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "iterable", &iterable, "start?", &start); err != nil {
		return nil, err
	}

	iter := iterable.Iterate()
	defer iter.Done()

	var list []starlark.Value
	var x starlark.Value
	i := start
	for iter.Next(&x) {
		tuple := starlark.Tuple{starlark.MakeInt64(i), x}
		list = append(list, tuple)
		i++
	}

	return starlark.NewList(list), nil
}

// builtinZip implements the zip() built-in function.
func builtinZip(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) == 0 {
		return starlark.NewList(nil), nil
	}

	// Get iterators for all arguments
	iters := make([]starlark.Iterator, len(args))
	for i, arg := range args {
		iterable, ok := arg.(starlark.Iterable)
		if !ok {
			return nil, fmt.Errorf("zip argument %d is not iterable", i)
		}
		iters[i] = iterable.Iterate()
		defer iters[i].Done()
	}

	// Zip the iterables
	var list []starlark.Value
	for {
		tuple := make(starlark.Tuple, len(iters))
		for i, iter := range iters {
			if !iter.Next(&tuple[i]) {
				// One iterator is exhausted, stop
				return starlark.NewList(list), nil
			}
		}
		list = append(list, tuple)
	}
}
