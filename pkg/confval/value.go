package confval

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is an immutable-by-convention tree of configuration data.
// The zero Value is Null.
//
// Integral numbers keep their exact decimal form in s, so identifiers
// beyond the float64 mantissa stay distinct. n always holds the nearest
// float64.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	list []Value
	m    map[string]Value
}

// ErrNonFinite is returned for NaN and infinite numbers, which have no JSON
// encoding.
var ErrNonFinite = errors.New("number is not finite")

// Null returns the null value.
func Null() Value { return Value{} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number wraps a number. Integral values are stored exactly.
func Number(n float64) Value {
	v := Value{kind: KindNumber, n: n}
	if !math.IsInf(n, 0) && !math.IsNaN(n) && n == math.Trunc(n) {
		i, _ := new(big.Float).SetFloat64(n).Int(nil)
		v.s = i.String()
	}
	return v
}

// Int wraps an integer.
func Int(i int64) Value {
	return Value{kind: KindNumber, n: float64(i), s: strconv.FormatInt(i, 10)}
}

func bigInt(i *big.Int) Value {
	f, _ := new(big.Float).SetInt(i).Float64()
	return Value{kind: KindNumber, n: f, s: i.String()}
}

// parseNumber decodes a JSON number literal. Literals with an integral
// value, including forms like 1e3 or 2.0, are kept exact.
func parseNumber(lit string) (Value, error) {
	if i, ok := new(big.Int).SetString(lit, 10); ok {
		return bigInt(i), nil
	}
	r, ok := new(big.Rat).SetString(lit)
	if !ok {
		return Value{}, fmt.Errorf("invalid number %q", lit)
	}
	if r.IsInt() {
		return bigInt(r.Num()), nil
	}
	f, _ := r.Float64()
	if math.IsInf(f, 0) {
		return Value{}, fmt.Errorf("number %q: %w", lit, ErrNonFinite)
	}
	return Value{kind: KindNumber, n: f}, nil
}

func finite(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, fmt.Errorf("number %v: %w", f, ErrNonFinite)
	}
	return Number(f), nil
}

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// List builds a list value from its elements.
func List(elems ...Value) Value {
	if elems == nil {
		elems = []Value{}
	}
	return Value{kind: KindList, list: elems}
}

// Map builds a map value. A nil map yields an empty map.
func Map(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, m: m}
}

// Kind returns the variant of v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean and whether v is a bool.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsNumber returns the number and whether v is a number.
func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }

// AsString returns the string and whether v is a string.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

// AsBigInt returns the exact integer and whether v is an integral number.
func (v Value) AsBigInt() (*big.Int, bool) {
	if v.kind != KindNumber || v.s == "" {
		return nil, false
	}
	i, ok := new(big.Int).SetString(v.s, 10)
	return i, ok
}

// Len returns the number of elements of a list or map, zero otherwise.
func (v Value) Len() int {
	switch v.kind {
	case KindList:
		return len(v.list)
	case KindMap:
		return len(v.m)
	}
	return 0
}

// Index returns the i-th list element.
func (v Value) Index(i int) (Value, bool) {
	if v.kind != KindList || i < 0 || i >= len(v.list) {
		return Value{}, false
	}
	return v.list[i], true
}

// Get returns the map entry for key.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	e, ok := v.m[key]
	return e, ok
}

// Keys returns the map keys in sorted order.
func (v Value) Keys() []string {
	if v.kind != KindMap {
		return nil
	}
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Elements returns the list elements. The returned slice must not be modified.
func (v Value) Elements() []Value {
	if v.kind != KindList {
		return nil
	}
	return v.list
}

// Clone returns a deep copy of v.
func (v Value) Clone() Value {
	switch v.kind {
	case KindList:
		out := make([]Value, len(v.list))
		for i, e := range v.list {
			out[i] = e.Clone()
		}
		return Value{kind: KindList, list: out}
	case KindMap:
		out := make(map[string]Value, len(v.m))
		for k, e := range v.m {
			out[k] = e.Clone()
		}
		return Value{kind: KindMap, m: out}
	}
	return v
}

// Equal reports whether a and b are structurally equal. Map key order is
// irrelevant, list order is significant.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindNumber:
		if a.s != "" || b.s != "" {
			return a.s == b.s
		}
		return a.n == b.n
	case KindString:
		return a.s == b.s
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.m) != len(b.m) {
			return false
		}
		for k, av := range a.m {
			bv, ok := b.m[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

// FromGo converts decoded JSON/YAML data (maps, slices, scalars) into a Value.
func FromGo(in interface{}) (Value, error) {
	switch t := in.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case float64:
		return finite(t)
	case float32:
		return finite(float64(t))
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return bigInt(new(big.Int).SetUint64(uint64(t))), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		return bigInt(new(big.Int).SetUint64(t)), nil
	case *big.Int:
		return bigInt(t), nil
	case json.Number:
		return parseNumber(t.String())
	case []interface{}:
		out := make([]Value, len(t))
		for i, e := range t {
			v, err := FromGo(e)
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = v
		}
		return List(out...), nil
	case map[string]interface{}:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			v, err := FromGo(e)
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = v
		}
		return Map(out), nil
	case map[interface{}]interface{}:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			v, err := FromGo(e)
			if err != nil {
				return Value{}, fmt.Errorf("%v: %w", k, err)
			}
			out[fmt.Sprint(k)] = v
		}
		return Map(out), nil
	}

	// Fall back to a JSON round trip for structs and typed collections,
	// which is how SDK output types are flattened.
	rv := reflect.ValueOf(in)
	if rv.Kind() == reflect.Ptr && rv.IsNil() {
		return Null(), nil
	}
	data, err := json.Marshal(in)
	if err != nil {
		return Value{}, fmt.Errorf("unsupported value of type %T: %w", in, err)
	}
	return Parse(data)
}

// MustFromGo is FromGo that panics on error. Intended for literals in tests.
func MustFromGo(in interface{}) Value {
	v, err := FromGo(in)
	if err != nil {
		panic(err)
	}
	return v
}

// Parse decodes JSON into a Value. Numbers are decoded from their literal
// text, so large integers are not rounded.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return Value{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Value{}, fmt.Errorf("failed to decode config: trailing data after value")
	}
	return FromGo(raw)
}

// Interface converts v back into plain Go data suitable for encoding/json,
// OPA input, or Starlark conversion.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		if v.s == "" {
			return v.n
		}
		if i, err := strconv.ParseInt(v.s, 10, 64); err == nil {
			return i
		}
		return json.Number(v.s)
	case KindString:
		return v.s
	case KindList:
		out := make([]interface{}, len(v.list))
		for i, e := range v.list {
			out[i] = e.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, len(v.m))
		for k, e := range v.m {
			out[k] = e.Interface()
		}
		return out
	}
	return nil
}

// MarshalJSON implements json.Marshaler. Map keys are emitted sorted, which
// makes the encoding canonical.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	var raw interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromGo(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (v Value) MarshalYAML() (interface{}, error) {
	return v.Interface(), nil
}

// CanonicalJSON returns the canonical JSON encoding of v.
func (v Value) CanonicalJSON() []byte {
	data, err := v.MarshalJSON()
	if err != nil {
		// Only Number(NaN) or Number(Inf) built by hand gets here.
		return []byte(fmt.Sprintf("%q", err.Error()))
	}
	return data
}

// Hash returns the hex sha256 of the canonical JSON encoding.
func (v Value) Hash() string {
	sum := sha256.Sum256(v.CanonicalJSON())
	return hex.EncodeToString(sum[:])
}

// String renders v as canonical JSON.
func (v Value) String() string {
	return string(v.CanonicalJSON())
}
