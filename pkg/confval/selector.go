package confval

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultSeparator separates path segments in selectors unless configured otherwise.
// Field names in cloud configs routinely contain '/' and '.', so neither is usable.
const DefaultSeparator = "$"

const (
	wildcardOne = "*"
	wildcardAny = "**"
)

// ErrEmptySelector is returned when parsing an empty path.
var ErrEmptySelector = errors.New("empty selector")

// Selector addresses zero or more nodes of a Value tree.
//
// Segments are separated by a separator string. A segment matches a map key
// with the same name or, when numeric, a list index. "*" matches any single
// key or index and "**" matches any number of levels (including none).
type Selector struct {
	raw  string
	sep  string
	segs []string
}

// ParseSelector parses path using sep as segment separator. An empty sep
// selects DefaultSeparator.
func ParseSelector(path, sep string) (Selector, error) {
	if sep == "" {
		sep = DefaultSeparator
	}
	if path == "" {
		return Selector{}, ErrEmptySelector
	}
	segs := strings.Split(path, sep)
	for i, s := range segs {
		if s == "" {
			return Selector{}, fmt.Errorf("selector %q: empty segment at position %d", path, i)
		}
	}
	return Selector{raw: path, sep: sep, segs: segs}, nil
}

// MustParseSelector is ParseSelector that panics on error.
func MustParseSelector(path, sep string) Selector {
	s, err := ParseSelector(path, sep)
	if err != nil {
		panic(err)
	}
	return s
}

// ParseSelectors parses every path with the same separator.
func ParseSelectors(paths []string, sep string) ([]Selector, error) {
	out := make([]Selector, 0, len(paths))
	for _, p := range paths {
		s, err := ParseSelector(p, sep)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// String returns the selector as written.
func (s Selector) String() string { return s.raw }

// Segments returns the parsed segments.
func (s Selector) Segments() []string { return s.segs }

// Prune returns v with every node matched by s removed, together with the
// number of removed nodes. Paths that do not exist are ignored. Unchanged
// subtrees are shared with v, so callers that intend to mutate the result
// should Clone first.
func (s Selector) Prune(v Value) (Value, int) {
	if len(s.segs) == 0 {
		return v, 0
	}
	return prune(v, s.segs)
}

// Select returns every node matched by s, in traversal order.
func (s Selector) Select(v Value) []Value {
	if len(s.segs) == 0 {
		return nil
	}
	var out []Value
	selectInto(v, s.segs, &out)
	return out
}

func segmentMatchesKey(seg, key string) bool {
	return seg == wildcardOne || seg == wildcardAny || seg == key
}

func segmentMatchesIndex(seg string, i int) bool {
	if seg == wildcardOne || seg == wildcardAny {
		return true
	}
	n, err := strconv.Atoi(seg)
	return err == nil && n == i
}

func prune(v Value, segs []string) (Value, int) {
	seg, rest := segs[0], segs[1:]
	removed := 0

	// "**" first tries to match with zero levels consumed.
	if seg == wildcardAny && len(rest) > 0 {
		var n int
		v, n = prune(v, rest)
		removed += n
	}

	switch v.kind {
	case KindMap:
		var out map[string]Value
		for k, child := range v.m {
			if !segmentMatchesKey(seg, k) {
				continue
			}
			if out == nil {
				out = make(map[string]Value, len(v.m))
				for kk, vv := range v.m {
					out[kk] = vv
				}
			}
			if len(rest) == 0 {
				delete(out, k)
				removed++
				continue
			}
			next := rest
			if seg == wildcardAny {
				next = segs
			}
			pruned, n := prune(child, next)
			if n > 0 {
				out[k] = pruned
				removed += n
			}
		}
		if out != nil {
			return Value{kind: KindMap, m: out}, removed
		}
		return v, removed

	case KindList:
		out := make([]Value, 0, len(v.list))
		changed := false
		for i, child := range v.list {
			if !segmentMatchesIndex(seg, i) {
				out = append(out, child)
				continue
			}
			if len(rest) == 0 {
				removed++
				changed = true
				continue
			}
			next := rest
			if seg == wildcardAny {
				next = segs
			}
			pruned, n := prune(child, next)
			if n > 0 {
				changed = true
				removed += n
			}
			out = append(out, pruned)
		}
		if changed {
			return Value{kind: KindList, list: out}, removed
		}
		return v, removed
	}
	return v, removed
}

func selectInto(v Value, segs []string, out *[]Value) {
	if len(segs) == 0 {
		*out = append(*out, v)
		return
	}
	seg, rest := segs[0], segs[1:]
	if seg == wildcardAny && len(rest) > 0 {
		selectInto(v, rest, out)
	}
	next := rest
	if seg == wildcardAny && len(rest) > 0 {
		next = segs
	}
	switch v.kind {
	case KindMap:
		for _, k := range v.Keys() {
			if segmentMatchesKey(seg, k) {
				selectInto(v.m[k], next, out)
			}
		}
	case KindList:
		for i, child := range v.list {
			if segmentMatchesIndex(seg, i) {
				selectInto(child, next, out)
			}
		}
	}
}
