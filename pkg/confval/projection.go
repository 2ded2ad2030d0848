package confval

import (
	"bytes"
	"sort"
)

// Projection strips fields that carry no meaning for comparison and
// normalises what remains. The zero Projection is the identity.
type Projection struct {
	// Exclude removes every node matched by any selector.
	Exclude []Selector

	// SortLists orders list elements by their canonical encoding so that
	// element order does not register as a change.
	SortLists bool

	// DropNulls removes map entries whose value is null.
	DropNulls bool
}

// Canonicalize applies the projection to v. The input is never modified.
func (p Projection) Canonicalize(v Value) (Value, error) {
	for _, sel := range p.Exclude {
		v, _ = sel.Prune(v)
	}
	if !p.SortLists && !p.DropNulls {
		return v, nil
	}
	return p.normalize(v), nil
}

func (p Projection) normalize(v Value) Value {
	switch v.kind {
	case KindMap:
		out := make(map[string]Value, len(v.m))
		for k, e := range v.m {
			if p.DropNulls && e.kind == KindNull {
				continue
			}
			out[k] = p.normalize(e)
		}
		return Value{kind: KindMap, m: out}
	case KindList:
		out := make([]Value, len(v.list))
		for i, e := range v.list {
			out[i] = p.normalize(e)
		}
		if p.SortLists {
			keys := make([][]byte, len(out))
			for i, e := range out {
				keys[i] = e.CanonicalJSON()
			}
			sort.Sort(byEncoding{vals: out, keys: keys})
		}
		return Value{kind: KindList, list: out}
	}
	return v
}

type byEncoding struct {
	vals []Value
	keys [][]byte
}

func (b byEncoding) Len() int           { return len(b.vals) }
func (b byEncoding) Less(i, j int) bool { return bytes.Compare(b.keys[i], b.keys[j]) < 0 }
func (b byEncoding) Swap(i, j int) {
	b.vals[i], b.vals[j] = b.vals[j], b.vals[i]
	b.keys[i], b.keys[j] = b.keys[j], b.keys[i]
}
