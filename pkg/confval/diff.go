package confval

import (
	"sort"
	"strconv"
	"strings"
)

// ChangeAction describes how a path differs between two values.
type ChangeAction string

const (
	ChangeAdded    ChangeAction = "added"
	ChangeRemoved  ChangeAction = "removed"
	ChangeModified ChangeAction = "modified"
)

// Change is a single path-level difference.
type Change struct {
	Path   []string     `json:"path"`
	Action ChangeAction `json:"action"`
	Before Value        `json:"before"`
	After  Value        `json:"after"`
}

// PathString joins the change path with sep, or DefaultSeparator when sep is empty.
func (c Change) PathString(sep string) string {
	if sep == "" {
		sep = DefaultSeparator
	}
	if len(c.Path) == 0 {
		return sep
	}
	return strings.Join(c.Path, sep)
}

// Diff returns the differences from old to cur, sorted by path. Maps are
// compared key by key; lists of different length or kind changes are
// reported at the highest differing node.
func Diff(old, cur Value) []Change {
	var out []Change
	diffInto(nil, old, cur, &out)
	sort.SliceStable(out, func(i, j int) bool {
		return strings.Join(out[i].Path, "\x00") < strings.Join(out[j].Path, "\x00")
	})
	return out
}

func diffInto(path []string, old, cur Value, out *[]Change) {
	if Equal(old, cur) {
		return
	}
	child := func(seg string) []string {
		p := make([]string, len(path)+1)
		copy(p, path)
		p[len(path)] = seg
		return p
	}

	if old.kind == KindMap && cur.kind == KindMap {
		for k, ov := range old.m {
			nv, ok := cur.m[k]
			if !ok {
				*out = append(*out, Change{Path: child(k), Action: ChangeRemoved, Before: ov})
				continue
			}
			diffInto(child(k), ov, nv, out)
		}
		for k, nv := range cur.m {
			if _, ok := old.m[k]; !ok {
				*out = append(*out, Change{Path: child(k), Action: ChangeAdded, After: nv})
			}
		}
		return
	}

	if old.kind == KindList && cur.kind == KindList && len(old.list) == len(cur.list) {
		for i := range old.list {
			diffInto(child(strconv.Itoa(i)), old.list[i], cur.list[i], out)
		}
		return
	}

	p := path
	if p == nil {
		p = []string{}
	}
	*out = append(*out, Change{Path: p, Action: ChangeModified, Before: old, After: cur})
}
