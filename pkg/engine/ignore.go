package engine

import (
	"strings"

	"github.com/rs/zerolog"
)

// IgnoreFilter drops resources whose names match an ignore rule of their
// technology. Matching is a case-insensitive prefix test.
type IgnoreFilter struct {
	rules  map[string][]string
	logger zerolog.Logger
}

// NewIgnoreFilter indexes rules by technology.
func NewIgnoreFilter(rules []IgnoreRule, logger zerolog.Logger) *IgnoreFilter {
	f := &IgnoreFilter{
		rules:  make(map[string][]string),
		logger: logger,
	}
	for _, r := range rules {
		f.rules[r.Technology] = append(f.rules[r.Technology], strings.ToLower(r.Prefix))
	}
	return f
}

// ShouldIgnore reports whether any rule of technology matches name.
func (f *IgnoreFilter) ShouldIgnore(technology, name string) bool {
	if f == nil {
		return false
	}
	lower := strings.ToLower(name)
	for _, prefix := range f.rules[technology] {
		if strings.HasPrefix(lower, prefix) {
			f.logger.Warn().
				Str("technology", technology).
				Str("name", name).
				Str("prefix", prefix).
				Msg("Ignoring item matching ignore list")
			return true
		}
	}
	return false
}

// Filter returns the items that are not ignored. The input is not modified.
func (f *IgnoreFilter) Filter(items []ResourceItem) []ResourceItem {
	if f == nil || len(f.rules) == 0 {
		return items
	}
	out := make([]ResourceItem, 0, len(items))
	for _, item := range items {
		if f.ShouldIgnore(item.Technology, item.Name) {
			continue
		}
		out = append(out, item)
	}
	return out
}
