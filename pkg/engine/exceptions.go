package engine

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// ExceptionScope records fetch failures for the duration of one cycle. A
// failure at a partial location suppresses deletion and modification
// detection for every location underneath it.
type ExceptionScope struct {
	mu      sync.RWMutex
	entries map[PartialLocation]ExceptionEntry
	logger  zerolog.Logger
}

// NewExceptionScope creates an empty scope.
func NewExceptionScope(logger zerolog.Logger) *ExceptionScope {
	return &ExceptionScope{
		entries: make(map[PartialLocation]ExceptionEntry),
		logger:  logger,
	}
}

// Record stores err for loc. Recording the same location twice keeps the
// latest error.
func (s *ExceptionScope) Record(loc PartialLocation, err error) {
	entry := ExceptionEntry{Location: loc, Err: err, Class: ClassOf(err)}
	if err != nil {
		entry.Message = err.Error()
	}

	s.mu.Lock()
	prev, exists := s.entries[loc]
	s.entries[loc] = entry
	s.mu.Unlock()

	if exists {
		s.logger.Debug().
			Str("location", loc.String()).
			Str("previous", prev.Message).
			Msg("Exception recorded again for location, overwriting")
	}
	s.logger.Error().
		Err(err).
		Str("location", loc.String()).
		Str("scope", loc.Scope()).
		Msg("Fetch failed, suppressing location")
}

// IsSuppressed reports whether a failure was recorded for loc or for any of
// its ancestors, checking the most specific prefix first.
func (s *ExceptionScope) IsSuppressed(loc Location) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return false
	}
	for depth := 4; depth >= 1; depth-- {
		if _, ok := s.entries[loc.Truncate(depth)]; ok {
			return true
		}
	}
	return false
}

// Len returns the number of recorded locations.
func (s *ExceptionScope) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Entries returns the recorded failures ordered by depth, then location.
func (s *ExceptionScope) Entries() []ExceptionEntry {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	out := make([]ExceptionEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Location, out[j].Location
		if a.Depth != b.Depth {
			return a.Depth < b.Depth
		}
		return a.String() < b.String()
	})
	return out
}
