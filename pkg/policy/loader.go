package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Loader handles loading policies from various sources.
type Loader struct {
	logger  zerolog.Logger
	cache   map[string][]Policy
	mu      sync.RWMutex
	watcher *fsnotify.Watcher
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string][]Policy),
	}
}

// LoadFromPaths loads policies from a list of file or directory paths.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var allPolicies []Policy

	for _, path := range paths {
		policies, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		allPolicies = append(allPolicies, policies...)
	}

	l.logger.Info().
		Int("total", len(allPolicies)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return allPolicies, nil
}

// loadFromPath loads policies from a single path (file or directory).
func (l *Loader) loadFromPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}

	if info.IsDir() {
		return l.loadFromDirectory(ctx, path)
	}

	return l.loadFromFile(ctx, path)
}

// loadFromDirectory loads all .rego files from a directory recursively.
func (l *Loader) loadFromDirectory(ctx context.Context, dirPath string) ([]Policy, error) {
	var policies []Policy

	err := filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		// Skip directories and non-.rego files
		if d.IsDir() {
			return nil
		}

		if !isPolicyFile(path) {
			return nil
		}

		loaded, err := l.loadFromFile(ctx, path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to load policy file")
			return nil // Continue processing other files
		}

		policies = append(policies, loaded...)
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return policies, nil
}

// loadFromFile loads the policies of a single file. A .rego file holds one
// policy; a .json file holds a policy object or an array of them.
func (l *Loader) loadFromFile(ctx context.Context, filePath string) ([]Policy, error) {
	// Check cache first
	l.mu.RLock()
	if cached, exists := l.cache[filePath]; exists {
		l.mu.RUnlock()
		return cached, nil
	}
	l.mu.RUnlock()

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policies []Policy

	// Determine file type and parse accordingly
	switch {
	case strings.HasSuffix(filePath, ".rego"):
		policies = []Policy{l.parseRegoFile(filePath, data)}
	case strings.HasSuffix(filePath, ".json"):
		policies, err = l.parseJSONFile(filePath, data)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", filePath)
	}

	// Cache the policies
	l.mu.Lock()
	l.cache[filePath] = policies
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", filePath).
		Int("policies", len(policies)).
		Msg("Policies loaded from file")

	return policies, nil
}

func isPolicyFile(path string) bool {
	return strings.HasSuffix(path, ".rego") || strings.HasSuffix(path, ".json")
}

// parseRegoFile parses a .rego file into a Policy. A "# technologies: a, b"
// comment restricts the policy to those technologies.
func (l *Loader) parseRegoFile(filePath string, data []byte) Policy {
	base := filepath.Base(filePath)
	name := strings.TrimSuffix(base, ".rego")
	content := string(data)

	return Policy{
		Name:         name,
		Description:  l.extractDescription(content),
		Rego:         content,
		Technologies: extractTechnologies(content),
		Enabled:      true,
		Source:       filePath,
		LoadedAt:     time.Now(),
	}
}

// parseJSONFile parses a JSON policy definition or a list of them.
func (l *Loader) parseJSONFile(filePath string, data []byte) ([]Policy, error) {
	var policies []Policy
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &policies); err != nil {
			return nil, fmt.Errorf("failed to parse JSON policies: %w", err)
		}
	} else {
		var policy Policy
		if err := json.Unmarshal(data, &policy); err != nil {
			return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
		}
		policies = []Policy{policy}
	}

	for i := range policies {
		if policies[i].Name == "" {
			return nil, fmt.Errorf("policy %d in %s has no name", i, filePath)
		}
		if policies[i].Rego == "" {
			return nil, fmt.Errorf("policy %s in %s has no rego", policies[i].Name, filePath)
		}
		policies[i].Source = filePath
		policies[i].Builtin = false
		if policies[i].LoadedAt.IsZero() {
			policies[i].LoadedAt = time.Now()
		}
	}
	return policies, nil
}

// extractDescription extracts description from Rego comments.
func (l *Loader) extractDescription(content string) string {
	lines := strings.Split(content, "\n")
	var description strings.Builder

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
			if comment == "" || strings.HasPrefix(comment, "package") || strings.HasPrefix(comment, technologiesDirective) {
				continue
			}
			if description.Len() > 0 {
				description.WriteString(" ")
			}
			description.WriteString(comment)
		} else if trimmed != "" && description.Len() > 0 {
			// Stop at first non-comment, non-empty line
			break
		}
	}

	return description.String()
}

const technologiesDirective = "technologies:"

func extractTechnologies(content string) []string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			continue
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if !strings.HasPrefix(comment, technologiesDirective) {
			continue
		}
		var techs []string
		for _, t := range strings.Split(strings.TrimPrefix(comment, technologiesDirective), ",") {
			if t = strings.TrimSpace(t); t != "" {
				techs = append(techs, t)
			}
		}
		return techs
	}
	return nil
}

// Watch starts watching paths for policy changes and triggers reload on change.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	l.watcher = watcher

	// Add paths to watcher
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}

		if info.IsDir() {
			// Watch directory recursively
			if err := l.watchDirectory(path); err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch directory")
			}
		} else {
			if err := watcher.Add(path); err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch file")
			}
		}
	}

	// Start watching in background
	go l.processEvents(ctx, paths, reloadFn)

	l.logger.Info().
		Int("paths", len(paths)).
		Msg("Started watching policy paths")

	return nil
}

// watchDirectory adds all files in a directory to the watcher.
func (l *Loader) watchDirectory(dirPath string) error {
	return filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return l.watcher.Add(path)
		}

		return nil
	})
}

// processEvents processes file system events and triggers reloads.
func (l *Loader) processEvents(ctx context.Context, paths []string, reloadFn func([]Policy) error) {
	// Debounce reload events
	var reloadTimer *time.Timer
	reloadDelay := 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			if l.watcher != nil {
				_ = l.watcher.Close()
			}
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				if isPolicyFile(event.Name) {
					l.logger.Debug().
						Str("file", event.Name).
						Str("op", event.Op.String()).
						Msg("Policy file changed")

					// Clear cache for this file
					l.mu.Lock()
					delete(l.cache, event.Name)
					l.mu.Unlock()

					// Debounce reload
					if reloadTimer != nil {
						reloadTimer.Stop()
					}
					reloadTimer = time.AfterFunc(reloadDelay, func() {
						if err := l.triggerReload(ctx, paths, reloadFn); err != nil {
							l.logger.Error().Err(err).Msg("Failed to reload policies")
						}
					})
				}
			}

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// triggerReload reloads all policies from watched paths.
func (l *Loader) triggerReload(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	l.logger.Info().Msg("Reloading policies...")

	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}

	if err := reloadFn(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}

	l.logger.Info().
		Int("count", len(policies)).
		Msg("Policies reloaded successfully")

	return nil
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// ClearCache clears the policy cache.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cache = make(map[string][]Policy)
	l.logger.Debug().Msg("Policy cache cleared")
}
