package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const openSSHRego = `# Flags SSH open to the world
# technologies: securitygroup, legacygroup
package custom.ssh

deny contains finding if {
	some perm in input.config.IpPermissions
	perm.FromPort == 22
	finding := {"issue": "SSH exposed", "score": 7}
}
`

func writePolicyFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	return path
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	policyFile := writePolicyFile(t, t.TempDir(), "open-ssh.rego", openSSHRego)

	loaded, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("Expected 1 policy, got %d", len(loaded))
	}

	policy := loaded[0]
	if policy.Name != "open-ssh" {
		t.Errorf("Expected name 'open-ssh', got '%s'", policy.Name)
	}
	if policy.Description != "Flags SSH open to the world" {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if len(policy.Technologies) != 2 || policy.Technologies[0] != "securitygroup" || policy.Technologies[1] != "legacygroup" {
		t.Errorf("Unexpected technologies %v", policy.Technologies)
	}
	if policy.Source != policyFile {
		t.Errorf("Expected source %s, got %s", policyFile, policy.Source)
	}
	if !policy.Enabled || policy.Builtin {
		t.Error("Loaded policy should be enabled and not built-in")
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policy := Policy{
		Name:         "bucket-tags",
		Description:  "Buckets must carry an owner tag",
		Rego:         "package custom.tags\n\ndeny contains \"missing owner\" if not input.config.Tags.owner\n",
		Technologies: []string{"s3"},
		Enabled:      true,
		Builtin:      true,
	}
	data, err := json.Marshal(policy)
	if err != nil {
		t.Fatalf("Failed to marshal policy: %v", err)
	}
	policyFile := writePolicyFile(t, t.TempDir(), "tags.json", string(data))

	loaded, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("Expected 1 policy, got %d", len(loaded))
	}
	if loaded[0].Name != policy.Name {
		t.Errorf("Expected name '%s', got '%s'", policy.Name, loaded[0].Name)
	}
	if loaded[0].Builtin {
		t.Error("A file cannot declare a built-in policy")
	}
	if loaded[0].LoadedAt.IsZero() {
		t.Error("Expected LoadedAt to be set")
	}
}

func TestLoadFromFile_JSONArray(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	content := `[
  {"name": "a", "rego": "package a\n\ndeny contains \"x\" if false\n", "enabled": true},
  {"name": "b", "rego": "package b\n\ndeny contains \"y\" if false\n", "enabled": false}
]`
	policyFile := writePolicyFile(t, t.TempDir(), "bundle.json", content)

	loaded, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(loaded))
	}
	if loaded[1].Enabled {
		t.Error("Expected second policy to stay disabled")
	}
}

func TestLoadFromFile_JSONMissingFields(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	for name, content := range map[string]string{
		"noname.json": `{"rego": "package x"}`,
		"norego.json": `{"name": "x"}`,
		"invalid.json": "invalid json",
	} {
		t.Run(name, func(t *testing.T) {
			path := writePolicyFile(t, dir, name, content)
			if _, err := loader.loadFromFile(context.Background(), path); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestLoadFromDirectory(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	tmpDir := t.TempDir()

	policies := map[string]string{
		"policy1.rego":        "package policy1\n\ndeny contains \"x\" if false\n",
		"policy2.rego":        "package policy2\n\ndeny contains \"x\" if false\n",
		"nested/policy3.rego": "package policy3\n\ndeny contains \"x\" if false\n",
	}
	for filename, content := range policies {
		writePolicyFile(t, tmpDir, filename, content)
	}
	// Non-policy files are ignored.
	writePolicyFile(t, tmpDir, "README.md", "# Test")
	// Broken files are skipped with a warning.
	writePolicyFile(t, tmpDir, "broken.json", "{")

	loaded, err := loader.loadFromDirectory(context.Background(), tmpDir)
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}
	if len(loaded) != len(policies) {
		t.Errorf("Expected %d policies, got %d", len(policies), len(loaded))
	}
}

func TestLoadFromPaths(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir1 := t.TempDir()
	dir2 := t.TempDir()

	writePolicyFile(t, dir1, "a.rego", "package a\n\ndeny contains \"x\" if false\n")
	single := writePolicyFile(t, dir2, "b.rego", "package b\n\ndeny contains \"x\" if false\n")

	loaded, err := loader.LoadFromPaths(context.Background(), []string{dir1, single})
	if err != nil {
		t.Fatalf("Failed to load paths: %v", err)
	}
	if len(loaded) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(loaded))
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{"/nonexistent/path"}); err == nil {
		t.Error("Expected error for non-existent path")
	}
}

func TestExtractDescription(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{
			name:     "single line comment",
			content:  "# This is a test policy\npackage test",
			expected: "This is a test policy",
		},
		{
			name:     "multi line comments",
			content:  "# This is a test policy\n# that spans multiple lines\npackage test",
			expected: "This is a test policy that spans multiple lines",
		},
		{
			name:     "no comments",
			content:  "package test\ndeny contains \"x\" if false",
			expected: "",
		},
		{
			name:     "technologies directive is skipped",
			content:  "# First line\n#\n# technologies: s3\n# Second line\npackage test",
			expected: "First line Second line",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := loader.extractDescription(tt.content)
			if result != tt.expected {
				t.Errorf("Expected description '%s', got '%s'", tt.expected, result)
			}
		})
	}
}

func TestClearCache(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	policyFile := writePolicyFile(t, t.TempDir(), "test.rego", "package test\n\ndeny contains \"x\" if false\n")

	if _, err := loader.loadFromFile(context.Background(), policyFile); err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(loader.cache) != 1 {
		t.Errorf("Expected 1 cache entry, got %d", len(loader.cache))
	}

	loader.ClearCache()
	if len(loader.cache) != 0 {
		t.Errorf("Expected 0 cache entries after clear, got %d", len(loader.cache))
	}
}

func TestLoadFromFile_UnsupportedType(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	policyFile := writePolicyFile(t, t.TempDir(), "test.txt", "not a policy")

	if _, err := loader.loadFromFile(context.Background(), policyFile); err == nil {
		t.Error("Expected error for unsupported file type")
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	writePolicyFile(t, dir, "a.rego", "package a\n\ndeny contains \"x\" if false\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 4)
	if err := loader.Watch(ctx, []string{dir}, func(p []Policy) error {
		reloaded <- p
		return nil
	}); err != nil {
		t.Fatalf("Failed to watch: %v", err)
	}
	defer loader.StopWatching()

	writePolicyFile(t, dir, "b.rego", "package b\n\ndeny contains \"x\" if false\n")

	select {
	case p := <-reloaded:
		if len(p) != 2 {
			t.Errorf("Expected 2 policies after reload, got %d", len(p))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}
}
