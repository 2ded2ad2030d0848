package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftwatch/driftwatch/pkg/config"
)

type workspace struct {
	dir       string
	cfgPath   string
	db        string
	snapshots string
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	dir := t.TempDir()
	w := &workspace{
		dir:       dir,
		cfgPath:   filepath.Join(dir, "driftwatch.yaml"),
		db:        filepath.Join(dir, "dw.db"),
		snapshots: filepath.Join(dir, "snapshots"),
	}
	require.NoError(t, os.MkdirAll(filepath.Join(w.snapshots, "securitygroup", "prod"), 0o755))
	cfg := fmt.Sprintf(`
datastore: {path: %q}
accounts:
  - name: prod
technologies:
  - name: securitygroup
    producer: {type: file, root: %q}
telemetry: {log_level: error}
`, w.db, w.snapshots)
	require.NoError(t, os.WriteFile(w.cfgPath, []byte(cfg), 0o644))
	return w
}

func (w *workspace) snapshot(t *testing.T, region, content string) {
	t.Helper()
	path := filepath.Join(w.snapshots, "securitygroup", "prod", region+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func run(args ...string) (string, error) {
	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(args...)
	require.NoError(t, err, out)
	return out
}

func decode(t *testing.T, out string, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(out), v), out)
}

const openSSH = `
- name: sg-1
  config:
    GroupName: web
    IpPermissions:
      - {IpProtocol: tcp, FromPort: 22, ToPort: 22, IpRanges: [{CidrIp: 0.0.0.0/0}]}
- name: sg-2
  config: {GroupName: db, IpPermissions: []}
`

func TestWatch_RecordsChangesAndIssues(t *testing.T) {
	w := newWorkspace(t)
	w.snapshot(t, "us-east-1", openSSH)

	var first map[string]interface{}
	decode(t, mustRun(t, "watch", "--config", w.cfgPath, "--report", "json"), &first)
	assert.Len(t, first["created"], 2)
	assert.Equal(t, true, first["flags"].(map[string]interface{})["has_new_issue"])

	var issues []map[string]interface{}
	decode(t, mustRun(t, "issues", "list", "--config", w.cfgPath, "--json"), &issues)
	require.Len(t, issues, 1)
	assert.Equal(t, "sg-internet-accessible", issues[0]["policy"])
	assert.Equal(t, "tcp/22 open to 0.0.0.0/0", issues[0]["notes"])

	id := strconv.Itoa(int(issues[0]["id"].(float64)))
	out := mustRun(t, "issues", "justify", id, "--by", "alice", "--reason", "bastion", "--config", w.cfgPath)
	assert.Contains(t, out, "justified by alice")

	decode(t, mustRun(t, "issues", "list", "--config", w.cfgPath, "--json"), &issues)
	assert.Empty(t, issues)
	decode(t, mustRun(t, "issues", "list", "--justified", "--config", w.cfgPath, "--json"), &issues)
	require.Len(t, issues, 1)
	assert.Equal(t, "bastion", issues[0]["justification"])

	w.snapshot(t, "us-east-1", `
- name: sg-1
  config:
    GroupName: web-2
    IpPermissions:
      - {IpProtocol: tcp, FromPort: 22, ToPort: 22, IpRanges: [{CidrIp: 0.0.0.0/0}]}
`)
	out = mustRun(t, "watch", "--config", w.cfgPath)
	assert.Contains(t, out, "[deleted] securitygroup/prod/us-east-1/sg-2")
	assert.Contains(t, out, "[modified] securitygroup/prod/us-east-1/sg-1")
	assert.Contains(t, out, `~ GroupName: "web" -> "web-2"`)
	assert.Contains(t, out, "justified by alice: bastion")

	var items []map[string]interface{}
	decode(t, mustRun(t, "items", "list", "--config", w.cfgPath, "--json"), &items)
	assert.Len(t, items, 2)
	decode(t, mustRun(t, "items", "list", "--active", "--config", w.cfgPath, "--json"), &items)
	assert.Len(t, items, 1)

	out = mustRun(t, "items", "history", "securitygroup/prod/us-east-1/sg-1", "--config", w.cfgPath)
	assert.Contains(t, out, `~ GroupName: "web" -> "web-2"`)

	var cycles []map[string]interface{}
	decode(t, mustRun(t, "cycles", "list", "--config", w.cfgPath, "--json"), &cycles)
	assert.Len(t, cycles, 2)

	var cycle map[string]interface{}
	decode(t, mustRun(t, "cycles", "show", cycles[0]["id"].(string), "--config", w.cfgPath, "--json"), &cycle)
	assert.Equal(t, "securitygroup", cycle["technology"])
}

func TestWatch_FetchFailureIsReported(t *testing.T) {
	w := newWorkspace(t)
	w.snapshot(t, "us-east-1", openSSH)
	w.snapshot(t, "eu-west-1", `error: {code: AccessDenied, message: not allowed}`)

	out := mustRun(t, "watch", "--config", w.cfgPath)
	assert.Contains(t, out, "region securitygroup/prod/eu-west-1 [permanent]")
	assert.Contains(t, out, "[created] securitygroup/prod/us-east-1/sg-1")
}

func TestWatch_UnknownTechnology(t *testing.T) {
	w := newWorkspace(t)
	_, err := run("watch", "iamrole", "--config", w.cfgPath)
	assert.ErrorContains(t, err, `unknown technology "iamrole"`)

	_, err = run("watch", "--config", w.cfgPath, "--report", "pdf")
	assert.Error(t, err)
}

func TestWatch_EventTypesFilter(t *testing.T) {
	w := newWorkspace(t)
	w.snapshot(t, "us-east-1", openSSH)
	events := filepath.Join(w.dir, "events.jsonl")

	mustRun(t, "watch", "--config", w.cfgPath, "--events", events, "--event-types", "item.deleted")
	w.snapshot(t, "us-east-1", "- name: sg-1\n  config: {GroupName: web}\n")
	mustRun(t, "watch", "--config", w.cfgPath, "--events", events, "--event-types", "item.deleted")

	data, err := os.ReadFile(events)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1, string(data))
	assert.Contains(t, lines[0], `"type":"item.deleted"`)
	assert.Contains(t, lines[0], "sg-2")
}

func TestTelemetryConfig(t *testing.T) {
	cfg := &config.WatchConfig{}

	oneShot := telemetryConfig(cfg, watchOptions{})
	assert.Equal(t, "console", oneShot.Logging.Format)
	assert.False(t, oneShot.Logging.EnableSampling)

	daemon := telemetryConfig(cfg, watchOptions{daemon: true, metrics: ":9191"})
	assert.Equal(t, "json", daemon.Logging.Format)
	assert.True(t, daemon.Logging.EnableSampling)
	assert.True(t, daemon.Metrics.Enabled)
	assert.Equal(t, ":9191", daemon.Metrics.ListenAddress)
	assert.False(t, daemon.Tracing.Enabled)
	require.NoError(t, daemon.Validate())

	cfg.Telemetry.LogFormat = "console"
	assert.Equal(t, "console", telemetryConfig(cfg, watchOptions{daemon: true}).Logging.Format)
}

func TestIgnore_AddListRemove(t *testing.T) {
	db := filepath.Join(t.TempDir(), "dw.db")

	var rule map[string]interface{}
	decode(t, mustRun(t, "ignore", "add", "securitygroup", "sg-temp", "--notes", "ci", "--db", db, "--json"), &rule)
	id := strconv.Itoa(int(rule["id"].(float64)))

	// The datastore can also come from the environment.
	t.Setenv("DRIFTWATCH_DB", db)
	out := mustRun(t, "ignore", "list")
	assert.Contains(t, out, "sg-temp")

	var entries []map[string]interface{}
	decode(t, mustRun(t, "audit", "--action", "ignore.added", "--json"), &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0]["target_id"])

	mustRun(t, "ignore", "remove", id)
	_, err := run("ignore", "remove", id)
	assert.Error(t, err)
}

func TestInit(t *testing.T) {
	dir := t.TempDir()
	out := mustRun(t, "init", dir)
	assert.Contains(t, out, "driftwatch.yaml")
	assert.FileExists(t, filepath.Join(dir, "driftwatch.yaml"))
	assert.DirExists(t, filepath.Join(dir, "policies"))

	db := filepath.Join(dir, "data", "driftwatch.db")
	require.FileExists(t, db)

	var accounts []map[string]interface{}
	decode(t, mustRun(t, "accounts", "--db", db, "--json"), &accounts)
	require.Len(t, accounts, 1)
	assert.Equal(t, "prod", accounts[0]["name"])

	_, err := run("init", dir)
	assert.ErrorContains(t, err, "--force")
	mustRun(t, "init", dir, "--force")
}

func TestValidate(t *testing.T) {
	w := newWorkspace(t)
	out := mustRun(t, "validate", "--config", w.cfgPath)
	assert.Contains(t, out, "Configuration is valid")
	assert.Contains(t, out, "file")

	bad := filepath.Join(w.dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`
datastore: {path: ":memory:"}
accounts: [{name: prod}]
technologies:
  - name: s3
    accounts: [staging]
    producer: {type: aws}
`), 0o644))
	out, err := run("validate", bad, "--json")
	require.Error(t, err)
	assert.Contains(t, out, `unknown account \"staging\"`)
}

func TestPolicyList(t *testing.T) {
	w := newWorkspace(t)
	var policies []map[string]interface{}
	decode(t, mustRun(t, "policy", "list", "--technology", "securitygroup", "--config", w.cfgPath, "--json"), &policies)
	require.NotEmpty(t, policies)
	for _, p := range policies {
		assert.NotEqual(t, "iam-wildcard-action", p["name"])
	}
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "s3/prod/universal/logs", want: "s3/prod/universal/logs"},
		{in: "iamrole/prod/universal/path/with/slash", want: "iamrole/prod/universal/path/with/slash"},
		{in: "s3/prod/logs", wantErr: true},
		{in: "s3//universal/logs", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			loc, err := parseLocation(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, loc.String())
		})
	}
}
