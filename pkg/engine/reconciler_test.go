package engine

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/driftwatch/driftwatch/pkg/confval"
	"github.com/rs/zerolog"
)

func sgItem(name string, config map[string]interface{}) ResourceItem {
	return ResourceItem{
		Technology: "sg",
		Account:    "a1",
		Region:     "us-east-1",
		Name:       name,
		Config:     confval.MustFromGo(config),
		Active:     true,
	}
}

func names(records []*ChangeRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Name)
	}
	return out
}

func newTestReconciler(honor bool, paths ...string) *Reconciler {
	sels, err := confval.ParseSelectors(paths, "")
	if err != nil {
		panic(err)
	}
	return NewReconciler(ReconcilerOptions{
		HonorEphemerals: honor,
		EphemeralPaths:  sels,
		Logger:          zerolog.Nop(),
	})
}

func reconcile(t *testing.T, r *Reconciler, previous, current []ResourceItem, exc *ExceptionScope) *ReconcileResult {
	t.Helper()
	res, err := r.Reconcile(previous, current, exc)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	return res
}

func expectNames(t *testing.T, bucket string, records []*ChangeRecord, want ...string) {
	t.Helper()
	got := names(records)
	if len(want) == 0 && len(got) == 0 {
		return
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("%s: expected %v, got %v", bucket, want, got)
	}
}

func TestReconcileModifiedRules(t *testing.T) {
	previous := []ResourceItem{sgItem("sg-1", map[string]interface{}{"rules": []interface{}{"22"}})}
	current := []ResourceItem{sgItem("sg-1", map[string]interface{}{"rules": []interface{}{"22", "80"}})}

	res := reconcile(t, newTestReconciler(false), previous, current, NewExceptionScope(zerolog.Nop()))

	expectNames(t, "created", res.Created)
	expectNames(t, "deleted", res.Deleted)
	expectNames(t, "ephemeral", res.Ephemeral)
	if len(res.Changed) != 1 {
		t.Fatalf("expected 1 changed record, got %d", len(res.Changed))
	}

	rec := res.Changed[0]
	if got := rec.OldConfig.String(); got != `{"rules":["22"]}` {
		t.Errorf("unexpected old config %s", got)
	}
	if got := rec.NewConfig.String(); got != `{"rules":["22","80"]}` {
		t.Errorf("unexpected new config %s", got)
	}
	if !rec.Active {
		t.Error("expected the record to be active")
	}
	if !res.IsChanged() {
		t.Error("expected IsChanged to be true")
	}
}

func TestReconcileCreatedAlongsideModified(t *testing.T) {
	previous := []ResourceItem{sgItem("sg-1", map[string]interface{}{"rules": []interface{}{"22"}})}
	current := []ResourceItem{
		sgItem("sg-1", map[string]interface{}{"rules": []interface{}{"22", "80"}}),
		sgItem("sg-2", map[string]interface{}{"rules": []interface{}{}}),
	}

	res := reconcile(t, newTestReconciler(false), previous, current, nil)

	expectNames(t, "created", res.Created, "sg-2")
	if !res.Created[0].OldConfig.IsNull() {
		t.Errorf("expected a created record to have a null old config, got %s", res.Created[0].OldConfig)
	}
	expectNames(t, "changed", res.Changed, "sg-1")
}

func TestReconcileDisjointSnapshots(t *testing.T) {
	previous := []ResourceItem{
		sgItem("old-1", map[string]interface{}{"a": 1}),
		sgItem("old-2", map[string]interface{}{"a": 2}),
	}
	current := []ResourceItem{
		sgItem("new-1", map[string]interface{}{"a": 1}),
		sgItem("new-2", map[string]interface{}{"a": 2}),
		sgItem("new-3", map[string]interface{}{"a": 3}),
	}

	for _, honor := range []bool{false, true} {
		res := reconcile(t, newTestReconciler(honor), previous, current, nil)
		expectNames(t, "created", res.Created, "new-1", "new-2", "new-3")
		expectNames(t, "deleted", res.Deleted, "old-1", "old-2")
		expectNames(t, "changed", res.Changed)
		expectNames(t, "ephemeral", res.Ephemeral)
		for _, rec := range res.Deleted {
			if rec.Active {
				t.Errorf("expected deleted %s to be inactive", rec.Name)
			}
			if !rec.NewConfig.IsNull() {
				t.Errorf("expected deleted %s to have a null new config", rec.Name)
			}
		}
	}
}

func TestReconcileEqualSnapshots(t *testing.T) {
	items := []ResourceItem{
		sgItem("sg-1", map[string]interface{}{"rules": []interface{}{"22"}, "tags": map[string]interface{}{"env": "prod"}}),
		sgItem("sg-2", map[string]interface{}{}),
	}
	copied := make([]ResourceItem, len(items))
	for i, it := range items {
		it.Config = it.Config.Clone()
		copied[i] = it
	}

	res := reconcile(t, newTestReconciler(true, "tags$env"), items, copied, nil)
	if res.IsChanged() {
		t.Error("expected equal snapshots not to change")
	}
	expectNames(t, "created", res.Created)
	expectNames(t, "deleted", res.Deleted)
	expectNames(t, "changed", res.Changed)
	expectNames(t, "ephemeral", res.Ephemeral)
}

func TestReconcileIsIdempotent(t *testing.T) {
	previous := []ResourceItem{
		sgItem("b", map[string]interface{}{"v": 1}),
		sgItem("a", map[string]interface{}{"v": 1}),
		sgItem("gone", map[string]interface{}{}),
	}
	current := []ResourceItem{
		sgItem("a", map[string]interface{}{"v": 2}),
		sgItem("b", map[string]interface{}{"v": 1, "seen": "now"}),
		sgItem("fresh", map[string]interface{}{}),
	}

	r := newTestReconciler(true, "seen")
	first := reconcile(t, r, previous, current, nil)
	second := reconcile(t, r, previous, current, nil)

	if !reflect.DeepEqual(first.Created, second.Created) ||
		!reflect.DeepEqual(first.Deleted, second.Deleted) ||
		!reflect.DeepEqual(first.Changed, second.Changed) ||
		!reflect.DeepEqual(first.Ephemeral, second.Ephemeral) {
		t.Error("expected two reconciliations of the same snapshots to agree")
	}
	expectNames(t, "changed", first.Changed, "a")
	expectNames(t, "ephemeral", first.Ephemeral, "a", "b")
}

func TestReconcileEphemeralFiltering(t *testing.T) {
	previous := []ResourceItem{sgItem("sg-1", map[string]interface{}{
		"rules": []interface{}{"22"},
		"meta":  map[string]interface{}{"LastScanned": "t1"},
	})}
	current := []ResourceItem{sgItem("sg-1", map[string]interface{}{
		"rules": []interface{}{"22"},
		"meta":  map[string]interface{}{"LastScanned": "t2"},
	})}

	t.Run("honored", func(t *testing.T) {
		res := reconcile(t, newTestReconciler(true, "meta$LastScanned"), previous, current, nil)
		expectNames(t, "changed", res.Changed)
		if len(res.Ephemeral) != 1 {
			t.Fatalf("expected 1 ephemeral record, got %d", len(res.Ephemeral))
		}
		if got := mustGet(t, res.Ephemeral[0].NewConfig, "meta").String(); got != `{"LastScanned":"t2"}` {
			t.Errorf("expected the ephemeral record to keep the field, got %s", got)
		}
	})

	t.Run("not honored", func(t *testing.T) {
		res := reconcile(t, newTestReconciler(false, "meta$LastScanned"), previous, current, nil)
		expectNames(t, "changed", res.Changed, "sg-1")
		expectNames(t, "ephemeral", res.Ephemeral)
	})

	t.Run("missing ephemeral path is a no-op", func(t *testing.T) {
		res := reconcile(t, newTestReconciler(true, "meta$LastScanned", "does$not$exist"), previous, current, nil)
		expectNames(t, "changed", res.Changed)
		expectNames(t, "ephemeral", res.Ephemeral, "sg-1")
	})

	t.Run("inputs are not modified", func(t *testing.T) {
		reconcile(t, newTestReconciler(true, "meta$LastScanned"), previous, current, nil)
		if !strings.Contains(previous[0].Config.String(), "LastScanned") {
			t.Error("previous config lost its ephemeral field")
		}
		if !strings.Contains(current[0].Config.String(), "LastScanned") {
			t.Error("current config lost its ephemeral field")
		}
	})
}

func TestReconcileDurableChange(t *testing.T) {
	previous := []ResourceItem{sgItem("sg-1", map[string]interface{}{"rules": []interface{}{"22"}, "seen": "t1"})}
	current := []ResourceItem{sgItem("sg-1", map[string]interface{}{"rules": []interface{}{"22", "3389"}, "seen": "t2"})}

	res := reconcile(t, newTestReconciler(true, "seen"), previous, current, nil)
	if len(res.Changed) != 1 || len(res.Ephemeral) != 1 {
		t.Fatalf("expected 1 changed and 1 ephemeral record, got %d and %d", len(res.Changed), len(res.Ephemeral))
	}

	durable := res.Changed[0]
	if got := durable.NewConfig.String(); got != `{"rules":["22","3389"]}` {
		t.Errorf("expected the durable record to carry filtered configs, got %s", got)
	}
	full := res.Ephemeral[0]
	if got := full.NewConfig.String(); got != `{"rules":["22","3389"],"seen":"t2"}` {
		t.Errorf("unexpected unfiltered config %s", got)
	}

	durable.AuditIssues = []AuditIssue{{Policy: "sg", Issue: "rdp open"}}
	durable.FoundNewIssue = true

	// Without ephemeral persistence the unfiltered record is stored.
	mods := res.Modifications(false)
	if len(mods) != 1 {
		t.Fatalf("expected 1 modification, got %d", len(mods))
	}
	if mods[0] != full {
		t.Error("expected the unfiltered record to be stored")
	}
	if !reflect.DeepEqual(mods[0].AuditIssues, durable.AuditIssues) || !mods[0].FoundNewIssue {
		t.Errorf("expected audit results to follow the stored record, got %+v", mods[0].AuditIssues)
	}
	if got := len(res.Modifications(true)); got != 1 {
		t.Errorf("expected 1 modification with ephemerals persisted, got %d", got)
	}
}

func TestModificationsKeepDurableChangesWithoutEphemeralRecord(t *testing.T) {
	// Sorting lists makes the full configs equal, while dropping the first
	// rule before sorting leaves them different.
	previous := []ResourceItem{
		sgItem("sg-1", map[string]interface{}{"rules": []interface{}{"80", "22"}}),
		sgItem("sg-2", map[string]interface{}{"rules": []interface{}{"22"}, "seen": "t1"}),
	}
	current := []ResourceItem{
		sgItem("sg-1", map[string]interface{}{"rules": []interface{}{"22", "80"}}),
		sgItem("sg-2", map[string]interface{}{"rules": []interface{}{"22"}, "seen": "t2"}),
	}
	r := NewReconciler(ReconcilerOptions{
		HonorEphemerals: true,
		EphemeralPaths:  []confval.Selector{confval.MustParseSelector("rules$0", ""), confval.MustParseSelector("seen", "")},
		Canonicalizer:   confval.Projection{SortLists: true},
		Logger:          zerolog.Nop(),
	})

	res := reconcile(t, r, previous, current, nil)
	expectNames(t, "changed", res.Changed, "sg-1")
	expectNames(t, "ephemeral", res.Ephemeral, "sg-2")

	expectNames(t, "persisted", res.Modifications(true), "sg-1", "sg-2")
	expectNames(t, "durable only", res.Modifications(false), "sg-1")
}

func TestReconcileSuppression(t *testing.T) {
	previous := []ResourceItem{
		sgItem("gone", map[string]interface{}{}),
		sgItem("modified", map[string]interface{}{"v": 1}),
	}
	current := []ResourceItem{
		sgItem("modified", map[string]interface{}{"v": 2}),
		sgItem("created", map[string]interface{}{}),
	}

	scopes := []PartialLocation{
		TechnologyScope("sg"),
		AccountScope("sg", "a1"),
		RegionScope("sg", "a1", "us-east-1"),
	}
	for _, scope := range scopes {
		t.Run(scope.Scope(), func(t *testing.T) {
			exc := NewExceptionScope(zerolog.Nop())
			exc.Record(scope, errors.New("list failed"))

			res := reconcile(t, newTestReconciler(false), previous, current, exc)
			expectNames(t, "deleted", res.Deleted)
			expectNames(t, "changed", res.Changed)
			expectNames(t, "created", res.Created, "created")
			if res.Suppressed != 2 {
				t.Errorf("expected 2 suppressed locations, got %d", res.Suppressed)
			}
		})
	}

	t.Run("sibling region", func(t *testing.T) {
		exc := NewExceptionScope(zerolog.Nop())
		exc.Record(RegionScope("sg", "a1", "eu-west-1"), errors.New("list failed"))

		res := reconcile(t, newTestReconciler(false), previous, current, exc)
		expectNames(t, "deleted", res.Deleted, "gone")
		expectNames(t, "changed", res.Changed, "modified")
	})
}

func TestReconcileCanonicalizer(t *testing.T) {
	previous := []ResourceItem{sgItem("sg-1", map[string]interface{}{"rules": []interface{}{"80", "22"}, "ResponseMetadata": "r1"})}
	current := []ResourceItem{sgItem("sg-1", map[string]interface{}{"rules": []interface{}{"22", "80"}, "ResponseMetadata": "r2"})}

	r := NewReconciler(ReconcilerOptions{
		Canonicalizer: confval.Projection{
			Exclude:   []confval.Selector{confval.MustParseSelector("ResponseMetadata", "")},
			SortLists: true,
		},
		Logger: zerolog.Nop(),
	})
	res := reconcile(t, r, previous, current, nil)
	expectNames(t, "changed", res.Changed)

	failing := NewReconciler(ReconcilerOptions{
		Canonicalizer: CanonicalizerFunc(func(v confval.Value) (confval.Value, error) {
			return confval.Value{}, errors.New("script error")
		}),
		Logger: zerolog.Nop(),
	})
	if _, err := failing.Reconcile(previous, current, nil); err == nil {
		t.Error("expected a failing canonicalizer to fail the reconciliation")
	}
}

func TestReconcileDuplicateLocationsLastWins(t *testing.T) {
	previous := []ResourceItem{sgItem("sg-1", map[string]interface{}{"v": 2})}
	current := []ResourceItem{
		sgItem("sg-1", map[string]interface{}{"v": 1}),
		sgItem("sg-1", map[string]interface{}{"v": 2}),
	}
	res := reconcile(t, newTestReconciler(false), previous, current, nil)
	expectNames(t, "changed", res.Changed)
}

func mustGet(t *testing.T, v confval.Value, key string) confval.Value {
	t.Helper()
	got, ok := v.Get(key)
	if !ok {
		t.Fatalf("missing key %q", key)
	}
	return got
}
