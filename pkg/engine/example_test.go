package engine_test

import (
	"fmt"

	"github.com/driftwatch/driftwatch/pkg/confval"
	"github.com/driftwatch/driftwatch/pkg/engine"
	"github.com/rs/zerolog"
)

func item(name string, config map[string]interface{}) engine.ResourceItem {
	return engine.ResourceItem{
		Technology: "securitygroup",
		Account:    "prod",
		Region:     "us-east-1",
		Name:       name,
		Config:     confval.MustFromGo(config),
		Active:     true,
	}
}

// Example_reconcile classifies two snapshots, keeping timestamp churn out of
// the changed bucket.
func Example_reconcile() {
	paths, _ := confval.ParseSelectors([]string{"last_seen"}, "")
	r := engine.NewReconciler(engine.ReconcilerOptions{
		HonorEphemerals: true,
		EphemeralPaths:  paths,
		Logger:          zerolog.Nop(),
	})

	previous := []engine.ResourceItem{
		item("web", map[string]interface{}{"ports": []interface{}{443}, "last_seen": "09:00"}),
		item("db", map[string]interface{}{"ports": []interface{}{5432}, "last_seen": "09:00"}),
		item("legacy", map[string]interface{}{"ports": []interface{}{21}}),
	}
	current := []engine.ResourceItem{
		item("web", map[string]interface{}{"ports": []interface{}{443, 22}, "last_seen": "09:15"}),
		item("db", map[string]interface{}{"ports": []interface{}{5432}, "last_seen": "09:15"}),
		item("cache", map[string]interface{}{"ports": []interface{}{6379}}),
	}

	result, _ := r.Reconcile(previous, current, nil)
	for _, rec := range result.Created {
		fmt.Println("created:", rec.Name)
	}
	for _, rec := range result.Deleted {
		fmt.Println("deleted:", rec.Name)
	}
	for _, rec := range result.Changed {
		fmt.Println("changed:", rec.Name)
	}
	fmt.Println("ephemeral:", len(result.Ephemeral))
	fmt.Println("is changed:", result.IsChanged())
	// Output:
	// created: cache
	// deleted: legacy
	// changed: web
	// ephemeral: 2
	// is changed: true
}

// Example_suppression shows a failed region hiding deletions beneath it.
func Example_suppression() {
	exceptions := engine.NewExceptionScope(zerolog.Nop())
	exceptions.Record(engine.RegionScope("securitygroup", "prod", "us-east-1"), fmt.Errorf("region unavailable"))

	r := engine.NewReconciler(engine.ReconcilerOptions{Logger: zerolog.Nop()})
	previous := []engine.ResourceItem{item("web", map[string]interface{}{})}

	result, _ := r.Reconcile(previous, nil, exceptions)
	fmt.Println("deleted:", len(result.Deleted))
	fmt.Println("suppressed:", result.Suppressed)
	// Output:
	// deleted: 0
	// suppressed: 1
}
