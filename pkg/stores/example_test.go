package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/driftwatch/driftwatch/pkg/confval"
	"github.com/driftwatch/driftwatch/pkg/engine"
	"github.com/driftwatch/driftwatch/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:", // Use in-memory database for example
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_Persist demonstrates recording item revisions and
// reading back the previous snapshot.
func ExampleSQLiteStore_Persist() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	req := engine.PersistRequest{
		Technology: "securitygroup",
		Account:    "prod",
		Region:     "us-east-1",
		Name:       "web",
		Active:     true,
		Config:     confval.MustFromGo(map[string]interface{}{"ports": []interface{}{443}}),
	}
	if err := store.Persist(ctx, req); err != nil {
		log.Fatal(err)
	}
	// Writing the same config again does not create a revision.
	_ = store.Persist(ctx, req)

	prev, _ := store.PreviousRevisions(ctx, "securitygroup", "prod")
	for loc, item := range prev {
		fmt.Printf("%s %s\n", loc, item.Config)
	}

	revs, _ := store.ListRevisions(ctx, req.Location(), 0)
	fmt.Println("revisions:", len(revs))
	// Output:
	// securitygroup/prod/us-east-1/web {"ports":[443]}
	// revisions: 1
}

// ExampleSQLiteStore_AddIgnoreRule demonstrates managing the ignore list.
func ExampleSQLiteStore_AddIgnoreRule() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	rule := &engine.IgnoreRule{Technology: "s3", Prefix: "cf-templates-", Notes: "CloudFormation staging"}
	if err := store.AddIgnoreRule(ctx, rule); err != nil {
		log.Fatal(err)
	}

	rules, _ := store.IgnoreRules(ctx, "s3")
	for _, r := range rules {
		fmt.Printf("%s: %s (%s)\n", r.Technology, r.Prefix, r.Notes)
	}
	// Output: s3: cf-templates- (CloudFormation staging)
}
