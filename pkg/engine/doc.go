// Package engine provides the state-reconciliation core of driftwatch.
//
// # Overview
//
// A watch cycle compares a freshly fetched snapshot of one technology's
// resources with the last recorded snapshot and reports what was created,
// deleted, or modified. Modifications are split into durable changes and
// ephemeral churn (timestamps, etags and similar fields that change on every
// poll). A cycle runs through these steps:
//
//  1. Ignore - Load the ignore list of the technology (IgnoreRuleSource)
//  2. Fetch - Retrieve every account and region (SnapshotProducer via BackoffInvoker)
//  3. Previous - Read the last recorded snapshot (Datastore)
//  4. Reconcile - Classify locations into buckets (Reconciler)
//  5. Audit - Annotate changes with issues (Auditor) and aggregate flags (IssuesFound)
//  6. Persist - Write created, deleted and modified items (Datastore)
//
// # Core Domain Types
//
//   - Location: technology/account/region/name key of a resource
//   - PartialLocation: a 1 to 4 element prefix of a Location
//   - ResourceItem: one resource at one point in time
//   - ChangeRecord: the difference for one location between two snapshots
//   - CycleReport: the outcome of a cycle
//
// # Rate Limiting
//
// Every remote call goes through a BackoffInvoker. Errors classified as rate
// limited are retried without limit after a delay of 1, 2, 4, 4, ... units;
// any other error is returned at once. The delay is kept per invoker and
// reset by the first success.
//
// # Failure Suppression
//
// A fetch failure is recorded in the ExceptionScope at the most specific
// location known. Deletion and modification checks skip every location
// under a recorded failure, so a region that failed to list is not reported
// as deleted. Creations are never suppressed.
//
// # Error Classification
//
// Errors are classified with EngineError:
//
//   - Transient: Temporary failures that may succeed on a later cycle
//   - Throttled: Rate limiting, retried by the BackoffInvoker
//   - Conflict: Datastore conflicts
//   - Permanent: Non-recoverable errors
//
// # Example Usage
//
//	w, err := engine.NewWatcher(engine.WatcherConfig{
//	    Technology:      "securitygroup",
//	    Accounts:        []string{"prod"},
//	    Producer:        producer,
//	    Datastore:       store,
//	    IgnoreRules:     store,
//	    HonorEphemerals: true,
//	    EphemeralPaths:  paths,
//	})
//	report, err := w.Run(ctx)
//
// # Thread Safety
//
// A Watcher runs one cycle at a time and is not meant to be shared between
// goroutines. Independent watchers may run concurrently through a
// CycleScheduler; they share only the Datastore.
package engine
