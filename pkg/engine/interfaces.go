package engine

import (
	"context"
	"io"
	"time"

	"github.com/driftwatch/driftwatch/pkg/confval"
)

// SnapshotProducer retrieves the current configuration of one technology.
// Implementations talk to the remote API; every call is made through a
// BackoffInvoker by the watch cycle.
type SnapshotProducer interface {
	// Technology returns the technology identifier, e.g. "securitygroup".
	Technology() string

	// Regions lists the regions to fetch for an account. Technologies that
	// are not regional return []string{UniversalRegion}.
	Regions(ctx context.Context, account string) ([]string, error)

	// Fetch returns the resources of one account and region. A returned
	// *FetchError narrows the scope of the failure.
	Fetch(ctx context.Context, account, region string) (*FetchResult, error)
}

// Datastore persists item revisions and serves the previous snapshot.
type Datastore interface {
	// PreviousRevisions returns the latest active revision of every item of
	// a technology in an account.
	PreviousRevisions(ctx context.Context, technology, account string) (map[Location]ResourceItem, error)

	// Persist records a new revision of an item if it differs from the
	// latest one.
	Persist(ctx context.Context, req PersistRequest) error
}

// IgnoreRuleSource provides the ignore list of a technology.
type IgnoreRuleSource interface {
	IgnoreRules(ctx context.Context, technology string) ([]IgnoreRule, error)
}

// Auditor annotates change records with audit issues and fills their
// issue-reconciliation fields.
type Auditor interface {
	Audit(ctx context.Context, records []*ChangeRecord) error
}

// Renderer writes a human-readable description of a change record.
type Renderer interface {
	Render(w io.Writer, record *ChangeRecord) error
}

// Canonicalizer projects a config onto the fields that matter for comparison.
type Canonicalizer interface {
	Canonicalize(v confval.Value) (confval.Value, error)
}

// CanonicalizerFunc adapts a function to the Canonicalizer interface.
type CanonicalizerFunc func(v confval.Value) (confval.Value, error)

// Canonicalize calls f(v).
func (f CanonicalizerFunc) Canonicalize(v confval.Value) (confval.Value, error) {
	return f(v)
}

// CanonicalizerChain applies canonicalizers in order.
type CanonicalizerChain []Canonicalizer

// Canonicalize runs every canonicalizer of the chain.
func (c CanonicalizerChain) Canonicalize(v confval.Value) (confval.Value, error) {
	var err error
	for _, step := range c {
		if step == nil {
			continue
		}
		if v, err = step.Canonicalize(v); err != nil {
			return confval.Value{}, err
		}
	}
	return v, nil
}

// EventPublisher publishes cycle and change events.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// MetricsRecorder receives cycle measurements. All methods must be safe for
// concurrent use.
type MetricsRecorder interface {
	RecordCycleStarted(technology string)
	RecordCycleCompleted(technology, status string, duration time.Duration)
	RecordChanges(technology, bucket string, count int)
	RecordRateLimitRetry(technology string, delay time.Duration)
	RecordFetchFailure(technology, scope string)
	RecordSuppressed(technology string, count int)
	SetItemsObserved(technology, account string, count int)
	RecordError(errorClass, errorCode string)
}

// Event is a cycle or change event.
type Event struct {
	ID         string                 `json:"id"`
	Type       EventType              `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	CycleID    string                 `json:"cycle_id"`
	Technology string                 `json:"technology"`
	Location   string                 `json:"location,omitempty"`
	Message    string                 `json:"message"`
	Level      string                 `json:"level"`
	Data       map[string]interface{} `json:"data,omitempty"`
}
