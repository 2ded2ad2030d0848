package engine

import (
	"encoding/json"
	"fmt"
)

// CycleStatus represents the outcome of a watch cycle.
type CycleStatus string

const (
	// CycleStatusRunning indicates the cycle is in progress.
	CycleStatusRunning CycleStatus = "running"

	// CycleStatusSucceeded indicates every account and region was fetched and
	// every change was persisted.
	CycleStatusSucceeded CycleStatus = "succeeded"

	// CycleStatusPartial indicates the cycle completed but some locations
	// failed to fetch and were suppressed.
	CycleStatusPartial CycleStatus = "partial"

	// CycleStatusFailed indicates the cycle aborted.
	CycleStatusFailed CycleStatus = "failed"

	// CycleStatusCancelled indicates the cycle was cancelled.
	CycleStatusCancelled CycleStatus = "cancelled"
)

// IsTerminal returns true if the cycle status represents a final state.
func (s CycleStatus) IsTerminal() bool {
	return s == CycleStatusSucceeded || s == CycleStatusPartial ||
		s == CycleStatusFailed || s == CycleStatusCancelled
}

// Validate checks if the cycle status is valid.
func (s CycleStatus) Validate() error {
	switch s {
	case CycleStatusRunning, CycleStatusSucceeded, CycleStatusPartial,
		CycleStatusFailed, CycleStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid cycle status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s CycleStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *CycleStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = CycleStatus(str)
	return s.Validate()
}

// Bucket names the reconciliation output a change record belongs to.
type Bucket string

const (
	BucketCreated   Bucket = "created"
	BucketDeleted   Bucket = "deleted"
	BucketChanged   Bucket = "changed"
	BucketEphemeral Bucket = "ephemeral"
)

// EventType classifies events.
type EventType string

const (
	EventTypeCycleStarted   EventType = "cycle.started"
	EventTypeCycleCompleted EventType = "cycle.completed"
	EventTypeCycleFailed    EventType = "cycle.failed"
	EventTypeItemCreated    EventType = "item.created"
	EventTypeItemDeleted    EventType = "item.deleted"
	EventTypeItemChanged    EventType = "item.changed"
	EventTypeItemEphemeral  EventType = "item.ephemeral"
	EventTypeFetchFailed    EventType = "fetch.failed"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeCycleFailed:
		return "error"
	case EventTypeFetchFailed, EventTypeItemDeleted:
		return "warning"
	default:
		return "info"
	}
}

// bucketEvent maps a bucket to its change event type.
func bucketEvent(b Bucket) EventType {
	switch b {
	case BucketCreated:
		return EventTypeItemCreated
	case BucketDeleted:
		return EventTypeItemDeleted
	case BucketEphemeral:
		return EventTypeItemEphemeral
	default:
		return EventTypeItemChanged
	}
}
