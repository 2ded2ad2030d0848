package engine

import (
	"context"
	"fmt"

	"github.com/driftwatch/driftwatch/pkg/confval"
)

// ChangeRecord describes the difference for one location between the previous
// and the current snapshot. A record with only an old item is a deletion, one
// with only a new item a creation, and one with both a modification.
type ChangeRecord struct {
	Technology string `json:"technology"`
	Account    string `json:"account"`
	Region     string `json:"region"`
	Name       string `json:"name"`

	OldConfig confval.Value `json:"old_config"`
	NewConfig confval.Value `json:"new_config"`

	// Active is true iff the resource exists in the current snapshot.
	Active bool `json:"active"`

	AuditIssues []AuditIssue `json:"audit_issues,omitempty"`

	ConfirmedNewIssues      []AuditIssue `json:"confirmed_new_issues,omitempty"`
	ConfirmedFixedIssues    []AuditIssue `json:"confirmed_fixed_issues,omitempty"`
	ConfirmedExistingIssues []AuditIssue `json:"confirmed_existing_issues,omitempty"`
	FoundNewIssue           bool         `json:"found_new_issue"`
}

// NewChangeRecord builds a record from an old and a new item, either of which
// may be nil. Identity fields and audit issues come from the new item when it
// exists, otherwise from the old one. When both are nil there is nothing to
// describe and ok is false.
func NewChangeRecord(old, cur *ResourceItem) (rec *ChangeRecord, ok bool) {
	if old == nil && cur == nil {
		return nil, false
	}

	src := cur
	if src == nil {
		src = old
	}

	rec = &ChangeRecord{
		Technology: src.Technology,
		Account:    src.Account,
		Region:     src.Region,
		Name:       src.Name,
		Active:     cur != nil,

		AuditIssues: src.AuditIssues,
	}
	if old != nil {
		rec.OldConfig = old.Config
	}
	if cur != nil {
		rec.NewConfig = cur.Config
	}

	return rec, true
}

// Config is the configuration the resource has now.
func (c *ChangeRecord) Config() confval.Value {
	return c.NewConfig
}

// Location returns the comparison key of the record.
func (c *ChangeRecord) Location() Location {
	return Location{Technology: c.Technology, Account: c.Account, Region: c.Region, Name: c.Name}
}

// Diff returns the path-level differences from the old to the new config.
func (c *ChangeRecord) Diff() []confval.Change {
	return confval.Diff(c.OldConfig, c.NewConfig)
}

// Kind classifies the record as "created", "deleted" or "modified".
func (c *ChangeRecord) Kind() string {
	switch {
	case c.OldConfig.IsNull() && c.Active:
		return "created"
	case !c.Active:
		return "deleted"
	default:
		return "modified"
	}
}

// PersistRequest converts the record into a datastore write.
func (c *ChangeRecord) PersistRequest() PersistRequest {
	return PersistRequest{
		Technology:  c.Technology,
		Account:     c.Account,
		Region:      c.Region,
		Name:        c.Name,
		Active:      c.Active,
		Config:      c.NewConfig,
		AuditIssues: c.AuditIssues,
	}
}

// Save persists the record. Deleted records store an inactive revision
// without configuration.
func (c *ChangeRecord) Save(ctx context.Context, ds Datastore) error {
	if err := ds.Persist(ctx, c.PersistRequest()); err != nil {
		return fmt.Errorf("failed to persist %s: %w", c.Location(), err)
	}
	return nil
}
