package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/driftwatch/driftwatch/pkg/confval"
	"github.com/driftwatch/driftwatch/pkg/engine"
)

// Account is a cloud account known to the datastore.
type Account struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Identifier string    `json:"identifier"`
	Notes      string    `json:"notes,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Item is a tracked resource together with its latest revision.
type Item struct {
	ID               int64         `json:"id"`
	Technology       string        `json:"technology"`
	Account          string        `json:"account"`
	Region           string        `json:"region"`
	Name             string        `json:"name"`
	Active           bool          `json:"active"`
	LatestRevisionID *int64        `json:"latest_revision_id,omitempty"`
	Config           confval.Value `json:"config"`
	Hash             string        `json:"hash"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Location returns the comparison key of the item.
func (i *Item) Location() engine.Location {
	return engine.Location{Technology: i.Technology, Account: i.Account, Region: i.Region, Name: i.Name}
}

// Revision is one recorded state of an item.
type Revision struct {
	ID        int64         `json:"id"`
	ItemID    int64         `json:"item_id"`
	Config    confval.Value `json:"config"`
	Hash      string        `json:"hash"`
	Active    bool          `json:"active"`
	CreatedAt time.Time     `json:"created_at"`
}

// IssueRecord is a stored audit issue and the item it belongs to.
type IssueRecord struct {
	engine.AuditIssue
	ItemID     int64     `json:"item_id"`
	Technology string    `json:"technology"`
	Account    string    `json:"account"`
	Region     string    `json:"region"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ItemFilter narrows ListItems. Empty fields match everything.
type ItemFilter struct {
	Technology string
	Account    string
	Region     string
	ActiveOnly bool
	Limit      int
	Offset     int
}

// IssueFilter narrows ListIssues. Empty fields match everything.
type IssueFilter struct {
	Technology       string
	Account          string
	IncludeFixed     bool
	IncludeJustified bool
	Limit            int
	Offset           int
}

// CycleSummary is a stored watch cycle.
type CycleSummary struct {
	ID           string             `json:"id"`
	Technology   string             `json:"technology"`
	Accounts     []string           `json:"accounts"`
	Status       engine.CycleStatus `json:"status"`
	StartedAt    time.Time          `json:"started_at"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
	Duration     time.Duration      `json:"duration"`
	ItemsFetched int                `json:"items_fetched"`
	Created      int                `json:"created"`
	Deleted      int                `json:"deleted"`
	Changed      int                `json:"changed"`
	Ephemeral    int                `json:"ephemeral"`
	Persisted    int                `json:"persisted"`
	HasNewIssue  bool               `json:"has_new_issue"`
	Error        *string            `json:"error,omitempty"`
	Exceptions   []CycleException   `json:"exceptions,omitempty"`
}

// CycleException is a fetch failure recorded during a cycle.
type CycleException struct {
	ID       int64                  `json:"id"`
	CycleID  string                 `json:"cycle_id"`
	Location engine.PartialLocation `json:"location"`
	Class    string                 `json:"class"`
	Message  string                 `json:"message"`
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g. "ignore.added", "issue.justified"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // rule, issue or cycle ID
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	engine.Datastore
	engine.IgnoreRuleSource
	engine.CycleStore

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Items and issues
	ListItems(ctx context.Context, filter ItemFilter) ([]*Item, error)
	ListRevisions(ctx context.Context, loc engine.Location, limit int) ([]*Revision, error)
	ExistingIssues(ctx context.Context, loc engine.Location) ([]engine.AuditIssue, error)
	ListIssues(ctx context.Context, filter IssueFilter) ([]*IssueRecord, error)
	JustifyIssue(ctx context.Context, id int64, by, justification string) error

	// Ignore list
	AddIgnoreRule(ctx context.Context, rule *engine.IgnoreRule) error
	ListIgnoreRules(ctx context.Context, technology string) ([]engine.IgnoreRule, error)
	DeleteIgnoreRule(ctx context.Context, id int64) error

	// Accounts
	UpsertAccount(ctx context.Context, account *Account) error
	ListAccounts(ctx context.Context, activeOnly bool) ([]*Account, error)

	// Cycles
	ListCycles(ctx context.Context, technology string, limit int) ([]*CycleSummary, error)
	GetCycle(ctx context.Context, id string) (*CycleSummary, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
