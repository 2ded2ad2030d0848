package policy

import (
	"context"
	"time"

	"github.com/driftwatch/driftwatch/pkg/engine"
)

// Policy is a Rego module whose deny set yields audit findings.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Technologies restricts the policy to some technologies. Empty means
	// every technology.
	Technologies []string `json:"technologies,omitempty"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with driftwatch.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	Tags []string `json:"tags,omitempty"`

	// LoadedAt is when the policy was loaded.
	LoadedAt time.Time `json:"loaded_at"`
}

// AppliesTo reports whether the policy audits a technology.
func (p *Policy) AppliesTo(technology string) bool {
	if len(p.Technologies) == 0 {
		return true
	}
	for _, t := range p.Technologies {
		if t == technology {
			return true
		}
	}
	return false
}

// PolicyInput is the input document of one evaluation.
type PolicyInput struct {
	Technology string      `json:"technology"`
	Account    string      `json:"account"`
	Region     string      `json:"region"`
	Name       string      `json:"name"`
	Config     interface{} `json:"config"`
	OldConfig  interface{} `json:"old_config"`
	Active     bool        `json:"active"`
}

// NewPolicyInput builds the input document of a change record.
func NewPolicyInput(rec *engine.ChangeRecord) *PolicyInput {
	return &PolicyInput{
		Technology: rec.Technology,
		Account:    rec.Account,
		Region:     rec.Region,
		Name:       rec.Name,
		Config:     rec.NewConfig.Interface(),
		OldConfig:  rec.OldConfig.Interface(),
		Active:     rec.Active,
	}
}

// IssueSource provides the open issues stored for an item, including their
// justification.
type IssueSource interface {
	ExistingIssues(ctx context.Context, loc engine.Location) ([]engine.AuditIssue, error)
}

// PolicySummary describes the outcome of auditing a batch of records.
type PolicySummary struct {
	Records        int           `json:"records"`
	Issues         int           `json:"issues"`
	NewIssues      int           `json:"new_issues"`
	FixedIssues    int           `json:"fixed_issues"`
	FailedPolicies []string      `json:"failed_policies,omitempty"`
	Duration       time.Duration `json:"duration"`
}
