package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/driftwatch/driftwatch/pkg/engine"
)

// Auditor evaluates Rego policies against change records and reconciles the
// findings with the issues already stored for each item. It implements
// engine.Auditor.
type Auditor struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	builtins map[string]*compiledPolicy
	issues   IssueSource
	logger   zerolog.Logger
	loader   *Loader

	skipBuiltins bool
}

var _ engine.Auditor = (*Auditor)(nil)

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Auditor.
type Option func(*Auditor)

// WithIssueSource sets where existing issues are read from. Without one
// every finding is reported as new.
func WithIssueSource(src IssueSource) Option {
	return func(a *Auditor) { a.issues = src }
}

// WithoutBuiltins leaves the built-in policies out.
func WithoutBuiltins() Option {
	return func(a *Auditor) { a.skipBuiltins = true }
}

// NewAuditor creates an auditor loaded with the built-in policies.
func NewAuditor(logger zerolog.Logger, opts ...Option) (*Auditor, error) {
	a := &Auditor{
		policies: make(map[string]*compiledPolicy),
		builtins: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-auditor").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.loader = NewLoader(a.logger)

	if !a.skipBuiltins {
		builtins := GetBuiltinPolicies()
		for i := range builtins {
			cp, err := compilePolicy(context.Background(), &builtins[i])
			if err != nil {
				return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
			}
			a.policies[cp.policy.Name] = cp
			a.builtins[cp.policy.Name] = cp
		}
		a.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")
	}

	return a, nil
}

// Audit evaluates every applicable policy against each record, sets its
// AuditIssues and fills the issue-reconciliation fields. AuditIssues is
// never nil after a successful audit, so an empty slice clears stored issues.
func (a *Auditor) Audit(ctx context.Context, records []*engine.ChangeRecord) error {
	_, err := a.AuditSummary(ctx, records)
	return err
}

// AuditSummary is Audit returning counts of what was found.
func (a *Auditor) AuditSummary(ctx context.Context, records []*engine.ChangeRecord) (*PolicySummary, error) {
	start := time.Now()
	a.mu.RLock()
	policies := a.sortedPolicies()
	a.mu.RUnlock()

	summary := &PolicySummary{}
	failed := make(map[string]bool)

	for _, rec := range records {
		if rec == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		summary.Records++

		var existing []engine.AuditIssue
		if a.issues != nil {
			var err error
			existing, err = a.issues.ExistingIssues(ctx, rec.Location())
			if err != nil {
				return nil, fmt.Errorf("failed to read issues of %s: %w", rec.Location(), err)
			}
		}

		input := NewPolicyInput(rec)
		found := []engine.AuditIssue{}
		for _, cp := range policies {
			if !cp.policy.AppliesTo(rec.Technology) {
				continue
			}
			issues, err := evaluatePolicy(ctx, cp, input)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				a.logger.Error().Err(err).
					Str("policy", cp.policy.Name).
					Str("location", rec.Location().String()).
					Msg("Policy evaluation failed")
				failed[cp.policy.Name] = true
				// Keep what the policy reported before so a broken policy
				// does not mark its issues fixed.
				issues = issuesOfPolicy(existing, cp.policy.Name)
			}
			found = append(found, issues...)
		}

		reconcile(rec, dedupe(found), existing)
		summary.Issues += len(rec.AuditIssues)
		summary.NewIssues += len(rec.ConfirmedNewIssues)
		summary.FixedIssues += len(rec.ConfirmedFixedIssues)
	}

	for name := range failed {
		summary.FailedPolicies = append(summary.FailedPolicies, name)
	}
	sort.Strings(summary.FailedPolicies)
	summary.Duration = time.Since(start)

	a.logger.Debug().
		Int("records", summary.Records).
		Int("issues", summary.Issues).
		Int("new_issues", summary.NewIssues).
		Dur("duration", summary.Duration).
		Msg("Audit completed")

	return summary, nil
}

// reconcile compares fresh findings with the stored issues of the item.
// Findings already stored keep their ID and justification.
func reconcile(rec *engine.ChangeRecord, found, existing []engine.AuditIssue) {
	stored := make(map[string]engine.AuditIssue, len(existing))
	for _, issue := range existing {
		stored[issue.Key()] = issue
	}

	rec.AuditIssues = make([]engine.AuditIssue, 0, len(found))
	rec.ConfirmedNewIssues = nil
	rec.ConfirmedFixedIssues = nil
	rec.ConfirmedExistingIssues = nil
	rec.FoundNewIssue = false

	seen := make(map[string]bool, len(found))
	for _, issue := range found {
		key := issue.Key()
		seen[key] = true
		if old, ok := stored[key]; ok {
			issue.ID = old.ID
			issue.Justified = old.Justified
			issue.JustifiedBy = old.JustifiedBy
			issue.Justification = old.Justification
			issue.JustifiedAt = old.JustifiedAt
			rec.ConfirmedExistingIssues = append(rec.ConfirmedExistingIssues, issue)
		} else {
			rec.ConfirmedNewIssues = append(rec.ConfirmedNewIssues, issue)
			rec.FoundNewIssue = true
		}
		rec.AuditIssues = append(rec.AuditIssues, issue)
	}

	for _, issue := range existing {
		if seen[issue.Key()] {
			continue
		}
		issue.Fixed = true
		rec.ConfirmedFixedIssues = append(rec.ConfirmedFixedIssues, issue)
	}
}

func issuesOfPolicy(issues []engine.AuditIssue, policy string) []engine.AuditIssue {
	var out []engine.AuditIssue
	for _, issue := range issues {
		if issue.Policy == policy {
			out = append(out, engine.AuditIssue{
				Policy: issue.Policy,
				Issue:  issue.Issue,
				Notes:  issue.Notes,
				Score:  issue.Score,
			})
		}
	}
	return out
}

// dedupe drops repeated findings and orders the rest by policy, issue and
// notes.
func dedupe(issues []engine.AuditIssue) []engine.AuditIssue {
	seen := make(map[string]bool, len(issues))
	out := issues[:0]
	for _, issue := range issues {
		key := issue.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, issue)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Policy != out[j].Policy {
			return out[i].Policy < out[j].Policy
		}
		if out[i].Issue != out[j].Issue {
			return out[i].Issue < out[j].Issue
		}
		return out[i].Notes < out[j].Notes
	})
	return out
}

// evaluatePolicy evaluates a single compiled policy.
func evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *PolicyInput) ([]engine.AuditIssue, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var issues []engine.AuditIssue
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			issue, err := createIssue(cp.policy, d)
			if err != nil {
				return nil, err
			}
			issues = append(issues, issue)
		}
	}
	return issues, nil
}

// createIssue converts a deny entry. An entry is either a string, taken as
// the issue text, or an object with issue, notes and score.
func createIssue(policy *Policy, entry interface{}) (engine.AuditIssue, error) {
	issue := engine.AuditIssue{Policy: policy.Name}

	switch v := entry.(type) {
	case string:
		issue.Issue = v
	case map[string]interface{}:
		text, ok := v["issue"].(string)
		if !ok || text == "" {
			return issue, fmt.Errorf("policy %s: deny entry without issue text", policy.Name)
		}
		issue.Issue = text
		if notes, ok := v["notes"].(string); ok {
			issue.Notes = notes
		}
		score, err := scoreOf(v["score"])
		if err != nil {
			return issue, fmt.Errorf("policy %s: %w", policy.Name, err)
		}
		issue.Score = score
	default:
		return issue, fmt.Errorf("policy %s: unsupported deny entry %T", policy.Name, entry)
	}
	return issue, nil
}

func scoreOf(v interface{}) (int, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, fmt.Errorf("invalid score %q", n)
			}
			return int(f), nil
		}
		return int(i), nil
	case float64:
		return int(n), nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("invalid score of type %T", v)
	}
}

// compilePolicy parses a policy and prepares its deny query.
func compilePolicy(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	if policy.LoadedAt.IsZero() {
		policy.LoadedAt = time.Now()
	}
	return &compiledPolicy{
		policy:   policy,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// sortedPolicies returns the enabled policies ordered by name. Callers hold
// the read lock.
func (a *Auditor) sortedPolicies() []*compiledPolicy {
	out := make([]*compiledPolicy, 0, len(a.policies))
	for _, cp := range a.policies {
		if cp.policy.Enabled {
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].policy.Name < out[j].policy.Name })
	return out
}

// LoadPolicies loads policy files and directories. Every policy must compile;
// on error the loaded set is left unchanged.
func (a *Auditor) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := a.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return a.ReplacePolicies(ctx, policies)
}

// ReplacePolicies swaps the user policies for policies. Built-in policies are
// kept; a user policy with a built-in's name replaces it.
func (a *Auditor) ReplacePolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		if _, dup := compiled[p.Name]; dup {
			return fmt.Errorf("duplicate policy %s", p.Name)
		}
		cp, err := compilePolicy(ctx, &p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	next := make(map[string]*compiledPolicy, len(a.policies)+len(compiled))
	for name, cp := range a.builtins {
		next[name] = cp
	}
	for name, cp := range compiled {
		next[name] = cp
	}
	a.policies = next

	a.logger.Info().
		Int("count", len(compiled)).
		Msg("Policies loaded successfully")
	return nil
}

// Watch reloads the policies under paths whenever a policy file changes.
// It returns once the watcher is running; ctx stops it.
func (a *Auditor) Watch(ctx context.Context, paths []string) error {
	return a.loader.Watch(ctx, paths, func(policies []Policy) error {
		return a.ReplacePolicies(ctx, policies)
	})
}

// GetPolicy returns a policy by name.
func (a *Auditor) GetPolicy(name string) (*Policy, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	cp, exists := a.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies ordered by name.
func (a *Auditor) ListPolicies() []Policy {
	a.mu.RLock()
	defer a.mu.RUnlock()

	policies := make([]Policy, 0, len(a.policies))
	for _, cp := range a.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// EnablePolicy enables a policy by name.
func (a *Auditor) EnablePolicy(name string) error {
	return a.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (a *Auditor) DisablePolicy(name string) error {
	return a.setEnabled(name, false)
}

func (a *Auditor) setEnabled(name string, enabled bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cp, exists := a.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	a.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")
	return nil
}
