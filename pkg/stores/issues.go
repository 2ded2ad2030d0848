package stores

import (
	"context"
	"fmt"

	"github.com/driftwatch/driftwatch/pkg/engine"
)

// ExistingIssues returns the open issues of one item. Fixed issues are
// excluded; an unknown item has none.
func (s *SQLiteStore) ExistingIssues(ctx context.Context, loc engine.Location) ([]engine.AuditIssue, error) {
	query := `
		SELECT ai.id, ai.policy, ai.issue, ai.notes, ai.score,
		       ai.justified, ai.justified_by, ai.justification, ai.justified_at, ai.fixed
		FROM item_audit_issues ai
		JOIN items i ON i.id = ai.item_id
		JOIN technologies t ON t.id = i.technology_id
		JOIN accounts a ON a.id = i.account_id
		WHERE t.name = ? AND a.name = ? AND i.region = ? AND i.name = ? AND ai.fixed = 0
		ORDER BY ai.id
	`
	rows, err := s.db.QueryContext(ctx, query, loc.Technology, loc.Account, loc.Region, loc.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to query issues of %s: %w", loc, err)
	}
	defer rows.Close()

	issues := []engine.AuditIssue{}
	for rows.Next() {
		var issue engine.AuditIssue
		if err := rows.Scan(&issue.ID, &issue.Policy, &issue.Issue, &issue.Notes, &issue.Score,
			&issue.Justified, &issue.JustifiedBy, &issue.Justification, &issue.JustifiedAt, &issue.Fixed); err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		issues = append(issues, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating issues: %w", err)
	}
	return issues, nil
}

// ListIssues lists stored issues with their item location.
func (s *SQLiteStore) ListIssues(ctx context.Context, filter IssueFilter) ([]*IssueRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT ai.id, ai.policy, ai.issue, ai.notes, ai.score,
		       ai.justified, ai.justified_by, ai.justification, ai.justified_at, ai.fixed,
		       ai.item_id, t.name, a.name, i.region, i.name, ai.created_at, ai.updated_at
		FROM item_audit_issues ai
		JOIN items i ON i.id = ai.item_id
		JOIN technologies t ON t.id = i.technology_id
		JOIN accounts a ON a.id = i.account_id
		WHERE (? = '' OR t.name = ?)
		  AND (? = '' OR a.name = ?)
		  AND (? = 1 OR ai.fixed = 0)
		  AND (? = 1 OR ai.justified = 0)
		ORDER BY ai.score DESC, ai.id
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query,
		filter.Technology, filter.Technology,
		filter.Account, filter.Account,
		filter.IncludeFixed,
		filter.IncludeJustified,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	defer rows.Close()

	records := []*IssueRecord{}
	for rows.Next() {
		rec := &IssueRecord{}
		if err := rows.Scan(&rec.ID, &rec.Policy, &rec.Issue, &rec.Notes, &rec.Score,
			&rec.Justified, &rec.JustifiedBy, &rec.Justification, &rec.JustifiedAt, &rec.Fixed,
			&rec.ItemID, &rec.Technology, &rec.Account, &rec.Region, &rec.Name,
			&rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating issues: %w", err)
	}
	return records, nil
}

// JustifyIssue marks an issue as accepted. The justification survives later
// cycles for as long as the auditor keeps raising the issue.
func (s *SQLiteStore) JustifyIssue(ctx context.Context, id int64, by, justification string) error {
	now := s.now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE item_audit_issues
		SET justified = 1, justified_by = ?, justification = ?, justified_at = ?, updated_at = ?
		WHERE id = ?
	`, by, justification, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to justify issue: %w", err)
	}
	return checkAffected(result, "issue", id)
}
