package stores

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/driftwatch/driftwatch/pkg/engine"
)

// IgnoreRules returns the ignore list of a technology.
func (s *SQLiteStore) IgnoreRules(ctx context.Context, technology string) ([]engine.IgnoreRule, error) {
	if technology == "" {
		return []engine.IgnoreRule{}, nil
	}
	return s.ListIgnoreRules(ctx, technology)
}

// ListIgnoreRules lists ignore rules of one technology, or of all
// technologies when technology is empty.
func (s *SQLiteStore) ListIgnoreRules(ctx context.Context, technology string) ([]engine.IgnoreRule, error) {
	query := `
		SELECT l.id, t.name, l.prefix, l.notes
		FROM ignore_list l
		JOIN technologies t ON t.id = l.technology_id
		WHERE (? = '' OR t.name = ?)
		ORDER BY t.name, l.prefix
	`
	rows, err := s.db.QueryContext(ctx, query, technology, technology)
	if err != nil {
		return nil, fmt.Errorf("failed to list ignore rules: %w", err)
	}
	defer rows.Close()

	rules := []engine.IgnoreRule{}
	for rows.Next() {
		var rule engine.IgnoreRule
		if err := rows.Scan(&rule.ID, &rule.Technology, &rule.Prefix, &rule.Notes); err != nil {
			return nil, fmt.Errorf("failed to scan ignore rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ignore rules: %w", err)
	}
	return rules, nil
}

// AddIgnoreRule stores a rule and sets its ID. Adding an existing prefix
// updates its notes.
func (s *SQLiteStore) AddIgnoreRule(ctx context.Context, rule *engine.IgnoreRule) error {
	if rule.Technology == "" {
		return fmt.Errorf("ignore rule technology is required")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		techID, err := ensureTechnology(ctx, tx, rule.Technology)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ignore_list (technology_id, prefix, notes, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(technology_id, prefix) DO UPDATE SET notes = excluded.notes
		`, techID, rule.Prefix, rule.Notes, s.now()); err != nil {
			return fmt.Errorf("failed to add ignore rule: %w", err)
		}
		err = tx.QueryRowContext(ctx, `SELECT id FROM ignore_list WHERE technology_id = ? AND prefix = ?`,
			techID, rule.Prefix).Scan(&rule.ID)
		if err != nil {
			return fmt.Errorf("failed to get ignore rule ID: %w", err)
		}
		return nil
	})
}

// DeleteIgnoreRule removes a rule by ID.
func (s *SQLiteStore) DeleteIgnoreRule(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM ignore_list WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete ignore rule: %w", err)
	}
	return checkAffected(result, "ignore rule", id)
}
