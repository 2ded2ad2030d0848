package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/driftwatch/driftwatch/pkg/confval"
	"github.com/driftwatch/driftwatch/pkg/engine"
)

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// PreviousRevisions returns the latest revision of every active item of a
// technology in an account, with its open audit issues. The read happens in a
// single transaction so the snapshot is consistent.
func (s *SQLiteStore) PreviousRevisions(ctx context.Context, technology, account string) (map[engine.Location]engine.ResourceItem, error) {
	out := make(map[engine.Location]engine.ResourceItem)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			SELECT i.id, i.region, i.name, r.config
			FROM items i
			JOIN technologies t ON t.id = i.technology_id
			JOIN accounts a ON a.id = i.account_id
			JOIN item_revisions r ON r.id = i.latest_revision_id
			WHERE t.name = ? AND a.name = ? AND i.active = 1
			ORDER BY i.region, i.name
		`
		rows, err := tx.QueryContext(ctx, query, technology, account)
		if err != nil {
			return fmt.Errorf("failed to query latest revisions: %w", err)
		}
		defer rows.Close()

		ids := make(map[int64]engine.Location)
		for rows.Next() {
			var (
				id           int64
				region, name string
				raw          string
			)
			if err := rows.Scan(&id, &region, &name, &raw); err != nil {
				return fmt.Errorf("failed to scan revision: %w", err)
			}
			cfg, err := confval.Parse([]byte(raw))
			if err != nil {
				return fmt.Errorf("failed to decode config of %s/%s: %w", region, name, err)
			}
			item := engine.ResourceItem{
				Technology: technology,
				Account:    account,
				Region:     region,
				Name:       name,
				Config:     cfg,
				Active:     true,
			}
			out[item.Location()] = item
			ids[id] = item.Location()
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating revisions: %w", err)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("failed to close revisions: %w", err)
		}

		issues, err := openIssuesByItem(ctx, tx, technology, account)
		if err != nil {
			return err
		}
		for itemID, list := range issues {
			loc, ok := ids[itemID]
			if !ok {
				continue
			}
			item := out[loc]
			item.AuditIssues = list
			out[loc] = item
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func openIssuesByItem(ctx context.Context, q queryer, technology, account string) (map[int64][]engine.AuditIssue, error) {
	query := `
		SELECT ai.item_id, ai.id, ai.policy, ai.issue, ai.notes, ai.score,
		       ai.justified, ai.justified_by, ai.justification, ai.justified_at, ai.fixed
		FROM item_audit_issues ai
		JOIN items i ON i.id = ai.item_id
		JOIN technologies t ON t.id = i.technology_id
		JOIN accounts a ON a.id = i.account_id
		WHERE t.name = ? AND a.name = ? AND ai.fixed = 0
		ORDER BY ai.id
	`
	rows, err := q.QueryContext(ctx, query, technology, account)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit issues: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]engine.AuditIssue)
	for rows.Next() {
		var itemID int64
		var issue engine.AuditIssue
		if err := rows.Scan(&itemID, &issue.ID, &issue.Policy, &issue.Issue, &issue.Notes, &issue.Score,
			&issue.Justified, &issue.JustifiedBy, &issue.Justification, &issue.JustifiedAt, &issue.Fixed); err != nil {
			return nil, fmt.Errorf("failed to scan audit issue: %w", err)
		}
		out[itemID] = append(out[itemID], issue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit issues: %w", err)
	}
	return out, nil
}

// Persist records a new revision of the item when its config hash or active
// flag differs from the latest revision. When the request carries audit
// issues (a non-nil slice) the stored issue set is reconciled with it: new
// issues are inserted, vanished ones are marked fixed and the rest keep their
// justification.
func (s *SQLiteStore) Persist(ctx context.Context, req engine.PersistRequest) error {
	raw, err := req.Config.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	hash := req.Config.Hash()
	now := s.now()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		techID, err := ensureTechnology(ctx, tx, req.Technology)
		if err != nil {
			return err
		}
		accountID, err := ensureAccount(ctx, tx, req.Account)
		if err != nil {
			return err
		}

		var (
			itemID   int64
			latestID sql.NullInt64
		)
		err = tx.QueryRowContext(ctx, `
			SELECT id, latest_revision_id FROM items
			WHERE technology_id = ? AND account_id = ? AND region = ? AND name = ?
		`, techID, accountID, req.Region, req.Name).Scan(&itemID, &latestID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			res, err := tx.ExecContext(ctx, `
				INSERT INTO items (technology_id, account_id, region, name, active, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, techID, accountID, req.Region, req.Name, req.Active, now, now)
			if err != nil {
				return fmt.Errorf("failed to create item: %w", err)
			}
			if itemID, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("failed to get item ID: %w", err)
			}
		case err != nil:
			return fmt.Errorf("failed to look up item: %w", err)
		}

		changed := !latestID.Valid
		if latestID.Valid {
			var (
				latestHash   string
				latestActive bool
			)
			err := tx.QueryRowContext(ctx, `SELECT hash, active FROM item_revisions WHERE id = ?`, latestID.Int64).
				Scan(&latestHash, &latestActive)
			if err != nil {
				return fmt.Errorf("failed to read latest revision: %w", err)
			}
			changed = latestHash != hash || latestActive != req.Active
		}

		if changed {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO item_revisions (item_id, config, hash, active, created_at)
				VALUES (?, ?, ?, ?, ?)
			`, itemID, string(raw), hash, req.Active, now)
			if err != nil {
				return fmt.Errorf("failed to create revision: %w", err)
			}
			revID, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("failed to get revision ID: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE items SET latest_revision_id = ?, active = ?, updated_at = ? WHERE id = ?
			`, revID, req.Active, now, itemID); err != nil {
				return fmt.Errorf("failed to update item: %w", err)
			}
		}

		if req.AuditIssues != nil {
			return reconcileIssues(ctx, tx, itemID, req.AuditIssues, now)
		}
		return nil
	})
}

func reconcileIssues(ctx context.Context, tx *sql.Tx, itemID int64, issues []engine.AuditIssue, now time.Time) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, policy, issue, notes, fixed FROM item_audit_issues WHERE item_id = ?
	`, itemID)
	if err != nil {
		return fmt.Errorf("failed to query stored issues: %w", err)
	}
	type stored struct {
		id    int64
		fixed bool
	}
	existing := make(map[string]stored)
	for rows.Next() {
		var (
			st    stored
			issue engine.AuditIssue
		)
		if err := rows.Scan(&st.id, &issue.Policy, &issue.Issue, &issue.Notes, &st.fixed); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan stored issue: %w", err)
		}
		existing[issue.Key()] = st
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("error iterating stored issues: %w", err)
	}
	rows.Close()

	seen := make(map[string]bool, len(issues))
	for _, issue := range issues {
		key := issue.Key()
		if seen[key] {
			continue
		}
		seen[key] = true

		if st, ok := existing[key]; ok {
			if _, err := tx.ExecContext(ctx, `
				UPDATE item_audit_issues SET score = ?, fixed = 0, updated_at = ? WHERE id = ?
			`, issue.Score, now, st.id); err != nil {
				return fmt.Errorf("failed to update issue: %w", err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO item_audit_issues (item_id, policy, issue, notes, score, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, itemID, issue.Policy, issue.Issue, issue.Notes, issue.Score, now, now); err != nil {
			return fmt.Errorf("failed to create issue: %w", err)
		}
	}

	for key, st := range existing {
		if seen[key] || st.fixed {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE item_audit_issues SET fixed = 1, updated_at = ? WHERE id = ?
		`, now, st.id); err != nil {
			return fmt.Errorf("failed to mark issue fixed: %w", err)
		}
	}
	return nil
}

func ensureTechnology(ctx context.Context, q queryer, name string) (int64, error) {
	if _, err := q.ExecContext(ctx, `INSERT INTO technologies (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name); err != nil {
		return 0, fmt.Errorf("failed to create technology %s: %w", name, err)
	}
	var id int64
	if err := q.QueryRowContext(ctx, `SELECT id FROM technologies WHERE name = ?`, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to look up technology %s: %w", name, err)
	}
	return id, nil
}

func ensureAccount(ctx context.Context, q queryer, name string) (int64, error) {
	if _, err := q.ExecContext(ctx, `INSERT INTO accounts (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name); err != nil {
		return 0, fmt.Errorf("failed to create account %s: %w", name, err)
	}
	var id int64
	if err := q.QueryRowContext(ctx, `SELECT id FROM accounts WHERE name = ?`, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to look up account %s: %w", name, err)
	}
	return id, nil
}

// ListItems lists items with their latest revision.
func (s *SQLiteStore) ListItems(ctx context.Context, filter ItemFilter) ([]*Item, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT i.id, t.name, a.name, i.region, i.name, i.active, i.latest_revision_id,
		       COALESCE(r.config, 'null'), COALESCE(r.hash, ''), i.updated_at
		FROM items i
		JOIN technologies t ON t.id = i.technology_id
		JOIN accounts a ON a.id = i.account_id
		LEFT JOIN item_revisions r ON r.id = i.latest_revision_id
		WHERE (? = '' OR t.name = ?)
		  AND (? = '' OR a.name = ?)
		  AND (? = '' OR i.region = ?)
		  AND (? = 0 OR i.active = 1)
		ORDER BY t.name, a.name, i.region, i.name
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query,
		filter.Technology, filter.Technology,
		filter.Account, filter.Account,
		filter.Region, filter.Region,
		filter.ActiveOnly,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	items := []*Item{}
	for rows.Next() {
		item := &Item{}
		var raw string
		if err := rows.Scan(&item.ID, &item.Technology, &item.Account, &item.Region, &item.Name,
			&item.Active, &item.LatestRevisionID, &raw, &item.Hash, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		if item.Config, err = confval.Parse([]byte(raw)); err != nil {
			return nil, fmt.Errorf("failed to decode config of %s: %w", item.Location(), err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating items: %w", err)
	}
	return items, nil
}

// ListRevisions returns the revisions of one item, newest first.
func (s *SQLiteStore) ListRevisions(ctx context.Context, loc engine.Location, limit int) ([]*Revision, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT r.id, r.item_id, r.config, r.hash, r.active, r.created_at
		FROM item_revisions r
		JOIN items i ON i.id = r.item_id
		JOIN technologies t ON t.id = i.technology_id
		JOIN accounts a ON a.id = i.account_id
		WHERE t.name = ? AND a.name = ? AND i.region = ? AND i.name = ?
		ORDER BY r.id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, loc.Technology, loc.Account, loc.Region, loc.Name, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list revisions: %w", err)
	}
	defer rows.Close()

	revisions := []*Revision{}
	for rows.Next() {
		rev := &Revision{}
		var raw string
		if err := rows.Scan(&rev.ID, &rev.ItemID, &raw, &rev.Hash, &rev.Active, &rev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan revision: %w", err)
		}
		if rev.Config, err = confval.Parse([]byte(raw)); err != nil {
			return nil, fmt.Errorf("failed to decode revision %d: %w", rev.ID, err)
		}
		revisions = append(revisions, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating revisions: %w", err)
	}
	return revisions, nil
}
