package stores

import (
	"context"
	"fmt"
)

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	query := `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, actor, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}
