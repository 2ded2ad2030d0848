package stores

import (
	"context"
	"fmt"
)

// UpsertAccount inserts or updates an account by name and sets its ID.
func (s *SQLiteStore) UpsertAccount(ctx context.Context, account *Account) error {
	if account.Name == "" {
		return fmt.Errorf("account name is required")
	}
	now := s.now()
	query := `
		INSERT INTO accounts (name, identifier, notes, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			identifier = excluded.identifier,
			notes = excluded.notes,
			active = excluded.active,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query,
		account.Name, account.Identifier, account.Notes, account.Active, now, now); err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}

	err := s.db.QueryRowContext(ctx, `SELECT id, created_at, updated_at FROM accounts WHERE name = ?`, account.Name).
		Scan(&account.ID, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to get account ID: %w", err)
	}
	return nil
}

// ListAccounts lists accounts ordered by name.
func (s *SQLiteStore) ListAccounts(ctx context.Context, activeOnly bool) ([]*Account, error) {
	query := `
		SELECT id, name, identifier, notes, active, created_at, updated_at
		FROM accounts
		WHERE (? = 0 OR active = 1)
		ORDER BY name
	`
	rows, err := s.db.QueryContext(ctx, query, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	accounts := []*Account{}
	for rows.Next() {
		a := &Account{}
		if err := rows.Scan(&a.ID, &a.Name, &a.Identifier, &a.Notes, &a.Active, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}
	return accounts, nil
}
