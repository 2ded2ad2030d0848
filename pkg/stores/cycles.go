package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/driftwatch/driftwatch/pkg/engine"
)

// CreateCycle records the start of a watch cycle.
func (s *SQLiteStore) CreateCycle(ctx context.Context, report *engine.CycleReport) error {
	accounts, err := json.Marshal(report.Accounts)
	if err != nil {
		return fmt.Errorf("failed to encode accounts: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cycles (id, technology, accounts, status, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, report.ID, report.Technology, string(accounts), string(report.Status), report.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create cycle: %w", err)
	}
	return nil
}

// CompleteCycle stores the outcome of a cycle and its fetch exceptions. A
// cycle that was never created is inserted.
func (s *SQLiteStore) CompleteCycle(ctx context.Context, report *engine.CycleReport) error {
	accounts, err := json.Marshal(report.Accounts)
	if err != nil {
		return fmt.Errorf("failed to encode accounts: %w", err)
	}
	var errMsg *string
	if report.Error != "" {
		errMsg = &report.Error
	}
	var completedAt *time.Time
	if report.CompletedAt != nil {
		t := report.CompletedAt.UTC()
		completedAt = &t
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cycles (
				id, technology, accounts, status, started_at, completed_at, duration_ms,
				items_fetched, created, deleted, changed, ephemeral, persisted, has_new_issue, error
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				completed_at = excluded.completed_at,
				duration_ms = excluded.duration_ms,
				items_fetched = excluded.items_fetched,
				created = excluded.created,
				deleted = excluded.deleted,
				changed = excluded.changed,
				ephemeral = excluded.ephemeral,
				persisted = excluded.persisted,
				has_new_issue = excluded.has_new_issue,
				error = excluded.error
		`,
			report.ID, report.Technology, string(accounts), string(report.Status), report.StartedAt.UTC(),
			completedAt, report.Duration.Milliseconds(),
			report.ItemsFetched, len(report.Created), len(report.Deleted), len(report.Changed),
			len(report.Ephemeral), report.Persisted, report.Flags.HasNewIssue, errMsg,
		)
		if err != nil {
			return fmt.Errorf("failed to complete cycle: %w", err)
		}
		return recordCycleExceptions(ctx, tx, report.ID, report.Technology, report.Exceptions)
	})
}

func recordCycleExceptions(ctx context.Context, tx *sql.Tx, cycleID, technology string, entries []engine.ExceptionEntry) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM cycle_exceptions WHERE cycle_id = ?`, cycleID); err != nil {
		return fmt.Errorf("failed to clear cycle exceptions: %w", err)
	}
	for _, e := range entries {
		tech := e.Location.Technology
		if tech == "" {
			tech = technology
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cycle_exceptions (cycle_id, technology, account, region, name, depth, class, message)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, cycleID, tech, e.Location.Account, e.Location.Region, e.Location.Name,
			e.Location.Depth, string(e.Class), e.Message); err != nil {
			return fmt.Errorf("failed to record cycle exception: %w", err)
		}
	}
	return nil
}

const cycleColumns = `
	id, technology, accounts, status, started_at, completed_at, duration_ms,
	items_fetched, created, deleted, changed, ephemeral, persisted, has_new_issue, error
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCycle(row rowScanner) (*CycleSummary, error) {
	c := &CycleSummary{}
	var (
		accounts   string
		status     string
		durationMS int64
	)
	if err := row.Scan(&c.ID, &c.Technology, &accounts, &status, &c.StartedAt, &c.CompletedAt, &durationMS,
		&c.ItemsFetched, &c.Created, &c.Deleted, &c.Changed, &c.Ephemeral, &c.Persisted,
		&c.HasNewIssue, &c.Error); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(accounts), &c.Accounts); err != nil {
		return nil, fmt.Errorf("failed to decode accounts of cycle %s: %w", c.ID, err)
	}
	c.Status = engine.CycleStatus(status)
	c.Duration = time.Duration(durationMS) * time.Millisecond
	return c, nil
}

// ListCycles lists recent cycles, newest first. An empty technology lists
// every technology.
func (s *SQLiteStore) ListCycles(ctx context.Context, technology string, limit int) ([]*CycleSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cycleColumns+`
		FROM cycles
		WHERE (? = '' OR technology = ?)
		ORDER BY started_at DESC
		LIMIT ?
	`, technology, technology, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycles: %w", err)
	}
	defer rows.Close()

	cycles := []*CycleSummary{}
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cycle: %w", err)
		}
		cycles = append(cycles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cycles: %w", err)
	}
	return cycles, nil
}

// GetCycle returns one cycle with its exceptions.
func (s *SQLiteStore) GetCycle(ctx context.Context, id string) (*CycleSummary, error) {
	c, err := scanCycle(s.db.QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM cycles WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cycle %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cycle: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cycle_id, technology, account, region, name, depth, class, message
		FROM cycle_exceptions
		WHERE cycle_id = ?
		ORDER BY depth, id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycle exceptions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e CycleException
		if err := rows.Scan(&e.ID, &e.CycleID, &e.Location.Technology, &e.Location.Account,
			&e.Location.Region, &e.Location.Name, &e.Location.Depth, &e.Class, &e.Message); err != nil {
			return nil, fmt.Errorf("failed to scan cycle exception: %w", err)
		}
		c.Exceptions = append(c.Exceptions, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cycle exceptions: %w", err)
	}
	return c, nil
}
