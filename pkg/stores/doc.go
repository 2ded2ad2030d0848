// Package stores provides the SQLite persistence layer of driftwatch: item
// revision history, audit issues, ignore lists, accounts, cycle bookkeeping
// and the audit trail. The schema is applied from embedded migrations.
package stores
