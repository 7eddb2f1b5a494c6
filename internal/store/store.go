package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/colldesk/internal/shared"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "cd-v1-2026-07-02-assignments"

	// v2 adds accounts.lease_expires_at + claim_events.revision.
	schemaVersionV2  = 2
	schemaChecksumV2 = "cd-v2-2026-07-18-claim-lease"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

// Sentinel errors for the claim taxonomy. Callers branch on these with
// errors.Is; the coordinator maps them to user-facing results.
var (
	ErrNotFound       = errors.New("account not found")
	ErrAlreadyClaimed = errors.New("account already claimed")
	ErrNotOwner       = errors.New("caller does not own account")
	ErrAgentNotFound  = errors.New("agent not found")
)

// Claim event types recorded in the claim_events ledger.
const (
	EventClaimed      = "account.claimed"
	EventReleased     = "account.released"
	EventSwapped      = "account.swapped"
	EventLeaseExpired = "account.lease_expired"
	EventGroupMoved   = "agent.group_moved"
)

// Account is a customer collection case an agent can claim. OwnerAgentID is
// empty while the account sits in its group pool.
type Account struct {
	ID             string     `json:"id"`
	DebtorName     string     `json:"debtor_name"`
	BalanceCents   int64      `json:"balance_cents"`
	GroupID        string     `json:"group_id"`
	BucketID       string     `json:"bucket_id"`
	OwnerAgentID   string     `json:"owner_agent_id,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	Revision       int64      `json:"revision"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// AgentRecord is a collection agent known to the desk.
type AgentRecord struct {
	AgentID     string    `json:"agent_id"`
	DisplayName string    `json:"display_name"`
	GroupID     string    `json:"group_id"`
	BucketIDs   []string  `json:"bucket_ids"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AuthorizedFor reports whether the agent may see accounts in the bucket.
func (a AgentRecord) AuthorizedFor(bucketID string) bool {
	for _, b := range a.BucketIDs {
		if b == bucketID {
			return true
		}
	}
	return false
}

// Disposition is a call/payment outcome recorded against an account.
type Disposition struct {
	ID         int64     `json:"id"`
	AccountID  string    `json:"account_id"`
	AgentID    string    `json:"agent_id"`
	Code       string    `json:"code"`
	Notes      string    `json:"notes,omitempty"`
	AmountCent int64     `json:"amount_cents,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ClaimEvent is one row of the ownership ledger. Events are replayable by
// event_id so reconnecting sessions can catch up before going live.
type ClaimEvent struct {
	EventID   int64     `json:"event_id"`
	AccountID string    `json:"account_id"`
	AgentID   string    `json:"agent_id"`
	EventType string    `json:"event_type"`
	FromOwner string    `json:"from_owner,omitempty"`
	ToOwner   string    `json:"to_owner,omitempty"`
	GroupID   string    `json:"group_id"`
	Revision  int64     `json:"revision"`
	TraceID   string    `json:"trace_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ExpiredClaim describes one claim released by the lease reaper.
type ExpiredClaim struct {
	AccountID string
	AgentID   string
	GroupID   string
	Revision  int64
}

// Store is the authoritative mapping of account to current owner. All
// ownership mutation goes through the coordinator, never through raw SQL.
type Store struct {
	db *sql.DB
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".colldesk", "colldesk.db")
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
// String matching avoids importing the sqlite3 package in non-CGO paths.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}
	if maxVersion == schemaVersionV1 {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionV1).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumV1 {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionV1, existingChecksum, schemaChecksumV1)
		}
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			debtor_name TEXT NOT NULL DEFAULT '',
			balance_cents INTEGER NOT NULL DEFAULT 0,
			group_id TEXT NOT NULL DEFAULT '',
			bucket_id TEXT NOT NULL DEFAULT '',
			owner_agent_id TEXT,
			claimed_at DATETIME,
			lease_expires_at DATETIME,
			revision INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			group_id TEXT NOT NULL DEFAULT '',
			bucket_ids TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'inactive')),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS dispositions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id TEXT NOT NULL REFERENCES accounts(id),
			agent_id TEXT NOT NULL,
			code TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			amount_cents INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS claim_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL,
			from_owner TEXT,
			to_owner TEXT,
			group_id TEXT NOT NULL DEFAULT '',
			revision INTEGER NOT NULL DEFAULT 0,
			trace_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			subject TEXT,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// v2 backfills for v1 databases. Idempotent: duplicate-column errors are fine.
	alterStatements := []string{
		`ALTER TABLE accounts ADD COLUMN lease_expires_at DATETIME;`,
		`ALTER TABLE claim_events ADD COLUMN revision INTEGER NOT NULL DEFAULT 0;`,
	}
	for _, stmt := range alterStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil && !strings.Contains(err.Error(), "duplicate column name") {
			return fmt.Errorf("exec backfill: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_accounts_pool ON accounts(group_id, bucket_id) WHERE owner_agent_id IS NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_owner ON accounts(owner_agent_id);`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_lease ON accounts(lease_expires_at);`,
		`CREATE INDEX IF NOT EXISTS idx_dispositions_account ON dispositions(account_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_claim_events_account ON claim_events(account_id, event_id);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	return tx.Commit()
}

func scanAccount(scanFn func(dest ...any) error, acct *Account) error {
	var owner sql.NullString
	var claimedAt, leaseExpires sql.NullTime
	if err := scanFn(
		&acct.ID,
		&acct.DebtorName,
		&acct.BalanceCents,
		&acct.GroupID,
		&acct.BucketID,
		&owner,
		&claimedAt,
		&leaseExpires,
		&acct.Revision,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	); err != nil {
		return err
	}
	if owner.Valid {
		acct.OwnerAgentID = owner.String
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		acct.ClaimedAt = &t
	}
	if leaseExpires.Valid {
		t := leaseExpires.Time
		acct.LeaseExpiresAt = &t
	}
	return nil
}

const accountColumns = `id, debtor_name, balance_cents, group_id, bucket_id,
	owner_agent_id, claimed_at, lease_expires_at, revision, created_at, updated_at`

func (s *Store) appendClaimEventTx(ctx context.Context, tx *sql.Tx, ev ClaimEvent) error {
	traceID := shared.TraceID(ctx)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO claim_events (account_id, agent_id, event_type, from_owner, to_owner, group_id, revision, trace_id, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, CURRENT_TIMESTAMP);
	`, ev.AccountID, ev.AgentID, ev.EventType, ev.FromOwner, ev.ToOwner, ev.GroupID, ev.Revision, traceID)
	if err != nil {
		return fmt.Errorf("insert claim_event: %w", err)
	}
	return nil
}
