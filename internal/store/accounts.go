package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// UpsertAccount creates or replaces an account record. Ownership fields are
// preserved on conflict; only the descriptive columns are refreshed.
func (s *Store) UpsertAccount(ctx context.Context, acct Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, debtor_name, balance_cents, group_id, bucket_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			debtor_name = excluded.debtor_name,
			balance_cents = excluded.balance_cents,
			group_id = excluded.group_id,
			bucket_id = excluded.bucket_id,
			updated_at = CURRENT_TIMESTAMP;
	`, acct.ID, acct.DebtorName, acct.BalanceCents, acct.GroupID, acct.BucketID)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// Account returns one account by id.
func (s *Store) Account(ctx context.Context, accountID string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = ?;
	`, accountID)
	var acct Account
	if err := scanAccount(row.Scan, &acct); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select account: %w", err)
	}
	return &acct, nil
}

// Owner returns the current owner agent id, or "" when the account is
// unclaimed. Returns ErrNotFound for unknown accounts.
func (s *Store) Owner(ctx context.Context, accountID string) (string, error) {
	var owner sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_agent_id FROM accounts WHERE id = ?;
	`, accountID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select owner: %w", err)
	}
	return owner.String, nil
}

// ClaimAccount takes exclusive ownership of an account for the agent.
// The compare-and-set runs inside one transaction: the UPDATE is guarded on
// owner_agent_id IS NULL, so under concurrent claims exactly one caller
// commits and the rest observe ErrAlreadyClaimed. Claiming an account the
// agent already owns is a no-op success.
// leaseDur <= 0 disables lease expiry for this claim.
func (s *Store) ClaimAccount(ctx context.Context, accountID, agentID string, leaseDur time.Duration) (*Account, error) {
	var claimed *Account
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?;`, accountID)
		var acct Account
		if err := scanAccount(row.Scan, &acct); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select account for claim: %w", err)
		}

		if acct.OwnerAgentID == agentID {
			// Idempotent re-claim of one's own account.
			claimed = &acct
			return tx.Commit()
		}
		if acct.OwnerAgentID != "" {
			return ErrAlreadyClaimed
		}

		var leaseExpires any
		var leasePtr *time.Time
		if leaseDur > 0 {
			t := time.Now().UTC().Add(leaseDur)
			leaseExpires = t
			leasePtr = &t
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE accounts
			SET owner_agent_id = ?, claimed_at = CURRENT_TIMESTAMP,
				lease_expires_at = ?, revision = revision + 1, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND owner_agent_id IS NULL;
		`, agentID, leaseExpires, accountID)
		if err != nil {
			return fmt.Errorf("claim update: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if affected != 1 {
			return ErrAlreadyClaimed
		}

		acct.OwnerAgentID = agentID
		acct.Revision++
		acct.LeaseExpiresAt = leasePtr
		now := time.Now().UTC()
		acct.ClaimedAt = &now

		if err := s.appendClaimEventTx(ctx, tx, ClaimEvent{
			AccountID: accountID,
			AgentID:   agentID,
			EventType: EventClaimed,
			ToOwner:   agentID,
			GroupID:   acct.GroupID,
			Revision:  acct.Revision,
		}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		claimed = &acct
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReleaseAccount clears ownership if and only if the caller owns the account.
func (s *Store) ReleaseAccount(ctx context.Context, accountID, agentID string) (*Account, error) {
	var released *Account
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin release tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		acct, err := s.releaseTx(ctx, tx, accountID, agentID, EventReleased)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit release tx: %w", err)
		}
		released = acct
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

// releaseTx clears ownership inside an existing transaction, guarded on the
// caller's identity.
func (s *Store) releaseTx(ctx context.Context, tx *sql.Tx, accountID, agentID, eventType string) (*Account, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?;`, accountID)
	var acct Account
	if err := scanAccount(row.Scan, &acct); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select account for release: %w", err)
	}
	if acct.OwnerAgentID != agentID {
		return nil, ErrNotOwner
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET owner_agent_id = NULL, claimed_at = NULL, lease_expires_at = NULL,
			revision = revision + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND owner_agent_id = ?;
	`, accountID, agentID)
	if err != nil {
		return nil, fmt.Errorf("release update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("release rows affected: %w", err)
	}
	if affected != 1 {
		return nil, ErrNotOwner
	}

	acct.OwnerAgentID = ""
	acct.ClaimedAt = nil
	acct.LeaseExpiresAt = nil
	acct.Revision++

	if err := s.appendClaimEventTx(ctx, tx, ClaimEvent{
		AccountID: accountID,
		AgentID:   agentID,
		EventType: eventType,
		FromOwner: agentID,
		GroupID:   acct.GroupID,
		Revision:  acct.Revision,
	}); err != nil {
		return nil, err
	}
	return &acct, nil
}

// SwapClaim atomically releases oldID and claims newID for the agent in one
// transaction spanning both accounts. If the new account was claimed by
// someone else in the meantime the whole swap rolls back and the agent keeps
// its old claim.
func (s *Store) SwapClaim(ctx context.Context, oldID, newID, agentID string, leaseDur time.Duration) (*Account, error) {
	var claimed *Account
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin swap tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		oldAcct, err := s.releaseTx(ctx, tx, oldID, agentID, EventSwapped)
		if err != nil {
			return err
		}

		row := tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?;`, newID)
		var acct Account
		if err := scanAccount(row.Scan, &acct); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select swap target: %w", err)
		}
		if acct.OwnerAgentID != "" {
			return ErrAlreadyClaimed
		}

		var leaseExpires any
		var leasePtr *time.Time
		if leaseDur > 0 {
			t := time.Now().UTC().Add(leaseDur)
			leaseExpires = t
			leasePtr = &t
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE accounts
			SET owner_agent_id = ?, claimed_at = CURRENT_TIMESTAMP,
				lease_expires_at = ?, revision = revision + 1, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND owner_agent_id IS NULL;
		`, agentID, leaseExpires, newID)
		if err != nil {
			return fmt.Errorf("swap claim update: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("swap rows affected: %w", err)
		}
		if affected != 1 {
			return ErrAlreadyClaimed
		}

		acct.OwnerAgentID = agentID
		acct.Revision++
		acct.LeaseExpiresAt = leasePtr
		now := time.Now().UTC()
		acct.ClaimedAt = &now

		if err := s.appendClaimEventTx(ctx, tx, ClaimEvent{
			AccountID: newID,
			AgentID:   agentID,
			EventType: EventSwapped,
			FromOwner: oldAcct.OwnerAgentID,
			ToOwner:   agentID,
			GroupID:   acct.GroupID,
			Revision:  acct.Revision,
		}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit swap tx: %w", err)
		}
		claimed = &acct
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// RenewLease extends the claim lease when the caller still owns the account.
// Returns false when the claim is gone (released, expired, or taken over).
func (s *Store) RenewLease(ctx context.Context, accountID, agentID string, leaseDur time.Duration) (bool, error) {
	if leaseDur <= 0 {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND owner_agent_id = ?;
	`, time.Now().UTC().Add(leaseDur), accountID, agentID)
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("renew lease rows affected: %w", err)
	}
	return n == 1, nil
}

// ReleaseExpiredClaims frees every account whose lease has lapsed and returns
// the released claims so the coordinator can signal the affected sessions.
func (s *Store) ReleaseExpiredClaims(ctx context.Context) ([]ExpiredClaim, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin expire tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, owner_agent_id, group_id, revision
		FROM accounts
		WHERE owner_agent_id IS NOT NULL
		  AND lease_expires_at IS NOT NULL
		  AND lease_expires_at <= CURRENT_TIMESTAMP;
	`)
	if err != nil {
		return nil, fmt.Errorf("query expired leases: %w", err)
	}
	defer rows.Close()

	var expired []ExpiredClaim
	for rows.Next() {
		var e ExpiredClaim
		if err := rows.Scan(&e.AccountID, &e.AgentID, &e.GroupID, &e.Revision); err != nil {
			return nil, fmt.Errorf("scan expired lease: %w", err)
		}
		expired = append(expired, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired leases: %w", err)
	}

	for i := range expired {
		e := &expired[i]
		res, err := tx.ExecContext(ctx, `
			UPDATE accounts
			SET owner_agent_id = NULL, claimed_at = NULL, lease_expires_at = NULL,
				revision = revision + 1, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND owner_agent_id = ?;
		`, e.AccountID, e.AgentID)
		if err != nil {
			return nil, fmt.Errorf("expire update: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue
		}
		e.Revision++
		if err := s.appendClaimEventTx(ctx, tx, ClaimEvent{
			AccountID: e.AccountID,
			AgentID:   e.AgentID,
			EventType: EventLeaseExpired,
			FromOwner: e.AgentID,
			GroupID:   e.GroupID,
			Revision:  e.Revision,
		}); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit expire tx: %w", err)
	}
	return expired, nil
}

// ListOwned returns every account currently claimed by the agent.
func (s *Store) ListOwned(ctx context.Context, agentID string) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE owner_agent_id = ?
		ORDER BY claimed_at ASC, id ASC;
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("query owned accounts: %w", err)
	}
	defer rows.Close()
	return collectAccounts(rows)
}

// ListGroupPool returns the unclaimed accounts in a group, restricted to the
// buckets the requesting agent may see. The read is a point-in-time snapshot;
// pool membership can change before a later claim attempt, which claim
// resolves by failing with ErrAlreadyClaimed.
func (s *Store) ListGroupPool(ctx context.Context, groupID string, bucketIDs []string) ([]Account, error) {
	if len(bucketIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(bucketIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(bucketIDs)+1)
	args = append(args, groupID)
	for _, b := range bucketIDs {
		args = append(args, b)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE group_id = ?
		  AND owner_agent_id IS NULL
		  AND bucket_id IN (`+placeholders+`)
		ORDER BY balance_cents DESC, id ASC;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query group pool: %w", err)
	}
	defer rows.Close()
	return collectAccounts(rows)
}

func collectAccounts(rows *sql.Rows) ([]Account, error) {
	var out []Account
	for rows.Next() {
		var acct Account
		if err := scanAccount(rows.Scan, &acct); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("account rows: %w", err)
	}
	return out, nil
}
