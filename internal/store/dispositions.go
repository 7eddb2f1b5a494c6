package store

import (
	"context"
	"fmt"
)

// AddDisposition records a call/payment outcome against an account and
// returns the new row id. Disposition semantics (valid codes, amounts) are
// validated upstream; the store only persists confirmed writes.
func (s *Store) AddDisposition(ctx context.Context, d Disposition) (int64, error) {
	if _, err := s.Account(ctx, d.AccountID); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dispositions (account_id, agent_id, code, notes, amount_cents, created_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, d.AccountID, d.AgentID, d.Code, d.Notes, d.AmountCent)
	if err != nil {
		return 0, fmt.Errorf("insert disposition: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("disposition insert id: %w", err)
	}
	return id, nil
}

// ListDispositions returns the most recent dispositions for an account,
// newest first.
func (s *Store) ListDispositions(ctx context.Context, accountID string, limit int) ([]Disposition, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, agent_id, code, notes, amount_cents, created_at
		FROM dispositions
		WHERE account_id = ?
		ORDER BY id DESC
		LIMIT ?;
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query dispositions: %w", err)
	}
	defer rows.Close()

	var out []Disposition
	for rows.Next() {
		var d Disposition
		if err := rows.Scan(&d.ID, &d.AccountID, &d.AgentID, &d.Code, &d.Notes, &d.AmountCent, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan disposition: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("disposition rows: %w", err)
	}
	return out, nil
}
