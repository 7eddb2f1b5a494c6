package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// LatestEventID returns the high-water mark of the claim_events ledger.
func (s *Store) LatestEventID(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(event_id) FROM claim_events;`).Scan(&max); err != nil {
		return 0, fmt.Errorf("latest event id: %w", err)
	}
	return max.Int64, nil
}

// ListClaimEventsFrom returns ledger rows after fromEventID in order.
// Reconnecting sessions replay from their last seen event id before
// switching to live signals.
func (s *Store) ListClaimEventsFrom(ctx context.Context, fromEventID int64, limit int) ([]ClaimEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, account_id, agent_id, event_type,
			COALESCE(from_owner, ''), COALESCE(to_owner, ''), group_id, revision,
			COALESCE(trace_id, '-'), created_at
		FROM claim_events
		WHERE event_id > ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, fromEventID, limit)
	if err != nil {
		return nil, fmt.Errorf("list claim events: %w", err)
	}
	defer rows.Close()

	var out []ClaimEvent
	for rows.Next() {
		var ev ClaimEvent
		if err := rows.Scan(
			&ev.EventID,
			&ev.AccountID,
			&ev.AgentID,
			&ev.EventType,
			&ev.FromOwner,
			&ev.ToOwner,
			&ev.GroupID,
			&ev.Revision,
			&ev.TraceID,
			&ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan claim event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim event rows: %w", err)
	}
	return out, nil
}

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedClaimEvents  int64 `json:"purged_claim_events"`
	PurgedAuditLogs    int64 `json:"purged_audit_logs"`
	PurgedDispositions int64 `json:"purged_dispositions"`
}

// RunRetention deletes records older than the configured windows. Each
// category uses a separate DELETE with its own cutoff; the job is idempotent.
func (s *Store) RunRetention(ctx context.Context, claimEventDays, auditLogDays, dispositionDays int) (RetentionResult, error) {
	var result RetentionResult

	if claimEventDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -claimEventDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM claim_events WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge claim_events: %w", err)
		}
		result.PurgedClaimEvents, _ = res.RowsAffected()
	}

	if auditLogDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -auditLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	if dispositionDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -dispositionDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM dispositions WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge dispositions: %w", err)
		}
		result.PurgedDispositions, _ = res.RowsAffected()
	}

	return result, nil
}
