package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// UpsertAgent creates or updates an agent record.
func (s *Store) UpsertAgent(ctx context.Context, rec AgentRecord) error {
	status := rec.Status
	if status == "" {
		status = "active"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, display_name, group_id, bucket_ids, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(agent_id) DO UPDATE SET
			display_name = excluded.display_name,
			group_id = excluded.group_id,
			bucket_ids = excluded.bucket_ids,
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP;
	`, rec.AgentID, rec.DisplayName, rec.GroupID, joinBuckets(rec.BucketIDs), status)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// Agent returns one agent record by id.
func (s *Store) Agent(ctx context.Context, agentID string) (*AgentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, display_name, group_id, bucket_ids, status, created_at, updated_at
		FROM agents
		WHERE agent_id = ?;
	`, agentID)
	var rec AgentRecord
	var buckets string
	if err := row.Scan(&rec.AgentID, &rec.DisplayName, &rec.GroupID, &buckets, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("select agent: %w", err)
	}
	rec.BucketIDs = splitBuckets(buckets)
	return &rec, nil
}

// MoveAgentGroup reassigns an agent to a new group and returns the previous
// group id, recording the move in the claim_events ledger.
func (s *Store) MoveAgentGroup(ctx context.Context, agentID, newGroupID string) (string, error) {
	var oldGroup string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin move group tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `SELECT group_id FROM agents WHERE agent_id = ?;`, agentID).Scan(&oldGroup); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrAgentNotFound
			}
			return fmt.Errorf("select agent group: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE agents SET group_id = ?, updated_at = CURRENT_TIMESTAMP WHERE agent_id = ?;
		`, newGroupID, agentID); err != nil {
			return fmt.Errorf("update agent group: %w", err)
		}
		if err := s.appendClaimEventTx(ctx, tx, ClaimEvent{
			AccountID: "",
			AgentID:   agentID,
			EventType: EventGroupMoved,
			FromOwner: oldGroup,
			ToOwner:   newGroupID,
			GroupID:   newGroupID,
		}); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return oldGroup, nil
}

func joinBuckets(ids []string) string {
	return strings.Join(ids, ",")
}

func splitBuckets(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
