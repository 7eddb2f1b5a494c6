// Package coordinator serializes account ownership changes. Every claim,
// release and swap flows through here: the store provides the per-account
// compare-and-set, the coordinator layers on agent authorization, the
// one-account-per-agent rule, audit and signal fan-out.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/colldesk/internal/audit"
	"github.com/basket/colldesk/internal/bus"
	"github.com/basket/colldesk/internal/otel"
	"github.com/basket/colldesk/internal/store"
)

// Result is the synchronous outcome of a claim/release/swap call.
// Errors in the claim taxonomy come back as Success=false with a stable
// code; infrastructure failures surface as a Go error instead.
type Result struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Stable result codes for the claim taxonomy.
const (
	CodeAlreadyClaimed = "ALREADY_CLAIMED"
	CodeNotOwner       = "NOT_OWNER"
	CodeNotFound       = "NOT_FOUND"
	CodeNotAuthorized  = "NOT_AUTHORIZED"
	CodeHoldingAnother = "HOLDING_ANOTHER"
)

// Config holds the coordinator's dependencies.
type Config struct {
	Store    *store.Store
	Notifier *bus.Notifier
	Logger   *slog.Logger
	Metrics  *otel.Metrics // nil disables instrument updates

	// LeaseDuration bounds how long a claim survives without renewal.
	// Zero disables lease expiry entirely (claims persist across crashes).
	LeaseDuration time.Duration
}

// Coordinator owns the claim/release lifecycle over the assignment store.
type Coordinator struct {
	store    *store.Store
	notifier *bus.Notifier
	logger   *slog.Logger
	metrics  *otel.Metrics
	leaseDur time.Duration
}

func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    cfg.Store,
		notifier: cfg.Notifier,
		logger:   logger,
		metrics:  cfg.Metrics,
		leaseDur: cfg.LeaseDuration,
	}
}

// Claim takes exclusive ownership of accountID for agentID.
// Preconditions: the account exists, the agent exists, is active, is
// authorized for the account's bucket, and holds no other account.
// On success a TASK_SELECTION signal goes to the agent and a TASK_CHANGING
// signal to the agent and the account's group (the account left the pool).
func (c *Coordinator) Claim(ctx context.Context, accountID, agentID string) (Result, error) {
	if c.metrics != nil {
		c.metrics.ClaimAttempts.Add(ctx, 1)
	}

	res, err := c.authorize(ctx, accountID, agentID, "claim")
	if err != nil || !res.Success {
		return res, err
	}

	// One claimed account per agent, enforced here rather than in the store.
	owned, err := c.store.ListOwned(ctx, agentID)
	if err != nil {
		return Result{}, fmt.Errorf("list owned for claim: %w", err)
	}
	for _, o := range owned {
		if o.ID != accountID {
			audit.Record("deny", "claim", CodeHoldingAnother, agentID)
			return Result{Code: CodeHoldingAnother,
				Message: fmt.Sprintf("agent already holds account %s; release or swap first", o.ID)}, nil
		}
	}

	acct, err := c.store.ClaimAccount(ctx, accountID, agentID, c.leaseDur)
	if err != nil {
		return c.mapClaimError(ctx, err, accountID, agentID, "claim")
	}

	audit.Record("allow", "claim", "claimed", agentID)
	c.logger.Info("account claimed", "account_id", accountID, "agent_id", agentID, "revision", acct.Revision)

	c.publish(bus.Signal{
		Topic:     bus.TopicTaskSelection,
		Kind:      "claimed",
		MemberIDs: []string{agentID},
		AccountID: accountID,
		Revision:  acct.Revision,
	})
	c.publish(bus.Signal{
		Topic:     bus.TopicTaskChanging,
		Kind:      "pool_shrunk",
		MemberIDs: memberSet(agentID, acct.GroupID),
		AccountID: accountID,
		Revision:  acct.Revision,
	})

	return Result{Success: true, Message: "account claimed"}, nil
}

// Release relinquishes ownership. Only the current owner may release; the
// account re-enters its group pool and a TASK_CHANGING signal goes to the
// agent and the group.
func (c *Coordinator) Release(ctx context.Context, accountID, agentID string) (Result, error) {
	acct, err := c.store.ReleaseAccount(ctx, accountID, agentID)
	if err != nil {
		return c.mapClaimError(ctx, err, accountID, agentID, "release")
	}

	audit.Record("allow", "release", "released", agentID)
	c.logger.Info("account released", "account_id", accountID, "agent_id", agentID, "revision", acct.Revision)

	c.publish(bus.Signal{
		Topic:     bus.TopicTaskChanging,
		Kind:      "pool_grown",
		MemberIDs: memberSet(agentID, acct.GroupID),
		AccountID: accountID,
		Revision:  acct.Revision,
	})
	return Result{Success: true, Message: "account released"}, nil
}

// Swap releases oldID and claims newID in one serialized transaction. On
// contention for newID nothing changes: the agent keeps its old claim and
// the caller sees ALREADY_CLAIMED. Callers preferring the two-step protocol
// may still Release then Claim and handle the documented mid-switch race.
func (c *Coordinator) Swap(ctx context.Context, oldID, newID, agentID string) (Result, error) {
	if c.metrics != nil {
		c.metrics.ClaimAttempts.Add(ctx, 1)
	}

	res, err := c.authorize(ctx, newID, agentID, "swap")
	if err != nil || !res.Success {
		return res, err
	}

	oldAcct, err := c.store.Account(ctx, oldID)
	if err != nil {
		return c.mapClaimError(ctx, err, oldID, agentID, "swap")
	}

	acct, err := c.store.SwapClaim(ctx, oldID, newID, agentID, c.leaseDur)
	if err != nil {
		return c.mapClaimError(ctx, err, newID, agentID, "swap")
	}

	audit.Record("allow", "swap", "swapped", agentID)
	c.logger.Info("claim swapped", "old_account_id", oldID, "new_account_id", newID, "agent_id", agentID)

	c.publish(bus.Signal{
		Topic:     bus.TopicTaskChanging,
		Kind:      "pool_grown",
		MemberIDs: memberSet(agentID, oldAcct.GroupID),
		AccountID: oldID,
	})
	c.publish(bus.Signal{
		Topic:     bus.TopicTaskSelection,
		Kind:      "claimed",
		MemberIDs: []string{agentID},
		AccountID: newID,
		Revision:  acct.Revision,
	})
	c.publish(bus.Signal{
		Topic:     bus.TopicTaskChanging,
		Kind:      "pool_shrunk",
		MemberIDs: memberSet(agentID, acct.GroupID),
		AccountID: newID,
		Revision:  acct.Revision,
	})
	return Result{Success: true, Message: "claim swapped"}, nil
}

// RenewLease extends the caller's claim lease. Returns false when the claim
// no longer exists (released, expired, or never held).
func (c *Coordinator) RenewLease(ctx context.Context, accountID, agentID string) (bool, error) {
	return c.store.RenewLease(ctx, accountID, agentID, c.leaseDur)
}

// ListOwned returns the accounts currently claimed by the agent.
func (c *Coordinator) ListOwned(ctx context.Context, agentID string) ([]store.Account, error) {
	return c.store.ListOwned(ctx, agentID)
}

// ListGroupPool returns the unclaimed accounts in the group visible to the
// requesting agent's buckets.
func (c *Coordinator) ListGroupPool(ctx context.Context, groupID, agentID string) ([]store.Account, error) {
	agent, err := c.store.Agent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	accounts, err := c.store.ListGroupPool(ctx, groupID, agent.BucketIDs)
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.PoolListTotal.Add(ctx, 1)
	}
	return accounts, nil
}

// RecordDisposition persists a confirmed disposition write and notifies the
// agent and the account's group.
func (c *Coordinator) RecordDisposition(ctx context.Context, d store.Disposition) (Result, error) {
	acct, err := c.store.Account(ctx, d.AccountID)
	if err != nil {
		return c.mapClaimError(ctx, err, d.AccountID, d.AgentID, "disposition")
	}
	if _, err := c.store.AddDisposition(ctx, d); err != nil {
		return c.mapClaimError(ctx, err, d.AccountID, d.AgentID, "disposition")
	}

	c.logger.Info("disposition recorded", "account_id", d.AccountID, "agent_id", d.AgentID, "code", d.Code)
	c.publish(bus.Signal{
		Topic:     bus.TopicNewDisposition,
		Kind:      "disposition_recorded",
		MemberIDs: memberSet(d.AgentID, acct.GroupID),
		AccountID: d.AccountID,
	})
	return Result{Success: true, Message: "disposition recorded"}, nil
}

// MoveAgentGroup reassigns an agent to a new group pool and notifies the
// agent plus both affected groups.
func (c *Coordinator) MoveAgentGroup(ctx context.Context, agentID, newGroupID string) (Result, error) {
	oldGroup, err := c.store.MoveAgentGroup(ctx, agentID, newGroupID)
	if err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			return Result{Code: CodeNotFound, Message: "unknown agent"}, nil
		}
		return Result{}, err
	}

	c.logger.Info("agent group changed", "agent_id", agentID, "from", oldGroup, "to", newGroupID)
	c.publish(bus.Signal{
		Topic:     bus.TopicGroupChanging,
		Kind:      "membership_changed",
		MemberIDs: memberSet(agentID, oldGroup, newGroupID),
	})
	return Result{Success: true, Message: "group membership updated"}, nil
}

// authorize verifies the agent exists, is active, and may see the account's
// bucket. The account is also resolved here so NotFound beats NotAuthorized.
func (c *Coordinator) authorize(ctx context.Context, accountID, agentID, action string) (Result, error) {
	acct, err := c.store.Account(ctx, accountID)
	if err != nil {
		return c.mapClaimError(ctx, err, accountID, agentID, action)
	}
	agent, err := c.store.Agent(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			audit.Record("deny", action, "unknown agent", agentID)
			return Result{Code: CodeNotAuthorized, Message: "unknown agent"}, nil
		}
		return Result{}, err
	}
	if agent.Status != "active" {
		audit.Record("deny", action, "agent inactive", agentID)
		return Result{Code: CodeNotAuthorized, Message: "agent is not active"}, nil
	}
	if !agent.AuthorizedFor(acct.BucketID) {
		audit.Record("deny", action, "bucket not authorized", agentID)
		return Result{Code: CodeNotAuthorized,
			Message: fmt.Sprintf("agent not authorized for bucket %s", acct.BucketID)}, nil
	}
	return Result{Success: true}, nil
}

// mapClaimError converts store sentinels into caller-facing results.
// Anything outside the taxonomy propagates as an infrastructure error.
func (c *Coordinator) mapClaimError(ctx context.Context, err error, accountID, agentID, action string) (Result, error) {
	switch {
	case errors.Is(err, store.ErrAlreadyClaimed):
		if c.metrics != nil {
			c.metrics.ClaimConflicts.Add(ctx, 1)
		}
		audit.Record("deny", action, "already claimed", agentID)
		return Result{Code: CodeAlreadyClaimed, Message: "account is already claimed by another agent"}, nil
	case errors.Is(err, store.ErrNotOwner):
		audit.Record("deny", action, "not owner", agentID)
		return Result{Code: CodeNotOwner, Message: "account is not owned by the caller"}, nil
	case errors.Is(err, store.ErrNotFound):
		return Result{Code: CodeNotFound, Message: fmt.Sprintf("unknown account %s", accountID)}, nil
	default:
		return Result{}, err
	}
}

func (c *Coordinator) publish(sig bus.Signal) {
	if c.notifier == nil {
		return
	}
	c.notifier.Publish(sig)
	if c.metrics != nil {
		c.metrics.SignalsPublished.Add(context.Background(), 1)
	}
}

// memberSet builds a deduplicated address set, dropping empty ids.
func memberSet(ids ...string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
