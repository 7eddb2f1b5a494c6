package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/basket/colldesk/internal/bus"
)

const defaultReapInterval = 15 * time.Second

// Reaper periodically releases claims whose lease has lapsed, so accounts
// held by crashed or disconnected sessions flow back into their group pools.
// Disconnect itself never releases anything; only lease expiry does.
type Reaper struct {
	coord    *Coordinator
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReaper creates a reaper over the coordinator. A non-positive interval
// uses the default. When the coordinator runs without leases
// (LeaseDuration == 0) the reaper finds nothing to do and is harmless.
func NewReaper(coord *Coordinator, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = defaultReapInterval
	}
	return &Reaper{coord: coord, interval: interval}
}

// Start begins the reap loop in a background goroutine.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.coord.logger.Info("lease reaper started", "interval", r.interval)
}

// Stop cancels the loop and waits for it to exit.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.coord.logger.Info("lease reaper stopped")
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reap(ctx)
		}
	}
}

// reap frees expired claims and signals each affected agent and group the
// same way an explicit release would.
func (r *Reaper) reap(ctx context.Context) {
	expired, err := r.coord.store.ReleaseExpiredClaims(ctx)
	if err != nil {
		r.coord.logger.Error("release expired claims", "error", err)
		return
	}
	for _, e := range expired {
		r.coord.logger.Warn("claim lease expired",
			"account_id", e.AccountID, "agent_id", e.AgentID, "group_id", e.GroupID)
		r.coord.publish(bus.Signal{
			Topic:     bus.TopicTaskChanging,
			Kind:      "lease_expired",
			MemberIDs: memberSet(e.AgentID, e.GroupID),
			AccountID: e.AccountID,
			Revision:  e.Revision,
		})
	}
	if r.coord.metrics != nil && len(expired) > 0 {
		r.coord.metrics.LeasesExpired.Add(ctx, int64(len(expired)))
	}
}
