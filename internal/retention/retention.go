// Package retention runs the scheduled purge of historical rows: claim
// events, audit entries and dispositions past their configured ages.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/colldesk/internal/config"
	"github.com/basket/colldesk/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the retention job.
type Config struct {
	Store     *store.Store
	Logger    *slog.Logger
	Retention config.RetentionConfig

	// Interval is the scheduler tick; defaults to 1 minute.
	Interval time.Duration
}

// Job fires store.RunRetention whenever the configured cron schedule is due.
type Job struct {
	store     *store.Store
	logger    *slog.Logger
	retention config.RetentionConfig
	interval  time.Duration

	mu      sync.Mutex
	nextRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a retention job. Returns an error when the cron expression
// does not parse; an empty schedule yields a nil job (retention disabled).
func New(cfg Config) (*Job, error) {
	if cfg.Retention.Schedule == "" {
		return nil, nil
	}
	sched, err := cronParser.Parse(cfg.Retention.Schedule)
	if err != nil {
		return nil, err
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{
		store:     cfg.Store,
		logger:    logger,
		retention: cfg.Retention,
		interval:  interval,
		nextRun:   sched.Next(time.Now()),
	}, nil
}

// Start begins the scheduler loop in a background goroutine.
func (j *Job) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.wg.Add(1)
	go j.loop(ctx)
	j.logger.Info("retention job started",
		"schedule", j.retention.Schedule, "next_run", j.NextRun())
}

// Stop cancels the loop and waits for it to exit.
func (j *Job) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
	j.logger.Info("retention job stopped")
}

// NextRun returns the next scheduled purge time.
func (j *Job) NextRun() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextRun
}

func (j *Job) loop(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.tick(ctx, time.Now())
		}
	}
}

func (j *Job) tick(ctx context.Context, now time.Time) {
	j.mu.Lock()
	due := !now.Before(j.nextRun)
	j.mu.Unlock()
	if !due {
		return
	}

	j.Run(ctx)

	sched, err := cronParser.Parse(j.retention.Schedule)
	if err != nil {
		// Validated in New; a parse failure here would be a programming error.
		j.logger.Error("retention: reparse schedule", "error", err)
		return
	}
	j.mu.Lock()
	j.nextRun = sched.Next(now)
	j.mu.Unlock()
}

// Run executes one purge pass immediately.
func (j *Job) Run(ctx context.Context) {
	res, err := j.store.RunRetention(ctx,
		j.retention.ClaimEventsDays, j.retention.AuditLogDays, j.retention.DispositionsDays)
	if err != nil {
		j.logger.Error("retention: purge failed", "error", err)
		return
	}
	j.logger.Info("retention: purge complete",
		"claim_events_purged", res.PurgedClaimEvents,
		"audit_rows_purged", res.PurgedAuditLogs,
		"dispositions_purged", res.PurgedDispositions,
	)
}
