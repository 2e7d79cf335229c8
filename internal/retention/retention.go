package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"twinchat/pkg/config"
	"twinchat/pkg/logger"
	"twinchat/pkg/queue"
	"twinchat/pkg/store"
	"twinchat/pkg/telemetry"
)

// Report aggregates the outcome of one retention run. Sub-task failures are
// collected rather than aborting the run; a partially successful sweep still
// reports what it managed to remove.
type Report struct {
	StartedTS   int64             `json:"started_ts"`
	DurationMS  int64             `json:"duration_ms"`
	SoftDeleted int               `json:"soft_deleted"`
	HardDeleted int               `json:"hard_deleted"`
	QueuePurged int               `json:"queue_purged"`
	Retry       queue.DrainResult `json:"retry"`
	Errors      []string          `json:"errors,omitempty"`
}

// Sweeper runs the periodic retention pass: soft-delete messages past the
// retention window, hard-delete soft-deleted messages past the grace period,
// purge terminal queue entries and fold in a queue retry sweep. Scheduled by
// cron; RunOnce is also exposed for the admin trigger.
type Sweeper struct {
	store    *store.Store
	queue    *queue.Manager
	resolver queue.PushResolver

	cron         string
	retention    time.Duration
	grace        time.Duration
	queueCleanup time.Duration

	runMu sync.Mutex
	now   func() time.Time
}

// New builds a Sweeper from the retention config. The cron expression is
// validated up front so a bad config fails at bootstrap, not at 3am.
func New(st *store.Store, qm *queue.Manager, resolver queue.PushResolver, cfg config.RetentionConfig) (*Sweeper, error) {
	cronExpr := cfg.Cron
	if cronExpr == "" {
		cronExpr = config.DefaultRetentionCron
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("retention_invalid_cron", "cron", cronExpr)
		return nil, fmt.Errorf("invalid retention cron expression: %s", cronExpr)
	}
	days := func(n, fallback int) time.Duration {
		if n <= 0 {
			n = fallback
		}
		return time.Duration(n) * 24 * time.Hour
	}
	return &Sweeper{
		store:        st,
		queue:        qm,
		resolver:     resolver,
		cron:         cronExpr,
		retention:    days(cfg.RetentionDays, config.DefaultRetentionDays),
		grace:        days(cfg.GracePeriodDays, config.DefaultGracePeriodDays),
		queueCleanup: days(cfg.QueueCleanupDays, config.DefaultQueueCleanupDays),
		now:          time.Now,
	}, nil
}

// WithClock overrides the sweeper's time source. Intended for tests.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// RunOnce executes one full retention pass. At most one pass runs at a time;
// an admin trigger overlapping the scheduled run waits its turn.
func (s *Sweeper) RunOnce(ctx context.Context) Report {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := s.now().UTC()
	rep := Report{StartedTS: start.UnixNano()}
	fail := func(task string, err error) {
		rep.Errors = append(rep.Errors, task+": "+err.Error())
		logger.Error("retention_task_failed", "task", task, "error", err)
	}

	if n, err := s.store.SoftDeleteMessages(start.Add(-s.retention)); err != nil {
		fail("soft_delete", err)
	} else {
		rep.SoftDeleted = n
		telemetry.RetentionDeleted.WithLabelValues("soft").Add(float64(n))
	}

	if n, err := s.store.HardDeleteMessages(start.Add(-s.grace)); err != nil {
		fail("hard_delete", err)
	} else {
		rep.HardDeleted = n
		telemetry.RetentionDeleted.WithLabelValues("hard").Add(float64(n))
	}

	if n, err := s.store.DeleteTerminalQueueEntries(start.Add(-s.queueCleanup)); err != nil {
		fail("queue_cleanup", err)
	} else {
		rep.QueuePurged = n
		telemetry.RetentionDeleted.WithLabelValues("queue").Add(float64(n))
	}

	if s.resolver != nil {
		if res, err := s.queue.RetrySweep(ctx, s.resolver); err != nil {
			fail("retry_sweep", err)
		} else {
			rep.Retry = res
		}
	}

	elapsed := s.now().UTC().Sub(start)
	rep.DurationMS = elapsed.Milliseconds()
	telemetry.RetentionRuns.Observe(elapsed.Seconds())
	logger.Info("retention_run_complete",
		"soft_deleted", rep.SoftDeleted, "hard_deleted", rep.HardDeleted,
		"queue_purged", rep.QueuePurged, "retry_delivered", rep.Retry.Delivered,
		"duration_ms", rep.DurationMS, "errors", len(rep.Errors))
	return rep
}

// Start launches the cron scheduler goroutine. Returns a cancel func that
// stops it.
func (s *Sweeper) Start(ctx context.Context) context.CancelFunc {
	ctx2, cancel := context.WithCancel(ctx)
	go s.runScheduler(ctx2)
	logger.Info("retention_scheduler_started", "cron", s.cron,
		"retention", s.retention.String(), "grace", s.grace.String())
	return cancel
}

// runScheduler computes the next tick for the configured cron expression
// and sleeps until that time. Full cron syntax is supported.
func (s *Sweeper) runScheduler(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		default:
		}

		// allowCurrent=false so we always get the next future tick
		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(s.cron, now, false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", s.cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				logger.Info("retention_scheduler_stopping")
				return
			}
			continue
		}

		select {
		case <-time.After(next.Sub(now)):
			s.RunOnce(ctx)
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		}
	}
}
