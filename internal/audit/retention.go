package audit

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultRetentionSchedule runs the purge daily at 03:15.
const DefaultRetentionSchedule = "15 3 * * *"

// Retention deletes audit day files older than a fixed number of days on a cron schedule.
type Retention struct {
	log  *Log
	days int
	cron *cron.Cron
}

// NewRetention schedules purges of l. days <= 0 disables purging.
func NewRetention(l *Log, days int, schedule string) (*Retention, error) {
	if schedule == "" {
		schedule = DefaultRetentionSchedule
	}
	r := &Retention{log: l, days: days, cron: cron.New()}
	if days <= 0 {
		return r, nil
	}
	if _, err := r.cron.AddFunc(schedule, func() { _, _ = r.RunOnce(time.Now()) }); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	return r, nil
}

// RunOnce purges files older than the retention window relative to now.
func (r *Retention) RunOnce(now time.Time) (int, error) {
	if r.days <= 0 {
		return 0, nil
	}
	removed, err := r.log.Prune(now.AddDate(0, 0, -r.days))
	if err != nil {
		log.Warn().Err(err).Int("removed", removed).Msg("audit_retention_failed")
		return removed, err
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Int("retention_days", r.days).Msg("audit_retention_purged")
	}
	return removed, nil
}

// Start begins the schedule.
func (r *Retention) Start() {
	r.cron.Start()
}

// Stop halts the schedule and waits for a running purge.
func (r *Retention) Stop() {
	<-r.cron.Stop().Done()
}
